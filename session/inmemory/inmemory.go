package inmemory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/gaffer/session"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Store keeps session records in process memory. Records are stored encoded
// so callers never share slices with the store.
type Store struct {
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	sessions map[string]entry
	// lastSweep is guarded by mu.
	lastSweep time.Time

	lockMu sync.Mutex
	locks  map[string]chan struct{}
	wait   time.Duration
}

// NewInMemorySessionStore builds a store whose records expire after ttl of
// inactivity (0 disables expiry) and whose locks wait at most lockWait.
func NewInMemorySessionStore(ttl, lockWait time.Duration) *Store {
	return &Store{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]entry),
		locks:    make(map[string]chan struct{}),
		wait:     lockWait,
	}
}

func (s *Store) Load(ctx context.Context, id string) (*session.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, session.ErrInvalidID
	}
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok && s.expired(e, s.now()) {
		s.mu.Lock()
		if cur, still := s.sessions[id]; still && s.expired(cur, s.now()) {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		ok = false
	}
	if !ok {
		return &session.Record{ID: id}, nil
	}
	var rec session.Record
	if err := json.Unmarshal(e.data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return session.ErrInvalidID
	}
	rec.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	e := entry{data: data}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.sessions[rec.ID] = e
	s.sweep()
	s.mu.Unlock()
	return nil
}

func (s *Store) expired(e entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// sweep drops expired records at most once per ttl; s.mu must be held.
func (s *Store) sweep() {
	now := s.now()
	if s.ttl <= 0 || now.Sub(s.lastSweep) < s.ttl {
		return
	}
	s.lastSweep = now
	for id, e := range s.sessions {
		if s.expired(e, now) {
			delete(s.sessions, id)
		}
	}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Lock acquires the per-session lock, waiting until it is free, the context
// ends, or the configured wait elapses.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	if strings.TrimSpace(id) == "" {
		return nil, session.ErrInvalidID
	}
	var timeout <-chan time.Time
	if s.wait > 0 {
		t := time.NewTimer(s.wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		s.lockMu.Lock()
		held, busy := s.locks[id]
		if !busy {
			ch := make(chan struct{})
			s.locks[id] = ch
			s.lockMu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					s.lockMu.Lock()
					delete(s.locks, id)
					s.lockMu.Unlock()
					close(ch)
				})
			}, nil
		}
		s.lockMu.Unlock()

		select {
		case <-held:
		case <-timeout:
			return nil, session.ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
