package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/gaffer/session"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix   = "gaffer:session"
	defaultLockTTL  = 2 * time.Minute
	lockPollBackoff = 50 * time.Millisecond
)

var releaseLockScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// Store persists session records as JSON documents in Redis and serialises
// turns with a SET NX lock per session.
type Store struct {
	client  goredis.UniversalClient
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
	wait    time.Duration
}

// Option customises the store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithLockTTL bounds how long a crashed turn can hold a session lock.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// New creates a Redis-backed store. ttl expires idle sessions (0 keeps them);
// lockWait bounds how long Lock waits for a busy session.
func New(client goredis.UniversalClient, ttl, lockWait time.Duration, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, ttl: ttl, lockTTL: defaultLockTTL, wait: lockWait}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(id string) string     { return fmt.Sprintf("%s:%s", s.prefix, id) }
func (s *Store) lockKey(id string) string { return fmt.Sprintf("%s:%s:lock", s.prefix, id) }

func (s *Store) Load(ctx context.Context, id string) (*session.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, session.ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return &session.Record{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return session.ErrInvalidID
	}
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Lock polls SET NX until the session lock is acquired. The lock value is a
// random token so release only deletes a lock this caller still owns.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, session.ErrInvalidID
	}
	key := s.lockKey(id)
	token := uuid.NewString()
	var deadline time.Time
	if s.wait > 0 {
		deadline = time.Now().Add(s.wait)
	}
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock session %s: %w", id, err)
		}
		if ok {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				// Release with a fresh context so a cancelled turn still frees its lock.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				releaseLockScript.Run(rctx, s.client, []string{key}, token) //nolint:errcheck
			}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, session.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollBackoff):
		}
	}
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
