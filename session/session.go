package session

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn entry.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Context holds the per-session facts used to ground model calls. Zero or nil
// fields mean "unknown".
type Context struct {
	ManagerID   int        `json:"manager_id,omitempty"`
	ManagerName string     `json:"manager_name,omitempty"`
	TeamName    string     `json:"team_name,omitempty"`
	OverallRank int        `json:"overall_rank,omitempty"`
	TotalPoints int        `json:"total_points,omitempty"`
	Bank        *float64   `json:"bank,omitempty"`
	TeamValue   *float64   `json:"team_value,omitempty"`
	Gameweek    int        `json:"gameweek,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.Bank != nil {
		v := *c.Bank
		out.Bank = &v
	}
	if c.TeamValue != nil {
		v := *c.TeamValue
		out.TeamValue = &v
	}
	if c.Deadline != nil {
		v := *c.Deadline
		out.Deadline = &v
	}
	return &out
}

// Identity is the result of resolving who a session belongs to.
type Identity struct {
	UserID      string
	ManagerID   int
	ManagerName string
	TeamName    string
	OverallRank int
	TotalPoints int
	Bank        *float64
	TeamValue   *float64
}

// Period describes the current competition period.
type Period struct {
	Gameweek int
	Deadline time.Time
}

// Record is the state persisted between turns under a session id.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Context   *Context  `json:"context,omitempty"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trim keeps only the newest max messages. max <= 0 keeps everything.
func (r *Record) Trim(max int) {
	if max <= 0 || len(r.Messages) <= max {
		return
	}
	r.Messages = append([]Message(nil), r.Messages[len(r.Messages)-max:]...)
}

var (
	// ErrLockTimeout is returned when a session stays locked by another turn
	// longer than the configured wait.
	ErrLockTimeout = errors.New("session is busy")
	// ErrInvalidID rejects empty session ids.
	ErrInvalidID = errors.New("invalid session id")
)

// Store persists session records. Load returns an empty record carrying id
// when nothing is stored yet.
type Store interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
}

// Locker serialises turns per session id. The returned release function is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, id string) (release func(), err error)
}

// StoreType selects a Store implementation.
type StoreType string

const (
	InMemoryStore StoreType = "inmemory"
	RedisStore    StoreType = "redis"
)
