// Package store keeps the request log: one row per assistant turn plus one
// row per tool call made during it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
)

type Store struct {
	DB *sql.DB
}

// Summary aggregates the request log over a time window.
type Summary struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	TotalRequests int64     `json:"total_requests"`
	TotalTokens   int64     `json:"total_tokens"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	Errors        int64     `json:"errors"`
	Unresolved    int64     `json:"unresolved"`
	ErrorRate     float64   `json:"error_rate"`
}

// ToolStat aggregates tool_usage rows for one tool.
type ToolStat struct {
	Tool          string  `json:"tool"`
	Calls         int64   `json:"calls"`
	Failures      int64   `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// ErrInvalidWindow is returned when a summary window ends before it starts.
var ErrInvalidWindow = errors.New("store: window end precedes start")

// New wraps an open database handle.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

const insertRequest = `
INSERT INTO requests (id, user_id, session_id, route, prompt, response, tokens_in, tokens_out, latency_ms, model, status, error, tools_used, cycles, trace, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`

const insertToolUsage = `
INSERT INTO tool_usage (request_id, call_key, tool_name, duration_ms, failed, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`

// RecordTurn writes the turn and its tool calls in one transaction.
func (s *Store) RecordTurn(ctx context.Context, rec core.TurnRecord) error {
	id := rec.TurnID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	created := rec.StartedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	trace, err := json.Marshal(rec.Trace)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	tools := make([]string, 0, len(rec.Tools))
	seen := map[string]bool{}
	for _, t := range rec.Tools {
		if !seen[t.Tool] {
			seen[t.Tool] = true
			tools = append(tools, t.Tool)
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertRequest,
		id, nullable(rec.UserID), rec.SessionID, nullable(rec.Route), rec.Prompt, rec.Reply,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Latency.Milliseconds(), nullable(rec.Model),
		string(rec.Status), nullable(rec.Error), pq.Array(tools), rec.Cycles, trace, created,
	); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	for _, t := range rec.Tools {
		if _, err := tx.ExecContext(ctx, insertToolUsage, id, t.Key, t.Tool, t.Duration.Milliseconds(), t.Failed, created); err != nil {
			return fmt.Errorf("insert tool usage %s: %w", t.Key, err)
		}
	}
	return tx.Commit()
}

// Summary reports totals for requests created in [from, to).
func (s *Store) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	out := Summary{From: from, To: to}
	if to.Before(from) {
		return out, ErrInvalidWindow
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(tokens_in + tokens_out), 0),
       COALESCE(AVG(latency_ms), 0),
       COUNT(*) FILTER (WHERE status = 'error'),
       COUNT(*) FILTER (WHERE status = 'unresolved')
FROM requests
WHERE created_at >= $1 AND created_at < $2
`, from, to)
	if err := row.Scan(&out.TotalRequests, &out.TotalTokens, &out.AvgLatencyMs, &out.Errors, &out.Unresolved); err != nil {
		return out, err
	}
	if out.TotalRequests > 0 {
		out.ErrorRate = float64(out.Errors) / float64(out.TotalRequests)
	}
	return out, nil
}

// ToolStats reports per-tool call counts for requests created in [from, to),
// busiest tool first.
func (s *Store) ToolStats(ctx context.Context, from, to time.Time) ([]ToolStat, error) {
	if to.Before(from) {
		return nil, ErrInvalidWindow
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT tool_name,
       COUNT(*),
       COUNT(*) FILTER (WHERE failed),
       COALESCE(AVG(duration_ms), 0)
FROM tool_usage
WHERE created_at >= $1 AND created_at < $2
GROUP BY tool_name
ORDER BY COUNT(*) DESC, tool_name
`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolStat
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.Tool, &st.Calls, &st.Failures, &st.AvgDurationMs); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
