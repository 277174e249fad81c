// Package usage keeps a SQLite ledger of completion calls so token spend and
// suppressed failures can be reviewed after the fact.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Entry is one completion or fetch attempt as seen by the dispatcher.
type Entry struct {
	MessageID        string
	Rule             string
	Chunk            int
	Model            string
	Outcome          string
	ErrorClass       string
	Attempts         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	Latency          time.Duration
	CreatedAt        time.Time
}

// Totals aggregates the ledger for one rule.
type Totals struct {
	Rule             string
	Calls            int
	Failures         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	AvgLatency       time.Duration
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (message_id, rule, chunk, model, outcome, error_class, attempts,
		                    prompt_tokens, completion_tokens, total_tokens, finish_reason, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.Rule, e.Chunk, e.Model, e.Outcome, e.ErrorClass, e.Attempts,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.FinishReason, e.Latency.Milliseconds(), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summary returns per-rule totals for entries created at or after since.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]Totals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule,
		        COUNT(*),
		        SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		        COALESCE(SUM(prompt_tokens), 0),
		        COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM calls
		 WHERE created_at >= ?
		 GROUP BY rule
		 ORDER BY rule`,
		OutcomeFailed, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []Totals
	for rows.Next() {
		var t Totals
		var avgMs float64
		if err := rows.Scan(&t.Rule, &t.Calls, &t.Failures, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &avgMs); err != nil {
			return nil, err
		}
		t.AvgLatency = time.Duration(avgMs * float64(time.Millisecond))
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentFailures returns up to limit failed entries, newest first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, rule, chunk, model, error_class, attempts, latency_ms, created_at
		 FROM calls WHERE outcome = ? ORDER BY id DESC LIMIT ?`,
		OutcomeFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.MessageID, &e.Rule, &e.Chunk, &e.Model, &e.ErrorClass, &e.Attempts, &ms, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = OutcomeFailed
		e.Latency = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the retention window and reports how many
// were removed. days <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}
