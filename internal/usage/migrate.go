package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations run in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "completion call ledger",
		SQL: `
		CREATE TABLE IF NOT EXISTS calls (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id        TEXT DEFAULT '',
			rule              TEXT NOT NULL,
			chunk             INTEGER DEFAULT 0,
			model             TEXT DEFAULT '',
			outcome           TEXT NOT NULL,
			error_class       TEXT DEFAULT '',
			attempts          INTEGER DEFAULT 0,
			prompt_tokens     INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			total_tokens      INTEGER DEFAULT 0,
			latency_ms        INTEGER DEFAULT 0,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_calls_time ON calls(created_at);
		`,
	},
	{
		Version:     2,
		Description: "finish reason and per-rule index",
		SQL: `
		ALTER TABLE calls ADD COLUMN finish_reason TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_calls_rule ON calls(rule, created_at);
		`,
	},
}

// RunMigrations applies pending migrations. A statement that fails because
// its column or table already exists is skipped.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		for _, stmt := range splitSQL(m.SQL) {
			if _, err := db.Exec(stmt); err != nil {
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
					logger.Debug("migration statement skipped", "version", m.Version)
					continue
				}
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := db.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func splitSQL(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
