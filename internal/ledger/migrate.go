package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is applied in order; each step runs once, tracked in
// schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: exchanges",
		SQL: `
		CREATE TABLE IF NOT EXISTS exchanges (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session       TEXT NOT NULL,
			provider      TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			prompt_chars  INTEGER NOT NULL DEFAULT 0,
			reply_chars   INTEGER NOT NULL DEFAULT 0,
			history_len   INTEGER NOT NULL DEFAULT 0,
			with_document INTEGER NOT NULL DEFAULT 0,
			latency_ms    INTEGER NOT NULL DEFAULT 0,
			started_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges(started_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: outcome index for stats",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_exchanges_outcome ON exchanges(outcome);`,
	},
}

// runMigrations applies every pending migration inside its own transaction.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying ledger migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
