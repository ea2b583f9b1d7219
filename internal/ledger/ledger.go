// Package ledger keeps an opt-in record of generation exchanges in SQLite.
// Only metadata is stored: sizes, outcome and latency. Message text never
// reaches the database.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"genaichat/internal/domain"
)

// Store implements conversation.Recorder on top of SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one exchange.
func (s *Store) Record(ctx context.Context, ex domain.Exchange) error {
	if ex.StartedAt.IsZero() {
		ex.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (session, provider, outcome, prompt_chars, reply_chars, history_len, with_document, latency_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.Session, ex.Provider, ex.Outcome, ex.PromptChars, ex.ReplyChars, ex.HistoryLen,
		boolToInt(ex.WithDocument), ex.LatencyMs, ex.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, provider, outcome, prompt_chars, reply_chars, history_len, with_document, latency_ms, started_at
		 FROM exchanges ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []domain.Exchange
	for rows.Next() {
		var (
			ex      domain.Exchange
			withDoc int
			started int64
		)
		if err := rows.Scan(&ex.Session, &ex.Provider, &ex.Outcome, &ex.PromptChars, &ex.ReplyChars,
			&ex.HistoryLen, &withDoc, &ex.LatencyMs, &started); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.WithDocument = withDoc != 0
		ex.StartedAt = time.UnixMilli(started)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Stats summarises the ledger.
type Stats struct {
	Total        int
	ByOutcome    map[string]int
	AvgLatencyMs float64
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByOutcome: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM exchanges GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByOutcome[outcome] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(latency_ms) FROM exchanges`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("query latency: %w", err)
	}
	st.AvgLatencyMs = avg.Float64
	return st, nil
}

// Prune deletes exchanges that started before cutoff and reports how many
// rows went away.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune exchanges: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned ledger", "rows", n)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
