package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistence/telemetry collaborator. It is one
// implementation of the backend boundary; the engine never depends on its
// storage format.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening DB: %w", err)
	}

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			provider TEXT NOT NULL,
			api_key_ref TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			requests INTEGER NOT NULL DEFAULT 1,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			reported_cost_usd REAL,
			reported_source TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_occurred_at ON usage_events(occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_provider ON usage_events(provider, api_key_ref);`,
		`CREATE TABLE IF NOT EXISTS schedule_periods (
			period_id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			api_key_ref TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			amount_usd REAL NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_periods_provider ON schedule_periods(provider);`,
		`CREATE TABLE IF NOT EXISTS provider_pricing (
			provider TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			amount_usd REAL NOT NULL DEFAULT 0,
			package_expires_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS provider_gap_fill (
			provider TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			amount_usd REAL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS spend_history (
			provider TEXT NOT NULL,
			day TEXT NOT NULL,
			tracked_total_usd REAL NOT NULL DEFAULT 0,
			scheduled_total_usd REAL NOT NULL DEFAULT 0,
			manual_total_usd REAL,
			manual_usd_per_req REAL,
			requests INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, day)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("telemetry: init schema: %w", err)
		}
	}
	return nil
}

// UsageEvent is one recorded upstream request before aggregation.
type UsageEvent struct {
	OccurredAt   time.Time
	Provider     string
	APIKeyRef    string
	Model        string
	Origin       string
	SessionID    string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64

	// Upstream-reported cost, when the provider's budget/quota API exposes
	// one. ReportedSource tags how: provider_budget_api, token_rate, or
	// provider_token_rate.
	ReportedCostUSD *float64
	ReportedSource  string
}

// Ingest appends usage events.
func (s *Store) Ingest(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("telemetry: ingest begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (
			occurred_at, provider, api_key_ref, model, origin, session_id,
			requests, input_tokens, output_tokens, total_tokens,
			reported_cost_usd, reported_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("telemetry: ingest prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		requests := ev.Requests
		if requests <= 0 {
			requests = 1
		}
		var reported any
		if ev.ReportedCostUSD != nil {
			reported = *ev.ReportedCostUSD
		}
		_, err := stmt.ExecContext(ctx,
			ev.OccurredAt.UTC().Format(time.RFC3339), ev.Provider, ev.APIKeyRef,
			ev.Model, ev.Origin, ev.SessionID,
			requests, ev.InputTokens, ev.OutputTokens, ev.TotalTokens,
			reported, ev.ReportedSource)
		if err != nil {
			return fmt.Errorf("telemetry: ingest insert: %w", err)
		}
	}
	return tx.Commit()
}

// PruneOlderThan drops usage events older than the retention window.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("telemetry: pruning events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StoreStats counts persisted rows, used by daemon diagnostics.
type StoreStats struct {
	Events      int64
	Periods     int64
	HistoryDays int64
}

func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	if s == nil || s.db == nil {
		return StoreStats{}, fmt.Errorf("telemetry: store not initialized")
	}
	stats := StoreStats{}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events`).Scan(&stats.Events); err != nil {
		return StoreStats{}, fmt.Errorf("telemetry: count usage_events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_periods`).Scan(&stats.Periods); err != nil {
		return StoreStats{}, fmt.Errorf("telemetry: count schedule_periods: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spend_history`).Scan(&stats.HistoryDays); err != nil {
		return StoreStats{}, fmt.Errorf("telemetry: count spend_history: %w", err)
	}
	return stats, nil
}

// DefaultDBPath is the store location under the user config dir.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("telemetry: resolving home dir: %w", err)
	}
	return filepath.Join(home, ".config", "costlens", "telemetry.db"), nil
}
