package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailflow/internal/auth"
)

// JournalStore persists auth events in a local SQLite database. It is the
// subsystem's auth.Journal implementation; token and password values are
// never written to it.
type JournalStore struct {
	db *sqlx.DB
}

// Open opens (or creates) a SQLite database at dbPath, enables WAL mode,
// and runs any pending schema migrations.
func Open(dbPath string) (*JournalStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &JournalStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *JournalStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *JournalStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Record implements auth.Journal.
func (s *JournalStore) Record(ctx context.Context, ev auth.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events (id, flow_id, account, provider, event, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.FlowID, ev.Account, ev.Provider,
		ev.Name, ev.Outcome, ev.Detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording auth event: %w", err)
	}
	return nil
}

// StoredEvent is an auth event as read back from the journal.
type StoredEvent struct {
	ID        string    `db:"id"`
	FlowID    string    `db:"flow_id"`
	Account   string    `db:"account"`
	Provider  string    `db:"provider"`
	Event     string    `db:"event"`
	Outcome   string    `db:"outcome"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// Recent returns the newest events for an account, most recent first.
func (s *JournalStore) Recent(ctx context.Context, account string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	var events []StoredEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM auth_events
		WHERE account = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying auth events for %s: %w", account, err)
	}
	return events, nil
}
