// Package sqlitestore persists the audit ledger in SQLite for
// single-node deployments that need durability without an external
// database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
)

// LedgerStorage implements ledger.Storage over a SQLite database. The
// full entry is stored as JSON alongside the columns queries filter on;
// seq keeps append order authoritative.
type LedgerStorage struct {
	db *sql.DB
	// mu serializes appends so seq order matches chain order.
	mu sync.Mutex
}

var _ ledger.Storage = (*LedgerStorage)(nil)

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*LedgerStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &LedgerStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewLedgerStorage wraps an existing database handle and migrates.
func NewLedgerStorage(db *sql.DB) (*LedgerStorage, error) {
	s := &LedgerStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LedgerStorage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		envelope_id TEXT,
		entry_hash TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_entries(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_envelope ON audit_entries(envelope_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Append stores one entry.
func (s *LedgerStorage) Append(ctx context.Context, e *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, event_type, actor_id, envelope_id, entry_hash, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EventType), e.ActorID, e.EnvelopeID, e.EntryHash, e.Timestamp, payload,
	)
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.ID, err)
	}
	return nil
}

// GetAll returns every entry in append order.
func (s *LedgerStorage) GetAll(ctx context.Context) ([]*ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Query returns matching entries in append order.
func (s *LedgerStorage) Query(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	query := `SELECT payload FROM audit_entries WHERE 1=1`
	var args []any
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.EventType))
	}
	if f.EnvelopeID != "" {
		query += ` AND envelope_id = ?`
		args = append(args, f.EnvelopeID)
	}
	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Close releases the database handle.
func (s *LedgerStorage) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e ledger.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
