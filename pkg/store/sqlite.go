package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the lite-mode store used when no DATABASE_URL is configured.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
// ":memory:" is pinned to a single connection so every query sees the same
// database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS claim_bundles (
        bundle_id TEXT PRIMARY KEY,
        agent_id TEXT NOT NULL,
        decision TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        body JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_claim_bundles_agent ON claim_bundles(agent_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, b *contracts.ClaimBundle) error {
	body, err := encodeBundle(b)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `INSERT INTO claim_bundles (bundle_id, agent_id, decision, created_at, updated_at, body)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(bundle_id) DO NOTHING`,
		b.ID, b.OriginAgent.ID, string(b.Decision),
		b.Timestamp.UTC().Format(time.RFC3339Nano), now, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create bundle %s: %w", b.ID, err)
	}
	return checkInserted(res, b.ID)
}

func (s *SQLiteStore) Save(ctx context.Context, b *contracts.ClaimBundle) error {
	body, err := encodeBundle(b)
	if err != nil {
		return err
	}
	query := `INSERT INTO claim_bundles (bundle_id, agent_id, decision, created_at, updated_at, body)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(bundle_id) DO UPDATE SET
            decision = excluded.decision,
            updated_at = excluded.updated_at,
            body = excluded.body`
	_, err = s.db.ExecContext(ctx, query,
		b.ID, b.OriginAgent.ID, string(b.Decision),
		b.Timestamp.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save bundle %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.ClaimBundle, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM claim_bundles WHERE bundle_id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeBundle([]byte(body))
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*contracts.ClaimBundle, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(filter.Decision))
	}
	query := `SELECT body, created_at FROM claim_bundles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, bundle_id ASC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bundles []*contracts.ClaimBundle
	for rows.Next() {
		var body, createdAt string
		if err := rows.Scan(&body, &createdAt); err != nil {
			return nil, err
		}
		b, err := decodeBundle([]byte(body))
		if err != nil {
			return nil, err
		}
		if b.Timestamp.IsZero() {
			b.Timestamp = parseTime(createdAt)
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bundles, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
