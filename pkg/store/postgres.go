package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable bundle store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the claim_bundles table if needed.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS claim_bundles (
		bundle_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		body JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claim_bundles_agent ON claim_bundles(agent_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, b *contracts.ClaimBundle) error {
	body, err := encodeBundle(b)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO claim_bundles (bundle_id, agent_id, decision, created_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bundle_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, b.ID, b.OriginAgent.ID, string(b.Decision), b.Timestamp.UTC(), body)
	if err != nil {
		return fmt.Errorf("failed to create bundle %s: %w", b.ID, err)
	}
	return checkInserted(res, b.ID)
}

func (s *PostgresStore) Save(ctx context.Context, b *contracts.ClaimBundle) error {
	body, err := encodeBundle(b)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO claim_bundles (bundle_id, agent_id, decision, created_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bundle_id) DO UPDATE SET
			decision = EXCLUDED.decision,
			updated_at = NOW(),
			body = EXCLUDED.body
	`
	_, err = s.db.ExecContext(ctx, query, b.ID, b.OriginAgent.ID, string(b.Decision), b.Timestamp.UTC(), body)
	if err != nil {
		return fmt.Errorf("failed to save bundle %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.ClaimBundle, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM claim_bundles WHERE bundle_id = $1", id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeBundle(body)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*contracts.ClaimBundle, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where = append(where, "agent_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Decision != "" {
		args = append(args, string(filter.Decision))
		where = append(where, "decision = $"+strconv.Itoa(len(args)))
	}
	query := "SELECT body FROM claim_bundles"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += " ORDER BY created_at DESC, bundle_id ASC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bundles []*contracts.ClaimBundle
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		b, err := decodeBundle(body)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bundles, nil
}
