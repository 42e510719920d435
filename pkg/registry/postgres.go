package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresTiers reads agent tiers from the agent_tiers table.
type PostgresTiers struct {
	db *sql.DB
}

func NewPostgresTiers(db *sql.DB) *PostgresTiers {
	return &PostgresTiers{db: db}
}

// Init creates the agent_tiers table.
func (p *PostgresTiers) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_tiers (
		agent_id TEXT PRIMARY KEY,
		tier INTEGER NOT NULL CHECK (tier BETWEEN 0 AND 4),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);`
	_, err := p.db.ExecContext(ctx, query)
	return err
}

func (p *PostgresTiers) Tier(ctx context.Context, agentID string) (int, error) {
	var tier int
	err := p.db.QueryRowContext(ctx, "SELECT tier FROM agent_tiers WHERE agent_id = $1", agentID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownAgent
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get tier: %w", err)
	}
	return tier, nil
}

// Set upserts an agent's tier.
func (p *PostgresTiers) Set(ctx context.Context, agentID string, tier int) error {
	query := `
	INSERT INTO agent_tiers (agent_id, tier, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (agent_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = NOW()`
	if _, err := p.db.ExecContext(ctx, query, agentID, tier); err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return nil
}
