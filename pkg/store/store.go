// Package store persists evaluated claim bundles keyed by bundle id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

var (
	ErrNotFound = errors.New("bundle not found")
	ErrExists   = errors.New("bundle already exists")
)

// Store persists the latest state of each bundle. Create inserts a new
// bundle and fails with ErrExists when the id is taken. Save is an upsert
// keyed by bundle id; approval re-runs overwrite the prior row.
type Store interface {
	Create(ctx context.Context, b *contracts.ClaimBundle) error
	Save(ctx context.Context, b *contracts.ClaimBundle) error
	Get(ctx context.Context, id string) (*contracts.ClaimBundle, error)
	List(ctx context.Context, filter Filter) ([]*contracts.ClaimBundle, error)
}

// Filter narrows List. Zero values match everything; results are newest first.
type Filter struct {
	AgentID  string
	Decision contracts.BundleDecision
	Limit    int
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func (f Filter) matches(b *contracts.ClaimBundle) bool {
	if f.AgentID != "" && b.OriginAgent.ID != f.AgentID {
		return false
	}
	if f.Decision != "" && b.Decision != f.Decision {
		return false
	}
	return true
}

// checkInserted maps an INSERT ... ON CONFLICT DO NOTHING that touched no
// rows to ErrExists.
func checkInserted(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create bundle %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	return nil
}

func encodeBundle(b *contracts.ClaimBundle) ([]byte, error) {
	if b == nil || b.ID == "" {
		return nil, errors.New("bundle id is required")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle %s: %w", b.ID, err)
	}
	return data, nil
}

func decodeBundle(data []byte) (*contracts.ClaimBundle, error) {
	var b contracts.ClaimBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode stored bundle: %w", err)
	}
	return &b, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
