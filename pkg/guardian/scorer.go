// Package guardian provides the threat-scoring collaborators consulted by the
// adversarial gate. A Scorer inspects the action an agent is about to take,
// its execution plan and recent history, and returns a scalar threat score.
package guardian

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Clock provides time for stateful scorers. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Request is the input to a threat assessment.
type Request struct {
	AgentID string   `json:"agent_id"`
	Tool    string   `json:"tool,omitempty"`
	Action  string   `json:"action"`
	Plan    []string `json:"plan"`
	History []string `json:"history"`
}

// Assessment is a scorer's verdict. ThreatScore is in [0,1].
type Assessment struct {
	ThreatScore float64 `json:"threat_score"`
	Description string  `json:"threat_description"`
}

// Scorer scores an action for adversarial patterns. Implementations must be
// safe for concurrent use and should honour ctx cancellation.
type Scorer interface {
	Evaluate(ctx context.Context, req Request) (Assessment, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, req Request) (Assessment, error)

func (f ScorerFunc) Evaluate(ctx context.Context, req Request) (Assessment, error) {
	return f(ctx, req)
}

// Static always returns the same assessment.
type Static Assessment

func (s Static) Evaluate(_ context.Context, _ Request) (Assessment, error) {
	return Assessment(s), nil
}

// Baseline is the score used when no scorer is configured.
var Baseline = Static{ThreatScore: 0.2, Description: "baseline"}

// MaxScorer consults every scorer in order and keeps the highest score. Any
// error aborts the evaluation so the caller can fail closed.
type MaxScorer []Scorer

func (m MaxScorer) Evaluate(ctx context.Context, req Request) (Assessment, error) {
	var best Assessment
	var notes []string
	for _, s := range m {
		if err := ctx.Err(); err != nil {
			return Assessment{}, err
		}
		a, err := s.Evaluate(ctx, req)
		if err != nil {
			return Assessment{}, err
		}
		if err := checkScore(a.ThreatScore); err != nil {
			return Assessment{}, err
		}
		if a.ThreatScore > best.ThreatScore {
			best.ThreatScore = a.ThreatScore
		}
		if a.Description != "" && a.ThreatScore > 0 {
			notes = append(notes, a.Description)
		}
	}
	best.Description = strings.Join(notes, "; ")
	return best, nil
}

func checkScore(s float64) error {
	if !(s >= 0 && s <= 1) {
		return fmt.Errorf("guardian: threat score %v out of range [0,1]", s)
	}
	return nil
}
