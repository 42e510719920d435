package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ResponseLevel is the graded severity of an agent's submission rate.
type ResponseLevel int

const (
	ResponseObserve ResponseLevel = iota
	ResponseThrottle
	ResponseInterrupt
	ResponseQuarantine
	ResponseFailClosed
)

func (r ResponseLevel) String() string {
	switch r {
	case ResponseObserve:
		return "OBSERVE"
	case ResponseThrottle:
		return "THROTTLE"
	case ResponseInterrupt:
		return "INTERRUPT"
	case ResponseQuarantine:
		return "QUARANTINE"
	case ResponseFailClosed:
		return "FAIL_CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

// Score maps a response level onto the threat scale. Anything at
// Interrupt or above exceeds the default adversarial threshold.
func (r ResponseLevel) Score() float64 {
	switch r {
	case ResponseObserve:
		return 0
	case ResponseThrottle:
		return 0.4
	case ResponseInterrupt:
		return 0.75
	case ResponseQuarantine:
		return 0.9
	default:
		return 1.0
	}
}

// Threshold triggers a level once the windowed rate has stayed at or above
// MaxRate for SustainedFor. The level is held until the rate has been below
// MaxRate for CooldownAfter.
type Threshold struct {
	Level         ResponseLevel `yaml:"level"`
	MaxRate       float64       `yaml:"max_rate"`
	SustainedFor  time.Duration `yaml:"sustained_for"`
	CooldownAfter time.Duration `yaml:"cooldown_after"`
}

// Ladder is the ordered escalation policy for the temporal scorer.
type Ladder struct {
	Window     time.Duration `yaml:"window"`
	Thresholds []Threshold   `yaml:"thresholds"`
}

// DefaultLadder is tuned for bundle submissions, which arrive far less often
// than raw tool effects.
func DefaultLadder() Ladder {
	return Ladder{
		Window: time.Minute,
		Thresholds: []Threshold{
			{Level: ResponseThrottle, MaxRate: 1, SustainedFor: 10 * time.Second, CooldownAfter: 30 * time.Second},
			{Level: ResponseInterrupt, MaxRate: 5, SustainedFor: 5 * time.Second, CooldownAfter: time.Minute},
			{Level: ResponseQuarantine, MaxRate: 10, SustainedFor: 2 * time.Second, CooldownAfter: 2 * time.Minute},
			{Level: ResponseFailClosed, MaxRate: 20, SustainedFor: time.Second, CooldownAfter: 5 * time.Minute},
		},
	}
}

// window is a sliding count of submissions. Callers hold the agent lock.
type window struct {
	size   time.Duration
	events []time.Time
}

func (w *window) record(now time.Time) {
	w.events = append(w.events, now)
	w.prune(now)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}

func (w *window) rate() float64 {
	if len(w.events) == 0 || w.size <= 0 {
		return 0
	}
	return float64(len(w.events)) / w.size.Seconds()
}

type agentState struct {
	win          window
	level        ResponseLevel
	levelSince   time.Time
	sustainStart map[ResponseLevel]time.Time
}

// TemporalScorer tracks each agent's submission rate and scores it through
// the graded response ladder. Every Evaluate counts as one submission.
type TemporalScorer struct {
	mu     sync.Mutex
	ladder Ladder
	clock  Clock
	agents map[string]*agentState
}

// NewTemporalScorer creates a scorer. A nil clock uses wall time.
func NewTemporalScorer(ladder Ladder, clock Clock) *TemporalScorer {
	if clock == nil {
		clock = wallClock{}
	}
	return &TemporalScorer{
		ladder: ladder,
		clock:  clock,
		agents: make(map[string]*agentState),
	}
}

func (ts *TemporalScorer) Evaluate(_ context.Context, req Request) (Assessment, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock.Now()
	st, ok := ts.agents[req.AgentID]
	if !ok {
		st = &agentState{
			win:          window{size: ts.ladder.Window},
			levelSince:   now,
			sustainStart: make(map[ResponseLevel]time.Time),
		}
		ts.agents[req.AgentID] = st
	}

	st.win.record(now)
	rate := st.win.rate()
	ts.deescalate(st, rate, now)
	ts.escalate(st, rate, now)

	if st.level == ResponseObserve {
		return Assessment{}, nil
	}
	return Assessment{
		ThreatScore: st.level.Score(),
		Description: fmt.Sprintf("agent %s at %s (%.2f bundles/s)", req.AgentID, st.level, rate),
	}, nil
}

// Level reports an agent's current response level.
func (ts *TemporalScorer) Level(agentID string) ResponseLevel {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if st, ok := ts.agents[agentID]; ok {
		return st.level
	}
	return ResponseObserve
}

func (ts *TemporalScorer) escalate(st *agentState, rate float64, now time.Time) {
	for _, t := range ts.ladder.Thresholds {
		if t.Level <= st.level {
			continue
		}
		if rate < t.MaxRate {
			delete(st.sustainStart, t.Level)
			continue
		}
		start, seen := st.sustainStart[t.Level]
		if !seen {
			st.sustainStart[t.Level] = now
			start = now
		}
		if now.Sub(start) >= t.SustainedFor {
			st.level = t.Level
			st.levelSince = now
			for l := range st.sustainStart {
				if l <= t.Level {
					delete(st.sustainStart, l)
				}
			}
		}
	}
}

func (ts *TemporalScorer) deescalate(st *agentState, rate float64, now time.Time) {
	if st.level == ResponseObserve {
		return
	}
	for _, t := range ts.ladder.Thresholds {
		if t.Level != st.level {
			continue
		}
		if rate < t.MaxRate && now.Sub(st.levelSince) >= t.CooldownAfter {
			st.level--
			st.levelSince = now
			for l := range st.sustainStart {
				if l >= t.Level {
					delete(st.sustainStart, l)
				}
			}
		}
		return
	}
}
