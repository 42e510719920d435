// Package audit is the append-only event log for the claim pipeline. Events
// are hash chained and, when a seal secret is configured, each event hash is
// sealed with an HMAC so the chain cannot be silently rebuilt.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/claimgate/pkg/canonicalize"
)

var (
	ErrNotFound     = errors.New("audit event not found")
	ErrChainBroken  = errors.New("hash chain is broken")
	ErrSealMismatch = errors.New("event seal mismatch")
)

const genesis = "genesis"

// EventType categorises pipeline events.
type EventType string

const (
	EventBundleEvaluated      EventType = "BUNDLE_EVALUATED"
	EventEvaluationIncomplete EventType = "EVALUATION_INCOMPLETE"
	EventEscalationOpened     EventType = "ESCALATION_OPENED"
	EventApprovalSubmitted    EventType = "APPROVAL_SUBMITTED"
)

// Event is one immutable log record. TraceID is returned to callers so they
// can fetch the record later.
type Event struct {
	TraceID      string          `json:"trace_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EventType    EventType       `json:"event_type"`
	AgentID      string          `json:"agent_id"`
	BundleID     string          `json:"bundle_id,omitempty"`
	Details      json.RawMessage `json:"details"`
	DetailsHash  string          `json:"details_hash"`
	PreviousHash string          `json:"previous_hash"`
	EventHash    string          `json:"event_hash"`
	Seal         string          `json:"seal,omitempty"`
}

// Clock provides event timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Handler observes appended events. Handlers run under the log's write lock
// and must not call back into the log.
type Handler func(e Event)

// Log is safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	events    []*Event
	byTrace   map[string]*Event
	sequence  uint64
	chainHead string
	sealKey   []byte
	clock     Clock
	handlers  []Handler
}

// Option configures a Log.
type Option func(*Log)

func WithClock(c Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithSealSecret enables HMAC sealing with a key derived from secret.
func WithSealSecret(secret []byte) Option {
	return func(l *Log) {
		if len(secret) == 0 {
			return
		}
		key, err := deriveSealKey(secret)
		if err == nil {
			l.sealKey = key
		}
	}
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		events:    make([]*Event, 0),
		byTrace:   make(map[string]*Event),
		chainHead: genesis,
		clock:     wallClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func deriveSealKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte("claimgate-audit"), []byte("event-seal-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

// Sealed reports whether events are HMAC sealed.
func (l *Log) Sealed() bool { return len(l.sealKey) > 0 }

// Append records an event and returns a copy including its trace id.
func (l *Log) Append(eventType EventType, agentID, bundleID string, details any) (Event, error) {
	raw, err := canonicalize.JCS(details)
	if err != nil {
		return Event{}, fmt.Errorf("failed to canonicalize details: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Event{
		TraceID:      uuid.NewString(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock.Now().UTC(),
		EventType:    eventType,
		AgentID:      agentID,
		BundleID:     bundleID,
		Details:      raw,
		DetailsHash:  "sha256:" + canonicalize.HashBytes(raw),
		PreviousHash: l.chainHead,
	}
	hash, err := computeEventHash(e)
	if err != nil {
		return Event{}, err
	}
	e.EventHash = hash
	if l.Sealed() {
		e.Seal = l.seal(hash)
	}

	l.sequence++
	l.chainHead = hash
	l.events = append(l.events, e)
	l.byTrace[e.TraceID] = e

	for _, h := range l.handlers {
		h(*e)
	}
	return *e, nil
}

func computeEventHash(e *Event) (string, error) {
	h, err := canonicalize.PrefixedHash(struct {
		TraceID      string    `json:"trace_id"`
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EventType    EventType `json:"event_type"`
		AgentID      string    `json:"agent_id"`
		BundleID     string    `json:"bundle_id"`
		DetailsHash  string    `json:"details_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.TraceID, e.Sequence, e.Timestamp, e.EventType, e.AgentID, e.BundleID, e.DetailsHash, e.PreviousHash})
	if err != nil {
		return "", fmt.Errorf("failed to hash event: %w", err)
	}
	return h, nil
}

func (l *Log) seal(hash string) string {
	mac := hmac.New(sha256.New, l.sealKey)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// AddHandler registers a handler for new events.
func (l *Log) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	AgentID   string
	EventType EventType
	BundleID  string
	Limit     int
}

func (f Filter) matches(e *Event) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.BundleID != "" && e.BundleID != f.BundleID {
		return false
	}
	return true
}

// Query returns matching events in append order.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if !f.matches(e) {
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// GetTrace returns the event with traceID.
func (l *Log) GetTrace(traceID string) (Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byTrace[traceID]
	if !ok {
		return Event{}, ErrNotFound
	}
	return *e, nil
}

// Size returns the number of events.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Head returns the hash of the latest event, or "genesis".
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// VerifyChain recomputes every hash, link and seal.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verify(l.events, l.sealKey)
}

func verify(events []*Event, sealKey []byte) error {
	expectedPrev := genesis
	for i, e := range events {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: event %d has previous_hash %s but expected %s", ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		details, err := canonicalize.Raw(e.Details)
		if err != nil {
			return fmt.Errorf("%w: event %d details: %w", ErrChainBroken, i, err)
		}
		if got := "sha256:" + canonicalize.HashBytes(details); got != e.DetailsHash {
			return fmt.Errorf("%w: event %d details hash mismatch", ErrChainBroken, i)
		}
		computed, err := computeEventHash(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EventHash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)", ErrChainBroken, i, computed, e.EventHash)
		}
		if len(sealKey) > 0 {
			mac := hmac.New(sha256.New, sealKey)
			mac.Write([]byte(e.EventHash))
			want, _ := hex.DecodeString(e.Seal)
			if !hmac.Equal(mac.Sum(nil), want) {
				return fmt.Errorf("%w: event %d", ErrSealMismatch, i)
			}
		}
		expectedPrev = e.EventHash
	}
	return nil
}

// Export is a self-describing snapshot of the log.
type Export struct {
	ExportedAt time.Time `json:"exported_at"`
	ChainHead  string    `json:"chain_head"`
	Sealed     bool      `json:"sealed"`
	Events     []Event   `json:"events"`
}

// ExportJSON serialises the full log.
func (l *Log) ExportJSON() ([]byte, error) {
	l.mu.RLock()
	exp := Export{
		ExportedAt: l.clock.Now().UTC(),
		ChainHead:  l.chainHead,
		Sealed:     len(l.sealKey) > 0,
		Events:     make([]Event, len(l.events)),
	}
	for i, e := range l.events {
		exp.Events[i] = *e
	}
	l.mu.RUnlock()
	return json.MarshalIndent(exp, "", "  ")
}

// VerifyExport checks an exported log. secret may be nil to skip seals.
func VerifyExport(data []byte, secret []byte) error {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return fmt.Errorf("decode export: %w", err)
	}
	events := make([]*Event, len(exp.Events))
	for i := range exp.Events {
		events[i] = &exp.Events[i]
	}
	var key []byte
	if len(secret) > 0 {
		k, err := deriveSealKey(secret)
		if err != nil {
			return err
		}
		key = k
	}
	if err := verify(events, key); err != nil {
		return err
	}
	if len(events) > 0 && events[len(events)-1].EventHash != exp.ChainHead {
		return fmt.Errorf("%w: chain head mismatch", ErrChainBroken)
	}
	return nil
}
