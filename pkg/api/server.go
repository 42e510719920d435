package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/claimgate/pkg/approval"
	"github.com/Mindburn-Labs/claimgate/pkg/audit"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/gates"
	"github.com/Mindburn-Labs/claimgate/pkg/pipeline"
	"github.com/Mindburn-Labs/claimgate/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to the pipeline service.
type Server struct {
	svc      *pipeline.Service
	verifier *approval.TokenVerifier
	limiter  *GlobalRateLimiter
	logger   *slog.Logger
}

type Option func(*Server)

// WithTokenVerifier enables POST /v1/bundles/{id}/approvals.
func WithTokenVerifier(v *approval.TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithRateLimiter installs the per-IP limiter in front of every route
// except /healthz.
func WithRateLimiter(rl *GlobalRateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(svc *pipeline.Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default().With("component", "api")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/bundles/evaluate", s.handleEvaluate)
	api.HandleFunc("GET /v1/bundles", s.handleListBundles)
	api.HandleFunc("GET /v1/bundles/{id}", s.handleGetBundle)
	api.HandleFunc("GET /v1/bundles/{id}/trail", s.handleTrail)
	api.HandleFunc("POST /v1/bundles/{id}/approvals", s.handleApproval)
	api.HandleFunc("GET /v1/escalations", s.handleEscalations)
	api.HandleFunc("GET /v1/audit/events", s.handleAuditEvents)
	api.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)

	var limited http.Handler = api
	if s.limiter != nil {
		limited = s.limiter.Middleware(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("/v1/", limited)
	return RequestID(root)
}

// EvaluateRequest is the body of POST /v1/bundles/evaluate. A body without
// a "bundle" field is treated as a bare bundle.
type EvaluateRequest struct {
	Bundle    json.RawMessage `json:"bundle"`
	Tool      string          `json:"tool,omitempty"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Action    string          `json:"action,omitempty"`
	Plan      []string        `json:"plan,omitempty"`
	History   []string        `json:"history,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var req EvaluateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if len(req.Bundle) == 0 {
		req = EvaluateRequest{Bundle: raw}
	}

	b, err := contracts.DecodeBundle(req.Bundle)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	res, err := s.svc.Evaluate(r.Context(), b, pipeline.Options{
		Tool:      req.Tool,
		Arguments: req.Arguments,
		Request:   gates.RequestInfo{Transport: gates.TransportHTTP, Origin: r.Header.Get("Origin")},
		Action:    req.Action,
		Plan:      req.Plan,
		History:   req.History,
	})
	switch {
	case errors.Is(err, contracts.ErrInvalidBundle):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, store.ErrExists):
		WriteConflict(w, r, "bundle "+b.ID+" was already evaluated")
	case errors.Is(err, gates.ErrEvaluationIncomplete) && res != nil:
		// The client went away or timed out; the DEFER result is recorded.
		writeJSON(w, http.StatusOK, res)
	case err != nil:
		WriteInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	f := store.Filter{
		AgentID:  q.Get("agent_id"),
		Decision: contracts.BundleDecision(strings.ToUpper(q.Get("decision"))),
		Limit:    limit,
	}
	if f.Decision != "" && !f.Decision.Valid() {
		WriteBadRequest(w, r, "unknown decision "+string(f.Decision))
		return
	}
	bundles, err := s.svc.List(r.Context(), f)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": bundles, "count": len(bundles)})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// TrailResponse is the reasoning path of one bundle.
type TrailResponse struct {
	BundleID       string                    `json:"bundle_id"`
	Decision       contracts.BundleDecision  `json:"decision"`
	ReasoningPath  []contracts.GateRecord    `json:"reasoning_path"`
	HumanApprovals []contracts.HumanApproval `json:"human_approvals"`
	Runs           []pipeline.Run            `json:"runs"`
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	path := b.AuditTrail.GateResults
	if path == nil {
		path = []contracts.GateRecord{}
	}
	writeJSON(w, http.StatusOK, TrailResponse{
		BundleID:       b.ID,
		Decision:       b.Decision,
		ReasoningPath:  path,
		HumanApprovals: b.AuditTrail.HumanApprovals,
		Runs:           s.svc.History(pipeline.HistoryFilter{BundleID: b.ID}),
	})
}

// ApprovalRequest is the body of POST /v1/bundles/{id}/approvals.
type ApprovalRequest struct {
	Decision contracts.ApprovalDecision `json:"decision"`
	Reason   string                     `json:"reason"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "approvals are disabled: APPROVER_JWT_SECRET is not set")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}
	approver, err := s.verifier.Verify(token)
	if err != nil {
		WriteUnauthorized(w, r, "invalid approver token")
		return
	}

	raw, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	var req ApprovalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	req.Decision = contracts.ApprovalDecision(strings.ToUpper(string(req.Decision)))

	out, err := s.svc.SubmitApproval(r.Context(), r.PathValue("id"), approver, req.Decision, req.Reason)
	switch {
	case errors.Is(err, approval.ErrInvalidDecision):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, approval.ErrNotAuthorized):
		WriteForbidden(w, r, err.Error())
	case errors.Is(err, approval.ErrNoEscalation), errors.Is(err, pipeline.ErrNoRequest):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, gates.ErrEvaluationIncomplete) && out != nil:
		writeJSON(w, http.StatusOK, out)
	case err != nil:
		WriteInternal(w, r, err)
	default:
		s.logger.Info("approval recorded", "bundle_id", r.PathValue("id"), "approver", approver.ID, "decision", req.Decision)
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.Escalations(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": pending, "count": len(pending)})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	events := s.svc.AuditEvents(audit.Filter{
		AgentID:   q.Get("agent_id"),
		EventType: audit.EventType(strings.ToUpper(q.Get("event_type"))),
		BundleID:  q.Get("bundle_id"),
		Limit:     limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.VerifyAudit(); err != nil {
		WriteConflict(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.Escalations(r.Context())
	if err != nil {
		s.logger.Warn("health: escalation lookup failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"pending_escalations": len(pending),
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, err.Error())
		return
	}
	WriteInternal(w, r, err)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, errors.New("invalid request body: " + err.Error())
	}
	return raw, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func queryLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
