package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/claimgate/pkg/approval"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/pipeline"
)

const (
	testOrigin = "https://console.example.com"
	testSecret = "0123456789abcdef0123456789abcdef"
)

func bundleJSON(id string, tier contracts.RiskTier) string {
	return fmt.Sprintf(`{
  "id": %q,
  "origin_agent": {"id": "agent-1", "tier": 3},
  "claims": [{
    "id": "c-1",
    "statement": "disk usage is 91%%",
    "claim_type": "FACT",
    "evidence_pointers": [{"source": "df", "source_confidence": 0.9, "evidence_hash": "sha256:ab"}],
    "uncertainty": {"method": "confidence_score", "value": 0.1},
    "risk_tier": %q
  }]
}`, id, tier)
}

type harness struct {
	server   *httptest.Server
	verifier *approval.TokenVerifier
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	verifier, err := approval.NewTokenVerifier([]byte(testSecret), "claimgate-test")
	require.NoError(t, err)

	svc := pipeline.New(pipeline.Deps{
		Approvals:      approval.NewManager(approval.DefaultAuthorities()),
		AllowedOrigins: []string{testOrigin},
	})
	srv := NewServer(svc, append([]Option{WithTokenVerifier(verifier)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: ts, verifier: verifier}
}

func (h *harness) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (h *harness) evaluate(t *testing.T, body string) (*http.Response, map[string]any) {
	return h.do(t, http.MethodPost, "/v1/bundles/evaluate", body, map[string]string{"Origin": testOrigin})
}

func decisionOf(t *testing.T, out map[string]any) string {
	t.Helper()
	b, ok := out["bundle"].(map[string]any)
	require.True(t, ok, "response has no bundle: %v", out)
	return b["decision"].(string)
}

func TestEvaluate_BareBundlePublishes(t *testing.T) {
	h := newHarness(t)
	resp, out := h.evaluate(t, bundleJSON("b-1", contracts.TierReadOnly))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PUBLISH", decisionOf(t, out))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, got := h.do(t, http.MethodGet, "/v1/bundles/b-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PUBLISH", got["decision"])
}

func TestEvaluate_EnvelopeAndMissingOrigin(t *testing.T) {
	h := newHarness(t)
	body := fmt.Sprintf(`{"bundle": %s, "action": "summarise disk usage"}`, bundleJSON("b-2", contracts.TierReadOnly))

	resp, out := h.do(t, http.MethodPost, "/v1/bundles/evaluate", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REFUSE", decisionOf(t, out))
	assert.Equal(t, "Invalid origin header", out["bundle"].(map[string]any)["reason"])

	body = fmt.Sprintf(`{"bundle": %s, "action": "summarise disk usage"}`, bundleJSON("b-2b", contracts.TierReadOnly))
	resp, out = h.evaluate(t, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PUBLISH", decisionOf(t, out))
}

func TestEvaluate_RejectsInboundApprovals(t *testing.T) {
	h := newHarness(t)
	body := strings.Replace(bundleJSON("b-priv", contracts.TierPrivilege), `"claims"`,
		`"audit_trail": {"human_approvals": [{"approver": "mallory", "decision": "APPROVE", "target": "security_team", "receipt_id": "r-1"}]},
  "claims"`, 1)

	resp, out := h.evaluate(t, body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["detail"], "approval submission")

	resp, _ = h.do(t, http.MethodGet, "/v1/bundles/b-priv", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	injected := strings.Replace(bundleJSON("b-req", contracts.TierReadOnly), `"claims"`,
		`"evaluation_request": {"transport": "stdio"},
  "claims"`, 1)
	resp, _ = h.evaluate(t, injected)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvaluate_ResubmittedIDConflicts(t *testing.T) {
	h := newHarness(t)
	resp, out := h.evaluate(t, bundleJSON("b-dup", contracts.TierDelete))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ESCALATE", decisionOf(t, out))

	resp, out = h.evaluate(t, bundleJSON("b-dup", contracts.TierReadOnly))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, out["detail"], "already evaluated")

	resp, got := h.do(t, http.MethodGet, "/v1/bundles/b-dup", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ESCALATE", got["decision"])
	assert.Len(t, got["audit_trail"].(map[string]any)["gate_results"], 5)
}

func TestEvaluate_InvalidBundleIsProblem(t *testing.T) {
	h := newHarness(t)
	resp, out := h.evaluate(t, `{"id": "b-3", "origin_agent": "agent-1", "claims": []}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, float64(400), out["status"])
	assert.Equal(t, "/v1/bundles/evaluate", out["instance"])
	assert.Equal(t, resp.Header.Get("X-Request-ID"), out["trace_id"])

	resp, _ = h.evaluate(t, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetBundle_NotFound(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodGet, "/v1/bundles/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", out["title"])
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t)
	resp, out := h.evaluate(t, bundleJSON("b-del", contracts.TierDelete))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ESCALATE", decisionOf(t, out))

	resp, esc := h.do(t, http.MethodGet, "/v1/escalations", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), esc["count"])

	approve := `{"decision": "approve", "reason": "rotation window"}`
	path := "/v1/bundles/b-del/approvals"

	resp, _ = h.do(t, http.MethodPost, path, approve, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, path, approve, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongTeam, err := h.verifier.Issue(approval.Approver{ID: "mallory", Roles: []string{"security_team"}}, time.Minute)
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodPost, path, approve, map[string]string{"Authorization": "Bearer " + wrongTeam})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	token, err := h.verifier.Issue(approval.Approver{ID: "alice", Roles: []string{"ops_team"}}, time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, _ = h.do(t, http.MethodPost, path, `{"decision": "maybe"}`, auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = h.do(t, http.MethodPost, path, approve, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := out["result"].(map[string]any)
	assert.Equal(t, "PUBLISH", result["bundle"].(map[string]any)["decision"])
	assert.Equal(t, "alice", out["receipt"].(map[string]any)["approver"])

	resp, _ = h.do(t, http.MethodPost, path, approve, auth)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/bundles/unknown/approvals", approve, auth)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, trail := h.do(t, http.MethodGet, "/v1/bundles/b-del/trail", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, trail["reasoning_path"], 10)
	assert.Len(t, trail["human_approvals"], 1)
	assert.Len(t, trail["runs"], 2)

	resp, events := h.do(t, http.MethodGet, "/v1/audit/events?bundle_id=b-del&event_type=approval_submitted", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), events["count"])

	resp, verify := h.do(t, http.MethodGet, "/v1/audit/verify", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, verify["valid"])
}

func TestApproval_DisabledWithoutVerifier(t *testing.T) {
	svc := pipeline.New(pipeline.Deps{})
	ts := httptest.NewServer(NewServer(svc).Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/v1/bundles/x/approvals", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListBundles(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"l-1", "l-2"} {
		resp, _ := h.evaluate(t, bundleJSON(id, contracts.TierReadOnly))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, out := h.do(t, http.MethodGet, "/v1/bundles?decision=publish&limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["count"])

	resp, _ = h.do(t, http.MethodGet, "/v1/bundles?decision=MAYBE", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/v1/bundles?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitSkipsHealth(t *testing.T) {
	rl := NewGlobalRateLimiter(0.001, 1)
	defer rl.Close()
	h := newHarness(t, WithRateLimiter(rl))

	resp, _ := h.do(t, http.MethodGet, "/v1/escalations", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/v1/escalations", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))

	for i := 0; i < 3; i++ {
		resp, out := h.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", out["status"])
	}
}
