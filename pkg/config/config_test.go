package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/claimgate/pkg/config"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/gates"
	"github.com/Mindburn-Labs/claimgate/pkg/guardian"
)

// TestLoad_Defaults verifies the server boots in lite mode with no env set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "GUARDIAN_TIMEOUT", "ARCHIVE_BACKEND", "OTEL_ENABLED"} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, 2*time.Second, cfg.GuardianTimeout)
	assert.Equal(t, "none", cfg.ArchiveBackend)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://db:5432/claimgate")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("GUARDIAN_URL", "http://guardian:8000/evaluate")
	t.Setenv("GUARDIAN_TIMEOUT", "750ms")
	t.Setenv("ARCHIVE_BACKEND", "s3")
	t.Setenv("ARCHIVE_BUCKET", "bundles")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 750*time.Millisecond, cfg.GuardianTimeout)
	assert.Equal(t, "s3", cfg.ArchiveBackend)
	assert.Equal(t, "bundles", cfg.ArchiveBucket)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	t.Setenv("GUARDIAN_TIMEOUT", "soon")
	assert.Equal(t, 2*time.Second, config.Load().GuardianTimeout)
}

func TestDefaultPolicy_MatchesGateDefaults(t *testing.T) {
	p := config.DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, gates.DefaultPolicy(), p.GatePolicy())
	assert.Equal(t, gates.DefaultGuardianTimeout, p.Gates.GuardianTimeout)
}

const samplePolicy = `
version: "1"
gates:
  min_source_confidence: 0.7
  guardian_timeout: 1500ms
approvals:
  MODIFY:
    required: true
    escalate_to: ops_team
allowed_origins:
  - https://console.example.com
authorities:
  ops_team:
    approvers: [alice]
rate_limits:
  tools:
    fs.delete:
      rpm: 6
      burst: 1
agent_tiers:
  planner: 2
guardian:
  rules:
    - name: wire-transfer
      expression: 'input.action.contains("wire transfer")'
      score: 0.95
      description: payment instruction
tools:
  - name: fs.delete
    required_tier: DELETE
    schema: '{"type":"object","required":["path"]}'
`

func TestParsePolicy(t *testing.T) {
	p, err := config.ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, 0.7, p.Gates.MinSourceConfidence)
	assert.Equal(t, 0.75, p.Gates.DeferUncertainty, "omitted thresholds keep defaults")
	assert.Equal(t, 1500*time.Millisecond, p.Gates.GuardianTimeout)

	gp := p.GatePolicy()
	assert.True(t, gp.ApprovalFor(contracts.TierModify).Required)
	assert.Equal(t, gates.SecurityTeam, gp.ApprovalFor(contracts.TierPrivilege).EscalateTo)

	assert.Equal(t, []string{"alice"}, p.Authorities["ops_team"].Approvers)
	assert.Contains(t, p.Authorities, "security_team")
	assert.Equal(t, 6, p.RateLimits.Tools["fs.delete"].RPM)
	assert.Equal(t, 60, p.RateLimits.Default.RPM)
	assert.Equal(t, 2, p.AgentTiers["planner"])

	reg, err := p.ToolRegistry()
	require.NoError(t, err)
	assert.Error(t, reg.ValidateArguments("fs.delete", map[string]any{}))

	scorer, err := p.GuardianScorer(nil)
	require.NoError(t, err)
	a, err := scorer.Evaluate(context.Background(), guardian.Request{AgentID: "planner", Action: "send a wire transfer"})
	require.NoError(t, err)
	assert.Equal(t, 0.95, a.ThreatScore)
	assert.Contains(t, a.Description, "payment instruction")
}

func TestParsePolicy_Invalid(t *testing.T) {
	cases := map[string]string{
		"threshold range":   "gates:\n  max_threat_score: 1.5\n",
		"caveat over defer": "gates:\n  caveat_uncertainty: 0.9\n",
		"agent tier":        "agent_tiers:\n  x: 7\n",
		"orphan target":     "approvals:\n  DELETE:\n    required: true\n    escalate_to: legal\n",
		"bad yaml":          "gates: [",
		"zero rpm":          "rate_limits:\n  tools:\n    t:\n      rpm: 0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://console.example.com"}, p.AllowedOrigins)

	_, err = config.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGuardianScorer_BadRule(t *testing.T) {
	p := config.DefaultPolicy()
	p.Guardian.Rules = []guardian.Rule{{Name: "broken", Expression: "input.action +", Score: 0.5}}
	_, err := p.GuardianScorer(nil)
	assert.Error(t, err)
}
