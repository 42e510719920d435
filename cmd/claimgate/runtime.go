package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/claimgate/pkg/approval"
	"github.com/Mindburn-Labs/claimgate/pkg/archive"
	"github.com/Mindburn-Labs/claimgate/pkg/audit"
	"github.com/Mindburn-Labs/claimgate/pkg/config"
	"github.com/Mindburn-Labs/claimgate/pkg/gates"
	"github.com/Mindburn-Labs/claimgate/pkg/guardian"
	"github.com/Mindburn-Labs/claimgate/pkg/observability"
	"github.com/Mindburn-Labs/claimgate/pkg/pipeline"
	"github.com/Mindburn-Labs/claimgate/pkg/registry"
	"github.com/Mindburn-Labs/claimgate/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

const tokenIssuer = "claimgate"

// runtime is the wired service plus everything that must be closed.
type runtime struct {
	svc      *pipeline.Service
	policy   *config.Policy
	verifier *approval.TokenVerifier
	metrics  *observability.Provider
	closers  []func() error
}

func (rt *runtime) Close(ctx context.Context) {
	if rt.metrics != nil {
		_ = rt.metrics.Shutdown(ctx)
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Printf("[claimgate] close: %v", err)
		}
	}
}

func loadPolicy(path string) (*config.Policy, error) {
	if path == "" {
		return config.DefaultPolicy(), nil
	}
	return config.LoadPolicy(path)
}

// buildRuntime wires the server from cfg. Anything that fails to start is
// fatal; there is no degraded mode.
func buildRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	rt.policy, err = loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	st, db, err := openStore(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("[claimgate] redis: connected to %s", cfg.RedisAddr)
	}

	reg, err := buildRegistry(ctx, rt.policy, db, rdb)
	if err != nil {
		return nil, err
	}

	var remote guardian.Scorer
	if cfg.GuardianURL != "" {
		remote = guardian.NewHTTPScorer(cfg.GuardianURL, &http.Client{Timeout: cfg.GuardianTimeout})
		log.Printf("[claimgate] guardian: remote scorer at %s", cfg.GuardianURL)
	}
	scorer, err := rt.policy.GuardianScorer(remote)
	if err != nil {
		return nil, err
	}

	toolReg, err := rt.policy.ToolRegistry()
	if err != nil {
		return nil, err
	}

	var auditOpts []audit.Option
	if cfg.AuditSealSecret != "" {
		auditOpts = append(auditOpts, audit.WithSealSecret([]byte(cfg.AuditSealSecret)))
	}
	auditLog := audit.NewLog(auditOpts...)

	if cfg.ApproverJWTSecret != "" {
		rt.verifier, err = approval.NewTokenVerifier([]byte(cfg.ApproverJWTSecret), tokenIssuer)
		if err != nil {
			return nil, err
		}
	} else {
		log.Println("[claimgate] APPROVER_JWT_SECRET not set: approval endpoint disabled")
	}

	arc, err := archive.NewFromConfig(ctx, archive.Config{
		Backend:  archive.Backend(cfg.ArchiveBackend),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.ArchiveBucket,
		Prefix:   cfg.ArchivePrefix,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if closer, ok := arc.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}

	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.OTLPEndpoint = cfg.OTelEndpoint
		rt.metrics, err = observability.New(ctx, oc)
		if err != nil {
			return nil, err
		}
	}

	rt.svc = pipeline.New(pipeline.Deps{
		Stack:           gates.NewStack(rt.policy.GatePolicy()),
		Store:           st,
		Audit:           auditLog,
		Approvals:       approval.NewManager(rt.policy.Authorities),
		Registry:        reg,
		Guardian:        scorer,
		Tools:           toolReg,
		Archive:         arc,
		Metrics:         rt.metrics,
		AllowedOrigins:  rt.policy.AllowedOrigins,
		GuardianTimeout: rt.policy.Gates.GuardianTimeout,
		RegistryTimeout: rt.policy.Gates.RegistryTimeout,
	})
	return rt, nil
}

// openStore opens SQLite under DataDir in lite mode, Postgres otherwise.
// The returned *sql.DB is nil in lite mode.
func openStore(ctx context.Context, cfg *config.Config, rt *runtime) (store.Store, *sql.DB, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "claimgate.db")
		log.Printf("[claimgate] lite mode: using sqlite at %s", path)
		s, err := store.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	rt.closers = append(rt.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[claimgate] postgres: connected")

	s := store.NewPostgresStore(db)
	if err := s.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to init bundle store: %w", err)
	}
	return s, db, nil
}

type tierSetter interface {
	registry.TierSource
	set(ctx context.Context, agentID string, tier int) error
}

type memoryTiers struct{ *registry.MemoryTiers }

func (m memoryTiers) set(_ context.Context, agentID string, tier int) error {
	return m.Set(agentID, tier)
}

type postgresTiers struct{ *registry.PostgresTiers }

func (p postgresTiers) set(ctx context.Context, agentID string, tier int) error {
	return p.Set(ctx, agentID, tier)
}

type redisTiers struct{ *registry.RedisTiers }

func (r redisTiers) set(ctx context.Context, agentID string, tier int) error {
	return r.Set(ctx, agentID, tier)
}

// buildRegistry picks the tier source (Postgres, then Redis, then memory)
// and the limiter (Redis when available), and seeds the policy's agent
// tiers.
func buildRegistry(ctx context.Context, p *config.Policy, db *sql.DB, rdb *redis.Client) (*registry.Registry, error) {
	var tiers tierSetter
	switch {
	case db != nil:
		pt := registry.NewPostgresTiers(db)
		if err := pt.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init tier registry: %w", err)
		}
		tiers = postgresTiers{pt}
	case rdb != nil:
		tiers = redisTiers{registry.NewRedisTiers(rdb)}
	default:
		tiers = memoryTiers{registry.NewMemoryTiers(nil)}
	}
	for agent, tier := range p.AgentTiers {
		if err := tiers.set(ctx, agent, tier); err != nil {
			return nil, fmt.Errorf("seed tier for %s: %w", agent, err)
		}
	}

	var limiter registry.Limiter
	if rdb != nil {
		limiter = registry.NewRedisLimiter(rdb)
	}

	opts := []registry.Option{registry.WithDefaultLimit(p.RateLimits.Default)}
	for tool, l := range p.RateLimits.Tools {
		opts = append(opts, registry.WithToolLimit(tool, l))
	}
	return registry.New(tiers, limiter, opts...), nil
}

// buildLocalService wires an in-memory pipeline for the offline CLI
// commands.
func buildLocalService(p *config.Policy) (*pipeline.Service, error) {
	reg, err := buildRegistry(context.Background(), p, nil, nil)
	if err != nil {
		return nil, err
	}
	scorer, err := p.GuardianScorer(nil)
	if err != nil {
		return nil, err
	}
	toolReg, err := p.ToolRegistry()
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Deps{
		Stack:           gates.NewStack(p.GatePolicy()),
		Approvals:       approval.NewManager(p.Authorities),
		Registry:        reg,
		Guardian:        scorer,
		Tools:           toolReg,
		AllowedOrigins:  p.AllowedOrigins,
		GuardianTimeout: p.Gates.GuardianTimeout,
		RegistryTimeout: p.Gates.RegistryTimeout,
	}), nil
}

var errUsage = errors.New("usage")

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: --bundle is required", errUsage)
	}
	return os.ReadFile(path) //nolint:gosec // operator-supplied path
}
