// Command orchestrator is the process entrypoint: it loads configuration,
// opens the Postgres and Redis connections, wires C1-C9 into a
// lifecycle.Manager, and shuts down gracefully on SIGINT/SIGTERM.
// Grounded on cmd/appserver/main.go's load-connect-wire-run shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/config"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch/externaladapter"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch/internaladapter"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/events"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/httpapi"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/lifecycle"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/lock"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/metrics"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/platformdb"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/quota"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/registry"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository/postgres"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/resilience"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Name: "orchestrator"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := platformdb.Open(ctx, cfg.DSN(), cfg.Database.PoolSize)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if cfg.Database.MigrateOnRun {
		if err := platformdb.Migrate(db, "migrations"); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr(),
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer redisClient.Close()

	sessions := postgres.NewSessionStore(db)
	agents := postgres.NewAgentStore(db)
	tenants := postgres.NewTenantStore(db)
	uow := postgres.NewUnitOfWork(db)

	bus := events.New(events.Config{})
	defer bus.Stop()

	reg := registry.New(agents, log)
	gate := quota.New(tenants, sessions)

	locks := lock.NewService(redisClient)
	breakerCollector := metrics.NewBreakerCollector()

	internalPipeline := newOutboundPipeline("internal_agent_api", redisClient, cfg.AgentAPI)
	breakerCollector.RegisterPipeline(internalPipeline)
	internalHTTPClient := &http.Client{Timeout: cfg.AgentAPI.Timeout}
	internalAdapterSingleton := internaladapter.New(cfg.AgentAPI.BaseURL, cfg.AgentAPI.APIKey, internalHTTPClient, internalPipeline)

	externalHTTPClient := &http.Client{Timeout: 30 * time.Second}
	externalAdapters := externaladapter.NewRegistry(externalHTTPClient)

	resolveInternal := func(a *agent.Agent) dispatch.Adapter { return internalAdapterSingleton }

	var externalPipelinesMu sync.Mutex
	externalPipelines := map[string]*resilience.Pipeline{}
	resolveExternal := func(a *agent.Agent) dispatch.Adapter {
		// A pipeline (and the breaker inside it) is built once per agent
		// and reused: GetOrCreate ignores the pipeline argument on every
		// call after the first, so rebuilding it here would silently
		// desync the registered metric from the breaker the adapter
		// actually dispatches through. Concurrent sessions may resolve
		// different (or the same) external agent at once, so the cache
		// needs its own lock independent of the registry's.
		externalPipelinesMu.Lock()
		pipeline, ok := externalPipelines[a.ID]
		if !ok {
			pipeline = newOutboundPipeline("external_agent:"+a.ID, redisClient, cfg.AgentAPI)
			externalPipelines[a.ID] = pipeline
			breakerCollector.RegisterPipeline(pipeline)
		}
		externalPipelinesMu.Unlock()
		return externalAdapters.GetOrCreate(a.ID, a.EndpointURL, a.AuthToken, pipeline)
	}

	metrics.Registry.MustRegister(breakerCollector)

	supCfg := supervisor.Config{
		InstanceID:         instanceID(),
		CheckpointInterval: cfg.Orchestrator.CheckpointInterval,
		RetryBaseDelay:     cfg.Orchestrator.RetryBaseDelay,
		RetryMultiplier:    cfg.Orchestrator.RetryBackoffMultiplier,
	}
	sup := supervisor.New(supCfg, locks, sessions, uow, reg, bus, log, nil, resolveInternal, resolveExternal)

	server := httpapi.NewServer(httpapi.Deps{
		Gate:             gate,
		Sessions:         sessions,
		UoW:              uow,
		Registry:         reg,
		Bus:              bus,
		Supervisor:       sup,
		ExternalAdapters: externalAdapters,
		Log:              log,
	})
	httpSvc := httpapi.NewService(server, cfg.Server.Addr, cfg.Auth.JWTSecret, log)

	manager := lifecycle.NewManager()
	if err := manager.Register(httpSvc); err != nil {
		return err
	}
	if sweepTenantIDs := sweepTenantIDsFromEnv(); len(sweepTenantIDs) > 0 {
		sweeper, err := registry.NewSweeper(reg, log, "@every 10s", sweepTenantIDs)
		if err != nil {
			return fmt.Errorf("build heartbeat sweeper: %w", err)
		}
		if err := manager.Register(&sweeperService{sweeper: sweeper}); err != nil {
			return err
		}
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	log.WithField("addr", cfg.Server.Addr).Info("orchestrator started")

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return manager.Stop(stopCtx)
}

// newOutboundPipeline builds the rate-limit -> breaker -> retry stack
// spec §4.1 mandates for every outbound adapter call.
func newOutboundPipeline(resourceKey string, redisClient *redis.Client, cfg config.AgentAPIConfig) *resilience.Pipeline {
	limiter := resilience.NewLimiter(redisClient, cfg.RequestsPerMinute, time.Minute)
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:                    resourceKey,
		FailureThreshold:        uint32(cfg.CircuitFailThreshold),
		RecoveryTimeout:         time.Duration(cfg.CircuitRecoverSecs) * time.Second,
		HalfOpenRequiredSuccess: 1,
	})
	return resilience.NewPipeline(resourceKey, limiter, breaker, resilience.DefaultRetryConfig())
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "orchestrator"
}

// sweepTenantIDsFromEnv reads a comma-separated tenant id list from
// ORCH_SWEEP_TENANT_IDS; the registry has no "list every tenant" port
// (by design, per repository.TenantRepository), so an operator names the
// tenants whose agents should be swept for missed heartbeats.
func sweepTenantIDsFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv("ORCH_SWEEP_TENANT_IDS"))
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// sweeperService adapts registry.Sweeper's bare Start/Stop to
// lifecycle.Service.
type sweeperService struct {
	sweeper *registry.Sweeper
}

func (s *sweeperService) Name() string { return "heartbeat-sweeper" }
func (s *sweeperService) Start(ctx context.Context) error {
	s.sweeper.Start()
	return nil
}
func (s *sweeperService) Stop(ctx context.Context) error {
	s.sweeper.Stop()
	return nil
}
