// Command engine serves student progress over HTTP. It reads practice
// sessions from PostgreSQL or SQLite, caches derived artifacts in process
// and in Redis, and invalidates them on database notifications, peer
// notices and policy reloads.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progress-engine/internal/infrastructure/sessionsource"
	"github.com/alem-hub/progress-engine/internal/infrastructure/telemetry"
	apihttp "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION & LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.New(logger.Options{
		Level:     logger.ParseLevel(cfg.App.LogLevel),
		AddCaller: true,
	}).With(logger.String("instance", cfg.App.InstanceID))
	busLog := setupSlog(cfg)

	log.Info("starting progress engine",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Location().String()),
		logger.String("driver", cfg.Database.Driver))

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Observability.Endpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.App.Version,
		SampleRatio:    cfg.Observability.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("trace flush failed", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 2. POLICY
	// ─────────────────────────────────────────────────────────────────────────
	policies, err := config.LoadPolicyStore(cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	log.Info("policy loaded", logger.PolicyVersion(policies.Version()))

	// ─────────────────────────────────────────────────────────────────────────
	// 3. SESSION STORE
	// ─────────────────────────────────────────────────────────────────────────
	st, err := persistence.Open(ctx, cfg.Database, policies, log)
	if err != nil {
		return err
	}
	defer st.Close()

	guard := sessionsource.NewGuard(sessionsource.Options{
		Tolerance:   cfg.Source.OrderTolerance,
		IsTransient: st.IsTransient,
		BreakerOptions: []circuitbreaker.Option{
			circuitbreaker.WithFailureThreshold(cfg.Source.BreakerThreshold),
			circuitbreaker.WithTimeout(cfg.Source.BreakerTimeout),
		},
		Logger: log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 4. CACHE TIERS
	// ─────────────────────────────────────────────────────────────────────────
	cacheOpts := cache.Options{
		Capacity: cfg.Cache.Capacity,
		MaxAge:   cfg.Cache.MaxAge,
		StoreTTL: cfg.Cache.StoreTTL,
		Logger:   log,
	}

	var (
		sharedTier *redis.Cache
		peers      *redis.Invalidator
	)
	if !cfg.Redis.Disabled {
		sharedTier, err = redis.NewCache(redisConfig(cfg.Redis))
		if err != nil {
			log.Warn("redis unavailable, running without the shared tier", logger.Err(err))
		} else {
			defer sharedTier.Close()
			cacheOpts.Store = redis.NewArtifactStore(sharedTier, cfg.Cache.StoreTTL)
			peers = redis.NewInvalidator(sharedTier, cfg.App.InstanceID, log)
			log.Info("redis connection established")
		}
	}

	artifacts, err := cache.New(cacheOpts)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = busLog
	busCfg.AsyncMode = true
	bus := messaging.NewInMemoryEventBus(busCfg)
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	var notifier eventhandler.PeerNotifier
	if peers != nil {
		notifier = peers
	}
	onSessions := eventhandler.NewOnSessionsChangedHandler(artifacts, notifier, busLog)
	onPolicy := eventhandler.NewOnPolicyReloadedHandler(artifacts, busLog)
	if err := bus.Subscribe(shared.EventSessionsChanged, onSessions.Handle); err != nil {
		return err
	}
	if err := bus.Subscribe(shared.EventPolicyReloaded, onPolicy.Handle); err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. QUERIES & HTTP
	// ─────────────────────────────────────────────────────────────────────────
	deps := query.Deps{
		Sessions:    guard.Sessions(st.Sessions),
		Backpack:    guard.Backpack(st.Backpack),
		Adjustments: guard.Adjustments(st.Adjustments),
		Cache:       artifacts,
		Policy:      policies,
		Location:    cfg.App.Location(),
		Tolerance:   cfg.Source.OrderTolerance,
		Logger:      log,
	}
	cohort := query.NewGetCohortProgressHandler(deps)
	if cfg.Source.Concurrency > 0 {
		cohort = cohort.WithConcurrency(cfg.Source.Concurrency)
	}

	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("session_store", handlers.NewPingCheck(st))
	health.AddCheck("session_breaker", handlers.NewBreakerCheck(guard.Breaker()))
	if sharedTier != nil {
		health.AddCheck("redis", handlers.NewPingCheck(sharedTier))
	}

	server := apihttp.NewServer(apihttp.Config{
		Host:               cfg.HTTP.Host,
		Port:               cfg.HTTP.Port,
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		IdleTimeout:        cfg.HTTP.IdleTimeout,
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		MaxHeaderBytes:     1 << 20,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		EnableCORS:         len(cfg.HTTP.AllowedOrigins) > 0,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		ClientCacheMaxAge:  cfg.HTTP.ClientCacheMaxAge,
		Location:           cfg.App.Location(),
	}, apihttp.Dependencies{
		StudentProgress: query.NewGetStudentProgressHandler(deps),
		CohortProgress:  cohort,
		ProgressSeries:  query.NewGetProgressSeriesHandler(deps),
		Cache:           artifacts,
		EventBus:        bus,
		PolicyVersion:   policies.Version,
		HealthChecker:   health,
		Logger:          log,
	})

	sched, err := setupScheduler(cfg, cohort, artifacts, bus, busLog)
	if err != nil {
		return err
	}

	var watcher *config.PolicyWatcher
	if cfg.Policy.File != "" {
		watcher, err = config.NewPolicyWatcher(cfg.Policy.File, policies, bus, cfg.Policy.Debounce, log)
		if err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. BACKGROUND LOOPS
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	publish := func(origin string) func(context.Context, string) {
		return func(_ context.Context, studentID string) {
			if err := bus.Publish(shared.NewSessionsChangedEvent(studentID, origin)); err != nil {
				log.Warn("publish sessions changed failed", logger.StudentID(studentID), logger.Err(err))
			}
		}
	}

	if st.Listen != nil {
		g.Go(func() error { return st.Listen(gctx, publish(eventhandler.OriginDatabase)) })
	}
	if peers != nil {
		g.Go(func() error { return peers.Run(gctx, publish(eventhandler.OriginPeer)) })
	}

	if watcher != nil {
		if cfg.Policy.Watch {
			g.Go(func() error { return watcher.Run(gctx) })
		}
		g.Go(func() error { return reloadOnHangup(gctx, watcher, log) })
	}

	g.Go(func() error { return sched.Run(gctx) })

	g.Go(func() error { return <-server.StartAsync() })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("progress engine is running", logger.String("address", net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}

// reloadOnHangup reloads the policy file on SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.PolicyWatcher, log *logger.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				log.Warn("policy reload rejected", logger.Err(err))
				continue
			}
			log.Info("policy reload requested", logger.Bool("changed", changed))
		}
	}
}

// setupScheduler registers the background jobs enabled in cfg.
func setupScheduler(cfg *config.Config, cohort jobs.CohortProgressRunner, stats jobs.CacheStatsSource, bus *messaging.InMemoryEventBus, log *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.Config{
		Logger:   log,
		Timezone: cfg.App.Location(),
	})

	if len(cfg.Jobs.WarmStudents) > 0 {
		schedule, err := scheduler.ParseCron(cfg.Jobs.WarmSchedule)
		if err != nil {
			return nil, fmt.Errorf("JOBS_WARM_SCHEDULE: %w", err)
		}
		warm := jobs.NewWarmCohortJob(cohort, jobs.WarmCohortConfig{
			StudentIDs: cfg.Jobs.WarmStudents,
			Location:   cfg.App.Location(),
		}, log)
		if err := sched.Register(warm, schedule); err != nil {
			return nil, err
		}
	}

	if cfg.Jobs.StatsInterval > 0 {
		if err := sched.Register(jobs.NewReportStatsJob(stats, bus, log), scheduler.Every(cfg.Jobs.StatsInterval)); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// setupSlog configures the structured logger used by the event bus and its
// handlers.
func setupSlog(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if strings.EqualFold(cfg.App.LogLevel, "debug") {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.App.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With("instance", cfg.App.InstanceID)
	slog.SetDefault(log)
	return log
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	rc.PoolSize = c.PoolSize
	rc.MinIdleConns = c.MinIdleConns
	rc.DialTimeout = c.DialTimeout
	rc.ReadTimeout = c.ReadTimeout
	rc.WriteTimeout = c.WriteTimeout
	rc.Namespace = c.Namespace
	return rc
}
