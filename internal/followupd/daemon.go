package followupd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/collab"
	"github.com/opencode-ai/followup/internal/config"
	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/engine"
	"github.com/opencode-ai/followup/internal/flows"
	"github.com/opencode-ai/followup/internal/scheduler"
)

// Options configure the daemon runtime.
type Options struct {
	Hostname string
	Port     int
	Version  string

	// ProjectDir adds <ProjectDir>/.followup/flows to the flow search paths.
	ProjectDir string

	// SkipFlowImport leaves stored flows untouched at startup.
	SkipFlowImport bool

	// Collaborators overrides the configured collaborator adapters.
	Collaborators *actions.Collaborators
}

// Daemon runs the gRPC service and the wake scheduler against one database.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   Options

	db        *db.DB
	engine    *engine.Engine
	flows     *flows.Service
	scheduler *scheduler.Scheduler
	limiter   *RateLimiter

	server     *Server
	grpcServer *grpc.Server
	health     *health.Server

	mu   sync.Mutex
	addr net.Addr
}

// New opens the database, imports flow files and wires the service.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Hostname == "" {
		opts.Hostname = cfg.Server.Host
	}
	if opts.Hostname == "" {
		opts.Hostname = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = cfg.Server.Port
	}
	if opts.Port == 0 {
		opts.Port = config.DefaultPort
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if _, err := database.MigrateUp(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	d, err := build(cfg, logger, opts, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return d, nil
}

func build(cfg *config.Config, logger zerolog.Logger, opts Options, database *db.DB) (*Daemon, error) {
	var collabs actions.Collaborators
	if opts.Collaborators != nil {
		collabs = *opts.Collaborators
	} else {
		built, err := collab.Build(cfg.Collaborators)
		if err != nil {
			return nil, fmt.Errorf("failed to build collaborators: %w", err)
		}
		collabs = built
	}

	flowRepo := db.NewFlowRepository(database)
	instanceRepo := db.NewInstanceRepository(database)
	eventRepo := db.NewEventRepository(database)

	executor := actions.NewExecutor(collabs, actions.WithTimeout(cfg.Scheduler.ActionTimeout))
	eng := engine.New(flowRepo, instanceRepo, executor,
		engine.WithEventRepository(eventRepo),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries: cfg.Scheduler.MaxRetries,
			BaseDelay:  cfg.Scheduler.RetryBaseDelay,
			MaxDelay:   cfg.Scheduler.RetryMaxDelay,
			Jitter:     true,
		}),
	)

	flowService := flows.NewService(flowRepo, eventRepo)
	if !opts.SkipFlowImport {
		files, err := flows.LoadFromSearchPaths(opts.ProjectDir, cfg.FlowsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load flow files: %w", err)
		}
		results, err := flowService.Import(context.Background(), files)
		if err != nil {
			return nil, fmt.Errorf("failed to import flows: %w", err)
		}
		for _, res := range results {
			logger.Info().
				Str("flow_id", res.Flow.Definition.ID).
				Int("version", res.Flow.Version).
				Bool("published", res.Published()).
				Msg("flow imported")
		}
	}

	sched := scheduler.New(scheduler.Config{
		TickInterval:          cfg.Scheduler.TickInterval,
		AdvanceTimeout:        cfg.Scheduler.ActionTimeout * 4,
		MaxConcurrentAdvances: cfg.Scheduler.MaxConcurrentAdvances,
		BatchSize:             cfg.Scheduler.BatchSize,
		RecoverOnStart:        true,
		StallTimeout:          cfg.Scheduler.StallTimeout,
	}, eng)

	limiter := NewRateLimiter(WithEnabled(cfg.Server.RateLimit.Enabled))
	if cfg.Server.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.Server.RateLimit.Burst
		if burst <= 0 {
			burst = int(cfg.Server.RateLimit.RequestsPerSecond)
		}
		limiter = NewRateLimiter(
			WithEnabled(cfg.Server.RateLimit.Enabled),
			WithGlobalLimit(RateLimitConfig{RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond, BurstSize: burst}),
		)
	}

	server := NewServer(logger, flowService, eng, instanceRepo,
		WithVersion(opts.Version),
		WithScheduler(sched),
	)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(limiter.UnaryServerInterceptor()))
	RegisterFlowServiceServer(grpcServer, server)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		opts:       opts,
		db:         database,
		engine:     eng,
		flows:      flowService,
		scheduler:  sched,
		limiter:    limiter,
		server:     server,
		grpcServer: grpcServer,
		health:     healthServer,
	}, nil
}

// Run serves gRPC and runs the scheduler until ctx is canceled or either fails.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	bindAddr := d.bindAddr()
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	d.mu.Lock()
	d.addr = listener.Addr()
	d.mu.Unlock()

	d.logger.Info().
		Str("bind", listener.Addr().String()).
		Str("version", d.opts.Version).
		Str("database", d.db.Path()).
		Msg("followupd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return d.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info().Msg("followupd shutting down...")
		d.health.Shutdown()
		d.grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	d.logger.Info().Msg("followupd shutdown complete")
	return err
}

// Close releases the database.
func (d *Daemon) Close() error {
	return d.db.Close()
}

// Addr returns the bound listener address once Run has started.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

func (d *Daemon) bindAddr() string {
	return net.JoinHostPort(d.opts.Hostname, strconv.Itoa(d.opts.Port))
}

// Server returns the FlowService implementation.
func (d *Daemon) Server() *Server {
	return d.server
}

// Engine returns the engine the daemon drives.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Scheduler returns the wake scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// RateLimiter returns the gRPC rate limiter.
func (d *Daemon) RateLimiter() *RateLimiter {
	return d.limiter
}
