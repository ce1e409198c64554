package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/biosync/internal/store/postgres"
	"procodus.dev/biosync/internal/syncer"
	"procodus.dev/biosync/pkg/lease"
	"procodus.dev/biosync/pkg/metrics"
	"procodus.dev/biosync/pkg/mq"
)

const brokerWaitTimeout = 30 * time.Second

// Server runs the sync service: database, leases, queues, scheduler, gRPC and
// the operator HTTP API.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	redis      *redis.Client
	summaries  *mq.Client
	consumer   *Consumer
	cancel     context.CancelFunc
	schedDone  chan struct{}
	grpcServer *grpc.Server
	httpServer *http.Server
	pipeline   *Pipeline
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration. SummaryQueue is optional; without it summaries
	// are only logged.
	RabbitMQURL  string
	TriggerQueue string
	SummaryQueue string

	// RedisURL enables cross-process device leases when set.
	RedisURL string
	LeaseTTL time.Duration

	GRPCPort int
	HTTPPort int

	// SchedulerInterval is how often due devices are looked for; 0 disables
	// scheduled passes.
	SchedulerInterval time.Duration

	Workers         int
	FetchLimit      int
	FetchTimeout    time.Duration
	DeviceTimeout   time.Duration
	ManualLookback  time.Duration
	InitialLookback time.Duration

	// DefaultTimezone is an IANA zone name; empty keeps +05:30.
	DefaultTimezone string
	TenantTimezones map[string]string

	// Optional metrics, created once per process by the caller.
	BackendMetrics *metrics.BackendMetrics
	APIMetrics     *metrics.APIMetrics
	SyncMetrics    *metrics.SyncMetrics
	MQMetrics      *metrics.MQMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.TriggerQueue == "" {
		return nil, errors.New("trigger queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.SchedulerInterval < 0 {
		return nil, errors.New("scheduler interval cannot be negative")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the sync service and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting sync service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("cleanup after failed start", "error", shutdownErr)
		}
		return err
	}

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	serveErr := make(chan error, 2)
	go func() {
		s.logger.Info("starting gRPC server", "address", grpcAddr)
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.logger.Info("sync service started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case runErr = <-serveErr:
		s.logger.Error("server error", "error", runErr)
	}
	cancel()

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// start opens every dependency and builds the servers. Whatever it opened
// before failing is released by Shutdown.
func (s *Server) start(ctx context.Context) error {
	zones, err := BuildZones(s.config.DefaultTimezone, s.config.TenantTimezones)
	if err != nil {
		return fmt.Errorf("failed to configure time zones: %w", err)
	}

	db, err := postgres.NewDB(ctx, &postgres.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	st, err := postgres.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	var locker syncer.Locker
	if s.config.RedisURL != "" {
		client, err := lease.Connect(s.config.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to configure redis: %w", err)
		}
		s.redis = client

		leases, err := lease.New(&lease.Config{Client: client, TTL: s.leaseTTL()})
		if err != nil {
			return fmt.Errorf("failed to initialize leases: %w", err)
		}
		if err := leases.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		locker = &syncer.LeaseLocker{Leases: leases, Logger: s.logger}
		s.logger.Info("device leases enabled", "ttl", s.leaseTTL())
	}

	var publisher syncer.Publisher
	if s.config.SummaryQueue != "" {
		summaries, err := mq.New(&mq.Config{
			Logger:  s.logger,
			URL:     s.config.RabbitMQURL,
			Queue:   s.config.SummaryQueue,
			Durable: true,
			Metrics: s.config.MQMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize summary queue: %w", err)
		}
		s.summaries = summaries

		publisher, err = NewSummaryPublisher(s.logger, summaries, s.config.BackendMetrics)
		if err != nil {
			return err
		}
	}

	pipeline, err := NewPipeline(&PipelineConfig{
		Logger:          s.logger,
		Store:           st,
		Zones:           zones,
		Locker:          locker,
		Publisher:       publisher,
		Metrics:         s.config.SyncMetrics,
		Workers:         s.config.Workers,
		FetchLimit:      s.config.FetchLimit,
		FetchTimeout:    s.config.FetchTimeout,
		DeviceTimeout:   s.config.DeviceTimeout,
		ManualLookback:  s.config.ManualLookback,
		InitialLookback: s.config.InitialLookback,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	s.pipeline = pipeline

	triggers, err := mq.New(&mq.Config{
		Logger:   s.logger,
		URL:      s.config.RabbitMQURL,
		Queue:    s.config.TriggerQueue,
		Durable:  true,
		Prefetch: 1,
		Metrics:  s.config.MQMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize trigger queue: %w", err)
	}
	consumer, err := NewConsumer(&ConsumerConfig{
		Logger:  s.logger,
		Queue:   triggers,
		Runner:  pipeline.Orchestrator,
		Metrics: s.config.BackendMetrics,
	})
	if err != nil {
		_ = triggers.Close()
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer

	waitCtx, cancel := context.WithTimeout(ctx, brokerWaitTimeout)
	defer cancel()
	if err := triggers.WaitReady(waitCtx); err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	if s.config.SchedulerInterval > 0 {
		scheduler, err := syncer.NewScheduler(&syncer.SchedulerConfig{
			Logger:       s.logger,
			Orchestrator: pipeline.Orchestrator,
			Devices:      st,
			Interval:     s.config.SchedulerInterval,
			Ticks:        s.schedulerTicks(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		s.schedDone = make(chan struct{})
		go func() {
			defer close(s.schedDone)
			scheduler.Run(ctx)
		}()
	}

	syncService, err := NewSyncService(s.logger, pipeline.Orchestrator, s.config.BackendMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}
	s.grpcServer = grpc.NewServer()
	RegisterSyncService(s.grpcServer, syncService)

	api, err := NewAPI(&APIConfig{
		Logger:   s.logger,
		Pipeline: pipeline,
		Metrics:  s.config.APIMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Manual passes answer once every device finished.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return nil
}

func (s *Server) leaseTTL() time.Duration {
	if s.config.LeaseTTL > 0 {
		return s.config.LeaseTTL
	}
	if s.config.DeviceTimeout > 0 {
		return s.config.DeviceTimeout + 30*time.Second
	}
	return 3 * time.Minute
}

func (s *Server) schedulerTicks() prometheus.Counter {
	if s.config.BackendMetrics == nil {
		return nil
	}
	return s.config.BackendMetrics.SchedulerTicks
}

// Shutdown gracefully shuts down the server.
// This is an alternative to sending OS signals.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down sync service")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		cancel()
		s.httpServer = nil
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
		s.consumer = nil
	}

	if s.schedDone != nil {
		s.logger.Info("waiting for scheduler to stop")
		<-s.schedDone
		s.schedDone = nil
	}

	if s.summaries != nil {
		if err := s.summaries.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
			errs = append(errs, fmt.Errorf("summary queue close error: %w", err))
		}
		s.summaries = nil
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
		s.redis = nil
	}

	if s.db != nil {
		if err := postgres.CloseDB(s.db, s.logger); err != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
		s.db = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("sync service shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("sync service shutdown completed successfully")
	return nil
}
