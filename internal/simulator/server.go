package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/biosync/pkg/generator"
	"procodus.dev/biosync/pkg/metrics"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Host is the interface terminals listen on
	Host string
	// BasePort is the port of the first terminal; terminal i listens on BasePort+i
	BasePort int
	// TerminalCount is the number of simulated terminals
	TerminalCount int
	// PeoplePerTerminal is the number of users enrolled on each terminal
	PeoplePerTerminal int
	// HistoryDays is the number of past working days of punches recorded at start
	HistoryDays int
	// Interval is the time between live punches on each terminal
	Interval time.Duration
	// Seed makes the generated people and punches reproducible; 0 is random
	Seed uint64
	// Location is the zone of the terminals' clocks
	Location *time.Location
	// Username and Password are the digest credentials of every terminal
	Username string
	Password string
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
}

// Server runs several terminals, each on its own port, and feeds them punches.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	terminals []*Terminal
	people    [][]generator.Person
	servers   []*http.Server
	gen       *generator.Generator
	genMu     sync.Mutex
	wg        sync.WaitGroup
	metrics   *metrics.SimulatorMetrics
}

var (
	errInvalidTerminalCount = errors.New("terminal count must be greater than 0")
	errInvalidInterval      = errors.New("interval must be greater than 0")
	errLoggerRequired       = errors.New("logger is required")
)

// NewServer creates terminals, enrolls generated people and records their history.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.TerminalCount <= 0 {
		return nil, errInvalidTerminalCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "simulator"),
		terminals: make([]*Terminal, 0, cfg.TerminalCount),
		people:    make([][]generator.Person, 0, cfg.TerminalCount),
		gen:       generator.New(cfg.Seed),
		metrics:   cfg.Metrics,
	}

	for i := range cfg.TerminalCount {
		spec := s.gen.NewTerminal()
		name := fmt.Sprintf("terminal-%d", i)
		if spec != nil {
			name = fmt.Sprintf("%s-%d", spec.SerialNumber, i)
		}

		t, err := NewTerminal(&TerminalConfig{
			Logger:   cfg.Logger,
			Name:     name,
			Username: cfg.Username,
			Password: cfg.Password,
			Location: loc,
			Metrics:  cfg.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("terminal %d: %w", i, err)
		}

		people := s.gen.NewPeople(cfg.PeoplePerTerminal, 8)
		for _, p := range people {
			t.Enroll(p)
		}

		today := time.Now().In(loc)
		for d := cfg.HistoryDays; d > 0; d-- {
			for _, p := range s.gen.Day(people, today.AddDate(0, 0, -d), loc, generator.DefaultShift) {
				t.Record(p)
			}
		}

		s.terminals = append(s.terminals, t)
		s.people = append(s.people, people)

		s.logger.Info("created terminal",
			"terminal", name,
			"people", len(people),
			"events", t.EventCount(),
		)
	}

	return s, nil
}

// Terminals returns the simulated terminals.
func (s *Server) Terminals() []*Terminal {
	return s.terminals
}

// People returns the people enrolled on terminal i.
func (s *Server) People(i int) []generator.Person {
	return s.people[i]
}

// Run starts all terminals and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	errChan := make(chan error, len(s.terminals))
	for i, t := range s.terminals {
		addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.BasePort+i))
		srv := &http.Server{
			Addr:              addr,
			Handler:           t.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)

		go func() {
			s.logger.Info("terminal listening", "terminal", t.Name(), "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("terminal %s: %w", t.Name(), err)
			}
		}()

		s.wg.Add(1)
		go s.runTerminal(ctx, i)
	}

	if s.metrics != nil {
		s.metrics.ActiveTerminals.Set(float64(len(s.terminals)))
	}

	s.logger.Info("simulator started",
		"terminal_count", len(s.terminals),
		"interval", s.config.Interval,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case runErr = <-errChan:
		s.logger.Error("terminal failed", "error", runErr)
	}
	cancel()

	s.logger.Info("waiting for terminals to shut down...")
	s.wg.Wait()

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}

	s.logger.Info("simulator stopped")
	return runErr
}

// runTerminal records a live punch for a random enrolled person on every tick.
func (s *Server) runTerminal(ctx context.Context, i int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	t := s.terminals[i]
	terminalLogger := s.logger.With(slog.String("terminal", t.Name()))
	terminalLogger.Info("punch generator started")

	for {
		select {
		case <-ctx.Done():
			terminalLogger.Info("punch generator shutting down")
			return

		case now := <-ticker.C:
			if len(s.people[i]) == 0 {
				continue
			}
			s.genMu.Lock()
			p := s.gen.LivePunch(s.people[i], now)
			s.genMu.Unlock()
			t.Record(p)
			terminalLogger.Debug("punch recorded", "device_user_id", p.DeviceUserID, "modality", p.Modality)
		}
	}
}

// Shutdown stops the terminal HTTP servers.
// This is an alternative to sending OS signals.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.servers = nil

	if s.metrics != nil {
		s.metrics.ActiveTerminals.Set(0)
	}
	return errors.Join(errs...)
}
