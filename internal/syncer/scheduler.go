package syncer

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/biosync/internal/store"
)

// SchedulerConfig holds the configuration for the Scheduler.
type SchedulerConfig struct {
	Logger       *slog.Logger
	Orchestrator *Orchestrator
	Devices      store.DeviceStore
	// Interval is how often due devices are looked for. Each device is still
	// synced only once its own polling interval has elapsed.
	Interval time.Duration
	// Ticks is an optional counter incremented on every tick.
	Ticks prometheus.Counter
}

// Scheduler runs scheduled passes for every tenant with enabled devices.
type Scheduler struct {
	logger       *slog.Logger
	orchestrator *Orchestrator
	devices      store.DeviceStore
	interval     time.Duration
	ticks        prometheus.Counter
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("scheduler config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Orchestrator == nil || cfg.Devices == nil {
		return nil, errors.New("orchestrator and device store cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be greater than 0")
	}
	return &Scheduler{
		logger:       cfg.Logger.With("component", "scheduler"),
		orchestrator: cfg.Orchestrator,
		devices:      cfg.Devices,
		interval:     cfg.Interval,
		ticks:        cfg.Ticks,
	}, nil
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduled pass per tenant and returns the summaries.
func (s *Scheduler) Tick(ctx context.Context) []*Summary {
	if s.ticks != nil {
		s.ticks.Inc()
	}
	devices, err := s.devices.ListDevices(ctx, store.DeviceFilter{EnabledOnly: true})
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		return nil
	}

	tenants := make([]string, 0)
	for _, d := range devices {
		if !slices.Contains(tenants, d.TenantID) {
			tenants = append(tenants, d.TenantID)
		}
	}
	slices.Sort(tenants)

	summaries := make([]*Summary, 0, len(tenants))
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		summary, err := s.orchestrator.Run(ctx, Request{TenantID: tenantID, Trigger: TriggerScheduled})
		if err != nil {
			s.logger.Error("scheduled pass failed", "tenant_id", tenantID, "error", err)
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries
}
