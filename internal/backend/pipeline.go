// Package backend hosts the sync service: the operator HTTP API, the gRPC
// service, the sync trigger consumer, the summary publisher and the scheduler,
// all running on one pipeline.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata" // tenant zones resolve without a system zoneinfo

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/identity"
	"procodus.dev/biosync/internal/ledger"
	"procodus.dev/biosync/internal/reconcile"
	"procodus.dev/biosync/internal/store"
	"procodus.dev/biosync/internal/syncer"
	"procodus.dev/biosync/pkg/metrics"
)

// PipelineConfig holds what the sync pipeline is built from.
type PipelineConfig struct {
	Logger *slog.Logger
	Store  store.Store
	// Sources opens device clients; nil means ISAPI clients in the tenant zones.
	Sources device.Factory
	Zones   *reconcile.Zones

	Locker    syncer.Locker
	Publisher syncer.Publisher
	Metrics   *metrics.SyncMetrics

	Workers         int
	FetchLimit      int
	FetchTimeout    time.Duration
	DeviceTimeout   time.Duration
	ManualLookback  time.Duration
	InitialLookback time.Duration
}

// Pipeline is the wired set of sync components.
type Pipeline struct {
	Store        store.Store
	Sources      device.Factory
	Ledger       *ledger.Ledger
	Registry     *identity.Registry
	Engine       *reconcile.Engine
	Orchestrator *syncer.Orchestrator
}

// NewPipeline wires the ledger, registry, engine and orchestrator on one store.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	zones := cfg.Zones
	if zones == nil {
		zones = reconcile.NewZones(nil)
	}
	sources := cfg.Sources
	if sources == nil {
		sources = &device.ClientFactory{
			Logger:    cfg.Logger,
			Locations: zones.For,
			Timeout:   cfg.FetchTimeout,
		}
	}

	led, err := ledger.New(cfg.Store, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	reg, err := identity.New(&identity.Config{
		Logger:   cfg.Logger,
		Mappings: cfg.Store,
		Cards:    cfg.Store,
		Devices:  cfg.Store,
		Sources:  sources,
	})
	if err != nil {
		return nil, fmt.Errorf("identity registry: %w", err)
	}
	eng, err := reconcile.New(&reconcile.Config{
		Logger:     cfg.Logger,
		Attendance: cfg.Store,
		Zones:      zones,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation engine: %w", err)
	}
	orch, err := syncer.New(&syncer.Config{
		Logger:          cfg.Logger,
		Devices:         cfg.Store,
		Ledger:          led,
		Registry:        reg,
		Engine:          eng,
		Sources:         sources,
		Workers:         cfg.Workers,
		FetchLimit:      cfg.FetchLimit,
		FetchTimeout:    cfg.FetchTimeout,
		DeviceTimeout:   cfg.DeviceTimeout,
		ManualLookback:  cfg.ManualLookback,
		InitialLookback: cfg.InitialLookback,
		Locker:          cfg.Locker,
		Publisher:       cfg.Publisher,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	return &Pipeline{
		Store:        cfg.Store,
		Sources:      sources,
		Ledger:       led,
		Registry:     reg,
		Engine:       eng,
		Orchestrator: orch,
	}, nil
}

// BuildZones resolves the default zone and per-tenant overrides by IANA name.
// An empty default keeps the +05:30 fixed offset.
func BuildZones(defaultZone string, tenantZones map[string]string) (*reconcile.Zones, error) {
	var fallback *time.Location
	if defaultZone != "" {
		loc, err := time.LoadLocation(defaultZone)
		if err != nil {
			return nil, fmt.Errorf("default timezone %q: %w", defaultZone, err)
		}
		fallback = loc
	}
	zones := reconcile.NewZones(fallback)
	for tenantID, name := range tenantZones {
		if err := zones.SetName(tenantID, name); err != nil {
			return nil, err
		}
	}
	return zones, nil
}
