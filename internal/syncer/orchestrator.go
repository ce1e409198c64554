// Package syncer runs sync passes: it pulls events from devices, records them
// in the ledger, resolves identities and feeds attendance reconciliation.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/identity"
	"procodus.dev/biosync/internal/ledger"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/reconcile"
	"procodus.dev/biosync/internal/store"
	"procodus.dev/biosync/pkg/metrics"
)

// NoteNotMapped is the processing note of events whose user has no active mapping.
const NoteNotMapped = "user not mapped"

const (
	defaultWorkers         = 4
	defaultFetchLimit      = 500
	defaultFetchTimeout    = 30 * time.Second
	defaultManualLookback  = 24 * time.Hour
	defaultInitialLookback = 24 * time.Hour
	defaultDeviceTimeout   = 2 * time.Minute

	stateWriteTimeout = 10 * time.Second
)

// Config holds the dependencies and limits of an Orchestrator.
type Config struct {
	Logger   *slog.Logger
	Devices  store.DeviceStore
	Ledger   *ledger.Ledger
	Registry *identity.Registry
	Engine   *reconcile.Engine
	Sources  device.Factory

	// Workers bounds how many devices sync at once.
	Workers int
	// FetchLimit bounds the events pulled from one device per pass.
	FetchLimit int
	// FetchTimeout bounds a single device fetch.
	FetchTimeout time.Duration
	// DeviceTimeout bounds the whole sync of one device once started.
	DeviceTimeout time.Duration
	// ManualLookback is the window of manual passes.
	ManualLookback time.Duration
	// InitialLookback is the window of a scheduled pass on a never-synced device.
	InitialLookback time.Duration

	// Locker, Publisher and Metrics are optional.
	Locker    Locker
	Publisher Publisher
	Metrics   *metrics.SyncMetrics
}

// Orchestrator runs sync passes.
type Orchestrator struct {
	logger   *slog.Logger
	devices  store.DeviceStore
	ledger   *ledger.Ledger
	registry *identity.Registry
	engine   *reconcile.Engine
	sources  device.Factory
	cfg      Config
	now      func() time.Time
}

// New creates an orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Devices == nil || cfg.Ledger == nil || cfg.Registry == nil || cfg.Engine == nil || cfg.Sources == nil {
		return nil, errors.New("devices, ledger, registry, engine and sources cannot be nil")
	}

	c := *cfg
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = defaultFetchLimit
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.DeviceTimeout <= 0 {
		c.DeviceTimeout = defaultDeviceTimeout
	}
	if c.ManualLookback <= 0 {
		c.ManualLookback = defaultManualLookback
	}
	if c.InitialLookback <= 0 {
		c.InitialLookback = defaultInitialLookback
	}

	return &Orchestrator{
		logger:   cfg.Logger.With("component", "syncer"),
		devices:  cfg.Devices,
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		sources:  cfg.Sources,
		cfg:      c,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run executes one pass. Scheduled passes cover the tenant's due devices,
// manual passes every enabled device or the one named. A failing device never
// affects the others. Once ctx is canceled no further device is started, while
// devices already syncing finish on a detached context.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", model.ErrInvalidArgument)
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	devices, err := o.devices.ListDevices(ctx, store.DeviceFilter{
		TenantID:    req.TenantID,
		DeviceID:    req.DeviceID,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if req.DeviceID != "" && len(devices) == 0 {
		return nil, fmt.Errorf("device %s: %w", req.DeviceID, model.ErrNotFound)
	}

	summary := &Summary{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Trigger:   req.Trigger,
		StartedAt: o.now(),
		Devices:   make([]DeviceResult, 0, len(devices)),
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PassesTotal.WithLabelValues(string(req.Trigger)).Inc()
	}

	passLogger := o.logger.With("pass_id", summary.ID, "tenant_id", req.TenantID, "trigger", req.Trigger)

	now := o.now()
	work := make([]model.Device, 0, len(devices))
	for _, d := range devices {
		if req.Trigger == TriggerScheduled && !d.IsDue(now) {
			continue
		}
		work = append(work, d)
	}

	results := make([]DeviceResult, len(work))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i := range work {
		d := work[i]
		if ctx.Err() != nil {
			results[i] = DeviceResult{DeviceID: d.ID, Status: StatusSkipped, Error: "pass canceled"}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = DeviceResult{DeviceID: d.ID, Status: StatusSkipped, Error: "pass canceled"}
				return nil
			}
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DeviceTimeout)
			defer cancel()
			results[i] = o.syncDevice(dctx, passLogger, &d, req)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.add(r)
	}
	summary.FinishedAt = o.now()

	passLogger.Info("sync pass finished",
		"devices_attempted", summary.DevicesAttempted,
		"devices_succeeded", summary.DevicesSucceeded,
		"devices_failed", summary.DevicesFailed,
		"devices_skipped", summary.DevicesSkipped,
		"new_events", summary.New,
		"duplicates", summary.Duplicates,
		"duration", summary.FinishedAt.Sub(summary.StartedAt),
	)

	if o.cfg.Publisher != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := o.cfg.Publisher.PublishSummary(pctx, summary); err != nil {
			passLogger.Warn("failed to publish summary", "error", err)
		}
		cancel()
	}
	return summary, nil
}

// syncDevice syncs one device and records the outcome on it.
func (o *Orchestrator) syncDevice(ctx context.Context, passLogger *slog.Logger, d *model.Device, req Request) DeviceResult {
	start := o.now()
	logger := passLogger.With("device_id", d.ID)
	res := DeviceResult{DeviceID: d.ID, Since: o.since(d, req, start)}

	if o.cfg.Locker != nil {
		release, err := o.cfg.Locker.Lock(ctx, d.ID)
		if err != nil {
			res.Status = StatusSkipped
			res.Error = err.Error()
			logger.Info("device skipped", "reason", err)
			o.observe(&res, start)
			return res
		}
		defer release(context.WithoutCancel(ctx))
	}

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveDeviceSyncs.Inc()
		defer o.cfg.Metrics.ActiveDeviceSyncs.Dec()
	}

	syncedAt, err := o.pull(ctx, logger, d, &res, start)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		logger.Warn("device sync failed", "error", err)
		if werr := o.recordState(ctx, d.ID, store.SyncState{
			Status: model.SyncStatusFailed,
			Error:  err.Error(),
		}); werr != nil {
			logger.Error("failed to record sync failure", "error", werr)
		}
		o.observe(&res, start)
		return res
	}

	if werr := o.recordState(ctx, d.ID, store.SyncState{
		LastSyncedAt: &syncedAt,
		Status:       model.SyncStatusSuccess,
	}); werr != nil {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("record sync state: %v", werr)
		logger.Error("failed to record sync success", "error", werr)
		o.observe(&res, start)
		return res
	}

	res.Status = StatusSuccess
	res.SyncedAt = &syncedAt
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.LastSuccess.WithLabelValues(d.ID).Set(float64(syncedAt.Unix()))
	}
	logger.Info("device synced",
		"fetched", res.Fetched,
		"new", res.New,
		"duplicates", res.Duplicates,
		"unmapped", res.Unmapped,
		"truncated", res.Truncated,
	)
	o.observe(&res, start)
	return res
}

// recordState writes the outcome of a device sync. It outlives the device
// deadline so a timed-out device is still recorded as failed.
func (o *Orchestrator) recordState(ctx context.Context, deviceID string, state store.SyncState) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()
	return o.devices.UpdateSyncState(wctx, deviceID, state)
}

// since picks the start of the fetch window.
func (o *Orchestrator) since(d *model.Device, req Request, now time.Time) time.Time {
	if req.Trigger == TriggerScheduled {
		if d.LastSyncedAt != nil {
			return d.LastSyncedAt.UTC()
		}
		return now.Add(-o.cfg.InitialLookback)
	}
	lookback := req.Lookback
	if lookback <= 0 {
		lookback = o.cfg.ManualLookback
	}
	return now.Add(-lookback)
}

// pull fetches and processes the device's events and returns the new
// last-synced mark: the fetch start, or the newest event when the fetch was
// cut by the limit so the remainder is picked up next time.
func (o *Orchestrator) pull(ctx context.Context, logger *slog.Logger, d *model.Device, res *DeviceResult, start time.Time) (time.Time, error) {
	src, err := o.sources.Open(d)
	if err != nil {
		return time.Time{}, fmt.Errorf("open device: %w", err)
	}

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	events, cursor, err := src.FetchEvents(fctx, res.Since, o.cfg.FetchLimit)
	cancel()
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch events: %w", err)
	}
	res.Fetched = len(events)

	syncedAt := start
	if cursor != "" && len(events) > 0 {
		res.Truncated = true
		syncedAt = res.Since
		for _, ev := range events {
			if ev.Time.After(syncedAt) {
				syncedAt = ev.Time.UTC()
			}
		}
	}

	for i := range events {
		if err := o.process(ctx, logger, d, &events[i], res); err != nil {
			return time.Time{}, err
		}
	}
	return syncedAt, nil
}

// process ingests one event: conditionally insert, then resolve and
// reconcile. Duplicates stop at the insert and cost no identity lookup.
func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, d *model.Device, ev *device.Event, res *DeviceResult) error {
	e := &model.RawEvent{
		TenantID:      d.TenantID,
		DeviceID:      d.ID,
		DeviceUserID:  ev.DeviceUserID,
		EventType:     ev.Type,
		EventTime:     ev.Time.UTC(),
		VendorEventID: ev.VendorEventID,
		Payload:       datatypes.JSON(ev.Payload),
	}

	inserted, err := o.ledger.InsertIfAbsent(ctx, e)
	if err != nil {
		return err
	}
	if !inserted {
		res.Duplicates++
		o.countEvent("duplicate")
		return nil
	}
	res.New++
	o.countEvent("new")

	var userID string
	if ev.DeviceUserID != nil {
		id, err := o.registry.Resolve(ctx, d.TenantID, d.ID, *ev.DeviceUserID)
		switch {
		case err == nil:
			userID = id
		case errors.Is(err, model.ErrNotMapped):
		default:
			// The event stays pending for backfill.
			return fmt.Errorf("resolve identity: %w", err)
		}
	}
	if userID == "" {
		res.Unmapped++
		o.countEvent("unmapped")
		logger.Debug("unmapped event stored", "event_id", e.ID, "device_user_id", deref(ev.DeviceUserID))
		return o.ledger.MarkFailed(ctx, e.ID, nil, NoteNotMapped)
	}

	return o.apply(ctx, e, userID, res)
}

func (o *Orchestrator) apply(ctx context.Context, e *model.RawEvent, userID string, res *DeviceResult) error {
	outcome, err := o.engine.Apply(ctx, e.TenantID, userID, e.DeviceID, e.EventTime)
	if err != nil {
		return fmt.Errorf("reconcile event %s: %w", e.ID, err)
	}
	switch outcome {
	case reconcile.OutcomeCreated:
		res.AttendanceCreated++
	case reconcile.OutcomeClosed:
		res.AttendanceClosed++
	case reconcile.OutcomeIgnored:
		res.Ignored++
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.AttendanceTotal.WithLabelValues(string(outcome)).Inc()
	}
	return o.ledger.MarkProcessed(ctx, e.ID, userID)
}

func (o *Orchestrator) countEvent(outcome string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) observe(res *DeviceResult, start time.Time) {
	elapsed := o.now().Sub(start)
	res.DurationMillis = elapsed.Milliseconds()
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.DeviceSyncsTotal.WithLabelValues(res.Status).Inc()
		o.cfg.Metrics.DeviceSyncDuration.WithLabelValues(res.Status).Observe(elapsed.Seconds())
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
