package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
)

const (
	statusWindow  = 24 * time.Hour
	backfillBatch = 500
)

// Status reports the sync health of every device of a tenant.
func (o *Orchestrator) Status(ctx context.Context, tenantID string) ([]DeviceStatus, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", model.ErrInvalidArgument)
	}
	devices, err := o.devices.ListDevices(ctx, store.DeviceFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	since := o.now().Add(-statusWindow)
	out := make([]DeviceStatus, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		count, err := o.ledger.CountSince(ctx, d.ID, since)
		if err != nil {
			return nil, err
		}
		out = append(out, DeviceStatus{
			DeviceID:       d.ID,
			Name:           d.Name,
			Enabled:        d.Enabled,
			LastSyncedAt:   d.LastSyncedAt,
			LastSyncStatus: string(d.LastSyncStatus),
			LastSyncError:  d.LastSyncError,
			EventsLast24h:  count,
			NextSyncDue:    d.NextSyncDue(),
			PollInterval:   d.PollInterval().String(),
		})
	}
	return out, nil
}

// Backfill re-resolves the pending events of a tenant, optionally of one
// device: unmapped events whose user has since been mapped are reconciled, and
// resolved events that never reached reconciliation are retried. Events are
// walked oldest first in pages, so each user-day sees its punches in time order
// and events that stay unmapped never hide the ones behind them.
func (o *Orchestrator) Backfill(ctx context.Context, tenantID, deviceID string) (*BackfillResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", model.ErrInvalidArgument)
	}

	logger := o.logger.With("tenant_id", tenantID, "device_id", deviceID)
	res := &BackfillResult{}
	var (
		after   *store.EventCursor
		scratch DeviceResult
	)
	for {
		pending, err := o.ledger.ListPending(ctx, tenantID, deviceID, after, backfillBatch)
		if err != nil {
			return res, err
		}
		res.Examined += len(pending)

		for i := range pending {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := o.backfillEvent(ctx, logger, &pending[i], &scratch, res); err != nil {
				return res, err
			}
		}

		if len(pending) < backfillBatch {
			break
		}
		last := pending[len(pending)-1]
		after = &store.EventCursor{Time: last.EventTime, ID: last.ID}
	}

	logger.Info("backfill finished",
		"examined", res.Examined,
		"resolved", res.Resolved,
		"still_unmapped", res.StillUnmapped,
		"failed", res.Failed,
	)
	return res, nil
}

func (o *Orchestrator) backfillEvent(ctx context.Context, logger *slog.Logger, e *model.RawEvent, scratch *DeviceResult, res *BackfillResult) error {
	userID := deref(e.ResolvedUserID)
	if userID == "" {
		if e.DeviceUserID == nil {
			res.StillUnmapped++
			return nil
		}
		id, err := o.registry.Resolve(ctx, e.TenantID, e.DeviceID, *e.DeviceUserID)
		if errors.Is(err, model.ErrNotMapped) {
			res.StillUnmapped++
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
		userID = id
	}

	if err := o.apply(ctx, e, userID, scratch); err != nil {
		res.Failed++
		logger.Warn("backfill failed for event", "event_id", e.ID, "error", err)
		// Left unresolved so the next backfill retries it.
		if merr := o.ledger.MarkFailed(ctx, e.ID, nil, err.Error()); merr != nil {
			logger.Error("failed to record backfill failure", "event_id", e.ID, "error", merr)
		}
		return nil
	}
	res.Resolved++
	return nil
}
