package syncer

import (
	"context"
	"errors"
	"log/slog"

	"procodus.dev/biosync/pkg/lease"
)

// LeaseLocker adapts a Redis lease manager to Locker.
type LeaseLocker struct {
	Leases *lease.Manager
	Logger *slog.Logger
}

// Lock takes the device lease.
func (l *LeaseLocker) Lock(ctx context.Context, deviceID string) (func(context.Context), error) {
	held, err := l.Leases.Acquire(ctx, "device:"+deviceID)
	if errors.Is(err, lease.ErrHeld) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		if err := held.Release(ctx); err != nil && l.Logger != nil {
			l.Logger.Warn("failed to release device lease", "device_id", deviceID, "error", err)
		}
	}, nil
}
