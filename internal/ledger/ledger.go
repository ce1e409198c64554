// Package ledger is the append-only, content-addressed record of every device
// event ever ingested. Its conditional insert is what makes repeated polling of
// overlapping windows safe.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
)

// Fingerprint returns the dedup key of a physical event. Two events from the
// same device for the same device-local user at the same instant are the same
// event.
func Fingerprint(deviceID, deviceUserID string, eventTime time.Time) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(deviceUserID))
	h.Write([]byte{0})
	h.Write([]byte(eventTime.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger wraps the event store with fingerprinting and id assignment.
type Ledger struct {
	events store.EventStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over events.
func New(events store.EventStore, logger *slog.Logger) (*Ledger, error) {
	if events == nil {
		return nil, errors.New("event store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Ledger{
		events: events,
		logger: logger.With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// InsertIfAbsent stores e unless its fingerprint was seen before. A missing
// fingerprint or id is filled in. Exactly one of several concurrent callers
// with the same fingerprint gets inserted=true.
func (l *Ledger) InsertIfAbsent(ctx context.Context, e *model.RawEvent) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("%w: nil event", model.ErrInvalidArgument)
	}
	if e.DeviceID == "" || e.EventTime.IsZero() {
		return false, fmt.Errorf("%w: event needs a device and a time", model.ErrInvalidArgument)
	}
	e.EventTime = e.EventTime.UTC()
	if e.Fingerprint == "" {
		var deviceUserID string
		if e.DeviceUserID != nil {
			deviceUserID = *e.DeviceUserID
		}
		e.Fingerprint = Fingerprint(e.DeviceID, deviceUserID, e.EventTime)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	inserted, err := l.events.InsertEventIfAbsent(ctx, e)
	if err != nil {
		return false, fmt.Errorf("ledger insert: %w", err)
	}
	if !inserted {
		l.logger.Debug("duplicate event", "device_id", e.DeviceID, "fingerprint", e.Fingerprint)
	}
	return inserted, nil
}

// MarkProcessed records that e was resolved to userID and reconciled.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, userID string) error {
	if err := l.events.MarkEventProcessed(ctx, eventID, &userID, l.now(), nil); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a processing note on an event without resolving it.
func (l *Ledger) MarkFailed(ctx context.Context, eventID string, userID *string, reason string) error {
	if err := l.events.MarkEventProcessed(ctx, eventID, userID, l.now(), &reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ListPending returns events that are unmapped or were never reconciled,
// oldest first. A non-nil after resumes past the last event of a previous page.
func (l *Ledger) ListPending(ctx context.Context, tenantID, deviceID string, after *store.EventCursor, limit int) ([]model.RawEvent, error) {
	return l.List(ctx, store.EventFilter{
		TenantID:    tenantID,
		DeviceID:    deviceID,
		PendingOnly: true,
		After:       after,
		Limit:       limit,
	})
}

// List returns events matching f.
func (l *Ledger) List(ctx context.Context, f store.EventFilter) ([]model.RawEvent, error) {
	events, err := l.events.ListEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// CountSince returns how many events of a device were ingested at or after since.
func (l *Ledger) CountSince(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	n, err := l.events.CountEventsSince(ctx, deviceID, since)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
