// Package store declares the persistence contracts of the sync pipeline.
// Implementations live in store/memory and store/postgres.
package store

import (
	"context"
	"time"

	"procodus.dev/biosync/internal/model"
)

// DeviceFilter narrows device listings. Empty fields match everything.
type DeviceFilter struct {
	TenantID    string
	DeviceID    string
	EnabledOnly bool
}

// SyncState is the per-device outcome written once per sync attempt.
// A nil LastSyncedAt leaves the stored value untouched.
type SyncState struct {
	LastSyncedAt *time.Time
	Status       model.SyncStatus
	Error        string
}

// DeviceStore reads devices and records their sync health.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error)
	// UpdateSyncState applies state with a single write.
	UpdateSyncState(ctx context.Context, deviceID string, state SyncState) error
}

// MappingFilter narrows identity mapping listings.
type MappingFilter struct {
	TenantID   string
	DeviceID   string
	UserID     string
	ActiveOnly bool
	Offset     int
	Limit      int
}

// MappingStore persists identity mappings.
type MappingStore interface {
	// FindActiveByDeviceUser returns the active mapping for a device-local id or model.ErrNotFound.
	FindActiveByDeviceUser(ctx context.Context, deviceID, deviceUserID string) (*model.IdentityMapping, error)
	// FindActiveByUser returns the active mapping of a user on a device or model.ErrNotFound.
	FindActiveByUser(ctx context.Context, tenantID, userID, deviceID string) (*model.IdentityMapping, error)
	GetMapping(ctx context.Context, id string) (*model.IdentityMapping, error)
	// CreateMapping inserts m, returning model.ErrConflict when an active mapping
	// already holds the (user, device) or (device, device user id) pair.
	CreateMapping(ctx context.Context, m *model.IdentityMapping) error
	DeactivateMapping(ctx context.Context, id string) error
	UpdateModalities(ctx context.Context, id string, fingerprints int, hasCard, hasFace bool) error
	ListMappings(ctx context.Context, filter MappingFilter) ([]model.IdentityMapping, int64, error)
}

// CardStore is the read side of the access card registry.
type CardStore interface {
	// ActiveCardHolders returns the subset of userIDs holding an active card.
	ActiveCardHolders(ctx context.Context, tenantID string, userIDs []string) (map[string]bool, error)
}

// EventCursor is a position in the (event time, id) order of event listings.
type EventCursor struct {
	Time time.Time
	ID   string
}

// EventFilter narrows raw event listings. Results are ordered by event time,
// then id.
type EventFilter struct {
	TenantID    string
	DeviceID    string
	PendingOnly bool
	// UnmappedOnly keeps events no active mapping resolved.
	UnmappedOnly bool
	Since        *time.Time
	// After keeps events strictly past the cursor, for keyset paging.
	After *EventCursor
	Limit int
}

// EventStore is the append-only raw event ledger.
type EventStore interface {
	// InsertEventIfAbsent stores e unless an event with the same fingerprint
	// exists. Exactly one concurrent caller per fingerprint gets true.
	InsertEventIfAbsent(ctx context.Context, e *model.RawEvent) (bool, error)
	// MarkEventProcessed records the resolution and processing outcome of an event.
	MarkEventProcessed(ctx context.Context, id string, resolvedUserID *string, processedAt time.Time, processingErr *string) error
	ListEvents(ctx context.Context, filter EventFilter) ([]model.RawEvent, error)
	CountEventsSince(ctx context.Context, deviceID string, since time.Time) (int64, error)
}

// AttendanceStore persists daily attendance records.
type AttendanceStore interface {
	// GetAttendance returns the record for (tenant, user, date) or model.ErrNotFound.
	GetAttendance(ctx context.Context, tenantID, userID string, date time.Time) (*model.AttendanceRecord, error)
	// CreateAttendance inserts r unless a record for its key exists.
	CreateAttendance(ctx context.Context, r *model.AttendanceRecord) (bool, error)
	// CloseAttendance sets check-in/check-out/hours only while the record has no check-out.
	CloseAttendance(ctx context.Context, id string, checkIn, checkOut time.Time, hours float64, markedAt time.Time) (bool, error)
	ListAttendance(ctx context.Context, tenantID, userID string, from, to time.Time) ([]model.AttendanceRecord, error)
}

// Store aggregates every contract the pipeline needs.
type Store interface {
	DeviceStore
	MappingStore
	CardStore
	EventStore
	AttendanceStore
}
