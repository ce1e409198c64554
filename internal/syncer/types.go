package syncer

import (
	"context"
	"errors"
	"time"
)

// Trigger says why a pass runs.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Device outcomes within a pass.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ErrLocked is returned by a Locker when another process syncs the device.
var ErrLocked = errors.New("device sync already running")

// Request describes one pass.
type Request struct {
	TenantID string `json:"tenantId" validate:"required"`
	// DeviceID scopes the pass to one device.
	DeviceID string  `json:"deviceId,omitempty"`
	Trigger  Trigger `json:"trigger,omitempty"`
	// Lookback overrides the manual window.
	Lookback time.Duration `json:"lookback,omitempty"`
}

// DeviceResult is the outcome of one device within a pass.
type DeviceResult struct {
	DeviceID          string     `json:"deviceId"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	Since             time.Time  `json:"since"`
	SyncedAt          *time.Time `json:"syncedAt,omitempty"`
	Fetched           int        `json:"fetched"`
	New               int        `json:"new"`
	Duplicates        int        `json:"duplicates"`
	Unmapped          int        `json:"unmapped"`
	AttendanceCreated int        `json:"attendanceCreated"`
	AttendanceClosed  int        `json:"attendanceClosed"`
	Ignored           int        `json:"ignored"`
	Truncated         bool       `json:"truncated"`
	DurationMillis    int64      `json:"durationMillis"`
}

// Summary aggregates a pass.
type Summary struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenantId"`
	Trigger           Trigger        `json:"trigger"`
	StartedAt         time.Time      `json:"startedAt"`
	FinishedAt        time.Time      `json:"finishedAt"`
	DevicesAttempted  int            `json:"devicesAttempted"`
	DevicesSucceeded  int            `json:"devicesSucceeded"`
	DevicesFailed     int            `json:"devicesFailed"`
	DevicesSkipped    int            `json:"devicesSkipped"`
	Fetched           int            `json:"fetched"`
	New               int            `json:"new"`
	Duplicates        int            `json:"duplicates"`
	Unmapped          int            `json:"unmapped"`
	AttendanceUpdated int            `json:"attendanceUpdated"`
	Devices           []DeviceResult `json:"devices"`
}

func (s *Summary) add(r DeviceResult) {
	s.Devices = append(s.Devices, r)
	switch r.Status {
	case StatusSuccess:
		s.DevicesAttempted++
		s.DevicesSucceeded++
	case StatusFailed:
		s.DevicesAttempted++
		s.DevicesFailed++
	case StatusSkipped:
		s.DevicesSkipped++
	}
	s.Fetched += r.Fetched
	s.New += r.New
	s.Duplicates += r.Duplicates
	s.Unmapped += r.Unmapped
	s.AttendanceUpdated += r.AttendanceCreated + r.AttendanceClosed
}

// DeviceStatus is the health of one device.
type DeviceStatus struct {
	DeviceID       string     `json:"deviceId"`
	Name           string     `json:"name"`
	Enabled        bool       `json:"enabled"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	LastSyncStatus string     `json:"lastSyncStatus,omitempty"`
	LastSyncError  string     `json:"lastSyncError,omitempty"`
	EventsLast24h  int64      `json:"eventsLast24h"`
	NextSyncDue    *time.Time `json:"nextSyncDue,omitempty"`
	PollInterval   string     `json:"pollInterval"`
}

// BackfillResult counts a backfill run.
type BackfillResult struct {
	Examined      int `json:"examined"`
	Resolved      int `json:"resolved"`
	StillUnmapped int `json:"stillUnmapped"`
	Failed        int `json:"failed"`
}

// Locker serializes syncs of one device across processes.
type Locker interface {
	// Lock returns ErrLocked when the device is held elsewhere.
	Lock(ctx context.Context, deviceID string) (release func(context.Context), err error)
}

// Publisher receives every pass summary.
type Publisher interface {
	PublishSummary(ctx context.Context, s *Summary) error
}
