// Package model defines the persistent records of the attendance sync pipeline.
// The same types are used by the in-memory and the Postgres stores.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// SyncStatus is the outcome of the last sync attempt against a device.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusFailed  SyncStatus = "FAILED"
)

// AttendanceStatus is the daily status of an attendance record.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "PRESENT"
)

// AttendanceSourceBiometric marks records derived from device punches.
const AttendanceSourceBiometric = "BIOMETRIC"

// DefaultUserIDMaxLen is the device-local id length used when a device does not declare one.
const DefaultUserIDMaxLen = 32

// Device is a physical access-control terminal assigned to a tenant.
type Device struct {
	LastSyncedAt        *time.Time `gorm:"index:idx_devices_last_synced" json:"lastSyncedAt"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ID                  string     `gorm:"primaryKey;size:64" json:"id"`
	TenantID            string     `gorm:"index:idx_devices_tenant;size:64;not null" json:"tenantId"`
	Name                string     `gorm:"size:128;not null" json:"name"`
	BaseURL             string     `gorm:"size:255;not null" json:"baseUrl"`
	Username            string     `gorm:"size:64" json:"username"`
	Password            string     `gorm:"size:128" json:"-"`
	LastSyncStatus      SyncStatus `gorm:"size:16" json:"lastSyncStatus"`
	LastSyncError       string     `gorm:"type:text" json:"lastSyncError"`
	PollIntervalSeconds int        `gorm:"not null;default:900" json:"pollIntervalSeconds"`
	UserIDMaxLen        int        `gorm:"not null;default:32" json:"userIdMaxLen"`
	Enabled             bool       `gorm:"index:idx_devices_tenant;not null;default:true" json:"enabled"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "biometric_devices"
}

// PollInterval returns the configured polling interval of the device.
func (d *Device) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// NextSyncDue returns lastSyncedAt + pollInterval, or nil when the device was never synced.
func (d *Device) NextSyncDue() *time.Time {
	if d.LastSyncedAt == nil {
		return nil
	}
	due := d.LastSyncedAt.Add(d.PollInterval())
	return &due
}

// IsDue reports whether a scheduled pass should sync the device at now.
func (d *Device) IsDue(now time.Time) bool {
	due := d.NextSyncDue()
	return due == nil || !due.After(now)
}

// IDLimit returns the device-local user id length limit.
func (d *Device) IDLimit() int {
	if d.UserIDMaxLen <= 0 {
		return DefaultUserIDMaxLen
	}
	return d.UserIDMaxLen
}

// IdentityMapping associates a device-local user id with a platform user.
// At most one active mapping may exist per (device, device user id) and per
// (tenant, user, device).
type IdentityMapping struct {
	EnrolledAt       time.Time `gorm:"not null" json:"enrolledAt"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID         string    `gorm:"size:64;not null;uniqueIndex:ux_mappings_user_device,where:is_active;index:idx_mappings_tenant" json:"tenantId"`
	UserID           string    `gorm:"size:64;not null;uniqueIndex:ux_mappings_user_device,where:is_active" json:"userId"`
	DeviceID         string    `gorm:"size:64;not null;uniqueIndex:ux_mappings_user_device,where:is_active;uniqueIndex:ux_mappings_device_user,where:is_active" json:"deviceId"`
	DeviceUserID     string    `gorm:"size:64;not null;uniqueIndex:ux_mappings_device_user,where:is_active" json:"deviceUserId"`
	FingerprintCount int       `gorm:"not null;default:0" json:"fingerprintCount"`
	HasCard          bool      `gorm:"not null;default:false" json:"hasCard"`
	HasFace          bool      `gorm:"not null;default:false" json:"hasFace"`
	IsActive         bool      `gorm:"not null;default:true" json:"isActive"`
}

// TableName specifies the table name for IdentityMapping model.
func (IdentityMapping) TableName() string {
	return "biometric_identity_mappings"
}

// AccessCard is an entry of the physical access card registry, kept apart from
// the biometric mappings.
type AccessCard struct {
	IssuedAt   time.Time `gorm:"not null" json:"issuedAt"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID   string    `gorm:"size:64;not null;index:idx_cards_tenant_user" json:"tenantId"`
	UserID     string    `gorm:"size:64;not null;index:idx_cards_tenant_user" json:"userId"`
	CardNumber string    `gorm:"size:64;not null" json:"cardNumber"`
	IsActive   bool      `gorm:"not null;default:true" json:"isActive"`
}

// TableName specifies the table name for AccessCard model.
func (AccessCard) TableName() string {
	return "access_cards"
}

// RawEvent is one ingested access-control event. Fingerprint is unique: it is
// the dedup key, not just an index.
type RawEvent struct {
	EventTime       time.Time      `gorm:"not null;index:idx_events_device_time" json:"eventTime"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index:idx_events_created" json:"createdAt"`
	ProcessedAt     *time.Time     `gorm:"" json:"processedAt"`
	DeviceUserID    *string        `gorm:"size:64" json:"deviceUserId"`
	ResolvedUserID  *string        `gorm:"size:64;index:idx_events_resolved" json:"resolvedUserId"`
	ProcessingError *string        `gorm:"type:text" json:"processingError"`
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	TenantID        string         `gorm:"size:64;not null;index:idx_events_tenant" json:"tenantId"`
	DeviceID        string         `gorm:"size:64;not null;index:idx_events_device_time" json:"deviceId"`
	EventType       string         `gorm:"size:32;not null" json:"eventType"`
	VendorEventID   string         `gorm:"size:64" json:"vendorEventId"`
	Fingerprint     string         `gorm:"size:64;not null;uniqueIndex:ux_events_fingerprint" json:"fingerprint"`
	Payload         datatypes.JSON `gorm:"type:jsonb" json:"payload"`
}

// TableName specifies the table name for RawEvent model.
func (RawEvent) TableName() string {
	return "biometric_raw_events"
}

// Pending reports whether the event still needs identity resolution or reconciliation.
func (e *RawEvent) Pending() bool {
	return e.ResolvedUserID == nil || e.ProcessedAt == nil
}

// AttendanceRecord is the daily attendance of one user in one tenant.
// Date is the tenant-local calendar date at midnight UTC.
type AttendanceRecord struct {
	Date         time.Time        `gorm:"type:date;not null;uniqueIndex:ux_attendance_user_day" json:"date"`
	MarkedAt     time.Time        `gorm:"not null" json:"markedAt"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
	CheckIn      *time.Time       `gorm:"" json:"checkIn"`
	CheckOut     *time.Time       `gorm:"" json:"checkOut"`
	WorkingHours *float64         `gorm:"type:numeric(6,2)" json:"workingHours"`
	ID           string           `gorm:"primaryKey;size:36" json:"id"`
	TenantID     string           `gorm:"size:64;not null;uniqueIndex:ux_attendance_user_day" json:"tenantId"`
	UserID       string           `gorm:"size:64;not null;uniqueIndex:ux_attendance_user_day" json:"userId"`
	Status       AttendanceStatus `gorm:"size:16;not null" json:"status"`
	Source       string           `gorm:"size:16;not null" json:"source"`
	DeviceID     string           `gorm:"size:64" json:"deviceId"`
	Remarks      string           `gorm:"type:text" json:"remarks"`
}

// TableName specifies the table name for AttendanceRecord model.
func (AttendanceRecord) TableName() string {
	return "attendance_records"
}

// IsClosed reports whether the record already has a check-out.
func (r *AttendanceRecord) IsClosed() bool {
	return r.CheckOut != nil
}
