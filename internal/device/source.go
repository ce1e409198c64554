// Package device talks to physical access-control terminals. A Source is a
// pull-based adapter: the orchestrator asks for events since a timestamp, so a
// push-capable device family can implement the same contract by buffering.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"procodus.dev/biosync/internal/model"
)

// Failure kinds reported by a Source. The orchestrator records any of them as a
// failed sync for the device; none is retried in the same pass.
var (
	ErrTransport         = errors.New("device unreachable")
	ErrAuthentication    = errors.New("device authentication failed")
	ErrMalformedResponse = errors.New("malformed device response")
	ErrUserNotFound      = errors.New("user not found on device")
)

// Event types derived from the vendor minor code.
const (
	EventFingerprint = "FINGERPRINT"
	EventCard        = "CARD"
	EventFace        = "FACE"
	EventAccess      = "ACCESS"
)

// Event is one access-control event as reported by a device.
type Event struct {
	// Time is the device-clock instant normalized to UTC.
	Time time.Time
	// DeviceUserID is nil when the device could not attribute the event to a local user.
	DeviceUserID  *string
	Type          string
	VendorEventID string
	Payload       json.RawMessage
}

// UserRecord is the device-local record of an enrolled person.
type UserRecord struct {
	DeviceUserID     string
	Name             string
	FingerprintCount int
	CardCount        int
	FaceCount        int
}

// Source is the contract every device family implements.
type Source interface {
	// Authenticate verifies connectivity and credentials.
	Authenticate(ctx context.Context) error
	// FetchEvents returns events at or after since, at most limit of them. A
	// non-empty cursor means the device holds more events than were returned.
	FetchEvents(ctx context.Context, since time.Time, limit int) ([]Event, string, error)
	// CreateUser registers a device-local user. An id that already exists is not an error.
	CreateUser(ctx context.Context, deviceUserID, displayName string) error
	// LookupUser returns the device-local record or ErrUserNotFound.
	LookupUser(ctx context.Context, deviceUserID string) (*UserRecord, error)
}

// Factory opens a Source for a stored device.
type Factory interface {
	Open(d *model.Device) (Source, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(d *model.Device) (Source, error)

// Open calls f.
func (f FactoryFunc) Open(d *model.Device) (Source, error) {
	return f(d)
}
