package device

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"procodus.dev/biosync/internal/model"
)

// ClientFactory opens ISAPI clients for stored devices.
type ClientFactory struct {
	Logger *slog.Logger
	// Locations returns the zone of a tenant's devices; nil means UTC.
	Locations func(tenantID string) *time.Location
	Transport http.RoundTripper
	Timeout   time.Duration
	PageSize  int
}

var _ Factory = (*ClientFactory)(nil)

// Open builds a client from the device's connection parameters.
func (f *ClientFactory) Open(d *model.Device) (Source, error) {
	if d == nil {
		return nil, errors.New("device cannot be nil")
	}
	var loc *time.Location
	if f.Locations != nil {
		loc = f.Locations(d.TenantID)
	}
	return NewClient(&ClientConfig{
		Logger:    f.Logger,
		BaseURL:   d.BaseURL,
		Username:  d.Username,
		Password:  d.Password,
		Location:  loc,
		Transport: f.Transport,
		Timeout:   f.Timeout,
		PageSize:  f.PageSize,
	})
}
