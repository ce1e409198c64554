package reconcile

import (
	"fmt"
	"sync"
	"time"
)

// DefaultOffset is the zone used for tenants without an override (UTC+05:30).
const DefaultOffset = 5*time.Hour + 30*time.Minute

// Zones maps tenants to the zone their calendar dates are computed in.
type Zones struct {
	mu        sync.RWMutex
	fallback  *time.Location
	overrides map[string]*time.Location
}

// NewZones creates a zone table. A nil fallback means UTC+05:30.
func NewZones(fallback *time.Location) *Zones {
	if fallback == nil {
		fallback = time.FixedZone("+05:30", int(DefaultOffset.Seconds()))
	}
	return &Zones{fallback: fallback, overrides: make(map[string]*time.Location)}
}

// Set overrides the zone of a tenant.
func (z *Zones) Set(tenantID string, loc *time.Location) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.overrides[tenantID] = loc
}

// SetName overrides the zone of a tenant by IANA name.
func (z *Zones) SetName(tenantID, name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("zone for tenant %s: %w", tenantID, err)
	}
	z.Set(tenantID, loc)
	return nil
}

// For returns the zone of a tenant.
func (z *Zones) For(tenantID string) *time.Location {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if loc, ok := z.overrides[tenantID]; ok && loc != nil {
		return loc
	}
	return z.fallback
}

// LocalDate returns the tenant-local calendar date of t, at midnight UTC.
func (z *Zones) LocalDate(tenantID string, t time.Time) time.Time {
	y, m, d := t.In(z.For(tenantID)).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
