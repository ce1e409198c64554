// Package fake provides an in-memory device.Source for tests.
package fake

import (
	"context"
	"sync"
	"time"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/model"
)

// Source is a scriptable device.Source. Zero value is ready to use.
type Source struct {
	mu sync.Mutex

	// Events is the device log returned by FetchEvents, filtered by since.
	Events []device.Event
	// Users holds the device-local records known to LookupUser.
	Users map[string]device.UserRecord

	// FetchErr, CreateErr and AuthErr are returned by the matching call when set.
	FetchErr  error
	CreateErr error
	AuthErr   error
	// FetchHook runs at the start of FetchEvents; it may block to simulate latency.
	FetchHook func(ctx context.Context) error

	FetchCalls  int
	CreateCalls []string
	LastSince   time.Time
	LastLimit   int
}

var _ device.Source = (*Source)(nil)

// Authenticate returns AuthErr.
func (s *Source) Authenticate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AuthErr
}

// FetchEvents returns the events at or after since, in log order, up to limit.
func (s *Source) FetchEvents(ctx context.Context, since time.Time, limit int) ([]device.Event, string, error) {
	s.mu.Lock()
	hook := s.FetchHook
	s.FetchCalls++
	s.LastSince, s.LastLimit = since, limit
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, "", s.FetchErr
	}
	out := make([]device.Event, 0, len(s.Events))
	for _, e := range s.Events {
		if e.Time.Before(since) {
			continue
		}
		if limit > 0 && len(out) == limit {
			return out, "more", nil
		}
		out = append(out, e)
	}
	return out, "", nil
}

// CreateUser records the call and adds the user unless CreateErr is set.
func (s *Source) CreateUser(_ context.Context, deviceUserID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCalls = append(s.CreateCalls, deviceUserID)
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if s.Users == nil {
		s.Users = make(map[string]device.UserRecord)
	}
	if _, ok := s.Users[deviceUserID]; !ok {
		s.Users[deviceUserID] = device.UserRecord{DeviceUserID: deviceUserID, Name: displayName}
	}
	return nil
}

// LookupUser returns the stored record or device.ErrUserNotFound.
func (s *Source) LookupUser(_ context.Context, deviceUserID string) (*device.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[deviceUserID]
	if !ok {
		return nil, device.ErrUserNotFound
	}
	return &u, nil
}

// Add appends an event for deviceUserID at t. An empty id adds an unattributed event.
func (s *Source) Add(deviceUserID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := device.Event{Time: t.UTC(), Type: device.EventFingerprint}
	if deviceUserID != "" {
		id := deviceUserID
		e.DeviceUserID = &id
	}
	s.Events = append(s.Events, e)
}

// Calls returns how many times FetchEvents ran.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FetchCalls
}

// Factory maps device ids to sources. Unknown devices fail with device.ErrTransport.
type Factory struct {
	mu      sync.Mutex
	sources map[string]*Source
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{sources: make(map[string]*Source)}
}

// Set registers the source of a device.
func (f *Factory) Set(deviceID string, s *Source) *Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[deviceID] = s
	return s
}

// Open implements device.Factory.
func (f *Factory) Open(d *model.Device) (device.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[d.ID]
	if !ok {
		return nil, device.ErrTransport
	}
	return s, nil
}
