// Package memory implements store.Store in process memory. It is used by
// tests and by the simulator; the service itself runs against Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
)

var _ store.Store = (*Store)(nil)

type attendanceKey struct {
	tenantID string
	userID   string
	date     string
}

// Store keeps every table in maps guarded by one mutex, so each method is atomic.
type Store struct {
	mu           sync.RWMutex
	devices      map[string]model.Device
	mappings     map[string]model.IdentityMapping
	cards        map[string]model.AccessCard
	events       map[string]model.RawEvent
	fingerprints map[string]string
	eventOrder   []string
	attendance   map[attendanceKey]model.AttendanceRecord
	attendanceID map[string]attendanceKey
}

// New returns an empty store.
func New() *Store {
	return &Store{
		devices:      make(map[string]model.Device),
		mappings:     make(map[string]model.IdentityMapping),
		cards:        make(map[string]model.AccessCard),
		events:       make(map[string]model.RawEvent),
		fingerprints: make(map[string]string),
		attendance:   make(map[attendanceKey]model.AttendanceRecord),
		attendanceID: make(map[string]attendanceKey),
	}
}

// PutDevice inserts or replaces a device. Devices are administered outside the pipeline.
func (s *Store) PutDevice(d model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

// PutCard inserts or replaces an access card.
func (s *Store) PutCard(c model.AccessCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.ID] = c
}

func (s *Store) GetDevice(_ context.Context, id string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &d, nil
}

func (s *Store) ListDevices(_ context.Context, f store.DeviceFilter) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if f.TenantID != "" && d.TenantID != f.TenantID {
			continue
		}
		if f.DeviceID != "" && d.ID != f.DeviceID {
			continue
		}
		if f.EnabledOnly && !d.Enabled {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateSyncState(_ context.Context, deviceID string, st store.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return model.ErrNotFound
	}
	if st.LastSyncedAt != nil {
		t := *st.LastSyncedAt
		d.LastSyncedAt = &t
	}
	d.LastSyncStatus = st.Status
	d.LastSyncError = st.Error
	d.UpdatedAt = time.Now().UTC()
	s.devices[deviceID] = d
	return nil
}

func (s *Store) FindActiveByDeviceUser(_ context.Context, deviceID, deviceUserID string) (*model.IdentityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.IsActive && m.DeviceID == deviceID && m.DeviceUserID == deviceUserID {
			return &m, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) FindActiveByUser(_ context.Context, tenantID, userID, deviceID string) (*model.IdentityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.IsActive && m.TenantID == tenantID && m.UserID == userID && m.DeviceID == deviceID {
			return &m, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) GetMapping(_ context.Context, id string) (*model.IdentityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &m, nil
}

func (s *Store) CreateMapping(_ context.Context, m *model.IdentityMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[m.ID]; ok {
		return model.ErrConflict
	}
	if m.IsActive {
		for _, cur := range s.mappings {
			if !cur.IsActive {
				continue
			}
			if cur.DeviceID == m.DeviceID && cur.DeviceUserID == m.DeviceUserID {
				return model.ErrConflict
			}
			if cur.TenantID == m.TenantID && cur.UserID == m.UserID && cur.DeviceID == m.DeviceID {
				return model.ErrConflict
			}
		}
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	s.mappings[m.ID] = *m
	return nil
}

func (s *Store) DeactivateMapping(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return model.ErrNotFound
	}
	m.IsActive = false
	m.UpdatedAt = time.Now().UTC()
	s.mappings[id] = m
	return nil
}

func (s *Store) UpdateModalities(_ context.Context, id string, fingerprints int, hasCard, hasFace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return model.ErrNotFound
	}
	m.FingerprintCount, m.HasCard, m.HasFace = fingerprints, hasCard, hasFace
	m.UpdatedAt = time.Now().UTC()
	s.mappings[id] = m
	return nil
}

func (s *Store) ListMappings(_ context.Context, f store.MappingFilter) ([]model.IdentityMapping, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.IdentityMapping, 0)
	for _, m := range s.mappings {
		if f.TenantID != "" && m.TenantID != f.TenantID {
			continue
		}
		if f.DeviceID != "" && m.DeviceID != f.DeviceID {
			continue
		}
		if f.UserID != "" && m.UserID != f.UserID {
			continue
		}
		if f.ActiveOnly && !m.IsActive {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EnrolledAt.Equal(matched[j].EnrolledAt) {
			return matched[i].EnrolledAt.Before(matched[j].EnrolledAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := int64(len(matched))
	return page(matched, f.Offset, f.Limit), total, nil
}

func (s *Store) ActiveCardHolders(_ context.Context, tenantID string, userIDs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string]bool)
	for _, c := range s.cards {
		if !c.IsActive || c.TenantID != tenantID {
			continue
		}
		if _, ok := wanted[c.UserID]; ok {
			out[c.UserID] = true
		}
	}
	return out, nil
}

func (s *Store) InsertEventIfAbsent(_ context.Context, e *model.RawEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fingerprints[e.Fingerprint]; ok {
		return false, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.events[e.ID] = *e
	s.fingerprints[e.Fingerprint] = e.ID
	s.eventOrder = append(s.eventOrder, e.ID)
	return true, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, id string, resolvedUserID *string, processedAt time.Time, processingErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return model.ErrNotFound
	}
	e.ResolvedUserID = resolvedUserID
	e.ProcessedAt = &processedAt
	e.ProcessingError = processingErr
	s.events[id] = e
	return nil
}

func (s *Store) ListEvents(_ context.Context, f store.EventFilter) ([]model.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RawEvent, 0)
	for _, id := range s.eventOrder {
		e := s.events[id]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.DeviceID != "" && e.DeviceID != f.DeviceID {
			continue
		}
		if f.PendingOnly && !e.Pending() {
			continue
		}
		if f.UnmappedOnly && e.ResolvedUserID != nil {
			continue
		}
		if f.Since != nil && e.EventTime.Before(*f.Since) {
			continue
		}
		if f.After != nil && !eventAfter(e, *f.After) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountEventsSince(_ context.Context, deviceID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if e.DeviceID == deviceID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetAttendance(_ context.Context, tenantID, userID string, date time.Time) (*model.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.attendance[keyOf(tenantID, userID, date)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &r, nil
}

func (s *Store) CreateAttendance(_ context.Context, r *model.AttendanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(r.TenantID, r.UserID, r.Date)
	if _, ok := s.attendance[k]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.attendance[k] = *r
	s.attendanceID[r.ID] = k
	return true, nil
}

func (s *Store) CloseAttendance(_ context.Context, id string, checkIn, checkOut time.Time, hours float64, markedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.attendanceID[id]
	if !ok {
		return false, model.ErrNotFound
	}
	r := s.attendance[k]
	if r.CheckOut != nil {
		return false, nil
	}
	r.CheckIn = &checkIn
	r.CheckOut = &checkOut
	r.WorkingHours = &hours
	r.MarkedAt = markedAt
	r.UpdatedAt = time.Now().UTC()
	s.attendance[k] = r
	return true, nil
}

func (s *Store) ListAttendance(_ context.Context, tenantID, userID string, from, to time.Time) ([]model.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AttendanceRecord, 0)
	for _, r := range s.attendance {
		if r.TenantID != tenantID || (userID != "" && r.UserID != userID) {
			continue
		}
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func eventAfter(e model.RawEvent, c store.EventCursor) bool {
	if e.EventTime.Equal(c.Time) {
		return e.ID > c.ID
	}
	return e.EventTime.After(c.Time)
}

func keyOf(tenantID, userID string, date time.Time) attendanceKey {
	return attendanceKey{tenantID: tenantID, userID: userID, date: date.Format(time.DateOnly)}
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
