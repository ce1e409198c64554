package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store with GORM.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Store{db: db}, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&d).Error; err != nil {
		return nil, notFound(err, "get device")
	}
	return &d, nil
}

func (s *Store) ListDevices(ctx context.Context, f store.DeviceFilter) ([]model.Device, error) {
	q := s.db.WithContext(ctx).Model(&model.Device{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.DeviceID != "" {
		q = q.Where("id = ?", f.DeviceID)
	}
	if f.EnabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []model.Device
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSyncState(ctx context.Context, deviceID string, st store.SyncState) error {
	updates := map[string]any{
		"last_sync_status": st.Status,
		"last_sync_error":  st.Error,
		"updated_at":       time.Now().UTC(),
	}
	if st.LastSyncedAt != nil {
		updates["last_synced_at"] = st.LastSyncedAt.UTC()
	}
	res := s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", deviceID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update sync state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) FindActiveByDeviceUser(ctx context.Context, deviceID, deviceUserID string) (*model.IdentityMapping, error) {
	var m model.IdentityMapping
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND device_user_id = ? AND is_active", deviceID, deviceUserID).
		Take(&m).Error
	if err != nil {
		return nil, notFound(err, "find mapping by device user")
	}
	return &m, nil
}

func (s *Store) FindActiveByUser(ctx context.Context, tenantID, userID, deviceID string) (*model.IdentityMapping, error) {
	var m model.IdentityMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND device_id = ? AND is_active", tenantID, userID, deviceID).
		Take(&m).Error
	if err != nil {
		return nil, notFound(err, "find mapping by user")
	}
	return &m, nil
}

func (s *Store) GetMapping(ctx context.Context, id string) (*model.IdentityMapping, error) {
	var m model.IdentityMapping
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		return nil, notFound(err, "get mapping")
	}
	return &m, nil
}

func (s *Store) CreateMapping(ctx context.Context, m *model.IdentityMapping) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return fmt.Errorf("create mapping: %w", err)
	}
	return nil
}

func (s *Store) DeactivateMapping(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&model.IdentityMapping{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate mapping: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateModalities(ctx context.Context, id string, fingerprints int, hasCard, hasFace bool) error {
	res := s.db.WithContext(ctx).Model(&model.IdentityMapping{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"fingerprint_count": fingerprints,
			"has_card":          hasCard,
			"has_face":          hasFace,
		})
	if res.Error != nil {
		return fmt.Errorf("update modalities: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ListMappings(ctx context.Context, f store.MappingFilter) ([]model.IdentityMapping, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.IdentityMapping{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.ActiveOnly {
		q = q.Where("is_active")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count mappings: %w", err)
	}

	q = q.Order("enrolled_at, id").Offset(f.Offset)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.IdentityMapping
	if err := q.Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("list mappings: %w", err)
	}
	return out, total, nil
}

func (s *Store) ActiveCardHolders(ctx context.Context, tenantID string, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(userIDs) == 0 {
		return out, nil
	}
	var holders []string
	err := s.db.WithContext(ctx).Model(&model.AccessCard{}).
		Distinct("user_id").
		Where("tenant_id = ? AND user_id IN ? AND is_active", tenantID, userIDs).
		Pluck("user_id", &holders).Error
	if err != nil {
		return nil, fmt.Errorf("active card holders: %w", err)
	}
	for _, id := range holders {
		out[id] = true
	}
	return out, nil
}

func (s *Store) InsertEventIfAbsent(ctx context.Context, e *model.RawEvent) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return false, fmt.Errorf("insert event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, resolvedUserID *string, processedAt time.Time, processingErr *string) error {
	res := s.db.WithContext(ctx).Model(&model.RawEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"resolved_user_id": resolvedUserID,
			"processed_at":     processedAt,
			"processing_error": processingErr,
		})
	if res.Error != nil {
		return fmt.Errorf("mark event processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]model.RawEvent, error) {
	q := s.db.WithContext(ctx).Model(&model.RawEvent{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.PendingOnly {
		q = q.Where("(resolved_user_id IS NULL OR processed_at IS NULL)")
	}
	if f.UnmappedOnly {
		q = q.Where("resolved_user_id IS NULL")
	}
	if f.Since != nil {
		q = q.Where("event_time >= ?", f.Since.UTC())
	}
	if f.After != nil {
		q = q.Where("(event_time, id) > (?, ?)", f.After.Time.UTC(), f.After.ID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.RawEvent
	if err := q.Order("event_time, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func (s *Store) CountEventsSince(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.RawEvent{}).
		Where("device_id = ? AND created_at >= ?", deviceID, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) GetAttendance(ctx context.Context, tenantID, userID string, date time.Time) (*model.AttendanceRecord, error) {
	var r model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND date = ?", tenantID, userID, date.Format(time.DateOnly)).
		Take(&r).Error
	if err != nil {
		return nil, notFound(err, "get attendance")
	}
	return &r, nil
}

func (s *Store) CreateAttendance(ctx context.Context, r *model.AttendanceRecord) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}, {Name: "date"}},
			DoNothing: true,
		}).
		Create(r)
	if res.Error != nil {
		return false, fmt.Errorf("create attendance: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) CloseAttendance(ctx context.Context, id string, checkIn, checkOut time.Time, hours float64, markedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.AttendanceRecord{}).
		Where("id = ? AND check_out IS NULL", id).
		Updates(map[string]any{
			"check_in":      checkIn.UTC(),
			"check_out":     checkOut.UTC(),
			"working_hours": hours,
			"marked_at":     markedAt.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("close attendance: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListAttendance(ctx context.Context, tenantID, userID string, from, to time.Time) ([]model.AttendanceRecord, error) {
	q := s.db.WithContext(ctx).
		Where("tenant_id = ? AND date BETWEEN ? AND ?", tenantID, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var out []model.AttendanceRecord
	if err := q.Order("date, user_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return out, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
