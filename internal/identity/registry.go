// Package identity resolves device-local user ids to platform users and
// manages the mappings between them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Config holds the dependencies of a Registry.
type Config struct {
	Logger   *slog.Logger
	Mappings store.MappingStore
	Cards    store.CardStore
	Devices  store.DeviceStore
	// Sources is optional; without it Provision and RefreshModalities fail.
	Sources device.Factory
}

// Registry is the identity resolution registry.
type Registry struct {
	logger   *slog.Logger
	mappings store.MappingStore
	cards    store.CardStore
	devices  store.DeviceStore
	sources  device.Factory
	now      func() time.Time
}

// New creates a registry.
func New(cfg *Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Mappings == nil || cfg.Cards == nil || cfg.Devices == nil {
		return nil, errors.New("mapping, card and device stores cannot be nil")
	}
	return &Registry{
		logger:   cfg.Logger.With("component", "identity"),
		mappings: cfg.Mappings,
		cards:    cfg.Cards,
		devices:  cfg.Devices,
		sources:  cfg.Sources,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Resolve returns the platform user behind a device-local id. Inactive
// mappings and mappings of another tenant resolve to model.ErrNotMapped.
func (r *Registry) Resolve(ctx context.Context, tenantID, deviceID, deviceUserID string) (string, error) {
	if deviceUserID == "" {
		return "", model.ErrNotMapped
	}
	m, err := r.mappings.FindActiveByDeviceUser(ctx, deviceID, deviceUserID)
	if errors.Is(err, model.ErrNotFound) {
		return "", model.ErrNotMapped
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s/%s: %w", deviceID, deviceUserID, err)
	}
	if !m.IsActive || m.TenantID != tenantID {
		return "", model.ErrNotMapped
	}
	return m.UserID, nil
}

// DeriveDeviceUserID builds a device-local id from a platform user id: every
// character that is not a letter or digit is dropped and the rest truncated to
// limit. The result is stable, so re-provisioning yields the same id.
func DeriveDeviceUserID(userID string, limit int) string {
	var b strings.Builder
	for _, c := range userID {
		if c < unicode.MaxASCII && (unicode.IsLetter(c) || unicode.IsDigit(c)) {
			b.WriteRune(c)
		}
	}
	id := b.String()
	if limit > 0 && len(id) > limit {
		id = id[:limit]
	}
	return id
}

// CreateMappingInput describes a new mapping.
type CreateMappingInput struct {
	TenantID string
	UserID   string
	DeviceID string
	// DeviceUserID is derived from UserID when empty.
	DeviceUserID string
	// DisplayName is sent to the device when Provision is set.
	DisplayName string
	// Provision also creates the user on the device.
	Provision bool
}

// CreateMapping stores a new active mapping. It fails with model.ErrConflict
// when the user already has an active mapping on the device or the device
// user id is taken, leaving the existing mapping untouched.
func (r *Registry) CreateMapping(ctx context.Context, in CreateMappingInput) (*model.IdentityMapping, error) {
	if in.TenantID == "" || in.UserID == "" || in.DeviceID == "" {
		return nil, fmt.Errorf("%w: tenant, user and device are required", model.ErrInvalidArgument)
	}

	dev, err := r.devices.GetDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", in.DeviceID, err)
	}
	if dev.TenantID != in.TenantID {
		return nil, fmt.Errorf("load device %s: %w", in.DeviceID, model.ErrNotFound)
	}

	deviceUserID := strings.TrimSpace(in.DeviceUserID)
	if deviceUserID == "" {
		deviceUserID = DeriveDeviceUserID(in.UserID, dev.IDLimit())
	}
	if deviceUserID == "" {
		return nil, fmt.Errorf("%w: cannot derive a device user id from %q", model.ErrInvalidArgument, in.UserID)
	}
	if len(deviceUserID) > dev.IDLimit() {
		return nil, fmt.Errorf("%w: device user id longer than %d", model.ErrInvalidArgument, dev.IDLimit())
	}

	if _, err := r.mappings.FindActiveByUser(ctx, in.TenantID, in.UserID, in.DeviceID); err == nil {
		return nil, fmt.Errorf("user %s already mapped on device %s: %w", in.UserID, in.DeviceID, model.ErrConflict)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("check user mapping: %w", err)
	}
	if _, err := r.mappings.FindActiveByDeviceUser(ctx, in.DeviceID, deviceUserID); err == nil {
		return nil, fmt.Errorf("device user %s already mapped on device %s: %w", deviceUserID, in.DeviceID, model.ErrConflict)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("check device user mapping: %w", err)
	}

	m := &model.IdentityMapping{
		ID:           uuid.NewString(),
		TenantID:     in.TenantID,
		UserID:       in.UserID,
		DeviceID:     in.DeviceID,
		DeviceUserID: deviceUserID,
		IsActive:     true,
		EnrolledAt:   r.now(),
	}
	if err := r.mappings.CreateMapping(ctx, m); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("mapping for device user %s: %w", deviceUserID, model.ErrConflict)
		}
		return nil, fmt.Errorf("create mapping: %w", err)
	}

	r.logger.Info("mapping created",
		"tenant_id", m.TenantID,
		"user_id", m.UserID,
		"device_id", m.DeviceID,
		"device_user_id", m.DeviceUserID,
	)

	if in.Provision {
		if err := r.provision(ctx, dev, m, in.DisplayName); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// provision creates the user on the device and deactivates the mapping when
// the device refuses, so no active mapping points at a user the device lacks.
func (r *Registry) provision(ctx context.Context, dev *model.Device, m *model.IdentityMapping, displayName string) error {
	err := r.createOnDevice(ctx, dev, m.DeviceUserID, displayName)
	if err == nil {
		return nil
	}
	if derr := r.mappings.DeactivateMapping(ctx, m.ID); derr != nil {
		r.logger.Error("failed to roll back mapping", "mapping_id", m.ID, "error", derr)
	}
	m.IsActive = false
	return fmt.Errorf("provision %s on device %s: %w", m.DeviceUserID, dev.ID, err)
}

func (r *Registry) createOnDevice(ctx context.Context, dev *model.Device, deviceUserID, displayName string) error {
	src, err := r.source(dev)
	if err != nil {
		return err
	}
	if displayName == "" {
		displayName = deviceUserID
	}
	return src.CreateUser(ctx, deviceUserID, displayName)
}

// DeactivateMapping revokes a mapping. Events for its device user id stop
// resolving immediately.
func (r *Registry) DeactivateMapping(ctx context.Context, tenantID, mappingID string) error {
	if _, err := r.mappingOf(ctx, tenantID, mappingID); err != nil {
		return err
	}
	if err := r.mappings.DeactivateMapping(ctx, mappingID); err != nil {
		return fmt.Errorf("deactivate mapping %s: %w", mappingID, err)
	}
	r.logger.Info("mapping deactivated", "tenant_id", tenantID, "mapping_id", mappingID)
	return nil
}

// RefreshModalities reads the enrolled fingerprint, card and face counts from
// the device and stores them on the mapping.
func (r *Registry) RefreshModalities(ctx context.Context, tenantID, mappingID string) (*model.IdentityMapping, error) {
	m, err := r.mappingOf(ctx, tenantID, mappingID)
	if err != nil {
		return nil, err
	}
	dev, err := r.devices.GetDevice(ctx, m.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", m.DeviceID, err)
	}
	src, err := r.source(dev)
	if err != nil {
		return nil, err
	}

	rec, err := src.LookupUser(ctx, m.DeviceUserID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s on device %s: %w", m.DeviceUserID, dev.ID, err)
	}
	m.FingerprintCount = rec.FingerprintCount
	m.HasCard = rec.CardCount > 0
	m.HasFace = rec.FaceCount > 0
	if err := r.mappings.UpdateModalities(ctx, m.ID, m.FingerprintCount, m.HasCard, m.HasFace); err != nil {
		return nil, fmt.Errorf("update modalities: %w", err)
	}
	return m, nil
}

// ListInput filters and pages a mapping listing. Page is 1-based.
type ListInput struct {
	TenantID        string
	DeviceID        string
	UserID          string
	IncludeInactive bool
	Page            int
	PageSize        int
}

// MappingView is a mapping plus the card registry signal. HasActiveCard is
// true when either the device reports a card or the card registry holds an
// active card for the user; neither source alone is authoritative.
type MappingView struct {
	model.IdentityMapping
	HasActiveCard bool `json:"hasActiveCard"`
}

// MappingPage is one page of mappings.
type MappingPage struct {
	Items    []MappingView `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

// ListMappings returns a page of mappings of a tenant.
func (r *Registry) ListMappings(ctx context.Context, in ListInput) (*MappingPage, error) {
	if in.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", model.ErrInvalidArgument)
	}
	page := max(in.Page, 1)
	size := in.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)

	items, total, err := r.mappings.ListMappings(ctx, store.MappingFilter{
		TenantID:   in.TenantID,
		DeviceID:   in.DeviceID,
		UserID:     in.UserID,
		ActiveOnly: !in.IncludeInactive,
		Offset:     (page - 1) * size,
		Limit:      size,
	})
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}

	userIDs := make([]string, 0, len(items))
	for _, m := range items {
		userIDs = append(userIDs, m.UserID)
	}
	holders, err := r.cards.ActiveCardHolders(ctx, in.TenantID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("card registry: %w", err)
	}

	views := make([]MappingView, 0, len(items))
	for _, m := range items {
		views = append(views, MappingView{
			IdentityMapping: m,
			HasActiveCard:   m.HasCard || holders[m.UserID],
		})
	}
	return &MappingPage{Items: views, Total: total, Page: page, PageSize: size}, nil
}

func (r *Registry) mappingOf(ctx context.Context, tenantID, mappingID string) (*model.IdentityMapping, error) {
	m, err := r.mappings.GetMapping(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("load mapping %s: %w", mappingID, err)
	}
	if m.TenantID != tenantID {
		return nil, fmt.Errorf("load mapping %s: %w", mappingID, model.ErrNotFound)
	}
	return m, nil
}

func (r *Registry) source(dev *model.Device) (device.Source, error) {
	if r.sources == nil {
		return nil, errors.New("no device factory configured")
	}
	src, err := r.sources.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", dev.ID, err)
	}
	return src, nil
}
