// Package reconcile folds identified punches into daily attendance records.
//
// Each (tenant, user, local date) has at most one record. The first punch of
// the day opens it, the second closes it and later punches are ignored. State
// is re-read from storage on every punch, so the engine keeps nothing between
// calls and any number of engines may share a store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
)

// Outcome is what a punch did to the day's record.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeClosed  Outcome = "closed"
	OutcomeIgnored Outcome = "ignored"
)

// Config holds the dependencies of an Engine.
type Config struct {
	Logger     *slog.Logger
	Attendance store.AttendanceStore
	// Zones is optional and defaults to UTC+05:30 for every tenant.
	Zones *Zones
}

// Engine applies punches to attendance records.
type Engine struct {
	logger     *slog.Logger
	attendance store.AttendanceStore
	zones      *Zones
	now        func() time.Time
}

// New creates an engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Attendance == nil {
		return nil, errors.New("attendance store cannot be nil")
	}
	zones := cfg.Zones
	if zones == nil {
		zones = NewZones(nil)
	}
	return &Engine{
		logger:     cfg.Logger.With("component", "reconcile"),
		attendance: cfg.Attendance,
		zones:      zones,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Zones returns the zone table of the engine.
func (e *Engine) Zones() *Zones {
	return e.zones
}

// Apply folds one identified punch into the record of its local date. The
// second punch of a day is the check-out whatever its time relative to the
// check-in; replays never get here because the ledger drops them.
func (e *Engine) Apply(ctx context.Context, tenantID, userID, deviceID string, at time.Time) (Outcome, error) {
	if tenantID == "" || userID == "" {
		return "", fmt.Errorf("%w: tenant and user are required", model.ErrInvalidArgument)
	}
	at = at.UTC()
	date := e.zones.LocalDate(tenantID, at)

	rec, err := e.attendance.GetAttendance(ctx, tenantID, userID, date)
	if errors.Is(err, model.ErrNotFound) {
		created, cerr := e.create(ctx, tenantID, userID, deviceID, date, at)
		if cerr != nil {
			return "", cerr
		}
		if created {
			return OutcomeCreated, nil
		}
		// Another writer opened the day first; this punch is the second one.
		rec, err = e.attendance.GetAttendance(ctx, tenantID, userID, date)
	}
	if err != nil {
		return "", fmt.Errorf("load attendance %s/%s: %w", userID, date.Format(time.DateOnly), err)
	}

	if rec.IsClosed() || rec.CheckIn == nil {
		e.logger.Debug("punch ignored",
			"tenant_id", tenantID,
			"user_id", userID,
			"date", date.Format(time.DateOnly),
			"event_time", at,
		)
		return OutcomeIgnored, nil
	}
	return e.close(ctx, rec, at)
}

func (e *Engine) create(ctx context.Context, tenantID, userID, deviceID string, date, at time.Time) (bool, error) {
	checkIn := at
	rec := &model.AttendanceRecord{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		Date:     date,
		Status:   model.AttendancePresent,
		CheckIn:  &checkIn,
		MarkedAt: e.now(),
		Source:   model.AttendanceSourceBiometric,
		DeviceID: deviceID,
		Remarks:  "Auto-marked via biometric device " + deviceID,
	}
	created, err := e.attendance.CreateAttendance(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("create attendance: %w", err)
	}
	if created {
		e.logger.Debug("attendance opened",
			"tenant_id", tenantID,
			"user_id", userID,
			"date", date.Format(time.DateOnly),
			"check_in", at,
		)
	}
	return created, nil
}

// close sets the check-out. An earlier-than-check-in punch still closes the
// day and yields negative hours.
func (e *Engine) close(ctx context.Context, rec *model.AttendanceRecord, at time.Time) (Outcome, error) {
	checkIn, checkOut := rec.CheckIn.UTC(), at
	hours := WorkingHours(checkIn, checkOut)

	closed, err := e.attendance.CloseAttendance(ctx, rec.ID, checkIn, checkOut, hours, e.now())
	if err != nil {
		return "", fmt.Errorf("close attendance %s: %w", rec.ID, err)
	}
	if !closed {
		// Lost the race to another closing punch.
		return OutcomeIgnored, nil
	}
	e.logger.Debug("attendance closed",
		"tenant_id", rec.TenantID,
		"user_id", rec.UserID,
		"date", rec.Date.Format(time.DateOnly),
		"working_hours", hours,
	)
	return OutcomeClosed, nil
}

// WorkingHours returns checkOut - checkIn in hours, rounded to two decimals.
func WorkingHours(checkIn, checkOut time.Time) float64 {
	return math.Round(checkOut.Sub(checkIn).Hours()*100) / 100
}
