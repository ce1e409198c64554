package backend

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"procodus.dev/biosync/internal/identity"
	"procodus.dev/biosync/internal/store"
	"procodus.dev/biosync/internal/syncer"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxAttendanceSpan = 366 * 24 * time.Hour
)

type syncRequest struct {
	DeviceID        string `json:"deviceId" validate:"omitempty,max=64"`
	LookbackMinutes int    `json:"lookbackMinutes" validate:"gte=0,lte=43200"`
}

type createMappingRequest struct {
	UserID       string `json:"userId" validate:"required,max=64"`
	DeviceID     string `json:"deviceId" validate:"required,max=64"`
	DeviceUserID string `json:"deviceUserId" validate:"omitempty,max=64"`
	DisplayName  string `json:"displayName" validate:"omitempty,max=128"`
	Provision    bool   `json:"provision"`
}

type backfillRequest struct {
	DeviceID string `json:"deviceId" validate:"omitempty,max=64"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, msg)
}

func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return false
	}
	return true
}

func (a *API) triggerSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if !a.bind(w, r, &body) {
		return
	}
	summary, err := a.pipeline.Orchestrator.Run(r.Context(), syncer.Request{
		TenantID: chi.URLParam(r, "tenantID"),
		DeviceID: body.DeviceID,
		Trigger:  syncer.TriggerManual,
		Lookback: time.Duration(body.LookbackMinutes) * time.Minute,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, summary)
}

func (a *API) deviceStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.pipeline.Orchestrator.Status(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"devices": statuses})
}

func (a *API) listMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.pipeline.Registry.ListMappings(r.Context(), identity.ListInput{
		TenantID:        chi.URLParam(r, "tenantID"),
		DeviceID:        q.Get("deviceId"),
		UserID:          q.Get("userId"),
		IncludeInactive: parseBool(q.Get("includeInactive")),
		Page:            parseIntDefault(q.Get("page"), 1),
		PageSize:        parseIntDefault(q.Get("pageSize"), 0),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, page)
}

func (a *API) createMapping(w http.ResponseWriter, r *http.Request) {
	var body createMappingRequest
	if !a.bind(w, r, &body) {
		return
	}
	m, err := a.pipeline.Registry.CreateMapping(r.Context(), identity.CreateMappingInput{
		TenantID:     chi.URLParam(r, "tenantID"),
		UserID:       body.UserID,
		DeviceID:     body.DeviceID,
		DeviceUserID: body.DeviceUserID,
		DisplayName:  body.DisplayName,
		Provision:    body.Provision,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, m)
}

func (a *API) deactivateMapping(w http.ResponseWriter, r *http.Request) {
	err := a.pipeline.Registry.DeactivateMapping(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "mappingID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) refreshMapping(w http.ResponseWriter, r *http.Request) {
	m, err := a.pipeline.Registry.RefreshModalities(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "mappingID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, m)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		TenantID:     chi.URLParam(r, "tenantID"),
		DeviceID:     q.Get("deviceId"),
		UnmappedOnly: parseBool(q.Get("unmapped")),
		Limit:        min(max(parseIntDefault(q.Get("limit"), defaultEventLimit), 1), maxEventLimit),
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	events, err := a.pipeline.Ledger.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (a *API) backfill(w http.ResponseWriter, r *http.Request) {
	var body backfillRequest
	if !a.bind(w, r, &body) {
		return
	}
	res, err := a.pipeline.Orchestrator.Backfill(r.Context(), chi.URLParam(r, "tenantID"), body.DeviceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// listAttendance returns records between from and to, inclusive tenant-local
// dates. Both default to today in the tenant's zone.
func (a *API) listAttendance(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	q := r.URL.Query()
	today := a.pipeline.Engine.Zones().LocalDate(tenantID, time.Now())

	from, err := parseDate(q.Get("from"), today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "from must be a YYYY-MM-DD date")
		return
	}
	to, err := parseDate(q.Get("to"), from)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "to must be a YYYY-MM-DD date")
		return
	}
	if to.Before(from) || to.Sub(from) > maxAttendanceSpan {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "to must be within a year after from")
		return
	}

	records, err := a.pipeline.Store.ListAttendance(r.Context(), tenantID, q.Get("userId"), from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"from":    from.Format(time.DateOnly),
		"to":      to.Format(time.DateOnly),
		"records": records,
	})
}

func parseDate(raw string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func parseIntDefault(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(raw string) bool {
	b, _ := strconv.ParseBool(raw)
	return b
}
