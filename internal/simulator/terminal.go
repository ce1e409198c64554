// Package simulator runs fake ISAPI access-control terminals. They enroll
// generated people, record punches and answer the same HTTP protocol as the
// physical devices, digest authentication included.
package simulator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/icholy/digest"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/pkg/generator"
	"procodus.dev/biosync/pkg/metrics"
)

const isapiLocalLayout = "2006-01-02T15:04:05"

// TerminalConfig configures one simulated terminal.
type TerminalConfig struct {
	Logger   *slog.Logger
	Name     string
	Username string
	Password string
	// Location is the zone of the terminal's clock.
	Location *time.Location
	// OmitZone makes the terminal report times without an offset, like older firmware.
	OmitZone bool
	Metrics  *metrics.SimulatorMetrics
}

// Terminal is an in-memory access-control unit.
type Terminal struct {
	mu       sync.Mutex
	logger   *slog.Logger
	metrics  *metrics.SimulatorMetrics
	loc      *time.Location
	users    map[string]device.UserInfo
	events   []device.AcsEventInfo
	name     string
	username string
	password string
	nonce    string
	serial   int64
	failWith int
	omitZone bool
}

// NewTerminal creates an empty terminal.
func NewTerminal(cfg *TerminalConfig) (*Terminal, error) {
	if cfg == nil {
		return nil, errors.New("terminal config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Username == "" {
		return nil, errors.New("terminal username is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Terminal{
		logger:   cfg.Logger.With("component", "terminal", "terminal", cfg.Name),
		metrics:  cfg.Metrics,
		loc:      loc,
		users:    make(map[string]device.UserInfo),
		name:     cfg.Name,
		username: cfg.Username,
		password: cfg.Password,
		nonce:    hex.EncodeToString(nonce),
		omitZone: cfg.OmitZone,
	}, nil
}

// Name returns the terminal name.
func (t *Terminal) Name() string { return t.name }

// Enroll registers a person on the terminal.
func (t *Terminal) Enroll(p generator.Person) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := device.UserInfo{
		EmployeeNo: p.DeviceUserID,
		Name:       p.Name,
		UserType:   "normal",
		NumOfFP:    p.Fingerprints,
	}
	if p.HasCard {
		u.NumOfCard = 1
	}
	if p.HasFace {
		u.NumOfFace = 1
	}
	t.users[p.DeviceUserID] = u
	if t.metrics != nil {
		t.metrics.EnrolledUsers.WithLabelValues(t.name).Set(float64(len(t.users)))
	}
}

// Users returns the enrolled device user ids, sorted.
func (t *Terminal) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Record stores a punch. An empty device user id records an unattributed event.
func (t *Terminal) Record(p generator.Punch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serial++
	t.events = append(t.events, device.AcsEventInfo{
		Major:            device.MajorEvent,
		Minor:            minorFor(p.Modality),
		Time:             t.formatTime(p.Time),
		EmployeeNoString: p.DeviceUserID,
		Name:             t.users[p.DeviceUserID].Name,
		SerialNo:         t.serial,
	})
	sort.SliceStable(t.events, func(i, j int) bool {
		return t.parseTime(t.events[i].Time).Before(t.parseTime(t.events[j].Time))
	})
	if t.metrics != nil {
		t.metrics.PunchesGenerated.WithLabelValues(string(p.Modality)).Inc()
	}
}

// EventCount returns the number of recorded events.
func (t *Terminal) EventCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// FailWith makes every request answer with status until reset with 0.
func (t *Terminal) FailWith(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failWith = status
}

// Handler returns the ISAPI HTTP surface of the terminal.
func (t *Terminal) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(t.instrument, t.faults, t.authenticate)
	r.Get(device.PathUserCheck, t.handleUserCheck)
	r.Post(device.PathAcsEvent, t.handleAcsEvent)
	r.Post(device.PathUserRecord, t.handleUserRecord)
	r.Post(device.PathUserSearch, t.handleUserSearch)
	return r
}

func (t *Terminal) handleUserCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, device.StatusResponse{StatusCode: 1, StatusString: "OK", SubStatusCode: "ok"})
}

func (t *Terminal) handleAcsEvent(w http.ResponseWriter, r *http.Request) {
	var req device.AcsEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "badJsonContent")
		return
	}
	cond := req.AcsEventCond
	start, errStart := time.Parse(time.RFC3339, cond.StartTime)
	end, errEnd := time.Parse(time.RFC3339, cond.EndTime)
	if errStart != nil || errEnd != nil || cond.MaxResults <= 0 {
		writeBadRequest(w, "badParameters")
		return
	}

	t.mu.Lock()
	matched := make([]device.AcsEventInfo, 0)
	for _, e := range t.events {
		at := t.parseTime(e.Time)
		if cond.Major != 0 && e.Major != cond.Major {
			continue
		}
		if at.Before(start) || at.After(end) {
			continue
		}
		matched = append(matched, e)
	}
	t.mu.Unlock()

	page := device.AcsEventPage{
		SearchID:     cond.SearchID,
		TotalMatches: len(matched),
	}
	if cond.SearchResultPosition >= len(matched) {
		page.ResponseStatusStrg = device.StatusNoMatch
		writeJSON(w, http.StatusOK, device.AcsEventResponse{AcsEvent: &page})
		return
	}
	upper := min(cond.SearchResultPosition+cond.MaxResults, len(matched))
	page.InfoList = matched[cond.SearchResultPosition:upper]
	page.NumOfMatches = len(page.InfoList)
	page.ResponseStatusStrg = device.StatusOK
	if upper < len(matched) {
		page.ResponseStatusStrg = device.StatusMore
	}
	writeJSON(w, http.StatusOK, device.AcsEventResponse{AcsEvent: &page})
}

func (t *Terminal) handleUserRecord(w http.ResponseWriter, r *http.Request) {
	var req device.UserInfoRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserInfo.EmployeeNo == "" {
		writeBadRequest(w, "badJsonContent")
		return
	}

	t.mu.Lock()
	_, exists := t.users[req.UserInfo.EmployeeNo]
	if !exists {
		t.users[req.UserInfo.EmployeeNo] = device.UserInfo{
			EmployeeNo: req.UserInfo.EmployeeNo,
			Name:       req.UserInfo.Name,
			UserType:   req.UserInfo.UserType,
		}
	}
	t.mu.Unlock()

	if exists {
		writeJSON(w, http.StatusBadRequest, device.StatusResponse{
			StatusCode:    6,
			StatusString:  "Invalid Content",
			SubStatusCode: device.SubStatusEmployeeExists,
		})
		return
	}
	t.logger.Info("user created", "device_user_id", req.UserInfo.EmployeeNo)
	writeJSON(w, http.StatusOK, device.StatusResponse{StatusCode: 1, StatusString: "OK", SubStatusCode: "ok"})
}

func (t *Terminal) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	var req device.UserSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "badJsonContent")
		return
	}

	t.mu.Lock()
	found := make([]device.UserInfo, 0)
	for _, item := range req.UserInfoSearchCond.EmployeeNoList {
		if u, ok := t.users[item.EmployeeNo]; ok {
			found = append(found, u)
		}
	}
	t.mu.Unlock()

	page := device.UserSearchPage{
		SearchID:           req.UserInfoSearchCond.SearchID,
		ResponseStatusStrg: device.StatusOK,
		NumOfMatches:       len(found),
		TotalMatches:       len(found),
		UserInfo:           found,
	}
	if len(found) == 0 {
		page.ResponseStatusStrg = device.StatusNoMatch
	}
	writeJSON(w, http.StatusOK, device.UserSearchResponse{UserInfoSearch: &page})
}

func (t *Terminal) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.mu.Lock()
		status := t.failWith
		t.mu.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Terminal) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", t.challenge().String())
		writeJSON(w, http.StatusUnauthorized, device.StatusResponse{
			StatusCode:    4,
			StatusString:  "Invalid Operation",
			SubStatusCode: "badAuthorization",
		})
	})
}

func (t *Terminal) challenge() *digest.Challenge {
	return &digest.Challenge{
		Realm:     "DS-" + t.name,
		Nonce:     t.nonce,
		Algorithm: "MD5",
		QOP:       []string{"auth"},
	}
}

func (t *Terminal) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !digest.IsDigest(header) {
		return false
	}
	cred, err := digest.ParseCredentials(header)
	if err != nil {
		return false
	}
	if cred.Username != t.username || cred.Nonce != t.nonce || cred.URI != r.RequestURI {
		return false
	}
	want, err := digest.Digest(t.challenge(), digest.Options{
		Method:   r.Method,
		URI:      cred.URI,
		Username: t.username,
		Password: t.password,
		Cnonce:   cred.Cnonce,
		Count:    cred.Nc,
	})
	if err != nil {
		return false
	}
	return want.Response == cred.Response
}

func (t *Terminal) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		t.logger.Debug("isapi request", "method", r.Method, "path", r.URL.Path, "status", rec.status)
		if t.metrics != nil {
			t.metrics.ISAPIRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		}
	})
}

func (t *Terminal) formatTime(at time.Time) string {
	if t.omitZone {
		return at.In(t.loc).Format(isapiLocalLayout)
	}
	return at.In(t.loc).Format(time.RFC3339)
}

func (t *Terminal) parseTime(s string) time.Time {
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return at
	}
	at, _ := time.ParseInLocation(isapiLocalLayout, s, t.loc)
	return at
}

func minorFor(m generator.Modality) int {
	switch m {
	case generator.ModalityCard:
		return device.MinorCardPass
	case generator.ModalityFace:
		return device.MinorFacePass
	default:
		return device.MinorFingerprintPass
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeBadRequest(w http.ResponseWriter, sub string) {
	writeJSON(w, http.StatusBadRequest, device.StatusResponse{
		StatusCode:    6,
		StatusString:  "Invalid Content",
		SubStatusCode: sub,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
