package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultPageSize = 30
	maxResponseSize = 8 << 20

	// isapiTimeLayout is the zone-less layout some firmware emits.
	isapiTimeLayout = "2006-01-02T15:04:05"
)

// ErrRejected is returned when the device answers with an ISAPI error status.
var ErrRejected = errors.New("device rejected request")

// StatusError carries the ISAPI status body of a rejected request.
type StatusError struct {
	HTTPStatus int
	Status     StatusResponse
}

func (e *StatusError) Error() string {
	msg := e.Status.SubStatusCode
	if e.Status.ErrorMsg != "" {
		msg = e.Status.ErrorMsg
	}
	return fmt.Sprintf("%s: http %d: %s (%s)", ErrRejected, e.HTTPStatus, e.Status.StatusString, msg)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// ClientConfig holds the connection parameters of one ISAPI device.
type ClientConfig struct {
	Logger   *slog.Logger
	BaseURL  string
	Username string
	Password string
	// Location is the zone of timestamps the device reports without an offset.
	Location *time.Location
	// Transport is the underlying round tripper; nil means http.DefaultTransport.
	Transport http.RoundTripper
	Timeout   time.Duration
	PageSize  int
}

// Client speaks the ISAPI JSON protocol with digest authentication. It is
// stateless between calls and never retries.
type Client struct {
	http     *http.Client
	logger   *slog.Logger
	loc      *time.Location
	baseURL  string
	pageSize int
	now      func() time.Time
}

var _ Source = (*Client)(nil)

// NewClient creates a client for the device at cfg.BaseURL.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid device base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &digest.Transport{
				Username:  cfg.Username,
				Password:  cfg.Password,
				Transport: cfg.Transport,
			},
		},
		logger:   cfg.Logger.With("component", "isapi_client", "device_url", u.Host),
		loc:      loc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: pageSize,
		now:      time.Now,
	}, nil
}

// Authenticate checks the credentials against the device.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, PathUserCheck+"?format=json", nil, nil)
}

// FetchEvents pages through the device event log from since to now.
func (c *Client) FetchEvents(ctx context.Context, since time.Time, limit int) ([]Event, string, error) {
	if limit <= 0 {
		return nil, "", fmt.Errorf("fetch limit must be positive, got %d", limit)
	}

	cond := AcsEventCond{
		SearchID:  uuid.NewString(),
		Major:     MajorEvent,
		StartTime: since.In(c.loc).Format(time.RFC3339),
		EndTime:   c.now().In(c.loc).Format(time.RFC3339),
	}

	events := make([]Event, 0)
	for len(events) < limit {
		cond.MaxResults = min(c.pageSize, limit-len(events))

		var resp rawEventResponse
		if err := c.do(ctx, http.MethodPost, PathAcsEvent+"?format=json", AcsEventRequest{AcsEventCond: cond}, &resp); err != nil {
			return nil, "", err
		}
		page := resp.AcsEvent
		if page == nil {
			return nil, "", fmt.Errorf("%w: missing AcsEvent", ErrMalformedResponse)
		}
		if page.ResponseStatusStrg == StatusNoMatch {
			break
		}

		for _, raw := range page.InfoList {
			ev, err := c.decodeEvent(raw)
			if err != nil {
				return nil, "", err
			}
			events = append(events, ev)
		}
		cond.SearchResultPosition += len(page.InfoList)

		if page.ResponseStatusStrg != StatusMore || len(page.InfoList) == 0 {
			c.logger.Debug("fetched events", "count", len(events))
			return events, "", nil
		}
	}

	if len(events) < limit {
		return events, "", nil
	}
	c.logger.Debug("fetch truncated at limit", "count", len(events), "position", cond.SearchResultPosition)
	return events, strconv.Itoa(cond.SearchResultPosition), nil
}

// CreateUser registers deviceUserID on the device.
func (c *Client) CreateUser(ctx context.Context, deviceUserID, displayName string) error {
	begin := c.now().In(c.loc)
	req := UserInfoRecordRequest{UserInfo: UserInfo{
		EmployeeNo: deviceUserID,
		Name:       displayName,
		UserType:   "normal",
		Valid: &UserValid{
			Enable:    true,
			BeginTime: begin.Format(isapiTimeLayout),
			EndTime:   begin.AddDate(10, 0, 0).Format(isapiTimeLayout),
		},
	}}

	err := c.do(ctx, http.MethodPost, PathUserRecord+"?format=json", req, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status.SubStatusCode == SubStatusEmployeeExists {
		c.logger.Debug("user already exists on device", "device_user_id", deviceUserID)
		return nil
	}
	return err
}

// LookupUser fetches the device-local record of deviceUserID.
func (c *Client) LookupUser(ctx context.Context, deviceUserID string) (*UserRecord, error) {
	req := UserSearchRequest{UserInfoSearchCond: UserSearchCond{
		SearchID:       uuid.NewString(),
		MaxResults:     1,
		EmployeeNoList: []EmployeeNoItem{{EmployeeNo: deviceUserID}},
	}}

	var resp UserSearchResponse
	if err := c.do(ctx, http.MethodPost, PathUserSearch+"?format=json", req, &resp); err != nil {
		return nil, err
	}
	if resp.UserInfoSearch == nil {
		return nil, fmt.Errorf("%w: missing UserInfoSearch", ErrMalformedResponse)
	}
	for _, u := range resp.UserInfoSearch.UserInfo {
		if u.EmployeeNo == deviceUserID {
			return &UserRecord{
				DeviceUserID:     u.EmployeeNo,
				Name:             u.Name,
				FingerprintCount: u.NumOfFP,
				CardCount:        u.NumOfCard,
				FaceCount:        u.NumOfFace,
			}, nil
		}
	}
	return nil, ErrUserNotFound
}

type rawEventResponse struct {
	AcsEvent *struct {
		ResponseStatusStrg string            `json:"responseStatusStrg"`
		InfoList           []json.RawMessage `json:"InfoList"`
	} `json:"AcsEvent"`
}

func (c *Client) decodeEvent(raw json.RawMessage) (Event, error) {
	var info AcsEventInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return Event{}, fmt.Errorf("%w: event entry: %v", ErrMalformedResponse, err)
	}
	at, err := c.parseTime(info.Time)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Time:          at,
		Type:          EventType(info.Minor),
		VendorEventID: strconv.FormatInt(info.SerialNo, 10),
		Payload:       append(json.RawMessage(nil), raw...),
	}
	if id := strings.TrimSpace(info.EmployeeNoString); id != "" {
		ev.DeviceUserID = &id
	}
	return ev, nil
}

// parseTime accepts RFC 3339 timestamps and zone-less ones in the device zone.
func (c *Client) parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(isapiTimeLayout, s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: event time %q", ErrMalformedResponse, s)
	}
	return t.UTC(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrTransport, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrAuthentication, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: http %d from %s", ErrTransport, resp.StatusCode, path)
	case resp.StatusCode >= http.StatusBadRequest:
		se := &StatusError{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(data, &se.Status); err != nil {
			return fmt.Errorf("%w: http %d from %s", ErrMalformedResponse, resp.StatusCode, path)
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}
