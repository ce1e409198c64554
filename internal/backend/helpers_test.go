package backend_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/gomega"

	"procodus.dev/biosync/internal/backend"
	"procodus.dev/biosync/internal/device/fake"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/reconcile"
	"procodus.dev/biosync/internal/store/memory"
)

var ist = time.FixedZone("IST", int(reconcile.DefaultOffset.Seconds()))

// yesterday is the previous tenant-local day, reachable by a three-day lookback.
func yesterday() time.Time {
	y, m, d := time.Now().In(ist).AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ist)
}

func clock(hour, minute int) time.Time {
	return yesterday().Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func yesterdayDate() string {
	return yesterday().Format(time.DateOnly)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type env struct {
	store    *memory.Store
	sources  *fake.Factory
	pipeline *backend.Pipeline
	handler  http.Handler
}

func newEnv() *env {
	e := &env{store: memory.New(), sources: fake.NewFactory()}
	var err error
	e.pipeline, err = backend.NewPipeline(&backend.PipelineConfig{
		Logger:  newTestLogger(),
		Store:   e.store,
		Sources: e.sources,
	})
	Expect(err).NotTo(HaveOccurred())

	api, err := backend.NewAPI(&backend.APIConfig{Logger: newTestLogger(), Pipeline: e.pipeline})
	Expect(err).NotTo(HaveOccurred())
	e.handler = api.Handler()
	return e
}

func (e *env) device(id, tenantID string) *fake.Source {
	e.store.PutDevice(model.Device{
		ID: id, TenantID: tenantID, Name: id, BaseURL: "http://" + id,
		Enabled: true, PollIntervalSeconds: 900,
	})
	return e.sources.Set(id, &fake.Source{})
}

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out envelope
	if rec.Body.Len() > 0 {
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
	}
	return rec, out
}

func decodeData(env envelope, dst any) {
	ExpectWithOffset(1, json.Unmarshal(env.Data, dst)).To(Succeed())
}
