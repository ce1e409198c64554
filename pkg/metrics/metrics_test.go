package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/biosync/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	It("registers sync collectors and exposes them", func() {
		m := metrics.NewSyncMetrics("metrics_test_sync")
		m.DeviceSyncsTotal.WithLabelValues("success").Inc()
		m.EventsTotal.WithLabelValues("duplicate").Add(3)

		Expect(testutil.ToFloat64(m.DeviceSyncsTotal.WithLabelValues("success"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.EventsTotal.WithLabelValues("duplicate"))).To(Equal(3.0))

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		body, err := io.ReadAll(rec.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("metrics_test_sync_sync_device_syncs_total"))
	})

	It("panics on duplicate registration", func() {
		metrics.NewAPIMetrics("metrics_test_api")
		Expect(func() { metrics.NewAPIMetrics("metrics_test_api") }).To(Panic())
	})

	It("labels MQ series by queue", func() {
		m := metrics.NewMQMetrics("metrics_test_mq")
		m.ConnectionStatus.WithLabelValues("sync.triggers").Set(1)
		Expect(testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("sync.triggers"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("sync.summaries"))).To(Equal(0.0))
	})

	It("creates backend and simulator collectors", func() {
		Expect(metrics.NewBackendMetrics("metrics_test_backend")).NotTo(BeNil())
		Expect(metrics.NewSimulatorMetrics("metrics_test_sim")).NotTo(BeNil())
	})
})
