package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/biosync/pkg/logger"
)

func decodeLines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec map[string]any
		ExpectWithOffset(1, dec.Decode(&rec)).To(Succeed())
		out = append(out, rec)
	}
	return out
}

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	Describe("New", func() {
		It("falls back to defaults for a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
			Expect(logger.NewDefault()).NotTo(BeNil())
		})

		It("writes JSON records with the service attribute", func() {
			log := logger.New(&logger.Config{Output: buf, Level: slog.LevelInfo, Service: "biosync-serve"})
			log.Info("sync pass finished", "tenant_id", "t1", "new_events", 3)

			recs := decodeLines(buf)
			Expect(recs).To(HaveLen(1))
			Expect(recs[0]).To(HaveKeyWithValue("msg", "sync pass finished"))
			Expect(recs[0]).To(HaveKeyWithValue("service", "biosync-serve"))
			Expect(recs[0]).To(HaveKeyWithValue("tenant_id", "t1"))
			Expect(recs[0]).To(HaveKeyWithValue("new_events", BeNumerically("==", 3)))
		})

		It("omits the service attribute when unset", func() {
			logger.New(&logger.Config{Output: buf}).Info("hello")
			Expect(decodeLines(buf)[0]).NotTo(HaveKey("service"))
		})

		It("switches to key=value output for the text format", func() {
			log := logger.New(&logger.Config{Output: buf, Format: "TEXT"})
			log.Warn("device failed", "device_id", "dev-1")

			line := buf.String()
			Expect(line).To(ContainSubstring("level=WARN"))
			Expect(line).To(ContainSubstring(`msg="device failed"`))
			Expect(line).To(ContainSubstring("device_id=dev-1"))
		})

		It("drops records below the configured level", func() {
			log := logger.New(&logger.Config{Output: buf, Level: slog.LevelWarn})
			log.Info("skipped")
			log.Debug("skipped too")
			log.Error("kept")

			recs := decodeLines(buf)
			Expect(recs).To(HaveLen(1))
			Expect(recs[0]).To(HaveKeyWithValue("level", "ERROR"))
		})

		It("adds the source position on request", func() {
			logger.New(&logger.Config{Output: buf, AddSource: true}).Info("with source")
			Expect(decodeLines(buf)[0]).To(HaveKey(slog.SourceKey))
		})
	})

	Describe("NewWithLevel", func() {
		It("enables the requested level", func() {
			log := logger.NewWithLevel(slog.LevelDebug)
			Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeTrue())

			log = logger.NewWithLevel(slog.LevelError)
			Expect(log.Enabled(context.Background(), slog.LevelWarn)).To(BeFalse())
		})
	})

	Describe("ParseLevel", func() {
		DescribeTable("maps configuration strings to levels",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case", "DEBUG", slog.LevelDebug),
			Entry("padded", "  error ", slog.LevelError),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning alias", "Warning", slog.LevelWarn),
			Entry("info", "info", slog.LevelInfo),
			Entry("empty", "", slog.LevelInfo),
			Entry("unknown", "verbose", slog.LevelInfo),
		)
	})

	Describe("WithContext", func() {
		It("attaches the attributes to every record", func() {
			base := logger.New(&logger.Config{Output: buf})
			log := logger.WithContext(base, slog.String("tenant_id", "t1"), slog.String("device_id", "dev-1"))
			log.Info("fetching events")
			log.Info("device synced")

			for _, rec := range decodeLines(buf) {
				Expect(rec).To(HaveKeyWithValue("tenant_id", "t1"))
				Expect(rec).To(HaveKeyWithValue("device_id", "dev-1"))
			}
		})

		It("leaves the base logger untouched", func() {
			base := logger.New(&logger.Config{Output: buf})
			_ = logger.WithContext(base, slog.String("tenant_id", "t1"))
			base.Info("plain")
			Expect(decodeLines(buf)[0]).NotTo(HaveKey("tenant_id"))
		})
	})
})
