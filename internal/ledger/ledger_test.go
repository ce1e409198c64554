package ledger_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/biosync/internal/ledger"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
	"procodus.dev/biosync/internal/store/memory"
)

func ptr[T any](v T) *T { return &v }

var _ = Describe("Fingerprint", func() {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	It("is deterministic", func() {
		Expect(ledger.Fingerprint("dev-1", "42", at)).To(Equal(ledger.Fingerprint("dev-1", "42", at)))
	})

	It("does not depend on the time zone of the timestamp", func() {
		ist := time.FixedZone("IST", 5*3600+1800)
		Expect(ledger.Fingerprint("dev-1", "42", at.In(ist))).To(Equal(ledger.Fingerprint("dev-1", "42", at)))
	})

	It("changes when any input changes", func() {
		base := ledger.Fingerprint("dev-1", "42", at)
		Expect(ledger.Fingerprint("dev-2", "42", at)).NotTo(Equal(base))
		Expect(ledger.Fingerprint("dev-1", "43", at)).NotTo(Equal(base))
		Expect(ledger.Fingerprint("dev-1", "42", at.Add(time.Second))).NotTo(Equal(base))
	})

	It("does not collide when fields shift across the separator", func() {
		Expect(ledger.Fingerprint("dev-1", "42", at)).NotTo(Equal(ledger.Fingerprint("dev-14", "2", at)))
	})

	It("is a hex sha256", func() {
		Expect(ledger.Fingerprint("d", "u", at)).To(MatchRegexp(`^[0-9a-f]{64}$`))
	})
})

var _ = Describe("Ledger", func() {
	var (
		ctx context.Context
		st  *memory.Store
		l   *ledger.Ledger
		at  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = memory.New()
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		var err error
		l, err = ledger.New(st, logger)
		Expect(err).NotTo(HaveOccurred())
		at = time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)
	})

	newEvent := func(deviceUserID string) *model.RawEvent {
		return &model.RawEvent{
			TenantID:     "t1",
			DeviceID:     "dev-1",
			DeviceUserID: ptr(deviceUserID),
			EventType:    "FINGERPRINT",
			EventTime:    at,
		}
	}

	Describe("New", func() {
		It("rejects a nil store", func() {
			_, err := ledger.New(nil, slog.Default())
			Expect(err).To(MatchError(ContainSubstring("cannot be nil")))
		})

		It("rejects a nil logger", func() {
			_, err := ledger.New(st, nil)
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})
	})

	Describe("InsertIfAbsent", func() {
		It("fills fingerprint and id and inserts once", func() {
			e := newEvent("42")
			inserted, err := l.InsertIfAbsent(ctx, e)
			Expect(err).NotTo(HaveOccurred())
			Expect(inserted).To(BeTrue())
			Expect(e.ID).NotTo(BeEmpty())
			Expect(e.Fingerprint).To(Equal(ledger.Fingerprint("dev-1", "42", at)))

			inserted, err = l.InsertIfAbsent(ctx, newEvent("42"))
			Expect(err).NotTo(HaveOccurred())
			Expect(inserted).To(BeFalse())
		})

		It("rejects events without a device", func() {
			e := newEvent("42")
			e.DeviceID = ""
			_, err := l.InsertIfAbsent(ctx, e)
			Expect(err).To(MatchError(model.ErrInvalidArgument))
		})

		It("lets exactly one concurrent caller win", func() {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 32 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					inserted, err := l.InsertIfAbsent(ctx, newEvent("42"))
					Expect(err).NotTo(HaveOccurred())
					if inserted {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			Expect(wins.Load()).To(Equal(int32(1)))

			events, err := l.List(ctx, store.EventFilter{TenantID: "t1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})
	})

	Describe("pending events", func() {
		It("lists unresolved events until they are processed", func() {
			e := newEvent("42")
			_, err := l.InsertIfAbsent(ctx, e)
			Expect(err).NotTo(HaveOccurred())

			pending, err := l.ListPending(ctx, "t1", "", nil, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))

			Expect(l.MarkProcessed(ctx, e.ID, "user-1")).To(Succeed())

			pending, err = l.ListPending(ctx, "t1", "", nil, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})

		It("keeps events marked failed without a user pending", func() {
			e := newEvent("42")
			_, err := l.InsertIfAbsent(ctx, e)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.MarkFailed(ctx, e.ID, nil, "user not mapped")).To(Succeed())

			pending, err := l.ListPending(ctx, "t1", "dev-1", nil, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(*pending[0].ProcessingError).To(Equal("user not mapped"))
		})

		It("reports not found for unknown events", func() {
			Expect(l.MarkProcessed(ctx, "missing", "user-1")).To(MatchError(model.ErrNotFound))
		})
	})

	Describe("CountSince", func() {
		It("counts events ingested after a cutoff", func() {
			for _, id := range []string{"1", "2", "3"} {
				_, err := l.InsertIfAbsent(ctx, newEvent(id))
				Expect(err).NotTo(HaveOccurred())
			}
			n, err := l.CountSince(ctx, "dev-1", time.Now().Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(3)))

			n, err = l.CountSince(ctx, "dev-1", time.Now().Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})
})
