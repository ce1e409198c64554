package memory_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store"
	"procodus.dev/biosync/internal/store/memory"
)

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		s   *memory.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = memory.New()
	})

	Describe("devices", func() {
		BeforeEach(func() {
			s.PutDevice(model.Device{ID: "dev-2", TenantID: "t1", Enabled: true})
			s.PutDevice(model.Device{ID: "dev-1", TenantID: "t1", Enabled: false})
			s.PutDevice(model.Device{ID: "dev-3", TenantID: "t2", Enabled: true})
		})

		It("filters by tenant and enabled flag, ordered by id", func() {
			all, err := s.ListDevices(ctx, store.DeviceFilter{TenantID: "t1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
			Expect(all[0].ID).To(Equal("dev-1"))

			enabled, err := s.ListDevices(ctx, store.DeviceFilter{TenantID: "t1", EnabledOnly: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(enabled).To(HaveLen(1))
			Expect(enabled[0].ID).To(Equal("dev-2"))
		})

		It("records sync state", func() {
			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			Expect(s.UpdateSyncState(ctx, "dev-2", store.SyncState{
				LastSyncedAt: &at, Status: model.SyncStatusFailed, Error: "timeout",
			})).To(Succeed())

			d, err := s.GetDevice(ctx, "dev-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.LastSyncedAt.Equal(at)).To(BeTrue())
			Expect(d.LastSyncStatus).To(Equal(model.SyncStatusFailed))
			Expect(d.LastSyncError).To(Equal("timeout"))
		})

		It("returns ErrNotFound for unknown devices", func() {
			_, err := s.GetDevice(ctx, "ghost")
			Expect(err).To(MatchError(model.ErrNotFound))
			Expect(s.UpdateSyncState(ctx, "ghost", store.SyncState{})).To(MatchError(model.ErrNotFound))
		})
	})

	Describe("mappings", func() {
		mapping := func(id, user, deviceUser string) *model.IdentityMapping {
			return &model.IdentityMapping{
				ID: id, TenantID: "t1", UserID: user, DeviceID: "dev-1", DeviceUserID: deviceUser,
				IsActive: true, EnrolledAt: time.Now().UTC(),
			}
		}

		It("rejects a second active mapping for either key", func() {
			Expect(s.CreateMapping(ctx, mapping("m1", "u1", "100"))).To(Succeed())
			Expect(s.CreateMapping(ctx, mapping("m2", "u2", "100"))).To(MatchError(model.ErrConflict))
			Expect(s.CreateMapping(ctx, mapping("m3", "u1", "200"))).To(MatchError(model.ErrConflict))
		})

		It("allows a new mapping once the old one is inactive", func() {
			Expect(s.CreateMapping(ctx, mapping("m1", "u1", "100"))).To(Succeed())
			Expect(s.DeactivateMapping(ctx, "m1")).To(Succeed())
			Expect(s.CreateMapping(ctx, mapping("m2", "u2", "100"))).To(Succeed())

			_, total, err := s.ListMappings(ctx, store.MappingFilter{TenantID: "t1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(2)))

			active, total, err := s.ListMappings(ctx, store.MappingFilter{TenantID: "t1", ActiveOnly: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(1)))
			Expect(active[0].ID).To(Equal("m2"))
		})

		It("pages in enrollment order", func() {
			base := time.Now().UTC()
			for i := range 5 {
				m := mapping(fmt.Sprintf("m%d", i), fmt.Sprintf("u%d", i), fmt.Sprintf("%d", 100+i))
				m.EnrolledAt = base.Add(time.Duration(i) * time.Minute)
				Expect(s.CreateMapping(ctx, m)).To(Succeed())
			}

			items, total, err := s.ListMappings(ctx, store.MappingFilter{Offset: 2, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(5)))
			Expect(items).To(HaveLen(2))
			Expect(items[0].ID).To(Equal("m2"))

			items, _, err = s.ListMappings(ctx, store.MappingFilter{Offset: 9})
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	Describe("events", func() {
		event := func(id, fingerprint string, at time.Time) *model.RawEvent {
			return &model.RawEvent{ID: id, TenantID: "t1", DeviceID: "dev-1", Fingerprint: fingerprint, EventTime: at}
		}

		It("inserts each fingerprint once under concurrent writers", func() {
			at := time.Now().UTC()
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				inserted int
			)
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					ok, err := s.InsertEventIfAbsent(ctx, event(fmt.Sprintf("e%d", i), "fp-1", at))
					Expect(err).NotTo(HaveOccurred())
					if ok {
						mu.Lock()
						inserted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			Expect(inserted).To(Equal(1))
		})

		It("lists oldest first and honors the filters", func() {
			base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
			_, _ = s.InsertEventIfAbsent(ctx, event("late", "fp-late", base.Add(2*time.Hour)))
			_, _ = s.InsertEventIfAbsent(ctx, event("early", "fp-early", base))
			_, _ = s.InsertEventIfAbsent(ctx, event("mid", "fp-mid", base.Add(time.Hour)))

			user := "u1"
			Expect(s.MarkEventProcessed(ctx, "early", &user, base, nil)).To(Succeed())

			all, err := s.ListEvents(ctx, store.EventFilter{TenantID: "t1"})
			Expect(err).NotTo(HaveOccurred())
			Expect([]string{all[0].ID, all[1].ID, all[2].ID}).To(Equal([]string{"early", "mid", "late"}))

			unmapped, err := s.ListEvents(ctx, store.EventFilter{UnmappedOnly: true, Limit: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(unmapped).To(HaveLen(1))
			Expect(unmapped[0].ID).To(Equal("mid"))

			since := base.Add(90 * time.Minute)
			later, err := s.ListEvents(ctx, store.EventFilter{Since: &since})
			Expect(err).NotTo(HaveOccurred())
			Expect(later).To(HaveLen(1))
			Expect(later[0].ID).To(Equal("late"))
		})

		It("resumes after a cursor, breaking time ties by id", func() {
			at := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
			for _, id := range []string{"c", "a", "d", "b"} {
				_, _ = s.InsertEventIfAbsent(ctx, event(id, "fp-"+id, at))
			}
			_, _ = s.InsertEventIfAbsent(ctx, event("0-later", "fp-later", at.Add(time.Minute)))

			page, err := s.ListEvents(ctx, store.EventFilter{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect([]string{page[0].ID, page[1].ID}).To(Equal([]string{"a", "b"}))

			rest, err := s.ListEvents(ctx, store.EventFilter{After: &store.EventCursor{Time: at, ID: "b"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(HaveLen(3))
			Expect([]string{rest[0].ID, rest[1].ID, rest[2].ID}).To(Equal([]string{"c", "d", "0-later"}))
		})
	})

	Describe("attendance", func() {
		date := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

		It("keeps the first record of a day and closes it once", func() {
			in := date.Add(3 * time.Hour)
			created, err := s.CreateAttendance(ctx, &model.AttendanceRecord{ID: "a1", TenantID: "t1", UserID: "u1", Date: date, CheckIn: &in})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			created, err = s.CreateAttendance(ctx, &model.AttendanceRecord{ID: "a2", TenantID: "t1", UserID: "u1", Date: date})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())

			out := in.Add(8 * time.Hour)
			closed, err := s.CloseAttendance(ctx, "a1", in, out, 8, out)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeTrue())

			closed, err = s.CloseAttendance(ctx, "a1", in, out.Add(time.Hour), 9, out)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeFalse())

			rec, err := s.GetAttendance(ctx, "t1", "u1", date)
			Expect(err).NotTo(HaveOccurred())
			Expect(*rec.WorkingHours).To(Equal(8.0))
		})

		It("lists an inclusive date range", func() {
			for i, d := range []int{4, 5, 6} {
				_, err := s.CreateAttendance(ctx, &model.AttendanceRecord{
					ID: fmt.Sprintf("a%d", i), TenantID: "t1", UserID: "u1",
					Date: time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC),
				})
				Expect(err).NotTo(HaveOccurred())
			}

			recs, err := s.ListAttendance(ctx, "t1", "", date, date.AddDate(0, 0, 1))
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].Date.Equal(date)).To(BeTrue())
		})
	})
})
