package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/biosync/internal/identity"
	"procodus.dev/biosync/internal/ledger"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/reconcile"
	"procodus.dev/biosync/internal/store"
)

// seedDevice inserts an enabled device of a fresh tenant and returns both ids.
func seedDevice(ctx context.Context) (tenantID, deviceID string) {
	tenantID = "tenant-" + uuid.NewString()[:8]
	deviceID = "dev-" + uuid.NewString()[:8]
	Expect(db.WithContext(ctx).Create(&model.Device{
		ID:                  deviceID,
		TenantID:            tenantID,
		Name:                "Front door",
		BaseURL:             "http://192.0.2.10",
		Username:            "admin",
		Password:            "secret",
		PollIntervalSeconds: 900,
		UserIDMaxLen:        32,
		Enabled:             true,
	}).Error).To(Succeed())
	return tenantID, deviceID
}

var _ = Describe("Postgres Store E2E", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Event ledger", func() {
		var led *ledger.Ledger

		BeforeEach(func() {
			var err error
			led, err = ledger.New(st, testLogger)
			Expect(err).NotTo(HaveOccurred())
		})

		It("inserts a fingerprint once under concurrent writers", func() {
			tenantID, deviceID := seedDevice(ctx)
			at := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)
			user := "1001"

			const writers = 16
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				inserted int
			)
			for range writers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					ok, err := led.InsertIfAbsent(ctx, &model.RawEvent{
						TenantID:     tenantID,
						DeviceID:     deviceID,
						DeviceUserID: &user,
						EventType:    "AUTHENTICATED",
						EventTime:    at,
					})
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
			events, err := st.ListEvents(ctx, store.EventFilter{TenantID: tenantID})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Fingerprint).To(Equal(ledger.Fingerprint(deviceID, user, at)))
		})

		It("keeps the same instant on two devices apart", func() {
			tenantID, devA := seedDevice(ctx)
			_, devB := seedDevice(ctx)
			at := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
			user := "7"

			for _, dev := range []string{devA, devB} {
				ok, err := led.InsertIfAbsent(ctx, &model.RawEvent{
					TenantID: tenantID, DeviceID: dev, DeviceUserID: &user, EventType: "AUTHENTICATED", EventTime: at,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
			}
		})

		It("filters unmapped and pending events", func() {
			tenantID, deviceID := seedDevice(ctx)
			user := "42"
			base := time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)

			var ids []string
			for i := range 3 {
				e := &model.RawEvent{
					TenantID: tenantID, DeviceID: deviceID, DeviceUserID: &user,
					EventType: "AUTHENTICATED", EventTime: base.Add(time.Duration(i) * time.Hour),
				}
				ok, err := led.InsertIfAbsent(ctx, e)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
				ids = append(ids, e.ID)
			}

			Expect(led.MarkProcessed(ctx, ids[0], "user-42")).To(Succeed())
			Expect(led.MarkFailed(ctx, ids[1], nil, "unmapped")).To(Succeed())

			unmapped, err := st.ListEvents(ctx, store.EventFilter{TenantID: tenantID, UnmappedOnly: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(unmapped).To(HaveLen(2))
			Expect(unmapped[0].ID).To(Equal(ids[1]))
			Expect(*unmapped[0].ProcessingError).To(Equal("unmapped"))

			pending, err := led.ListPending(ctx, tenantID, deviceID, nil, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(2))

			since := base.Add(90 * time.Minute)
			later, err := st.ListEvents(ctx, store.EventFilter{TenantID: tenantID, Since: &since})
			Expect(err).NotTo(HaveOccurred())
			Expect(later).To(HaveLen(1))
			Expect(later[0].ID).To(Equal(ids[2]))

			n, err := led.CountSince(ctx, deviceID, time.Now().Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(3)))
		})

		It("pages pending events by time then id", func() {
			tenantID, deviceID := seedDevice(ctx)
			at := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)

			for _, user := range []string{"1", "2", "3", "4"} {
				u := user
				ok, err := led.InsertIfAbsent(ctx, &model.RawEvent{
					TenantID: tenantID, DeviceID: deviceID, DeviceUserID: &u, EventType: "AUTHENTICATED", EventTime: at,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
			}

			first, err := led.ListPending(ctx, tenantID, deviceID, nil, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(HaveLen(3))
			last := first[2]

			rest, err := led.ListPending(ctx, tenantID, deviceID, &store.EventCursor{Time: last.EventTime, ID: last.ID}, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(HaveLen(1))
			Expect(rest[0].ID > last.ID).To(BeTrue())
		})
	})

	Describe("Identity mappings", func() {
		var reg *identity.Registry

		BeforeEach(func() {
			var err error
			reg, err = identity.New(&identity.Config{
				Logger:   testLogger,
				Mappings: st,
				Cards:    st,
				Devices:  st,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("enforces one active mapping per device user id", func() {
			tenantID, deviceID := seedDevice(ctx)

			_, err := reg.CreateMapping(ctx, identity.CreateMappingInput{
				TenantID: tenantID, UserID: "user-a", DeviceID: deviceID, DeviceUserID: "100",
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.CreateMapping(ctx, identity.CreateMappingInput{
				TenantID: tenantID, UserID: "user-b", DeviceID: deviceID, DeviceUserID: "100",
			})
			Expect(err).To(MatchError(model.ErrConflict))

			userID, err := reg.Resolve(ctx, tenantID, deviceID, "100")
			Expect(err).NotTo(HaveOccurred())
			Expect(userID).To(Equal("user-a"))
		})

		It("enforces one active mapping per user and device", func() {
			tenantID, deviceID := seedDevice(ctx)

			_, err := reg.CreateMapping(ctx, identity.CreateMappingInput{
				TenantID: tenantID, UserID: "user-a", DeviceID: deviceID, DeviceUserID: "100",
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.CreateMapping(ctx, identity.CreateMappingInput{
				TenantID: tenantID, UserID: "user-a", DeviceID: deviceID, DeviceUserID: "200",
			})
			Expect(err).To(MatchError(model.ErrConflict))
		})

		It("frees the device user id once the mapping is deactivated", func() {
			tenantID, deviceID := seedDevice(ctx)

			m, err := reg.CreateMapping(ctx, identity.CreateMappingInput{
				TenantID: tenantID, UserID: "user-a", DeviceID: deviceID, DeviceUserID: "100",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.DeactivateMapping(ctx, tenantID, m.ID)).To(Succeed())

			_, err = reg.Resolve(ctx, tenantID, deviceID, "100")
			Expect(err).To(MatchError(model.ErrNotMapped))

			_, err = reg.CreateMapping(ctx, identity.CreateMappingInput{
				TenantID: tenantID, UserID: "user-b", DeviceID: deviceID, DeviceUserID: "100",
			})
			Expect(err).NotTo(HaveOccurred())

			all, total, err := st.ListMappings(ctx, store.MappingFilter{TenantID: tenantID})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(2)))
			Expect(all).To(HaveLen(2))
		})

		It("reports card holders from the card registry", func() {
			tenantID, _ := seedDevice(ctx)
			Expect(db.WithContext(ctx).Create(&model.AccessCard{
				ID: uuid.NewString(), TenantID: tenantID, UserID: "user-a",
				CardNumber: "0001", IsActive: true, IssuedAt: time.Now().UTC(),
			}).Error).To(Succeed())

			holders, err := st.ActiveCardHolders(ctx, tenantID, []string{"user-a", "user-b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(holders).To(Equal(map[string]bool{"user-a": true}))
		})
	})

	Describe("Attendance", func() {
		var eng *reconcile.Engine

		BeforeEach(func() {
			var err error
			eng, err = reconcile.New(&reconcile.Config{
				Logger:     testLogger,
				Attendance: st,
				Zones:      reconcile.NewZones(nil),
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps one record per user and day under concurrent first punches", func() {
			tenantID, _ := seedDevice(ctx)
			date := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
			at := time.Date(2026, 3, 4, 3, 30, 0, 0, time.UTC)

			const writers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for range writers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					ok, err := st.CreateAttendance(ctx, &model.AttendanceRecord{
						ID: uuid.NewString(), TenantID: tenantID, UserID: "user-a", Date: date,
						CheckIn: &at, Status: model.AttendancePresent,
						Source: model.AttendanceSourceBiometric, MarkedAt: at,
					})
					Expect(err).NotTo(HaveOccurred())
					if ok {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			Expect(created).To(Equal(1))

			rec, err := st.GetAttendance(ctx, tenantID, "user-a", date)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Date.Format(time.DateOnly)).To(Equal("2026-03-04"))
		})

		It("closes a day once from the first two punches", func() {
			tenantID, deviceID := seedDevice(ctx)
			ist := time.FixedZone("IST", int(reconcile.DefaultOffset.Seconds()))
			punches := []time.Time{
				time.Date(2026, 3, 5, 9, 0, 0, 0, ist),
				time.Date(2026, 3, 5, 9, 5, 0, 0, ist),
				time.Date(2026, 3, 5, 17, 30, 0, 0, ist),
			}
			for _, p := range punches {
				_, err := eng.Apply(ctx, tenantID, "user-a", deviceID, p)
				Expect(err).NotTo(HaveOccurred())
			}

			recs, err := st.ListAttendance(ctx, tenantID, "",
				time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].CheckIn.Equal(punches[0])).To(BeTrue())
			Expect(recs[0].CheckOut.Equal(punches[1])).To(BeTrue())
			Expect(*recs[0].WorkingHours).To(BeNumerically("~", 0.08, 0.001))
		})
	})
})
