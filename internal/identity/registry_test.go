package identity_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/device/fake"
	"procodus.dev/biosync/internal/identity"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/store/memory"
)

var _ = Describe("DeriveDeviceUserID", func() {
	It("strips separators from a uuid", func() {
		Expect(identity.DeriveDeviceUserID("3f2b8c1e-9a4d-4e7f-8b21-0c5d6e7f8a9b", 32)).
			To(Equal("3f2b8c1e9a4d4e7f8b210c5d6e7f8a9b"))
	})

	It("truncates to the device limit", func() {
		Expect(identity.DeriveDeviceUserID("3f2b8c1e-9a4d-4e7f", 8)).To(Equal("3f2b8c1e"))
	})

	It("is deterministic", func() {
		Expect(identity.DeriveDeviceUserID("emp_0042.x", 16)).To(Equal(identity.DeriveDeviceUserID("emp_0042.x", 16)))
		Expect(identity.DeriveDeviceUserID("emp_0042.x", 16)).To(Equal("emp0042x"))
	})

	It("drops non-ascii characters", func() {
		Expect(identity.DeriveDeviceUserID("émp-1", 0)).To(Equal("mp1"))
	})
})

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		st       *memory.Store
		sources  *fake.Factory
		terminal *fake.Source
		registry *identity.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = memory.New()
		st.PutDevice(model.Device{ID: "dev-1", TenantID: "t1", Enabled: true, UserIDMaxLen: 8})
		st.PutDevice(model.Device{ID: "dev-2", TenantID: "t1", Enabled: true})
		st.PutDevice(model.Device{ID: "dev-x", TenantID: "t2", Enabled: true})
		sources = fake.NewFactory()
		terminal = sources.Set("dev-1", &fake.Source{})

		var err error
		registry, err = identity.New(&identity.Config{
			Logger:   slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
			Mappings: st,
			Cards:    st,
			Devices:  st,
			Sources:  sources,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	create := func(userID, deviceID, deviceUserID string) (*model.IdentityMapping, error) {
		return registry.CreateMapping(ctx, identity.CreateMappingInput{
			TenantID:     "t1",
			UserID:       userID,
			DeviceID:     deviceID,
			DeviceUserID: deviceUserID,
		})
	}

	Describe("New", func() {
		It("validates its config", func() {
			_, err := identity.New(nil)
			Expect(err).To(MatchError(ContainSubstring("cannot be nil")))

			_, err = identity.New(&identity.Config{Logger: slog.Default()})
			Expect(err).To(MatchError(ContainSubstring("stores cannot be nil")))
		})
	})

	Describe("Resolve", func() {
		It("resolves an active mapping", func() {
			_, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())

			userID, err := registry.Resolve(ctx, "t1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(userID).To(Equal("user-1"))
		})

		It("reports unknown ids as not mapped", func() {
			_, err := registry.Resolve(ctx, "t1", "dev-1", "404")
			Expect(err).To(MatchError(model.ErrNotMapped))

			_, err = registry.Resolve(ctx, "t1", "dev-1", "")
			Expect(err).To(MatchError(model.ErrNotMapped))
		})

		It("never resolves a deactivated mapping", func() {
			m, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.DeactivateMapping(ctx, "t1", m.ID)).To(Succeed())

			_, err = registry.Resolve(ctx, "t1", "dev-1", "42")
			Expect(err).To(MatchError(model.ErrNotMapped))
		})

		It("does not resolve across tenants", func() {
			_, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Resolve(ctx, "t2", "dev-1", "42")
			Expect(err).To(MatchError(model.ErrNotMapped))
		})
	})

	Describe("CreateMapping", func() {
		It("derives the device user id when omitted", func() {
			m, err := create("ab-cd-ef-gh-ij", "dev-1", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.DeviceUserID).To(Equal("abcdefgh"))
			Expect(m.IsActive).To(BeTrue())
			Expect(m.EnrolledAt).NotTo(BeZero())
		})

		It("rejects a second active mapping for the same device user id", func() {
			original, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())

			_, err = create("user-2", "dev-1", "42")
			Expect(err).To(MatchError(model.ErrConflict))

			kept, err := st.GetMapping(ctx, original.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(kept.UserID).To(Equal("user-1"))
			Expect(kept.IsActive).To(BeTrue())
		})

		It("rejects a second active mapping for the same user and device", func() {
			_, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			_, err = create("user-1", "dev-1", "43")
			Expect(err).To(MatchError(model.ErrConflict))
		})

		It("allows the same device user id on another device", func() {
			_, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			_, err = create("user-2", "dev-2", "42")
			Expect(err).NotTo(HaveOccurred())
		})

		It("allows remapping after deactivation", func() {
			m, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.DeactivateMapping(ctx, "t1", m.ID)).To(Succeed())

			_, err = create("user-2", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			userID, err := registry.Resolve(ctx, "t1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(userID).To(Equal("user-2"))
		})

		It("rejects ids longer than the device limit", func() {
			_, err := create("user-1", "dev-1", "123456789")
			Expect(err).To(MatchError(model.ErrInvalidArgument))
		})

		It("rejects devices of another tenant", func() {
			_, err := create("user-1", "dev-x", "42")
			Expect(err).To(MatchError(model.ErrNotFound))
		})

		It("rejects missing fields", func() {
			_, err := create("", "dev-1", "42")
			Expect(err).To(MatchError(model.ErrInvalidArgument))
		})

		Context("with provisioning", func() {
			It("creates the user on the device", func() {
				m, err := registry.CreateMapping(ctx, identity.CreateMappingInput{
					TenantID: "t1", UserID: "user-1", DeviceID: "dev-1", DeviceUserID: "42",
					DisplayName: "Asha", Provision: true,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(m.IsActive).To(BeTrue())
				Expect(terminal.CreateCalls).To(ConsistOf("42"))
			})

			It("deactivates the mapping when the device refuses", func() {
				terminal.CreateErr = errors.New("device full")
				_, err := registry.CreateMapping(ctx, identity.CreateMappingInput{
					TenantID: "t1", UserID: "user-1", DeviceID: "dev-1", DeviceUserID: "42", Provision: true,
				})
				Expect(err).To(MatchError(ContainSubstring("device full")))

				_, err = registry.Resolve(ctx, "t1", "dev-1", "42")
				Expect(err).To(MatchError(model.ErrNotMapped))
			})
		})
	})

	Describe("RefreshModalities", func() {
		It("copies the device counts onto the mapping", func() {
			m, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			terminal.Users = map[string]device.UserRecord{
				"42": {DeviceUserID: "42", FingerprintCount: 2, FaceCount: 1},
			}

			updated, err := registry.RefreshModalities(ctx, "t1", m.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.FingerprintCount).To(Equal(2))
			Expect(updated.HasFace).To(BeTrue())
			Expect(updated.HasCard).To(BeFalse())

			stored, err := st.GetMapping(ctx, m.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.FingerprintCount).To(Equal(2))
		})

		It("fails when the device lacks the user", func() {
			m, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.RefreshModalities(ctx, "t1", m.ID)
			Expect(err).To(MatchError(device.ErrUserNotFound))
		})

		It("hides mappings of other tenants", func() {
			m, err := create("user-1", "dev-1", "42")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.RefreshModalities(ctx, "t2", m.ID)
			Expect(err).To(MatchError(model.ErrNotFound))
		})
	})

	Describe("ListMappings", func() {
		BeforeEach(func() {
			for i, id := range []string{"u1", "u2", "u3"} {
				_, err := create(id, "dev-1", string(rune('1'+i)))
				Expect(err).NotTo(HaveOccurred())
			}
			st.PutCard(model.AccessCard{ID: "c1", TenantID: "t1", UserID: "u2", CardNumber: "0001", IsActive: true, IssuedAt: time.Now()})
			st.PutCard(model.AccessCard{ID: "c2", TenantID: "t1", UserID: "u3", CardNumber: "0002", IsActive: false, IssuedAt: time.Now()})
		})

		It("merges the card registry into each mapping", func() {
			page, err := registry.ListMappings(ctx, identity.ListInput{TenantID: "t1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Total).To(Equal(int64(3)))

			cards := map[string]bool{}
			for _, v := range page.Items {
				cards[v.UserID] = v.HasActiveCard
			}
			Expect(cards).To(Equal(map[string]bool{"u1": false, "u2": true, "u3": false}))
		})

		It("paginates", func() {
			page, err := registry.ListMappings(ctx, identity.ListInput{TenantID: "t1", Page: 2, PageSize: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Total).To(Equal(int64(3)))
			Expect(page.Page).To(Equal(2))
		})

		It("filters by user and hides inactive mappings by default", func() {
			page, err := registry.ListMappings(ctx, identity.ListInput{TenantID: "t1", UserID: "u1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Items).To(HaveLen(1))
			Expect(registry.DeactivateMapping(ctx, "t1", page.Items[0].ID)).To(Succeed())

			page, err = registry.ListMappings(ctx, identity.ListInput{TenantID: "t1", UserID: "u1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Items).To(BeEmpty())

			page, err = registry.ListMappings(ctx, identity.ListInput{TenantID: "t1", UserID: "u1", IncludeInactive: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Items).To(HaveLen(1))
		})

		It("requires a tenant", func() {
			_, err := registry.ListMappings(ctx, identity.ListInput{})
			Expect(err).To(MatchError(model.ErrInvalidArgument))
		})
	})
})
