package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/biosync/internal/syncer"
	"procodus.dev/biosync/pkg/lease"
)

var _ = Describe("Lease E2E", func() {
	var (
		ctx     context.Context
		manager *lease.Manager
		name    string
	)

	newManager := func(ttl time.Duration) *lease.Manager {
		m, err := lease.New(&lease.Config{Client: redisClient, TTL: ttl, Prefix: "e2e:" + uuid.NewString() + ":"})
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		manager = newManager(time.Minute)
		name = "device:" + uuid.NewString()
		Expect(manager.Ping(ctx)).To(Succeed())
	})

	It("grants a lease to one holder at a time", func() {
		held, err := manager.Acquire(ctx, name)
		Expect(err).NotTo(HaveOccurred())

		_, err = manager.Acquire(ctx, name)
		Expect(err).To(MatchError(lease.ErrHeld))

		Expect(held.Release(ctx)).To(Succeed())

		again, err := manager.Acquire(ctx, name)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Release(ctx)).To(Succeed())
	})

	It("expires a lease its holder never released", func() {
		short := newManager(time.Second)
		_, err := short.Acquire(ctx, name)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() error {
			l, err := short.Acquire(ctx, name)
			if err == nil {
				_ = l.Release(ctx)
			}
			return err
		}).WithTimeout(5 * time.Second).WithPolling(200 * time.Millisecond).Should(Succeed())
	})

	It("does not release a lease taken over after expiry", func() {
		short := newManager(time.Second)
		stale, err := short.Acquire(ctx, name)
		Expect(err).NotTo(HaveOccurred())

		var current *lease.Lease
		Eventually(func() error {
			current, err = short.Acquire(ctx, name)
			return err
		}).WithTimeout(5 * time.Second).WithPolling(200 * time.Millisecond).Should(Succeed())

		Expect(stale.Release(ctx)).To(Succeed())
		_, err = short.Acquire(ctx, name)
		Expect(err).To(MatchError(lease.ErrHeld))

		Expect(current.Release(ctx)).To(Succeed())
	})

	Describe("device locker", func() {
		It("reports a device synced elsewhere as locked", func() {
			locker := &syncer.LeaseLocker{Leases: manager, Logger: testLogger}
			deviceID := uuid.NewString()

			unlock, err := locker.Lock(ctx, deviceID)
			Expect(err).NotTo(HaveOccurred())

			_, err = locker.Lock(ctx, deviceID)
			Expect(err).To(MatchError(syncer.ErrLocked))

			unlock(ctx)
			unlockAgain, err := locker.Lock(ctx, deviceID)
			Expect(err).NotTo(HaveOccurred())
			unlockAgain(ctx)
		})
	})
})
