// Package lease implements short-lived exclusive leases on Redis.
//
// A lease is a key set with NX and a TTL whose value is a random token. Only
// the holder of the token can release it, so a lease that expired and was
// taken by another process is never released by the old holder.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another process")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds the lease manager configuration.
type Config struct {
	Client *redis.Client
	// Prefix namespaces the lease keys.
	Prefix string
	// TTL bounds how long a crashed holder blocks others.
	TTL time.Duration
}

// Manager hands out leases.
type Manager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Lease is a held lease.
type Lease struct {
	manager *Manager
	key     string
	token   string
}

// Connect creates a Redis client from a redis:// URL or a host:port address.
func Connect(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// New creates a lease manager.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("lease config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("lease ttl must be greater than 0")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "biosync:lease:"
	}
	return &Manager{client: cfg.Client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Acquire takes the lease on name or returns ErrHeld.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := m.prefix + name
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{manager: m, key: key, token: token}, nil
}

// Release gives the lease up if it is still held by this holder.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
