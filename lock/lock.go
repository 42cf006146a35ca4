/*
lock.go - Sweep leader lock

PURPOSE:
  Periodic sweeps (session expiry, grant expiry) must not run on two
  instances at once. A Locker grants a named lease for a TTL; whoever holds
  it runs the sweep and releases it afterwards. A crashed holder loses the
  lease when the TTL runs out.

IMPLEMENTATIONS:
  Local   in-process map, used when no valkey address is configured and in tests
  Valkey  SET key token NX PX ttl, released by a compare-and-delete script

SEE ALSO:
  - api/scheduler.go: acquires the lease before each sweep
*/
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out exclusive, expiring leases by key.
type Locker interface {
	// Acquire returns false without error when another holder has the lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the lease if this locker still holds it.
	Release(ctx context.Context, key string) error
	Close() error
}

// =============================================================================
// LOCAL
// =============================================================================

type Local struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocal(now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{leases: make(map[string]time.Time), now: now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.leases[key]; ok && now.Before(until) {
		return false, nil
	}
	l.leases[key] = now.Add(ttl)
	return true, nil
}

func (l *Local) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}

func (l *Local) Close() error { return nil }
