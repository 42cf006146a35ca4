package lock_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/lock"
)

func TestLocal_ExclusiveUntilTTL(t *testing.T) {
	// GIVEN: A lease held for one minute
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	l := lock.NewLocal(func() time.Time { return now })
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN: Another acquire happens inside the TTL
	ok, err = l.Acquire(ctx, "sweep", time.Minute)

	// THEN: It is refused
	require.NoError(t, err)
	assert.False(t, ok)

	// AND: After the TTL the lease can be taken again
	now = now.Add(time.Minute)
	ok, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocal_Release(t *testing.T) {
	l := lock.NewLocal(nil)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "sweep", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Release(ctx, "sweep"))

	ok, err = l.Acquire(ctx, "sweep", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "other", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
}

func TestLocal_ConcurrentSingleHolder(t *testing.T) {
	l := lock.NewLocal(nil)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "sweep", time.Hour)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// Needs a running server: ASSESS_TEST_VALKEY_ADDR=localhost:6379
func TestValkey_Integration(t *testing.T) {
	addr := os.Getenv("ASSESS_TEST_VALKEY_ADDR")
	if addr == "" {
		t.Skip("ASSESS_TEST_VALKEY_ADDR not set")
	}
	ctx := context.Background()

	a, err := lock.NewValkey(addr)
	require.NoError(t, err)
	defer a.Close()
	b, err := lock.NewValkey(addr)
	require.NoError(t, err)
	defer b.Close()

	key := "test-" + time.Now().Format("150405.000000")
	ok, err := a.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, key), "releasing a foreign lease is a no-op")
	ok, err = b.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, key))
	ok, err = b.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, key))
}
