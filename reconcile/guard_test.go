package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/objectstore"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestSingleFlight_SharesConcurrentRuns(t *testing.T) {
	var (
		guard   SingleFlight
		calls   atomic.Int32
		started = make(chan struct{})
		release = make(chan struct{})
	)
	fn := func(ctx context.Context) (*Report, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &Report{TenantID: "T1"}, nil
	}

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = guard.Do(context.Background(), "T1", fn)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = guard.Do(context.Background(), "T1", fn)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Same(t, reports[0], reports[1])
}

func TestSingleFlight_TenantsRunIndependently(t *testing.T) {
	var guard SingleFlight
	var calls atomic.Int32
	fn := func(ctx context.Context) (*Report, error) {
		calls.Add(1)
		return &Report{}, nil
	}

	_, err := guard.Do(context.Background(), "T1", fn)
	require.NoError(t, err)
	_, err = guard.Do(context.Background(), "T2", fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSingleFlight_CallerCancellation(t *testing.T) {
	var guard SingleFlight
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := guard.Do(ctx, "T1", func(context.Context) (*Report, error) {
		<-release
		return &Report{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRedisGuard_Validation(t *testing.T) {
	_, client := newRedis(t)
	_, err := NewRedisGuard(client, 0)
	assert.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestRedisGuard_HeldLease(t *testing.T) {
	mr, client := newRedis(t)
	guard, err := NewRedisGuard(client, time.Minute)
	require.NoError(t, err)
	require.NoError(t, mr.Set(DefaultLeasePrefix+"T1", "another-process"))

	called := false
	_, err = guard.Do(context.Background(), "T1", func(context.Context) (*Report, error) {
		called = true
		return &Report{}, nil
	})
	assert.ErrorIs(t, err, medvault.ErrReconcileInProgress)
	assert.True(t, medvault.IsRetryable(err))
	assert.False(t, called)
}

func TestRedisGuard_ReleasesOnlyItsOwnLease(t *testing.T) {
	mr, client := newRedis(t)
	guard, err := NewRedisGuard(client, time.Minute, WithLeasePrefix("test:"))
	require.NoError(t, err)

	report, err := guard.Do(context.Background(), "T1", func(context.Context) (*Report, error) {
		assert.True(t, mr.Exists("test:T1"), "lease held during the run")
		return &Report{TenantID: "T1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "T1", report.TenantID)
	assert.False(t, mr.Exists("test:T1"), "lease released after the run")

	_, err = guard.Do(context.Background(), "T1", func(context.Context) (*Report, error) {
		// The lease expired and another process took it over.
		mr.Set("test:T1", "someone-else")
		return &Report{}, nil
	})
	require.NoError(t, err)
	got, err := mr.Get("test:T1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisGuard_LostLeaseCancelsRun(t *testing.T) {
	mr, client := newRedis(t)
	guard, err := NewRedisGuard(client, 30*time.Millisecond)
	require.NoError(t, err)

	_, err = guard.Do(context.Background(), "T1", func(ctx context.Context) (*Report, error) {
		mr.Set(DefaultLeasePrefix+"T1", "usurper")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return &Report{}, nil
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisGuard_ExtendsLeaseDuringLongRuns(t *testing.T) {
	mr, client := newRedis(t)
	guard, err := NewRedisGuard(client, 60*time.Millisecond)
	require.NoError(t, err)

	_, err = guard.Do(context.Background(), "T1", func(ctx context.Context) (*Report, error) {
		mr.FastForward(40 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Greater(t, mr.TTL(DefaultLeasePrefix+"T1"), 20*time.Millisecond)
		return &Report{}, nil
	})
	require.NoError(t, err)
}

func TestEngine_WithRedisGuard(t *testing.T) {
	mr, client := newRedis(t)
	guard, err := NewRedisGuard(client, time.Minute)
	require.NoError(t, err)
	engine := New(medicine(t), objectstore.NewMemory(), openCatalog(t), WithGuard(guard))

	require.NoError(t, mr.Set(DefaultLeasePrefix+"T1", "busy"))
	_, err = engine.Reconcile(context.Background(), "T1", Options{})
	assert.ErrorIs(t, err, medvault.ErrReconcileInProgress)

	mr.Del(DefaultLeasePrefix + "T1")
	report, err := engine.Reconcile(context.Background(), "T1", Options{})
	require.NoError(t, err)
	assert.True(t, report.Empty())
}
