package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hengadev/medvault"
)

// Guard serializes the runs of one tenant.
type Guard interface {
	Do(ctx context.Context, tenantID string, fn func(ctx context.Context) (*Report, error)) (*Report, error)
}

// SingleFlight collapses concurrent runs of the same tenant within a process:
// callers arriving while a run is in flight share its report.
type SingleFlight struct {
	group singleflight.Group
}

func (s *SingleFlight) Do(ctx context.Context, tenantID string, fn func(ctx context.Context) (*Report, error)) (*Report, error) {
	ch := s.group.DoChan(tenantID, func() (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(*Report)
		return report, res.Err
	}
}

var (
	// releaseScript deletes the lease only while it still holds our token.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// DefaultLeasePrefix namespaces the lease keys in Redis.
const DefaultLeasePrefix = "medvault:reconcile:"

// RedisGuard holds a per-tenant lease in Redis for the duration of a run.
// A tenant whose lease is held elsewhere fails with ErrReconcileInProgress.
// The lease is extended while the run lasts and the run is cancelled if the
// lease is lost.
type RedisGuard struct {
	client redis.UniversalClient
	lease  time.Duration
	prefix string
	logger zerolog.Logger
}

// RedisGuardOption configures a RedisGuard.
type RedisGuardOption func(*RedisGuard)

// WithLeasePrefix replaces DefaultLeasePrefix.
func WithLeasePrefix(prefix string) RedisGuardOption {
	return func(g *RedisGuard) {
		g.prefix = prefix
	}
}

// WithGuardLogger logs lease renewals and losses.
func WithGuardLogger(logger zerolog.Logger) RedisGuardOption {
	return func(g *RedisGuard) {
		g.logger = logger
	}
}

// NewRedisGuard creates a guard with leases of the given duration.
func NewRedisGuard(client redis.UniversalClient, lease time.Duration, opts ...RedisGuardOption) (*RedisGuard, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("%w: reconcile lease must be positive", medvault.ErrInvalidConfiguration)
	}
	g := &RedisGuard{
		client: client,
		lease:  lease,
		prefix: DefaultLeasePrefix,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *RedisGuard) key(tenantID string) string {
	return g.prefix + tenantID
}

func (g *RedisGuard) Do(ctx context.Context, tenantID string, fn func(ctx context.Context) (*Report, error)) (*Report, error) {
	key := g.key(tenantID)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire reconcile lease: %w", medvault.ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: tenant '%s'", medvault.ErrReconcileInProgress, tenantID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.keepAlive(runCtx, cancel, key, token)
	}()

	report, err := fn(runCtx)
	cancel()
	<-done

	releaseCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	if relErr := releaseScript.Run(releaseCtx, g.client, []string{key}, token).Err(); relErr != nil {
		g.logger.Warn().Err(relErr).Str("tenant_id", tenantID).Msg("failed to release reconcile lease")
	}
	return report, err
}

// keepAlive extends the lease every third of its duration until ctx ends.
func (g *RedisGuard) keepAlive(ctx context.Context, cancel context.CancelFunc, key, token string) {
	ticker := time.NewTicker(max(g.lease/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, g.client, []string{key}, token, g.lease.Milliseconds()).Int64()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				g.logger.Warn().Err(err).Str("lease", key).Msg("failed to extend reconcile lease")
				continue
			}
			if n == 0 {
				g.logger.Error().Str("lease", key).Msg("reconcile lease lost, cancelling run")
				cancel()
				return
			}
		}
	}
}
