package orchestrator

import (
	"context"
	"time"

	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/types"
)

// OOMDetector reports whether a pool's worker process was last seen
// killed by an out-of-memory condition — an external collaborator
// (typically parsed from the vLLM process's exit status/dmesg).
type OOMDetector interface {
	DetectOOM(ctx context.Context, pool *types.WorkerPool) (bool, error)
}

// RestartConfig bounds the exponential-backoff restart algorithm (spec
// §4.3.3): initial 5s, factor 2, capped at 5min, at most 6 attempts
// before the pool is left degraded permanently.
type RestartConfig struct {
	Interval       time.Duration
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	MaxAttempts    int
	StartTimeout   time.Duration // starting -> degraded if no heartbeat arrives in time
}

func (c RestartConfig) withDefaults() RestartConfig {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 6
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 60 * time.Second
	}
	return c
}

// RestartSupervisor watches running/degraded pools for OOM signals and
// drives the bounded-restart state machine (spec §4.3.3:
// running→degraded on OOM or stale heartbeat, degraded→running on a
// successful restart; once MaxAttempts is exhausted the pool stays
// degraded until an operator intervenes).
// It runs a simple ticker loop, polling each degraded pool's restart
// eligibility rather than reacting to individual heartbeat events.
type RestartSupervisor struct {
	store      poolStore
	detector   OOMDetector
	cfg        RestartConfig
	broker     *events.Broker
	staleAfter time.Duration
}

// poolStore is the narrow slice of storage.Store this package needs,
// declared locally so tests can supply a minimal fake.
type poolStore interface {
	ListPools(ctx context.Context) ([]*types.WorkerPool, error)
	UpdatePool(ctx context.Context, pool *types.WorkerPool) error
}

func NewRestartSupervisor(store poolStore, detector OOMDetector, cfg RestartConfig, staleAfter time.Duration, broker *events.Broker) *RestartSupervisor {
	return &RestartSupervisor{store: store, detector: detector, cfg: cfg.withDefaults(), staleAfter: staleAfter, broker: broker}
}

func (rs *RestartSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(rs.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.sweep(ctx, time.Now())
		}
	}
}

func (rs *RestartSupervisor) sweep(ctx context.Context, now time.Time) {
	pools, err := rs.store.ListPools(ctx)
	if err != nil {
		log.Errorf("restart supervisor failed to list pools", err)
		return
	}
	for _, pool := range pools {
		rs.evaluate(ctx, pool, now)
	}
}

func (rs *RestartSupervisor) evaluate(ctx context.Context, pool *types.WorkerPool, now time.Time) {
	switch pool.Status {
	case types.PoolStatusStarting:
		if now.Sub(pool.StartedAt) > rs.cfg.StartTimeout {
			rs.degrade(ctx, pool, now)
		}

	case types.PoolStatusRunning:
		oom := false
		if rs.detector != nil {
			var err error
			oom, err = rs.detector.DetectOOM(ctx, pool)
			if err != nil {
				log.Errorf("oom detector failed", err)
			}
		}
		stale := rs.staleAfter > 0 && now.Sub(pool.LastHeartbeat) > rs.staleAfter
		if oom || stale {
			rs.degrade(ctx, pool, now)
		}

	case types.PoolStatusDegraded:
		if pool.NextRestartAt.IsZero() || now.Before(pool.NextRestartAt) {
			return
		}
		if pool.RestartAttempts >= rs.cfg.MaxAttempts {
			return // exhausted; stays degraded until an operator intervenes
		}
		rs.attemptRestart(ctx, pool, now)
	}
}

func (rs *RestartSupervisor) degrade(ctx context.Context, pool *types.WorkerPool, now time.Time) {
	pool.Status = types.PoolStatusDegraded
	pool.NextRestartAt = now.Add(rs.backoffFor(pool.RestartAttempts))
	if err := rs.store.UpdatePool(ctx, pool); err != nil {
		log.Errorf("failed to mark pool degraded", err)
		return
	}
	if rs.broker != nil {
		rs.broker.Publish(&events.Event{Type: events.EventPoolDegraded, Message: pool.PoolID})
	}
}

func (rs *RestartSupervisor) attemptRestart(ctx context.Context, pool *types.WorkerPool, now time.Time) {
	pool.RestartAttempts++
	pool.Status = types.PoolStatusRunning
	pool.LastHeartbeat = now
	pool.NextRestartAt = now.Add(rs.backoffFor(pool.RestartAttempts))
	if err := rs.store.UpdatePool(ctx, pool); err != nil {
		log.Errorf("failed to restart pool", err)
		return
	}
	if rs.broker != nil {
		rs.broker.Publish(&events.Event{Type: events.EventPoolRunning, Message: pool.PoolID})
	}
}

func (rs *RestartSupervisor) backoffFor(attempts int) time.Duration {
	backoff := rs.cfg.InitialBackoff
	for i := 0; i < attempts; i++ {
		backoff = time.Duration(float64(backoff) * rs.cfg.BackoffFactor)
		if backoff > rs.cfg.MaxBackoff {
			return rs.cfg.MaxBackoff
		}
	}
	return backoff
}
