package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
)

// LeaderElector repeatedly attempts the Postgres advisory lock that
// decides which orchestrator replica runs the reclaimer and
// pool-management loops (spec §4.3.6). Followers keep polling for the
// lock to become available; a stepdown is clean because ReleaseLeader
// is only called between poll attempts, never mid-pass.
type LeaderElector struct {
	store    leaderStore
	lockName string
	interval time.Duration
	broker   *events.Broker

	isLeader atomic.Bool
	onBecome func(ctx context.Context)
	onResign func()
}

type leaderStore interface {
	TryAcquireLeader(ctx context.Context, lockName string) (bool, error)
	ReleaseLeader(ctx context.Context, lockName string) error
}

// NewLeaderElector builds an elector. onBecome is invoked (in its own
// goroutine) when this process wins leadership and should return when
// the ctx it is given is cancelled; onResign fires on clean stepdown.
func NewLeaderElector(store leaderStore, lockName string, interval time.Duration, broker *events.Broker, onBecome func(ctx context.Context), onResign func()) *LeaderElector {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &LeaderElector{store: store, lockName: lockName, interval: interval, broker: broker, onBecome: onBecome, onResign: onResign}
}

// IsLeader reports whether this process currently holds the lock.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run polls for leadership until ctx is cancelled.
func (e *LeaderElector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var leaderCtx context.Context
	var leaderCancel context.CancelFunc

	stepDown := func() {
		if e.isLeader.Load() {
			e.isLeader.Store(false)
			if leaderCancel != nil {
				leaderCancel()
			}
			_ = e.store.ReleaseLeader(context.Background(), e.lockName)
			metrics.OrchLeader.Set(0)
			if e.broker != nil {
				e.broker.Publish(&events.Event{Type: events.EventLeaderStepdown})
			}
			if e.onResign != nil {
				e.onResign()
			}
			log.WithComponent("orchestrator").Info().Msg("stepped down as leader")
		}
	}
	defer stepDown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.isLeader.Load() {
				continue // already leading; next poll is only relevant after stepdown
			}
			acquired, err := e.store.TryAcquireLeader(ctx, e.lockName)
			if err != nil {
				log.WithComponent("orchestrator").Warn().Err(err).Msg("leader lock probe failed")
				continue
			}
			if acquired {
				e.isLeader.Store(true)
				leaderCtx, leaderCancel = context.WithCancel(ctx)
				metrics.OrchLeader.Set(1)
				if e.broker != nil {
					e.broker.Publish(&events.Event{Type: events.EventLeaderElected})
				}
				log.WithComponent("orchestrator").Info().Msg("elected leader")
				if e.onBecome != nil {
					go e.onBecome(leaderCtx)
				}
			}
		}
	}
}
