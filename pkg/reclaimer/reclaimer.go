// Package reclaimer implements the GPU Orchestrator's background
// reclaim pass (spec §4.3.5): reassigning or dead-lettering stale
// stream work, and expiring dead leases. It runs only on the leader
// replica (spec §4.3.6), driven by orchestrator.LeaderElector.
package reclaimer

import (
	"context"
	"time"

	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
	"github.com/justnews/fabric/pkg/storage"
	"github.com/justnews/fabric/pkg/stream"
	"github.com/justnews/fabric/pkg/types"
)

// StreamGroup names one (stream, consumer-group) pair the reclaimer
// sweeps — one per job type (spec §4.3.4).
type StreamGroup struct {
	Stream string
	Group  string
}

// Config tunes the reclaim pass.
type Config struct {
	Interval       time.Duration // default 30s
	ClaimStaleness time.Duration // default 2min
	LeaseGrace     time.Duration // grace beyond expires_at before deletion
	MaxAttempts    int           // default 5
	StaleThreshold time.Duration // pool/lease heartbeat staleness
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.ClaimStaleness == 0 {
		c.ClaimStaleness = 2 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 90 * time.Second
	}
	return c
}

// Result summarizes one pass.
type Result struct {
	ReclaimedLeases  int
	ReclaimedJobs    int
	DeadLettered     int
}

// Reclaimer runs the 4-step pass against store and streams.
type Reclaimer struct {
	store   storage.Store
	streams *stream.Client
	groups  []StreamGroup
	cfg     Config
	broker  *events.Broker
}

func New(store storage.Store, streams *stream.Client, groups []StreamGroup, cfg Config, broker *events.Broker) *Reclaimer {
	return &Reclaimer{store: store, streams: streams, groups: groups, cfg: cfg.withDefaults(), broker: broker}
}

// Run ticks Pass on cfg.Interval until ctx is cancelled — intended to be
// launched inside orchestrator.LeaderElector's onBecome callback.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Pass(ctx, time.Now()); err != nil {
				log.WithComponent("reclaimer").Error().Err(err).Msg("reclaim pass failed")
			}
		}
	}
}

// Pass performs one reclaim pass (spec §4.3.5's 4 steps).
func (r *Reclaimer) Pass(ctx context.Context, now time.Time) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReclaimPassDuration)

	var result Result

	// Steps 1-2: stale pending stream entries.
	for _, g := range r.groups {
		if err := r.sweepGroup(ctx, g, now, &result); err != nil {
			return result, err
		}
		if depth, err := r.streams.PendingDepth(ctx, g.Stream, g.Group); err == nil {
			metrics.JobQueueDepth.WithLabelValues(g.Stream).Set(float64(depth))
		}
	}

	// Step 3: expired leases.
	if err := r.sweepLeases(ctx, now, &result); err != nil {
		return result, err
	}

	// Step 4: metrics already emitted incrementally below via counters.
	return result, nil
}

func (r *Reclaimer) sweepGroup(ctx context.Context, g StreamGroup, now time.Time, result *Result) error {
	stale, err := r.streams.StalePending(ctx, g.Stream, g.Group, r.cfg.ClaimStaleness, 1000)
	if err != nil {
		return err
	}

	for _, entry := range stale {
		outcome, err := r.reclaimEntry(ctx, g, entry.ID, entry.Consumer, now)
		if err != nil {
			log.WithComponent("reclaimer").Warn().Err(err).Str("stream", g.Stream).Str("entry", entry.ID).Msg("failed to reclaim entry")
			continue
		}
		switch outcome {
		case outcomeReassigned:
			result.ReclaimedJobs++
			metrics.JobReclaimedTotal.Inc()
		case outcomeDeadLettered:
			result.DeadLettered++
			metrics.JobDeadLetteredTotal.Inc()
		case outcomeNoop:
			// owner still live, entry already gone, or no replacement yet
			// available — nothing happened worth counting.
		}
	}
	return nil
}

// entryOutcome distinguishes what, if anything, reclaimEntry did to a
// stale stream entry, so sweepGroup can attribute job_reclaimed_total
// and job_dead_lettered_total only to the cases that actually occurred
// (spec §4.3.5 step 4).
type entryOutcome int

const (
	outcomeNoop entryOutcome = iota
	outcomeReassigned
	outcomeDeadLettered
)

// reclaimEntry looks up the job owning a stale pending entry (by the
// job_id embedded in the stream payload at claim time), and either
// reassigns it to another live pool of the same (model, adapter), or
// dead-letters it once attempts exceed the configured ceiling.
func (r *Reclaimer) reclaimEntry(ctx context.Context, g StreamGroup, entryID, ownerPoolID string, now time.Time) (entryOutcome, error) {
	ownerPool, err := r.store.GetPool(ctx, ownerPoolID)
	ownerLive := err == nil && ownerPool.Status == types.PoolStatusRunning && now.Sub(ownerPool.LastHeartbeat) <= r.cfg.StaleThreshold
	if ownerLive {
		return outcomeNoop, nil // not actually stale: owner is alive and still working it
	}

	payload, perr := r.streams.Get(ctx, g.Stream, entryID)
	if perr != nil {
		// entry vanished from the stream (already trimmed); nothing left to reclaim.
		return outcomeNoop, nil
	}
	jobID, _ := payload["job_id"].(string)
	job, jerr := r.store.GetJob(ctx, jobID)
	if jerr != nil {
		// entry has no corresponding DB row (already finalized); just ack it away.
		return outcomeNoop, r.streams.Ack(ctx, g.Stream, g.Group, entryID)
	}

	job.Attempts++
	if job.Attempts > r.cfg.MaxAttempts {
		job.Status = types.JobStatusDead
		job.LastError = "max_attempts_exceeded"
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return outcomeNoop, err
		}
		return outcomeDeadLettered, r.streams.DeadLetter(ctx, g.Stream, g.Group, entryID, map[string]any{"job_id": job.JobID}, "max_attempts_exceeded")
	}

	var replacement *types.WorkerPool
	if ownerPool != nil {
		pools, perr := r.store.ListPoolsByModel(ctx, ownerPool.ModelID, ownerPool.Adapter)
		if perr == nil {
			for _, p := range pools {
				if p.PoolID != ownerPoolID && p.Status == types.PoolStatusRunning {
					replacement = p
					break
				}
			}
		}
	}
	if replacement == nil {
		// no live candidate: persist the attempt and leave the job
		// pending for the next pass rather than dead-lettering
		// prematurely or losing the attempt count.
		job.Status = types.JobStatusPending
		job.OwnerPool = ""
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return outcomeNoop, err
		}
		return outcomeNoop, nil
	}

	job.OwnerPool = replacement.PoolID
	job.Status = types.JobStatusClaimed
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return outcomeNoop, err
	}
	if err := r.streams.Claim(ctx, g.Stream, g.Group, replacement.PoolID, r.cfg.ClaimStaleness, entryID); err != nil {
		return outcomeNoop, err
	}
	return outcomeReassigned, nil
}

func (r *Reclaimer) sweepLeases(ctx context.Context, now time.Time, result *Result) error {
	expired, err := r.store.ListExpiredLeases(ctx, now, r.cfg.LeaseGrace)
	if err != nil {
		return err
	}

	for _, lease := range expired {
		if err := r.store.DeleteLease(ctx, lease.Token); err != nil {
			return err
		}
		result.ReclaimedLeases++
		metrics.LeaseExpiredTotal.Inc()
		if r.broker != nil {
			r.broker.Publish(&events.Event{Type: events.EventLeaseExpired, Message: lease.Token})
		}

		// Degrade any pool owned by this agent with no recent heartbeat
		// (spec §4.3.5 step 3: a lease tied to a pool whose workers are
		// gone).
		pools, lerr := r.store.ListPools(ctx)
		if lerr != nil {
			continue
		}
		for _, pool := range pools {
			if pool.AgentName != lease.AgentName || pool.Status != types.PoolStatusRunning {
				continue
			}
			if now.Sub(pool.LastHeartbeat) > r.cfg.StaleThreshold {
				pool.Status = types.PoolStatusDegraded
				if err := r.store.UpdatePool(ctx, pool); err == nil && r.broker != nil {
					r.broker.Publish(&events.Event{Type: events.EventPoolDegraded, Message: pool.PoolID})
				}
			}
		}
	}
	return nil
}
