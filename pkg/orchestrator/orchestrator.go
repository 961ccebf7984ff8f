// Package orchestrator implements the GPU Orchestrator (spec §4.3): the
// platform's correctness-critical subsystem — persistent GPU leases, a
// worker-pool lifecycle manager, a durable job queue, and (via leader.go)
// Postgres-advisory-lock leader election.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
	"github.com/justnews/fabric/pkg/storage"
	"github.com/justnews/fabric/pkg/stream"
	"github.com/justnews/fabric/pkg/types"
)

// Config configures the orchestrator beyond what Policy/DeviceProbe cover.
type Config struct {
	StaleThreshold      time.Duration // heartbeat staleness before a lease is considered dead
	PendingQueueCeiling int64         // submit_job fails fast with queue_full at or above this depth
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 90 * time.Second
	}
	if c.PendingQueueCeiling == 0 {
		c.PendingQueueCeiling = 10_000
	}
	return c
}

// Orchestrator is the GPU Orchestrator's in-process state and public
// contract (spec §4.3.1).
type Orchestrator struct {
	store   storage.Store
	streams *stream.Client
	policy  *Policy
	probe   DeviceProbe
	broker  *events.Broker
	cfg     Config

	gpuLocksMu sync.Mutex
	gpuLocks   map[int]*sync.Mutex // per-GPU logical lock serializing headroom accounting
}

// New constructs an Orchestrator.
func New(store storage.Store, streams *stream.Client, policy *Policy, probe DeviceProbe, broker *events.Broker, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		streams:  streams,
		policy:   policy,
		probe:    probe,
		broker:   broker,
		cfg:      cfg.withDefaults(),
		gpuLocks: make(map[int]*sync.Mutex),
	}
}

func (o *Orchestrator) gpuLock(gpuIndex int) *sync.Mutex {
	o.gpuLocksMu.Lock()
	defer o.gpuLocksMu.Unlock()
	l, ok := o.gpuLocks[gpuIndex]
	if !ok {
		l = &sync.Mutex{}
		o.gpuLocks[gpuIndex] = l
	}
	return l
}

// LeaseResult is the response shape for lease_gpu.
type LeaseResult struct {
	Token     string
	GPUIndex  int
	ExpiresAt time.Time
}

// LeaseGPU implements lease_gpu (spec §4.3.1, §4.3.2).
func (o *Orchestrator) LeaseGPU(ctx context.Context, agent string, mode types.LeaseMode, gpuIndex int, modelID string, ttl time.Duration, metadata map[string]string) (*LeaseResult, error) {
	budgetMB, err := o.policy.Check(agent, modelID)
	if err != nil {
		return nil, err
	}

	lock := o.gpuLock(gpuIndex)
	lock.Lock()
	defer lock.Unlock()

	if mode == types.LeaseModeGPU {
		if err := o.policy.CheckHeadroom(ctx, o.probe, gpuIndex, budgetMB); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	lease := &types.Lease{
		Token:         uuid.NewString(),
		AgentName:     agent,
		GPUIndex:      gpuIndex,
		Mode:          mode,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
		Metadata:      metadata,
	}
	if err := o.store.CreateLease(ctx, lease); err != nil {
		return nil, err
	}

	log.WithAgent(agent).WithLease(lease.Token).Info().
		Int("gpu_index", gpuIndex).Dur("ttl", ttl).Msg("gpu lease issued")
	return &LeaseResult{Token: lease.Token, GPUIndex: lease.GPUIndex, ExpiresAt: lease.ExpiresAt}, nil
}

// HeartbeatLease implements heartbeat_lease: extends expiry by ttl,
// never shortening it. Fails with unknown_lease or expired_lease.
func (o *Orchestrator) HeartbeatLease(ctx context.Context, token string, ttl time.Duration) (time.Time, error) {
	existing, err := o.store.GetLease(ctx, token)
	if err != nil {
		return time.Time{}, apierr.Wrap("orchestrator.heartbeat_lease", apierr.KindNotFound, err, "unknown_lease")
	}

	now := time.Now()
	if !existing.Live(now, o.cfg.StaleThreshold) {
		return time.Time{}, apierr.New("orchestrator.heartbeat_lease", apierr.KindPrecondition, "expired_lease")
	}

	lease, err := o.store.HeartbeatLease(ctx, token, now.Add(ttl), now)
	if err != nil {
		return time.Time{}, err
	}
	return lease.ExpiresAt, nil
}

// ReleaseLease implements release_lease: idempotent, always succeeds
// for an unknown or already-released token (spec §4.3.1).
func (o *Orchestrator) ReleaseLease(ctx context.Context, token string) error {
	if err := o.store.DeleteLease(ctx, token); err != nil {
		return err
	}
	log.WithLease(token).Info().Msg("gpu lease released")
	return nil
}

// SubmitJob implements submit_job: durably persists then publishes,
// enforcing the per-stream pending-depth backpressure ceiling (spec §4.3.4).
func (o *Orchestrator) SubmitJob(ctx context.Context, jobType string, payload map[string]any, streamName, group string) (string, error) {
	depth, err := o.streams.PendingDepth(ctx, streamName, group)
	if err == nil && depth >= o.cfg.PendingQueueCeiling {
		return "", apierr.New("orchestrator.submit_job", apierr.KindPrecondition, "queue_full")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", apierr.Wrap("orchestrator.submit_job", apierr.KindValidation, err, "invalid payload")
	}

	job := &types.Job{
		JobID:   uuid.NewString(),
		Type:    jobType,
		Payload: payloadJSON,
		Status:  types.JobStatusPending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	streamPayload := map[string]any{"job_id": job.JobID, "type": jobType}
	for k, v := range payload {
		streamPayload[k] = v
	}
	if _, err := o.streams.Publish(ctx, streamName, streamPayload); err != nil {
		// stream publish failure after DB commit is recoverable: the
		// reclaimer picks the job up on its next pass (spec §4.3.7).
		log.Errorf("stream publish failed after job commit; reclaimer will recover it", err)
	}

	metrics.JobQueueDepth.WithLabelValues(streamName).Set(float64(depth + 1))
	return job.JobID, nil
}

// GetJob implements get_job.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// PoolStart implements pool_start (spec §4.3.1, §4.3.3).
func (o *Orchestrator) PoolStart(ctx context.Context, agent, modelID, adapter string, desiredWorkers int, holdSeconds int) (string, error) {
	pool := &types.WorkerPool{
		PoolID:         uuid.NewString(),
		AgentName:      agent,
		ModelID:        modelID,
		Adapter:        adapter,
		DesiredWorkers: desiredWorkers,
		StartedAt:      time.Now(),
		LastHeartbeat:  time.Now(),
		Status:         types.PoolStatusStarting,
		HoldSeconds:    holdSeconds,
	}
	if err := o.store.CreatePool(ctx, pool); err != nil {
		return "", err
	}
	metrics.VLLMStatus.WithLabelValues(pool.PoolID, string(pool.Status)).Set(1)
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventPoolRunning, Message: pool.PoolID})
	}
	return pool.PoolID, nil
}

// PoolHeartbeat implements pool_heartbeat: a worker pool's periodic
// liveness signal, and the first healthy heartbeat that moves a pool
// out of starting (spec §4.3.3: starting -> running). A heartbeat
// received while degraded does not itself resolve the degradation;
// that is RestartSupervisor's job once its backoff window elapses.
func (o *Orchestrator) PoolHeartbeat(ctx context.Context, poolID string, spawnedWorkers int) error {
	pool, err := o.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	pool.LastHeartbeat = time.Now()
	pool.SpawnedWorkers = spawnedWorkers
	if pool.Status == types.PoolStatusStarting {
		pool.Status = types.PoolStatusRunning
	}
	if err := o.store.UpdatePool(ctx, pool); err != nil {
		return err
	}
	metrics.VLLMStatus.WithLabelValues(pool.PoolID, string(pool.Status)).Set(1)
	if pool.Status == types.PoolStatusRunning && o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventPoolRunning, Message: pool.PoolID})
	}
	return nil
}

// PoolStop implements pool_stop: an explicit operator transition to
// stopped, valid from draining or degraded (spec §4.3.3).
func (o *Orchestrator) PoolStop(ctx context.Context, poolID string) error {
	pool, err := o.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Status != types.PoolStatusDraining && pool.Status != types.PoolStatusDegraded {
		return apierr.New("orchestrator.pool_stop", apierr.KindPrecondition, "pool must be draining or degraded to stop")
	}
	pool.Status = types.PoolStatusStopped
	if err := o.store.UpdatePool(ctx, pool); err != nil {
		return err
	}
	metrics.VLLMStatus.WithLabelValues(pool.PoolID, string(types.PoolStatusStopped)).Set(1)
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventPoolStopped, Message: poolID})
	}
	return nil
}

// PoolDrain implements pool_drain: running -> draining (spec §4.3.3).
func (o *Orchestrator) PoolDrain(ctx context.Context, poolID string) error {
	pool, err := o.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Status != types.PoolStatusRunning {
		return apierr.New("orchestrator.pool_drain", apierr.KindPrecondition, "pool must be running to drain")
	}
	pool.Status = types.PoolStatusDraining
	return o.store.UpdatePool(ctx, pool)
}
