package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/types"
)

// memStore is a minimal in-memory storage.Store used to exercise
// orchestrator business logic without a database.
type memStore struct {
	mu     sync.Mutex
	leases map[string]*types.Lease
	pools  map[string]*types.WorkerPool
	jobs   map[string]*types.Job
	leader map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		leases: make(map[string]*types.Lease),
		pools:  make(map[string]*types.WorkerPool),
		jobs:   make(map[string]*types.Job),
		leader: make(map[string]bool),
	}
}

func (m *memStore) CreateArticle(ctx context.Context, a *types.Article) error { return nil }
func (m *memStore) GetArticle(ctx context.Context, id int64) (*types.Article, error) {
	return nil, nil
}
func (m *memStore) GetArticleByURLHash(ctx context.Context, h string) (*types.Article, error) {
	return nil, nil
}
func (m *memStore) UpdateArticle(ctx context.Context, a *types.Article) error { return nil }
func (m *memStore) TouchArticle(ctx context.Context, id int64) error         { return nil }
func (m *memStore) UpsertSource(ctx context.Context, s *types.Source) error  { return nil }
func (m *memStore) GetSourceByDomain(ctx context.Context, d string) (*types.Source, error) {
	return nil, nil
}

func (m *memStore) CreateLease(ctx context.Context, l *types.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[l.Token] = l
	return nil
}
func (m *memStore) GetLease(ctx context.Context, token string) (*types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[token]
	if !ok {
		return nil, apierr.New("get_lease", apierr.KindNotFound, "unknown_lease")
	}
	return l, nil
}
func (m *memStore) HeartbeatLease(ctx context.Context, token string, newExpiry, heartbeatAt time.Time) (*types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[token]
	if !ok {
		return nil, apierr.New("heartbeat_lease", apierr.KindNotFound, "unknown_lease")
	}
	if newExpiry.After(l.ExpiresAt) {
		l.ExpiresAt = newExpiry
	}
	l.LastHeartbeat = heartbeatAt
	return l, nil
}
func (m *memStore) DeleteLease(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, token)
	return nil
}
func (m *memStore) ListExpiredLeases(ctx context.Context, now time.Time, grace time.Duration) ([]*types.Lease, error) {
	return nil, nil
}

func (m *memStore) CreatePool(ctx context.Context, p *types.WorkerPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.PoolID] = p
	return nil
}
func (m *memStore) GetPool(ctx context.Context, poolID string) (*types.WorkerPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolID]
	if !ok {
		return nil, apierr.New("get_pool", apierr.KindNotFound, "pool not found")
	}
	return p, nil
}
func (m *memStore) ListPools(ctx context.Context) ([]*types.WorkerPool, error) { return nil, nil }
func (m *memStore) ListPoolsByModel(ctx context.Context, modelID, adapter string) ([]*types.WorkerPool, error) {
	return nil, nil
}
func (m *memStore) UpdatePool(ctx context.Context, p *types.WorkerPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.PoolID] = p
	return nil
}
func (m *memStore) DeletePool(ctx context.Context, poolID string) error { return nil }

func (m *memStore) CreateJob(ctx context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.JobID] = j
	return nil
}
func (m *memStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, apierr.New("get_job", apierr.KindNotFound, "unknown_job")
	}
	return j, nil
}
func (m *memStore) UpdateJob(ctx context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.JobID] = j
	return nil
}

func (m *memStore) TryAcquireLeader(ctx context.Context, lockName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader[lockName] {
		return false, nil
	}
	m.leader[lockName] = true
	return true, nil
}
func (m *memStore) ReleaseLeader(ctx context.Context, lockName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leader, lockName)
	return nil
}
func (m *memStore) Close() error { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memStore) {
	t.Helper()
	store := newMemStore()
	policy := NewPolicy([]AgentModelRule{{Agent: "analyst", AllowedModel: "llama-3-8b", VRAMBudgetMB: 8000}}, true)
	o := New(store, nil, policy, nil, nil, Config{})
	return o, store
}

func TestLeaseGPUDeniedByPolicy(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.LeaseGPU(context.Background(), "unknown-agent", types.LeaseModeGPU, 0, "llama-3-8b", time.Minute, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindPrecondition, apiErr.Kind)
	assert.Contains(t, err.Error(), "denied_by_policy")
}

func TestLeaseGPUSucceedsWithUnprobedOverride(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	result, err := o.LeaseGPU(context.Background(), "analyst", types.LeaseModeGPU, 0, "llama-3-8b", time.Minute, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.True(t, result.ExpiresAt.After(time.Now()))
}

func TestHeartbeatLeaseNeverShortensExpiry(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	result, err := o.LeaseGPU(context.Background(), "analyst", types.LeaseModeGPU, 0, "llama-3-8b", time.Hour, nil)
	require.NoError(t, err)

	shorterExpiry, err := o.HeartbeatLease(context.Background(), result.Token, time.Second)
	require.NoError(t, err)
	assert.True(t, shorterExpiry.Equal(result.ExpiresAt) || shorterExpiry.After(result.ExpiresAt))
}

func TestHeartbeatUnknownLease(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.HeartbeatLease(context.Background(), "ghost-token", time.Minute)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestReleaseLeaseIsIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.ReleaseLease(context.Background(), "never-issued"))
	require.NoError(t, o.ReleaseLease(context.Background(), "never-issued"))
}

func TestPoolLifecycleTransitions(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	poolID, err := o.PoolStart(context.Background(), "analyst", "llama-3-8b", "", 2, 60)
	require.NoError(t, err)

	// running required before drain
	err = o.PoolDrain(context.Background(), poolID)
	require.Error(t, err)

	pool, err := o.store.GetPool(context.Background(), poolID)
	require.NoError(t, err)
	pool.Status = types.PoolStatusRunning
	require.NoError(t, o.store.UpdatePool(context.Background(), pool))

	require.NoError(t, o.PoolDrain(context.Background(), poolID))
	require.NoError(t, o.PoolStop(context.Background(), poolID))
}

func TestPoolHeartbeatTransitionsStartingToRunning(t *testing.T) {
	o, store := newTestOrchestrator(t)
	poolID, err := o.PoolStart(context.Background(), "analyst", "llama-3-8b", "", 2, 60)
	require.NoError(t, err)

	pool, err := store.GetPool(context.Background(), poolID)
	require.NoError(t, err)
	require.Equal(t, types.PoolStatusStarting, pool.Status)

	require.NoError(t, o.PoolHeartbeat(context.Background(), poolID, 2))

	pool, err = store.GetPool(context.Background(), poolID)
	require.NoError(t, err)
	assert.Equal(t, types.PoolStatusRunning, pool.Status)
	assert.Equal(t, 2, pool.SpawnedWorkers)
}

func TestLeaderLockSingleWinner(t *testing.T) {
	store := newMemStore()
	e1 := NewLeaderElector(store, "orchestrator_leader", time.Hour, nil, nil, nil)
	e2 := NewLeaderElector(store, "orchestrator_leader", time.Hour, nil, nil, nil)

	ok1, err := store.TryAcquireLeader(context.Background(), "orchestrator_leader")
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := store.TryAcquireLeader(context.Background(), "orchestrator_leader")
	require.NoError(t, err)
	assert.False(t, ok2)

	_ = e1
	_ = e2
}
