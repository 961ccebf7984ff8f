// Package storage is the relational persistence layer for the fabric:
// articles, sources, orchestrator leases, worker pools, and orchestrator
// jobs (spec §6's logical schemas), plus the Postgres advisory lock that
// backs orchestrator leader election (spec §4.3.6).
package storage

import (
	"context"
	"time"

	"github.com/justnews/fabric/pkg/types"
)

// Store defines the interface consumed by the orchestrator, reclaimer,
// and ingestion pipeline. A single interface constructed once at process
// startup and injected everywhere avoids any package needing a direct
// reference to the concrete Postgres implementation.
type Store interface {
	// Articles
	CreateArticle(ctx context.Context, article *types.Article) error
	GetArticle(ctx context.Context, id int64) (*types.Article, error)
	GetArticleByURLHash(ctx context.Context, urlHash string) (*types.Article, error)
	UpdateArticle(ctx context.Context, article *types.Article) error
	TouchArticle(ctx context.Context, id int64) error

	// Sources
	UpsertSource(ctx context.Context, source *types.Source) error
	GetSourceByDomain(ctx context.Context, domain string) (*types.Source, error)

	// Leases
	CreateLease(ctx context.Context, lease *types.Lease) error
	GetLease(ctx context.Context, token string) (*types.Lease, error)
	HeartbeatLease(ctx context.Context, token string, newExpiry, heartbeatAt time.Time) (*types.Lease, error)
	DeleteLease(ctx context.Context, token string) error
	ListExpiredLeases(ctx context.Context, now time.Time, grace time.Duration) ([]*types.Lease, error)

	// Worker pools
	CreatePool(ctx context.Context, pool *types.WorkerPool) error
	GetPool(ctx context.Context, poolID string) (*types.WorkerPool, error)
	ListPools(ctx context.Context) ([]*types.WorkerPool, error)
	ListPoolsByModel(ctx context.Context, modelID, adapter string) ([]*types.WorkerPool, error)
	UpdatePool(ctx context.Context, pool *types.WorkerPool) error
	DeletePool(ctx context.Context, poolID string) error

	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error

	// Leader election (§4.3.6): an advisory lock scoped to lockName.
	// TryAcquireLeader attempts a non-blocking pg_try_advisory_lock and
	// reports whether this process now holds it. ReleaseLeader gives it
	// up cleanly on stepdown.
	TryAcquireLeader(ctx context.Context, lockName string) (bool, error)
	ReleaseLeader(ctx context.Context, lockName string) error

	Close() error
}
