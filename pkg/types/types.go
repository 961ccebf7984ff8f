package types

import (
	"time"
)

// Article represents one ingested news item.
type Article struct {
	ID                   int64
	Title                string
	Content              string
	SourceURL            string
	NormalizedURL        string // empty when normalization produced nothing usable
	URLHash              string // empty when hashing was skipped
	URLHashAlgo          string
	Language             string
	Section              string
	Tags                 []string
	Authors              []string
	RawHTMLRef           string
	ExtractionConfidence float64
	NeedsReview          bool
	ReviewReasons        []string
	ExtractionMetadata   map[string]string
	PublicationDate      time.Time
	Metadata             map[string]string
	CollectionTimestamp  time.Time
	Embedding            []float32 // nil when no embedding has been computed
	Status               ArticleStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ArticleStatus is the lifecycle state of an Article.
type ArticleStatus string

const (
	ArticleStatusOK          ArticleStatus = "ok"
	ArticleStatusNeedsReview ArticleStatus = "needs_review"
	ArticleStatusDuplicate   ArticleStatus = "duplicate"
	ArticleStatusFailed      ArticleStatus = "failed"
)

// Source is a publisher/domain record.
type Source struct {
	ID                 int64
	Domain             string
	Canonical          bool
	CanonicalSourceID  int64 // 0 when this source has no canonical pointer
	Metadata           map[string]string
	UpdatedAt          time.Time
}

// Lease is an orchestrator-issued GPU reservation.
type Lease struct {
	Token         string
	AgentName     string
	GPUIndex      int
	Mode          LeaseMode
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastHeartbeat time.Time
	Metadata      map[string]string
}

// LeaseMode distinguishes a dedicated GPU lease from a CPU-only lease.
type LeaseMode string

const (
	LeaseModeGPU LeaseMode = "gpu"
	LeaseModeCPU LeaseMode = "cpu"
)

// Live reports whether the lease is still current: neither past its
// expiry nor heartbeat-stale.
func (l *Lease) Live(now time.Time, staleThreshold time.Duration) bool {
	if now.After(l.ExpiresAt) {
		return false
	}
	if staleThreshold > 0 && now.Sub(l.LastHeartbeat) > staleThreshold {
		return false
	}
	return true
}

// WorkerPool is a collection of workers bound to a (model, adapter) tuple.
type WorkerPool struct {
	PoolID          string
	AgentName       string
	ModelID         string
	Adapter         string
	DesiredWorkers  int
	SpawnedWorkers  int
	StartedAt       time.Time
	LastHeartbeat   time.Time
	Status          PoolStatus
	HoldSeconds     int
	Metadata        map[string]string
	RestartAttempts int
	NextRestartAt   time.Time
}

// PoolStatus is the worker-pool state machine's current state (§4.3.3).
type PoolStatus string

const (
	PoolStatusStarting PoolStatus = "starting"
	PoolStatusRunning  PoolStatus = "running"
	PoolStatusDraining PoolStatus = "draining"
	PoolStatusDegraded PoolStatus = "degraded"
	PoolStatusStopped  PoolStatus = "stopped"
)

// Job is a durable unit of orchestrator work.
type Job struct {
	JobID     string
	Type      string
	Payload   []byte // opaque JSON
	Status    JobStatus
	OwnerPool string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
	LastError string
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// CrawlProfile is a named per-domain crawl configuration, loaded
// read-only from CRAWL_PROFILES_DIR.
type CrawlProfile struct {
	Name              string   `yaml:"name"`
	Include           []string `yaml:"include"`
	Exclude           []string `yaml:"exclude"`
	MaxLinks          int      `yaml:"max_links"`
	Concurrency       int      `yaml:"concurrency"`
	SkipSeeds         bool     `yaml:"skip_seeds"`
	RetryBudget       int      `yaml:"retry_budget"`
}

// ScheduleEntry binds a domain to a profile and cadence, and records
// the outcome of its most recent scheduler pass.
type ScheduleEntry struct {
	Domain           string        `yaml:"domain"`
	Profile          string        `yaml:"profile"`
	Cadence          time.Duration `yaml:"cadence"`
	MaxTarget        int           `yaml:"max_target"`
	LastAttemptAt    time.Time
	Attempted        int
	Ingested         int
	Duplicate        int
	Errored          int
	LagSeconds       float64
	lastRunStartedAt time.Time // unexported: used to detect an overlapping in-flight run
}

// Running reports whether this entry's previous pass is still in flight.
func (s *ScheduleEntry) Running() bool {
	return !s.lastRunStartedAt.IsZero() && s.lastRunStartedAt.After(s.LastAttemptAt)
}

// StreamMessage is one unit of work handed off through the stream
// substrate (§3, §4.3.4).
type StreamMessage struct {
	StreamID     string
	ID           string // stream entry id (e.g. Redis Streams "ms-seq")
	Payload      map[string]string
	PendingSince time.Time
	Owner        string // consumer name currently holding the pending entry
}

// DeadLetterMessage is the -dlq variant of a StreamMessage.
type DeadLetterMessage struct {
	StreamMessage
	OriginalStream string
	FailureReason  string
	Attempts       int
}
