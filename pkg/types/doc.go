/*
Package types defines the core data structures shared across the fabric.

It contains the entities persisted by the relational store (Article,
Source, Lease, WorkerPool, Job), the read-only crawl configuration
consumed by the scheduler (CrawlProfile, ScheduleEntry), and the
stream-substrate envelope types (StreamMessage, DeadLetterMessage).

# Worker-pool state machine

	starting → running      (first healthy heartbeat)
	starting → degraded     (start timeout exceeded)
	running  → draining     (explicit drain / no work + hold expired)
	running  → degraded     (heartbeat stale OR OOM signal)
	degraded → running      (heartbeat resumed AND no further OOM within window)
	draining → stopped      (all in-flight jobs finalized)
	degraded → stopped      (operator intervention)

pkg/orchestrator owns the transition table; this package only names
the states.

# Enumeration pattern

All enum-like fields use a named string type with a const block rather
than raw strings, so a typo in a status value fails to compile instead
of failing at runtime:

	type JobStatus string
	const (
		JobStatusPending JobStatus = "pending"
		JobStatusClaimed JobStatus = "claimed"
	)

# Integration points

  - pkg/storage persists Article, Source, Lease, WorkerPool, Job.
  - pkg/orchestrator mutates Lease, WorkerPool, and Job state.
  - pkg/ingest produces Article rows from pkg/extract's output; no
    package writes Source rows.
  - pkg/stream carries StreamMessage and DeadLetterMessage.
*/
package types
