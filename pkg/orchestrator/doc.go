// Package orchestrator implements the GPU Orchestrator's HARD CORE
// (spec §4.3): persistent leases, the worker-pool state machine,
// the durable job queue, and leader election.
//
// Worker-pool state machine (spec §4.3.3):
//
//	starting → running      (first healthy heartbeat)
//	starting → degraded     (start timeout exceeded)
//	running  → draining     (explicit drain / no work + hold expired)
//	running  → degraded     (heartbeat stale OR OOM signal)
//	degraded → running      (heartbeat resumed AND no further OOM within window)
//	draining → stopped      (all in-flight jobs finalized)
//	degraded → stopped      (operator intervention)
//	stopped  → (terminal)
//
// Leader election (§4.3.6) is a Postgres advisory lock, not a
// consensus protocol: replicas poll pg_try_advisory_lock on
// ORCH_LEADER_LOCK_NAME; the winner runs reclaimer and pool-management
// loops, losers serve read-only admin endpoints. This keeps the
// orchestrator's correctness tied to the same relational store that
// already holds leases/pools/jobs, rather than a second replicated log.
package orchestrator
