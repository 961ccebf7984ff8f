// Package scheduler implements the Crawl Scheduler (spec §4.4.1): a
// periodic trigger that computes the batch of (domain, profile) pairs
// eligible at the current tick, subject to per-domain cadence and a
// global top-X budget, and emits a Prometheus textfile snapshot.
//
// The scheduler holds no state beyond its in-memory schedule entries —
// each tick reads cadence/last-attempt from the entries and writes
// results back to them, a stateless-per-cycle reconciliation loop
// driven by a cron expression rather than a fixed ticker.
package scheduler
