// Package storage is the relational persistence layer for the fabric.
//
// PGStore implements Store against Postgres over database/sql, using
// github.com/jackc/pgx/v5/stdlib as the registered driver rather than a
// pgx-native connection pool. That choice is deliberate: keeping every
// query behind the database/sql interfaces lets store_test.go drive the
// same code path against github.com/DATA-DOG/go-sqlmock, so the store's
// SQL and error-mapping logic is exercised without a live database.
//
// Leader election (§4.3.6) is implemented as a Postgres advisory lock
// (pg_try_advisory_lock/pg_advisory_unlock) keyed by the 64-bit FNV-1a hash of
// ORCH_LEADER_LOCK_NAME — not a separate consensus protocol. Advisory
// locks are scoped to the backend connection that took them, so
// TryAcquireLeader pins a single *sql.Conn out of the pool for the
// lock's lifetime and ReleaseLeader unlocks and closes that same conn,
// rather than routing through the shared pool used for row CRUD.
package storage
