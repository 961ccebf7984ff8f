package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/types"
)

// PGStore implements Store against Postgres via database/sql, using the
// pgx stdlib driver in production. Accepting *sql.DB (rather than a
// pgx-native pool) lets unit tests substitute DATA-DOG/go-sqlmock's
// driver for the same code path, without a live database.
type PGStore struct {
	db *sql.DB

	leaderMu    sync.Mutex
	leaderConns map[string]*sql.Conn
}

// Open connects to dbURL using the pgx driver.
func Open(dbURL string) (*PGStore, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, apierr.Wrap("storage.open", apierr.KindTransientInfra, err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apierr.Wrap("storage.open", apierr.KindTransientInfra, err, "failed to reach database")
	}
	return &PGStore{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB — used in tests against sqlmock.
func NewWithDB(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

func jsonOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// --- Articles ---------------------------------------------------------

func (s *PGStore) CreateArticle(ctx context.Context, a *types.Article) error {
	tags, err := jsonOrNil(a.Tags)
	if err != nil {
		return apierr.Wrap("storage.create_article", apierr.KindValidation, err, "invalid tags")
	}
	authors, err := jsonOrNil(a.Authors)
	if err != nil {
		return apierr.Wrap("storage.create_article", apierr.KindValidation, err, "invalid authors")
	}
	extractionMeta, err := jsonOrNil(a.ExtractionMetadata)
	if err != nil {
		return apierr.Wrap("storage.create_article", apierr.KindValidation, err, "invalid extraction metadata")
	}
	reviewReasons, err := jsonOrNil(a.ReviewReasons)
	if err != nil {
		return apierr.Wrap("storage.create_article", apierr.KindValidation, err, "invalid review reasons")
	}
	metadata, err := jsonOrNil(a.Metadata)
	if err != nil {
		return apierr.Wrap("storage.create_article", apierr.KindValidation, err, "invalid metadata")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO articles
			(title, content, source_url, normalized_url, url_hash, url_hash_algo,
			 language, section, tags, authors, raw_html_ref, extraction_confidence,
			 needs_review, review_reasons, extraction_metadata, publication_date,
			 metadata, collection_timestamp, status, created_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
		RETURNING id, created_at, updated_at`,
		a.Title, a.Content, a.SourceURL, a.NormalizedURL, a.URLHash, a.URLHashAlgo,
		a.Language, a.Section, tags, authors, a.RawHTMLRef, a.ExtractionConfidence,
		a.NeedsReview, reviewReasons, extractionMeta, a.PublicationDate,
		metadata, a.CollectionTimestamp, a.Status,
	)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return apierr.Wrap("storage.create_article", apierr.KindConflict, err, "url_hash or normalized_url already exists")
		}
		return apierr.Wrap("storage.create_article", apierr.KindTransientInfra, err, "insert failed")
	}
	return nil
}

func (s *PGStore) GetArticle(ctx context.Context, id int64) (*types.Article, error) {
	return s.scanArticle(s.db.QueryRowContext(ctx, articleSelect+" WHERE id = $1", id))
}

func (s *PGStore) GetArticleByURLHash(ctx context.Context, urlHash string) (*types.Article, error) {
	return s.scanArticle(s.db.QueryRowContext(ctx, articleSelect+" WHERE url_hash = $1", urlHash))
}

const articleSelect = `SELECT id, title, content, source_url, COALESCE(normalized_url,''),
	COALESCE(url_hash,''), url_hash_algo, language, section, tags, authors,
	raw_html_ref, extraction_confidence, needs_review, review_reasons,
	extraction_metadata, publication_date, metadata, collection_timestamp,
	status, created_at, updated_at FROM articles`

func (s *PGStore) scanArticle(row *sql.Row) (*types.Article, error) {
	var a types.Article
	var tags, authors, reviewReasons, extractionMeta, metadata []byte
	err := row.Scan(&a.ID, &a.Title, &a.Content, &a.SourceURL, &a.NormalizedURL,
		&a.URLHash, &a.URLHashAlgo, &a.Language, &a.Section, &tags, &authors,
		&a.RawHTMLRef, &a.ExtractionConfidence, &a.NeedsReview, &reviewReasons,
		&extractionMeta, &a.PublicationDate, &metadata, &a.CollectionTimestamp,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New("storage.get_article", apierr.KindNotFound, "article not found")
	}
	if err != nil {
		return nil, apierr.Wrap("storage.get_article", apierr.KindTransientInfra, err, "query failed")
	}
	_ = json.Unmarshal(tags, &a.Tags)
	_ = json.Unmarshal(authors, &a.Authors)
	_ = json.Unmarshal(reviewReasons, &a.ReviewReasons)
	_ = json.Unmarshal(extractionMeta, &a.ExtractionMetadata)
	_ = json.Unmarshal(metadata, &a.Metadata)
	return &a, nil
}

func (s *PGStore) UpdateArticle(ctx context.Context, a *types.Article) error {
	metadata, err := jsonOrNil(a.Metadata)
	if err != nil {
		return apierr.Wrap("storage.update_article", apierr.KindValidation, err, "invalid metadata")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE articles SET title=$1, content=$2, status=$3, needs_review=$4,
			metadata=$5, embedding=$6, updated_at=now()
		WHERE id = $7`,
		a.Title, a.Content, a.Status, a.NeedsReview, metadata, embeddingLiteral(a.Embedding), a.ID)
	if err != nil {
		return apierr.Wrap("storage.update_article", apierr.KindTransientInfra, err, "update failed")
	}
	return requireRowsAffected(res, "storage.update_article", "article")
}

func (s *PGStore) TouchArticle(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE articles SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apierr.Wrap("storage.touch_article", apierr.KindTransientInfra, err, "touch failed")
	}
	return nil
}

func embeddingLiteral(v []float32) any {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

// --- Sources ------------------------------------------------------------

func (s *PGStore) UpsertSource(ctx context.Context, src *types.Source) error {
	metadata, err := jsonOrNil(src.Metadata)
	if err != nil {
		return apierr.Wrap("storage.upsert_source", apierr.KindValidation, err, "invalid metadata")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sources (domain, canonical, canonical_source_id, metadata, updated_at)
		VALUES ($1,$2,NULLIF($3,0),$4,now())
		ON CONFLICT (domain) DO UPDATE
			SET metadata = sources.metadata || EXCLUDED.metadata, updated_at = now()
		RETURNING id, updated_at`,
		src.Domain, src.Canonical, src.CanonicalSourceID, metadata)
	if err := row.Scan(&src.ID, &src.UpdatedAt); err != nil {
		return apierr.Wrap("storage.upsert_source", apierr.KindTransientInfra, err, "upsert failed")
	}
	return nil
}

func (s *PGStore) GetSourceByDomain(ctx context.Context, domain string) (*types.Source, error) {
	var src types.Source
	var metadata []byte
	var canonicalSourceID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, domain, canonical, canonical_source_id, metadata, updated_at
		FROM sources WHERE domain = $1`, domain).
		Scan(&src.ID, &src.Domain, &src.Canonical, &canonicalSourceID, &metadata, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New("storage.get_source", apierr.KindNotFound, "source not found")
	}
	if err != nil {
		return nil, apierr.Wrap("storage.get_source", apierr.KindTransientInfra, err, "query failed")
	}
	src.CanonicalSourceID = canonicalSourceID.Int64
	_ = json.Unmarshal(metadata, &src.Metadata)
	return &src, nil
}

// --- Leases ---------------------------------------------------------------

func (s *PGStore) CreateLease(ctx context.Context, l *types.Lease) error {
	metadata, err := jsonOrNil(l.Metadata)
	if err != nil {
		return apierr.Wrap("storage.create_lease", apierr.KindValidation, err, "invalid metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_leases
			(token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.Token, l.AgentName, l.GPUIndex, l.Mode, l.CreatedAt, l.ExpiresAt, l.LastHeartbeat, metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Wrap("storage.create_lease", apierr.KindConflict, err, "token already exists")
		}
		return apierr.Wrap("storage.create_lease", apierr.KindTransientInfra, err, "insert failed")
	}
	return nil
}

func (s *PGStore) GetLease(ctx context.Context, token string) (*types.Lease, error) {
	var l types.Lease
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE token = $1`, token).
		Scan(&l.Token, &l.AgentName, &l.GPUIndex, &l.Mode, &l.CreatedAt, &l.ExpiresAt, &l.LastHeartbeat, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New("storage.get_lease", apierr.KindNotFound, "unknown_lease")
	}
	if err != nil {
		return nil, apierr.Wrap("storage.get_lease", apierr.KindTransientInfra, err, "query failed")
	}
	_ = json.Unmarshal(metadata, &l.Metadata)
	return &l, nil
}

// HeartbeatLease extends expiry to newExpiry, never shortening it
// (§8 round-trip law: heartbeat_lease never shortens expires_at).
func (s *PGStore) HeartbeatLease(ctx context.Context, token string, newExpiry, heartbeatAt time.Time) (*types.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE orchestrator_leases
		SET expires_at = GREATEST(expires_at, $2), last_heartbeat = $3
		WHERE token = $1
		RETURNING token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata`,
		token, newExpiry, heartbeatAt)

	var l types.Lease
	var metadata []byte
	err := row.Scan(&l.Token, &l.AgentName, &l.GPUIndex, &l.Mode, &l.CreatedAt, &l.ExpiresAt, &l.LastHeartbeat, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New("storage.heartbeat_lease", apierr.KindNotFound, "unknown_lease")
	}
	if err != nil {
		return nil, apierr.Wrap("storage.heartbeat_lease", apierr.KindTransientInfra, err, "update failed")
	}
	_ = json.Unmarshal(metadata, &l.Metadata)
	return &l, nil
}

func (s *PGStore) DeleteLease(ctx context.Context, token string) error {
	// release_lease is idempotent: deleting an unknown token is not an error.
	_, err := s.db.ExecContext(ctx, `DELETE FROM orchestrator_leases WHERE token = $1`, token)
	if err != nil {
		return apierr.Wrap("storage.delete_lease", apierr.KindTransientInfra, err, "delete failed")
	}
	return nil
}

func (s *PGStore) ListExpiredLeases(ctx context.Context, now time.Time, grace time.Duration) ([]*types.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE expires_at <= $1`, now.Add(-grace))
	if err != nil {
		return nil, apierr.Wrap("storage.list_expired_leases", apierr.KindTransientInfra, err, "query failed")
	}
	defer rows.Close()

	var leases []*types.Lease
	for rows.Next() {
		var l types.Lease
		var metadata []byte
		if err := rows.Scan(&l.Token, &l.AgentName, &l.GPUIndex, &l.Mode, &l.CreatedAt, &l.ExpiresAt, &l.LastHeartbeat, &metadata); err != nil {
			return nil, apierr.Wrap("storage.list_expired_leases", apierr.KindTransientInfra, err, "scan failed")
		}
		_ = json.Unmarshal(metadata, &l.Metadata)
		leases = append(leases, &l)
	}
	return leases, rows.Err()
}

// --- Worker pools -----------------------------------------------------

func (s *PGStore) CreatePool(ctx context.Context, p *types.WorkerPool) error {
	metadata, err := jsonOrNil(p.Metadata)
	if err != nil {
		return apierr.Wrap("storage.create_pool", apierr.KindValidation, err, "invalid metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_pools
			(pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers,
			 started_at, last_heartbeat, status, hold_seconds, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.PoolID, p.AgentName, p.ModelID, p.Adapter, p.DesiredWorkers, p.SpawnedWorkers,
		p.StartedAt, p.LastHeartbeat, p.Status, p.HoldSeconds, metadata)
	if err != nil {
		return apierr.Wrap("storage.create_pool", apierr.KindTransientInfra, err, "insert failed")
	}
	return nil
}

func (s *PGStore) GetPool(ctx context.Context, poolID string) (*types.WorkerPool, error) {
	return s.scanPool(s.db.QueryRowContext(ctx, poolSelect+" WHERE pool_id = $1", poolID))
}

const poolSelect = `SELECT pool_id, agent_name, model_id, adapter, desired_workers,
	spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
	FROM worker_pools`

func (s *PGStore) scanPool(row *sql.Row) (*types.WorkerPool, error) {
	var p types.WorkerPool
	var metadata []byte
	err := row.Scan(&p.PoolID, &p.AgentName, &p.ModelID, &p.Adapter, &p.DesiredWorkers,
		&p.SpawnedWorkers, &p.StartedAt, &p.LastHeartbeat, &p.Status, &p.HoldSeconds, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New("storage.get_pool", apierr.KindNotFound, "pool not found")
	}
	if err != nil {
		return nil, apierr.Wrap("storage.get_pool", apierr.KindTransientInfra, err, "query failed")
	}
	_ = json.Unmarshal(metadata, &p.Metadata)
	return &p, nil
}

func (s *PGStore) ListPools(ctx context.Context) ([]*types.WorkerPool, error) {
	return s.queryPools(ctx, `SELECT pool_id, agent_name, model_id, adapter, desired_workers,
		spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
		FROM worker_pools`)
}

func (s *PGStore) ListPoolsByModel(ctx context.Context, modelID, adapter string) ([]*types.WorkerPool, error) {
	return s.queryPools(ctx, `SELECT pool_id, agent_name, model_id, adapter, desired_workers,
		spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
		FROM worker_pools WHERE model_id = $1 AND adapter = $2`, modelID, adapter)
}

func (s *PGStore) queryPools(ctx context.Context, query string, args ...any) ([]*types.WorkerPool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap("storage.list_pools", apierr.KindTransientInfra, err, "query failed")
	}
	defer rows.Close()

	var pools []*types.WorkerPool
	for rows.Next() {
		var p types.WorkerPool
		var metadata []byte
		if err := rows.Scan(&p.PoolID, &p.AgentName, &p.ModelID, &p.Adapter, &p.DesiredWorkers,
			&p.SpawnedWorkers, &p.StartedAt, &p.LastHeartbeat, &p.Status, &p.HoldSeconds, &metadata); err != nil {
			return nil, apierr.Wrap("storage.list_pools", apierr.KindTransientInfra, err, "scan failed")
		}
		_ = json.Unmarshal(metadata, &p.Metadata)
		pools = append(pools, &p)
	}
	return pools, rows.Err()
}

func (s *PGStore) UpdatePool(ctx context.Context, p *types.WorkerPool) error {
	metadata, err := jsonOrNil(p.Metadata)
	if err != nil {
		return apierr.Wrap("storage.update_pool", apierr.KindValidation, err, "invalid metadata")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_pools SET spawned_workers=$1, last_heartbeat=$2, status=$3, metadata=$4
		WHERE pool_id = $5`,
		p.SpawnedWorkers, p.LastHeartbeat, p.Status, metadata, p.PoolID)
	if err != nil {
		return apierr.Wrap("storage.update_pool", apierr.KindTransientInfra, err, "update failed")
	}
	return requireRowsAffected(res, "storage.update_pool", "pool")
}

func (s *PGStore) DeletePool(ctx context.Context, poolID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worker_pools WHERE pool_id = $1`, poolID)
	if err != nil {
		return apierr.Wrap("storage.delete_pool", apierr.KindTransientInfra, err, "delete failed")
	}
	return nil
}

// --- Jobs ---------------------------------------------------------------

func (s *PGStore) CreateJob(ctx context.Context, j *types.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_jobs
			(job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,now(),now(),$7)`,
		j.JobID, j.Type, j.Payload, j.Status, j.OwnerPool, j.Attempts, j.LastError)
	if err != nil {
		return apierr.Wrap("storage.create_job", apierr.KindTransientInfra, err, "insert failed")
	}
	return nil
}

func (s *PGStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	var j types.Job
	var ownerPool sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error
		FROM orchestrator_jobs WHERE job_id = $1`, jobID).
		Scan(&j.JobID, &j.Type, &j.Payload, &j.Status, &ownerPool, &j.Attempts, &j.CreatedAt, &j.UpdatedAt, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New("storage.get_job", apierr.KindNotFound, "unknown_job")
	}
	if err != nil {
		return nil, apierr.Wrap("storage.get_job", apierr.KindTransientInfra, err, "query failed")
	}
	j.OwnerPool = ownerPool.String
	return &j, nil
}

func (s *PGStore) UpdateJob(ctx context.Context, j *types.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_jobs
		SET status=$1, owner_pool=NULLIF($2,''), attempts=$3, last_error=$4, updated_at=now()
		WHERE job_id = $5`,
		j.Status, j.OwnerPool, j.Attempts, j.LastError, j.JobID)
	if err != nil {
		return apierr.Wrap("storage.update_job", apierr.KindTransientInfra, err, "update failed")
	}
	return requireRowsAffected(res, "storage.update_job", "job")
}

// --- Leader election (§4.3.6) -------------------------------------------

// TryAcquireLeader takes a session-scoped Postgres advisory lock keyed
// by the 64-bit FNV-1a hash of lockName. It is non-blocking: a false result
// means another replica already holds it.
//
// Advisory locks are scoped to the physical backend connection that
// took them, not to the *sql.DB pool, so the query and the later
// unlock must run over the same *sql.Conn — routing them through the
// shared pool would let database/sql service ReleaseLeader on a
// different pooled connection than the one that holds the lock,
// leaving it wedged on a connection nobody can reach again. A conn
// acquired here is pinned in leaderConns for the lock's lifetime and
// only returned to the pool (closed) by ReleaseLeader.
func (s *PGStore) TryAcquireLeader(ctx context.Context, lockName string) (bool, error) {
	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()

	if _, held := s.leaderConns[lockName]; held {
		return true, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, apierr.Wrap("storage.try_acquire_leader", apierr.KindTransientInfra, err, "failed to reserve connection")
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(lockName)).Scan(&acquired); err != nil {
		conn.Close()
		return false, apierr.Wrap("storage.try_acquire_leader", apierr.KindTransientInfra, err, "advisory lock query failed")
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	if s.leaderConns == nil {
		s.leaderConns = make(map[string]*sql.Conn)
	}
	s.leaderConns[lockName] = conn
	return true, nil
}

// ReleaseLeader unlocks lockName over the same *sql.Conn TryAcquireLeader
// pinned for it, then returns that connection to the pool. Releasing a
// lock this process never held is a no-op.
func (s *PGStore) ReleaseLeader(ctx context.Context, lockName string) error {
	s.leaderMu.Lock()
	conn, held := s.leaderConns[lockName]
	delete(s.leaderConns, lockName)
	s.leaderMu.Unlock()

	if !held {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(lockName)); err != nil {
		return apierr.Wrap("storage.release_leader", apierr.KindTransientInfra, err, "advisory unlock failed")
	}
	return nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// --- helpers --------------------------------------------------------------

func requireRowsAffected(res sql.Result, op, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Wrap(op, apierr.KindTransientInfra, err, "rows affected check failed")
	}
	if n == 0 {
		return apierr.New(op, apierr.KindNotFound, fmt.Sprintf("%s not found", entity))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// pgx/stdlib surfaces *pgconn.PgError; sqlmock-driven tests assert
	// on apierr.Kind directly rather than forcing a real PgError, so a
	// simple substring check covers both without importing pgconn here.
	return err != nil && containsAny(err.Error(), "unique", "duplicate key")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
