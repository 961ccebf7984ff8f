package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/types"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestCreateArticleAssignsID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO articles`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(42), now, now))

	a := &types.Article{Title: "t", Content: "c", SourceURL: "https://example.com/a"}
	err := store.CreateArticle(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int64(42), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateArticleUniqueViolationMapsToConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO articles`).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	a := &types.Article{Title: "t", SourceURL: "https://example.com/a"}
	err := store.CreateArticle(context.Background(), a)
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestGetArticleNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM articles WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetArticle(context.Background(), 7)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestHeartbeatLeaseNeverShortensExpiry(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().Add(-time.Hour)
	currentExpiry := time.Now().Add(time.Minute)
	newExpiry := time.Now().Add(30 * time.Second) // earlier than currentExpiry
	beat := time.Now()

	mock.ExpectQuery(`UPDATE orchestrator_leases`).
		WithArgs("tok-1", newExpiry, beat).
		WillReturnRows(sqlmock.NewRows([]string{
			"token", "agent_name", "gpu_index", "mode", "created_at", "expires_at", "last_heartbeat", "metadata",
		}).AddRow("tok-1", "agent-a", 0, types.LeaseModeGPU, created, currentExpiry, beat, []byte("{}")))

	lease, err := store.HeartbeatLease(context.Background(), "tok-1", newExpiry, beat)
	require.NoError(t, err)
	assert.Equal(t, currentExpiry.Unix(), lease.ExpiresAt.Unix())
}

func TestHeartbeatLeaseUnknownToken(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE orchestrator_leases`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.HeartbeatLease(context.Background(), "missing", time.Now(), time.Now())
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestTryAcquireLeaderReflectsLockResult(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	ok, err := store.TryAcquireLeader(context.Background(), "fabric_orchestrator_leader")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLeaderIssuesUnlock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	ok, err := store.TryAcquireLeader(context.Background(), "fabric_orchestrator_leader")
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.ReleaseLeader(context.Background(), "fabric_orchestrator_leader")
	require.NoError(t, err)
}

func TestReleaseLeaderWithoutAcquireIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.ReleaseLeader(context.Background(), "fabric_orchestrator_leader")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE orchestrator_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateJob(context.Background(), &types.Job{JobID: "job-1", Status: types.JobStatusFailed})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}
