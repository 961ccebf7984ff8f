package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New("lease.acquire", KindConflict, "pool has no free slots")
	assert.Equal(t, "lease.acquire: pool has no free slots", err.Error())
	assert.False(t, err.Retryable)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap("stream.xclaim", KindTransientInfra, cause, "reclaim failed")

	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, cause)
}

func TestAsUnwraps(t *testing.T) {
	wrapped := fmtErrorWrapping()

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, got.Kind)
}

func fmtErrorWrapping() error {
	base := New("store.get_article", KindNotFound, "article not found")
	return errors.Join(errors.New("context"), base)
}

func TestKindOfDefaultsToUpstream(t *testing.T) {
	assert.Equal(t, KindUpstream, KindOf(errors.New("boom")))
	assert.Equal(t, KindConflict, KindOf(New("op", KindConflict, "x")))
}

func TestHTTPStatusTable(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:       400,
		KindNotFound:         404,
		KindConflict:         409,
		KindPrecondition:     412,
		KindDeadlineExceeded: 504,
		KindUpstream:         502,
		KindTransientInfra:   502,
		KindFatalInvariant:   500,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New("op", KindValidation, "bad").WithRetryable(true)
	assert.True(t, err.Retryable)
}
