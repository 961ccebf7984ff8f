package embedding

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingModel struct {
	calls atomic.Int32
}

func (m *countingModel) ModelID() string { return "all-MiniLM-L6-v2" }
func (m *countingModel) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return []float32{0.1, 0.2, 0.3}, nil
}

func TestCacheComputesOnceForSameContent(t *testing.T) {
	model := &countingModel{}
	cache := NewCache(time.Minute)

	v1, err := cache.Get(context.Background(), model, "the quick brown fox")
	require.NoError(t, err)
	v2, err := cache.Get(context.Background(), model, "the quick brown fox")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), model.calls.Load())
}

func TestCacheDifferentContentComputesSeparately(t *testing.T) {
	model := &countingModel{}
	cache := NewCache(time.Minute)

	_, err := cache.Get(context.Background(), model, "article one")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), model, "article two")
	require.NoError(t, err)

	assert.Equal(t, int32(2), model.calls.Load())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	model := &countingModel{}
	cache := NewCache(time.Millisecond)

	_, err := cache.Get(context.Background(), model, "content")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = cache.Get(context.Background(), model, "content")
	require.NoError(t, err)

	assert.Equal(t, int32(2), model.calls.Load())
}
