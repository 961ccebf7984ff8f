package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObserveDurationRecordsElapsed(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_histogram", Help: "x"})
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)

	assert.Greater(t, timer.Duration(), time.Duration(0))
}

func TestWriteTextfileProducesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage_b.prom")

	require.NoError(t, WriteTextfile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
