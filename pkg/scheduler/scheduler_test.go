package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justnews/fabric/pkg/types"
)

type fakeIngestor struct {
	calls   []string
	outcome Outcome
	err     error
}

func (f *fakeIngestor) Crawl(ctx context.Context, entry *types.ScheduleEntry, profile types.CrawlProfile) (Outcome, error) {
	f.calls = append(f.calls, entry.Domain)
	return f.outcome, f.err
}

func newTestScheduler(t *testing.T, entries []*types.ScheduleEntry, ingestor Ingestor, cfg Config) *Scheduler {
	t.Helper()
	profiles := map[string]types.CrawlProfile{
		"default": {Name: "default", MaxLinks: 50, Concurrency: 4},
	}
	return New(entries, profiles, ingestor, cfg, nil)
}

func TestTickCrawlsDueDomains(t *testing.T) {
	entries := []*types.ScheduleEntry{
		{Domain: "a.example.com", Profile: "default", Cadence: time.Hour},
		{Domain: "b.example.com", Profile: "default", Cadence: time.Hour},
	}
	ing := &fakeIngestor{outcome: Outcome{Attempted: 10, Ingested: 8, Duplicate: 2}}
	s := newTestScheduler(t, entries, ing, Config{HistoryDir: t.TempDir()})

	s.Tick(context.Background())

	assert.ElementsMatch(t, []string{"a.example.com", "b.example.com"}, ing.calls)
	assert.Equal(t, 8, entries[0].Ingested)
	assert.False(t, entries[0].LastAttemptAt.IsZero())
}

func TestTickSkipsDomainWithinCadence(t *testing.T) {
	entries := []*types.ScheduleEntry{
		{Domain: "a.example.com", Profile: "default", Cadence: time.Hour, LastAttemptAt: time.Now()},
	}
	ing := &fakeIngestor{outcome: Outcome{Ingested: 1}}
	s := newTestScheduler(t, entries, ing, Config{HistoryDir: t.TempDir()})

	s.Tick(context.Background())

	assert.Empty(t, ing.calls)
}

func TestTickSkipsOverlappingRun(t *testing.T) {
	entries := []*types.ScheduleEntry{
		{Domain: "a.example.com", Profile: "default", Cadence: time.Hour},
	}
	// simulate an in-flight run: lastRunStartedAt after LastAttemptAt
	entries[0].LastAttemptAt = time.Now().Add(-2 * time.Hour)

	s := newTestScheduler(t, entries, &fakeIngestor{}, Config{HistoryDir: t.TempDir()})
	s.markRunning(entries[0], time.Now())

	ing := &fakeIngestor{outcome: Outcome{Ingested: 1}}
	s.ingestor = ing
	s.Tick(context.Background())

	assert.Empty(t, ing.calls)
}

func TestSelectBatchRespectsGlobalBudget(t *testing.T) {
	entries := []*types.ScheduleEntry{
		{Domain: "a.example.com", Profile: "default", Cadence: time.Hour, MaxTarget: 300},
		{Domain: "b.example.com", Profile: "default", Cadence: time.Hour, MaxTarget: 300},
	}
	s := newTestScheduler(t, entries, &fakeIngestor{}, Config{GlobalBudget: 500, HistoryDir: t.TempDir()})

	batch := s.selectBatch(time.Now())

	require.Len(t, batch, 1)
	assert.Equal(t, "a.example.com", batch[0].Domain)
}

func TestTickUnknownProfileSkipsDomain(t *testing.T) {
	entries := []*types.ScheduleEntry{
		{Domain: "a.example.com", Profile: "nonexistent", Cadence: time.Hour},
	}
	ing := &fakeIngestor{}
	s := newTestScheduler(t, entries, ing, Config{HistoryDir: t.TempDir()})

	s.Tick(context.Background())

	assert.Empty(t, ing.calls)
}
