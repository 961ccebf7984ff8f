package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/archive"
	"github.com/justnews/fabric/pkg/extract"
	"github.com/justnews/fabric/pkg/types"
)

type fakeCrawler struct {
	pages []CrawledPage
	err   error
}

func (f *fakeCrawler) Crawl(ctx context.Context, domain string, profile types.CrawlProfile, maxLinks int) ([]CrawledPage, error) {
	return f.pages, f.err
}

type fakeExtractor struct {
	name       string
	confidence float64
	body       string
}

func (f *fakeExtractor) Name() string { return f.name }
func (f *fakeExtractor) Extract(ctx context.Context, rawHTML string) (extract.Extraction, error) {
	return extract.Extraction{Title: "headline", Body: f.body, Confidence: f.confidence}, nil
}

type fakeArticleStore struct {
	mu       sync.Mutex
	byHash   map[string]*types.Article
	inserted int
}

func newFakeArticleStore() *fakeArticleStore {
	return &fakeArticleStore{byHash: map[string]*types.Article{}}
}

func (f *fakeArticleStore) CreateArticle(ctx context.Context, a *types.Article) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byHash[a.URLHash]; ok {
		return apierr.New("create_article", apierr.KindConflict, "already exists")
	}
	f.byHash[a.URLHash] = a
	f.inserted++
	return nil
}
func (f *fakeArticleStore) GetArticle(ctx context.Context, id int64) (*types.Article, error) {
	return nil, apierr.New("get_article", apierr.KindNotFound, "not found")
}
func (f *fakeArticleStore) GetArticleByURLHash(ctx context.Context, h string) (*types.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byHash[h]
	if !ok {
		return nil, apierr.New("get_article", apierr.KindNotFound, "not found")
	}
	return a, nil
}
func (f *fakeArticleStore) UpdateArticle(ctx context.Context, a *types.Article) error { return nil }
func (f *fakeArticleStore) TouchArticle(ctx context.Context, id int64) error          { return nil }
func (f *fakeArticleStore) UpsertSource(ctx context.Context, s *types.Source) error   { return nil }
func (f *fakeArticleStore) GetSourceByDomain(ctx context.Context, d string) (*types.Source, error) {
	return nil, apierr.New("get_source", apierr.KindNotFound, "not found")
}
func (f *fakeArticleStore) CreateLease(ctx context.Context, l *types.Lease) error { return nil }
func (f *fakeArticleStore) GetLease(ctx context.Context, token string) (*types.Lease, error) {
	return nil, apierr.New("get_lease", apierr.KindNotFound, "not found")
}
func (f *fakeArticleStore) HeartbeatLease(ctx context.Context, token string, newExpiry, heartbeatAt time.Time) (*types.Lease, error) {
	return nil, nil
}
func (f *fakeArticleStore) DeleteLease(ctx context.Context, token string) error { return nil }
func (f *fakeArticleStore) ListExpiredLeases(ctx context.Context, now time.Time, grace time.Duration) ([]*types.Lease, error) {
	return nil, nil
}
func (f *fakeArticleStore) CreatePool(ctx context.Context, p *types.WorkerPool) error { return nil }
func (f *fakeArticleStore) GetPool(ctx context.Context, poolID string) (*types.WorkerPool, error) {
	return nil, apierr.New("get_pool", apierr.KindNotFound, "not found")
}
func (f *fakeArticleStore) ListPools(ctx context.Context) ([]*types.WorkerPool, error) { return nil, nil }
func (f *fakeArticleStore) ListPoolsByModel(ctx context.Context, modelID, adapter string) ([]*types.WorkerPool, error) {
	return nil, nil
}
func (f *fakeArticleStore) UpdatePool(ctx context.Context, p *types.WorkerPool) error { return nil }
func (f *fakeArticleStore) DeletePool(ctx context.Context, poolID string) error       { return nil }
func (f *fakeArticleStore) CreateJob(ctx context.Context, j *types.Job) error         { return nil }
func (f *fakeArticleStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	return nil, apierr.New("get_job", apierr.KindNotFound, "not found")
}
func (f *fakeArticleStore) UpdateJob(ctx context.Context, j *types.Job) error { return nil }
func (f *fakeArticleStore) TryAcquireLeader(ctx context.Context, lockName string) (bool, error) {
	return false, nil
}
func (f *fakeArticleStore) ReleaseLeader(ctx context.Context, lockName string) error { return nil }
func (f *fakeArticleStore) Close() error                                            { return nil }

func newTestPipeline(t *testing.T, crawler Crawler, store *fakeArticleStore) *Pipeline {
	t.Helper()
	cascade := extract.NewCascade(0.5, &fakeExtractor{name: "stub", confidence: 0.9, body: "a long article body with plenty of words to pass the quality gate comfortably every single time"})
	cfg := Config{URLHashAlgo: "sha256", MinWords: 5, MinTextHTMLRatio: 0.1}
	return New(crawler, cascade, nil, nil, archive.NewWriter(t.TempDir()), store, nil, cfg)
}

func TestCrawlIngestsNewPages(t *testing.T) {
	store := newFakeArticleStore()
	crawler := &fakeCrawler{pages: []CrawledPage{
		{URL: "https://news.example.com/a", RawHTML: "<html>a</html>"},
		{URL: "https://news.example.com/b", RawHTML: "<html>b</html>"},
	}}
	p := newTestPipeline(t, crawler, store)

	entry := &types.ScheduleEntry{Domain: "news.example.com", Profile: "default", MaxTarget: 10}
	outcome, err := p.Crawl(context.Background(), entry, types.CrawlProfile{Name: "default"})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempted)
	assert.Equal(t, 2, outcome.Ingested)
	assert.Equal(t, 2, store.inserted)
}

func TestCrawlSkipsDuplicateURLs(t *testing.T) {
	store := newFakeArticleStore()
	page := CrawledPage{URL: "https://news.example.com/dup", RawHTML: "<html>dup</html>"}
	crawler := &fakeCrawler{pages: []CrawledPage{page, page}}
	p := newTestPipeline(t, crawler, store)

	entry := &types.ScheduleEntry{Domain: "news.example.com", Profile: "default", MaxTarget: 10}
	outcome, err := p.Crawl(context.Background(), entry, types.CrawlProfile{Name: "default"})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Ingested)
	assert.Equal(t, 1, outcome.Duplicate)
}

func TestCrawlPropagatesCrawlerError(t *testing.T) {
	store := newFakeArticleStore()
	crawler := &fakeCrawler{err: apierr.New("crawl", apierr.KindUpstream, "fetch failed")}
	p := newTestPipeline(t, crawler, store)

	entry := &types.ScheduleEntry{Domain: "news.example.com", Profile: "default", MaxTarget: 10}
	_, err := p.Crawl(context.Background(), entry, types.CrawlProfile{Name: "default"})
	assert.Error(t, err)
}
