// Package ingest wires the Crawl Scheduler's Ingestor contract to the
// extraction cascade, embedding cache, evidence archive, and relational
// store: the glue between a page fetch and a persisted, embedded
// article, with the actual page fetch left to an external crawl
// collaborator reached over the MCP Bus.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/archive"
	"github.com/justnews/fabric/pkg/embedding"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/extract"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/scheduler"
	"github.com/justnews/fabric/pkg/storage"
	"github.com/justnews/fabric/pkg/types"
)

// CrawledPage is one fetched page handed back by a Crawler.
type CrawledPage struct {
	URL       string
	Canonical string
	RawHTML   string
}

// Crawler fetches up to maxLinks candidate pages for domain, honoring
// profile's include/exclude/skip-seeds rules — an external collaborator
// (spec §6), reached over the MCP Bus in production (see BusCrawler).
type Crawler interface {
	Crawl(ctx context.Context, domain string, profile types.CrawlProfile, maxLinks int) ([]CrawledPage, error)
}

// Config tunes the quality gate applied after extraction.
type Config struct {
	URLHashAlgo      string
	URLNormalization string // not consulted: every URL gets strict normalization via extract.Normalize; there is no lenient mode
	MinWords         int
	MinTextHTMLRatio float64
	EmbeddingModelID string
}

// Pipeline implements scheduler.Ingestor against a real Crawler and the
// fabric's extraction/embedding/archive/storage stack.
type Pipeline struct {
	crawler  Crawler
	cascade  *extract.Cascade
	embedder embedding.Model
	cache    *embedding.Cache
	archiver *archive.Writer
	store    storage.Store
	broker   *events.Broker
	cfg      Config
}

func New(crawler Crawler, cascade *extract.Cascade, embedder embedding.Model, cache *embedding.Cache, archiver *archive.Writer, store storage.Store, broker *events.Broker, cfg Config) *Pipeline {
	return &Pipeline{
		crawler:  crawler,
		cascade:  cascade,
		embedder: embedder,
		cache:    cache,
		archiver: archiver,
		store:    store,
		broker:   broker,
		cfg:      cfg,
	}
}

var _ scheduler.Ingestor = (*Pipeline)(nil)

// Crawl fetches candidate pages for entry's domain and runs each
// through normalize → dedup → extract → quality-gate → embed → persist
// → archive, tolerating per-page failures so one bad page never aborts
// the domain's whole pass.
func (p *Pipeline) Crawl(ctx context.Context, entry *types.ScheduleEntry, profile types.CrawlProfile) (scheduler.Outcome, error) {
	pages, err := p.crawler.Crawl(ctx, entry.Domain, profile, entry.MaxTarget)
	if err != nil {
		return scheduler.Outcome{}, apierr.Wrap("ingest.crawl", apierr.KindUpstream, err, "crawler call failed")
	}

	var outcome scheduler.Outcome
	for _, page := range pages {
		outcome.Attempted++
		switch p.ingestOne(ctx, entry, page) {
		case ingestResultIngested:
			outcome.Ingested++
		case ingestResultDuplicate:
			outcome.Duplicate++
		default:
			outcome.Errored++
		}
	}
	return outcome, nil
}

type ingestResult int

const (
	ingestResultErrored ingestResult = iota
	ingestResultIngested
	ingestResultDuplicate
)

func (p *Pipeline) ingestOne(ctx context.Context, entry *types.ScheduleEntry, page CrawledPage) ingestResult {
	normalized, err := extract.Normalize(page.URL, page.Canonical)
	if err != nil {
		log.Errorf("failed to normalize crawled URL", err)
		return ingestResultErrored
	}
	urlHash, err := extract.HashURL(normalized, p.cfg.URLHashAlgo)
	if err != nil {
		log.Errorf("failed to hash normalized URL", err)
		return ingestResultErrored
	}

	if _, err := p.store.GetArticleByURLHash(ctx, urlHash); err == nil {
		if p.broker != nil {
			p.broker.Publish(&events.Event{Type: events.EventArticleDuplicate, Message: entry.Domain})
		}
		return ingestResultDuplicate
	} else if apierr.KindOf(err) != apierr.KindNotFound {
		log.Errorf("duplicate lookup failed", err)
		return ingestResultErrored
	}

	extraction, extractorName, err := p.cascade.Run(ctx, page.RawHTML)
	if err != nil {
		log.Errorf("extraction cascade exhausted", err)
		return ingestResultErrored
	}

	meta := extract.ParseJSONLD(page.RawHTML)
	boilerplateRatio := boilerplateRatio(extraction.Body, page.RawHTML)
	quality := extract.QualityCheck{MinWords: p.cfg.MinWords, MaxBoilerplate: 1 - p.cfg.MinTextHTMLRatio, RequireTitle: true}
	reasons := quality.Evaluate(extraction.Title, extraction.Body, boilerplateRatio, meta.Language != "")

	article := &types.Article{
		Title:                extraction.Title,
		Content:              extraction.Body,
		SourceURL:            page.URL,
		NormalizedURL:        normalized,
		URLHash:              urlHash,
		URLHashAlgo:          p.cfg.URLHashAlgo,
		Language:             meta.Language,
		Authors:              meta.Authors,
		ExtractionConfidence: extraction.Confidence,
		NeedsReview:          len(reasons) > 0,
		ReviewReasons:        reasons,
		ExtractionMetadata:   map[string]string{"extractor": extractorName},
		PublicationDate:      meta.PublicationDate,
		CollectionTimestamp:  time.Now(),
		Status:               types.ArticleStatusOK,
	}
	if article.NeedsReview {
		article.Status = types.ArticleStatusNeedsReview
	}

	if p.embedder != nil && p.cache != nil && extraction.Body != "" {
		vector, err := p.cache.Get(ctx, p.embedder, extraction.Body)
		if err != nil {
			log.Errorf("embedding computation failed, persisting article without a vector", err)
		} else {
			article.Embedding = vector
		}
	}

	if err := p.store.CreateArticle(ctx, article); err != nil {
		if apierr.KindOf(err) == apierr.KindConflict {
			return ingestResultDuplicate
		}
		log.Errorf("failed to persist ingested article", err)
		return ingestResultErrored
	}

	if p.archiver != nil {
		record := archive.Record{
			Kind: "fact",
			ID:   urlHash,
			Payload: map[string]any{
				"domain":       entry.Domain,
				"url":          page.URL,
				"needs_review": article.NeedsReview,
			},
		}
		if err := p.archiver.Append(record); err != nil {
			log.Errorf("failed to append archive record", err)
		}
	}

	if p.broker != nil {
		p.broker.Publish(&events.Event{Type: events.EventArticleIngested, Message: entry.Domain})
	}
	return ingestResultIngested
}

// boilerplateRatio is a coarse heuristic: the fraction of raw HTML bytes
// that did not survive into the extracted body.
func boilerplateRatio(body, rawHTML string) float64 {
	if len(rawHTML) == 0 {
		return 0
	}
	kept := float64(len(strings.TrimSpace(body)))
	total := float64(len(rawHTML))
	if kept > total {
		return 0
	}
	return 1 - (kept / total)
}
