package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
	"github.com/justnews/fabric/pkg/types"
)

// Ingestor runs one crawl attempt for a domain under a profile and
// reports the outcome — the Crawl Scheduler hands batches off to it
// and never touches extraction/storage directly (spec §4.4.1/§4.4.2).
type Ingestor interface {
	Crawl(ctx context.Context, entry *types.ScheduleEntry, profile types.CrawlProfile) (Outcome, error)
}

// Outcome is one domain's per-run tally.
type Outcome struct {
	Attempted int
	Ingested  int
	Duplicate int
	Errored   int
}

// Config tunes the scheduler.
type Config struct {
	CronExpr        string  // default "0 * * * *" (hourly)
	GlobalBudget    int     // default 500 articles/run across all domains
	DispatchPerSec  float64 // politeness cap on domain dispatch rate, default 2/s
	HistoryDir      string  // per-domain success-history JSON
	MetricsPath     string  // Prometheus textfile snapshot
}

func (c Config) withDefaults() Config {
	if c.CronExpr == "" {
		c.CronExpr = "0 * * * *"
	}
	if c.GlobalBudget == 0 {
		c.GlobalBudget = 500
	}
	if c.DispatchPerSec == 0 {
		c.DispatchPerSec = 2
	}
	return c
}

// domainHistory is the on-disk success-history record for one domain.
type domainHistory struct {
	Domain        string    `json:"domain"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Attempted     int       `json:"attempted"`
	Ingested      int       `json:"ingested"`
	Duplicate     int       `json:"duplicate"`
	Errored       int       `json:"errored"`
}

// Scheduler is the Crawl Scheduler (spec §4.4.1): on each cron tick it
// selects domains due for a crawl under their configured cadence, caps
// the run to a global article budget, skips domains with an overlapping
// in-flight run, and hands each selected domain to an Ingestor.
type Scheduler struct {
	mu       sync.Mutex
	entries  []*types.ScheduleEntry
	profiles map[string]types.CrawlProfile
	ingestor Ingestor
	cfg      Config
	broker   *events.Broker
	cron     *cron.Cron
	limiter  *rate.Limiter
}

func New(entries []*types.ScheduleEntry, profiles map[string]types.CrawlProfile, ingestor Ingestor, cfg Config, broker *events.Broker) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		entries:  entries,
		profiles: profiles,
		ingestor: ingestor,
		cfg:      cfg,
		broker:   broker,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), 1),
	}
}

// Start schedules Tick on the configured cron expression and returns
// once the schedule is registered; the cron's own goroutine drives
// subsequent ticks until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.CronExpr, func() {
		s.Tick(ctx)
	})
	if err != nil {
		return apierr.Wrap("scheduler.start", apierr.KindValidation, err, "invalid crawl cron expression")
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron driver; any in-flight Tick finishes.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// Tick runs one scheduler pass: select due, non-overlapping domains up
// to the global budget, crawl each, persist history, and emit metrics.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	batch := s.selectBatch(now)

	var domainsCrawled, articlesAccepted, adaptiveArticles int
	for _, entry := range batch {
		profile, ok := s.profiles[entry.Profile]
		if !ok {
			log.WithComponent("scheduler").Error().Str("domain", entry.Domain).Str("profile", entry.Profile).Msg("unknown crawl profile, skipping domain")
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			log.Errorf("dispatch rate limiter wait aborted", err)
			return
		}

		s.markRunning(entry, now)
		outcome, err := s.ingestor.Crawl(ctx, entry, profile)
		s.recordOutcome(entry, now, outcome)

		if err != nil {
			log.Errorf("crawl failed for domain, will retry next cadence window", err)
			continue
		}

		domainsCrawled++
		articlesAccepted += outcome.Ingested
		if profile.SkipSeeds {
			adaptiveArticles += outcome.Ingested
		}

		if err := s.writeHistory(entry); err != nil {
			log.Errorf("failed to persist crawl history", err)
		}

		if s.broker != nil && outcome.Ingested > 0 {
			s.broker.Publish(&events.Event{Type: events.EventArticleIngested, Message: entry.Domain})
		}
	}

	metrics.DomainsCrawledTotal.Add(float64(domainsCrawled))
	metrics.ArticlesAcceptedTotal.Add(float64(articlesAccepted))
	metrics.AdaptiveArticlesTotal.Add(float64(adaptiveArticles))
	s.recordLag(now)

	if s.cfg.MetricsPath != "" {
		if err := metrics.WriteTextfile(s.cfg.MetricsPath); err != nil {
			log.Errorf("failed to write scheduler metrics textfile", err)
		}
	}
}

// selectBatch returns the domains due for a crawl at now, in cadence
// order (most overdue first), truncated to the per-run article budget
// estimated from each entry's MaxTarget.
func (s *Scheduler) selectBatch(now time.Time) []*types.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*types.ScheduleEntry
	for _, e := range s.entries {
		if e.Running() {
			e.LagSeconds = now.Sub(e.LastAttemptAt).Seconds()
			continue
		}
		if !e.LastAttemptAt.IsZero() && now.Sub(e.LastAttemptAt) < e.Cadence {
			continue
		}
		due = append(due, e)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].LastAttemptAt.Before(due[j].LastAttemptAt)
	})

	budget := s.cfg.GlobalBudget
	var batch []*types.ScheduleEntry
	for _, e := range due {
		need := e.MaxTarget
		if need <= 0 {
			need = 1
		}
		if need > budget {
			break
		}
		batch = append(batch, e)
		budget -= need
	}
	return batch
}

func (s *Scheduler) markRunning(entry *types.ScheduleEntry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.lastRunStartedAt = now
}

func (s *Scheduler) recordOutcome(entry *types.ScheduleEntry, now time.Time, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.LastAttemptAt = now
	entry.Attempted = outcome.Attempted
	entry.Ingested = outcome.Ingested
	entry.Duplicate = outcome.Duplicate
	entry.Errored = outcome.Errored
	entry.LagSeconds = 0
}

func (s *Scheduler) recordLag(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxLag float64
	for _, e := range s.entries {
		if !e.LastAttemptAt.IsZero() {
			lag := now.Sub(e.LastAttemptAt).Seconds()
			if lag > maxLag {
				maxLag = lag
			}
		}
	}
	metrics.SchedulerLagSeconds.Set(maxLag)
}

func (s *Scheduler) writeHistory(entry *types.ScheduleEntry) error {
	if s.cfg.HistoryDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.HistoryDir, 0o755); err != nil {
		return apierr.Wrap("scheduler.write_history", apierr.KindTransientInfra, err, "failed to create history directory")
	}
	h := domainHistory{
		Domain:        entry.Domain,
		LastAttemptAt: entry.LastAttemptAt,
		Attempted:     entry.Attempted,
		Ingested:      entry.Ingested,
		Duplicate:     entry.Duplicate,
		Errored:       entry.Errored,
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return apierr.Wrap("scheduler.write_history", apierr.KindValidation, err, "failed to encode crawl history")
	}
	path := filepath.Join(s.cfg.HistoryDir, entry.Domain+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apierr.Wrap("scheduler.write_history", apierr.KindTransientInfra, err, "failed to write crawl history")
	}
	return nil
}
