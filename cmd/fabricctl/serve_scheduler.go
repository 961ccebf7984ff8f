package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/justnews/fabric/pkg/archive"
	"github.com/justnews/fabric/pkg/busclient"
	"github.com/justnews/fabric/pkg/config"
	"github.com/justnews/fabric/pkg/embedding"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/extract"
	"github.com/justnews/fabric/pkg/ingest"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/scheduler"
	"github.com/justnews/fabric/pkg/storage"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the Crawl Scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(false)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.MCPBusURL == "" {
			return fmt.Errorf("MCP_BUS_URL is required for the scheduler")
		}

		entries, err := scheduler.LoadSchedule(cfg.CrawlSchedulePath)
		if err != nil {
			return fmt.Errorf("failed to load crawl schedule: %w", err)
		}
		profiles, err := scheduler.LoadProfiles(cfg.CrawlProfilesDir)
		if err != nil {
			return fmt.Errorf("failed to load crawl profiles: %w", err)
		}

		store, err := storage.Open(cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		bus := busclient.New(cfg.MCPBusURL, 0)
		cascade := extract.NewCascade(0.7,
			extract.NewBusExtractor(bus, "trafilatura"),
			extract.NewBusExtractor(bus, "readability"),
			extract.NewBusExtractor(bus, "justext"),
		)
		embedder := embedding.NewBusModel(bus, cfg.ArticleEmbeddingModel)
		cache := embedding.NewCache(0)
		archiver := archive.NewWriter(cfg.RawHTMLDir)
		crawler := ingest.NewBusCrawler(bus, "crawler")

		pipeline := ingest.New(crawler, cascade, embedder, cache, archiver, store, broker, ingest.Config{
			URLHashAlgo:      cfg.ArticleURLHashAlgo,
			URLNormalization: cfg.ArticleURLNormalization,
			MinWords:         cfg.ArticleMinWords,
			MinTextHTMLRatio: cfg.ArticleMinTextHTMLRatio,
			EmbeddingModelID: cfg.ArticleEmbeddingModel,
		})

		sched := scheduler.New(entries, profiles, pipeline, scheduler.Config{
			CronExpr:    cfg.CrawlCronExpr,
			GlobalBudget: cfg.CrawlGlobalBudget,
			HistoryDir:  cfg.CrawlHistoryDir,
			MetricsPath: cfg.StageBMetricsPath,
		}, broker)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()

		go func() {
			if err := sched.WatchProfiles(ctx, cfg.CrawlProfilesDir); err != nil {
				log.WithComponent("scheduler").Warn().Err(err).Msg("profile watch stopped")
			}
		}()

		log.WithComponent("scheduler").Info().Str("cron", cfg.CrawlCronExpr).Int("domains", len(entries)).Msg("crawl scheduler running")

		sig := <-signalCh()
		log.WithComponent("scheduler").Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	},
}
