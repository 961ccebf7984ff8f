package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/justnews/fabric/pkg/config"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
	"github.com/justnews/fabric/pkg/orchestrator"
	"github.com/justnews/fabric/pkg/reclaimer"
	"github.com/justnews/fabric/pkg/storage"
	"github.com/justnews/fabric/pkg/stream"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the GPU Orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		cfg, err := config.Load(true)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := storage.Open(cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		streams, err := stream.New(cfg.StreamURL)
		if err != nil {
			return fmt.Errorf("failed to connect to stream: %w", err)
		}
		defer streams.Close()

		rules, err := orchestrator.LoadAgentModelMap(cfg.OrchAgentModelMapPath)
		if err != nil {
			return fmt.Errorf("failed to load agent model map: %w", err)
		}
		policy := orchestrator.NewPolicy(rules, cfg.OrchAllowUnprobedGPU)
		probe := orchestrator.NewHostMemoryProbe()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		orch := orchestrator.New(store, streams, policy, probe, broker, orchestrator.Config{
			StaleThreshold: cfg.OrchClaimStaleness,
		})

		groups := []reclaimer.StreamGroup{
			{Stream: "jobs.inference", Group: "orchestrator"},
			{Stream: "jobs.embed", Group: "orchestrator"},
		}
		reclaim := reclaimer.New(store, streams, groups, reclaimer.Config{
			Interval:       cfg.OrchReclaimInterval,
			ClaimStaleness: cfg.OrchClaimStaleness,
			MaxAttempts:    cfg.OrchMaxJobAttempts,
			StaleThreshold: cfg.OrchClaimStaleness,
		}, broker)

		restartSupervisor := orchestrator.NewRestartSupervisor(store, nil, orchestrator.RestartConfig{}, cfg.OrchClaimStaleness, broker)

		var reclaimCancel context.CancelFunc
		var restartCancel context.CancelFunc
		elector := orchestrator.NewLeaderElector(store, cfg.OrchLeaderLockName, 0, broker,
			func(leaderCtx context.Context) {
				log.WithComponent("orchestrator").Info().Msg("became leader, starting reclaimer and restart supervisor")
				var reclaimCtx, restartCtx context.Context
				reclaimCtx, reclaimCancel = context.WithCancel(leaderCtx)
				restartCtx, restartCancel = context.WithCancel(leaderCtx)
				go reclaim.Run(reclaimCtx)
				go restartSupervisor.Run(restartCtx)
				<-leaderCtx.Done()
			},
			func() {
				log.WithComponent("orchestrator").Info().Msg("stepped down as leader")
			},
		)
		electCtx, electCancel := context.WithCancel(context.Background())
		go elector.Run(electCtx)
		defer electCancel()

		metrics.SetVersion("1.0.0")
		metrics.RegisterComponent("storage", true, "ready")
		metrics.RegisterComponent("stream", true, "ready")

		srv := &http.Server{Addr: addr, Handler: orch.Router(elector.IsLeader)}
		errCh := make(chan error, 1)
		go func() {
			log.WithComponent("orchestrator").Info().Str("addr", addr).Msg("gpu orchestrator listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case sig := <-signalCh():
			log.WithComponent("orchestrator").Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("orchestrator server error: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	orchestratorCmd.Flags().String("addr", "0.0.0.0:8091", "HTTP listen address")
}
