package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/justnews/fabric/pkg/bus"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
)

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Run the MCP Bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		b := bus.New(bus.Config{}, broker)
		metrics.SetVersion("1.0.0")
		metrics.RegisterComponent("bus", true, "ready")

		srv := &http.Server{Addr: addr, Handler: b.Router()}
		errCh := make(chan error, 1)
		go func() {
			log.WithComponent("bus").Info().Str("addr", addr).Msg("mcp bus listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case sig := <-signalCh():
			log.WithComponent("bus").Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("bus server error: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	busCmd.Flags().String("addr", "0.0.0.0:8090", "HTTP listen address")
}
