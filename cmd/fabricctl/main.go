// Command fabricctl is the single binary that runs every long-lived
// process of the fabric (spec §6): the MCP Bus, the GPU Orchestrator,
// and the Crawl Scheduler, plus a migrate subcommand for the relational
// schema. Each is started with its own subcommand so a deployment can
// run them as separate replicas.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justnews/fabric/pkg/log"
)

var rootCmd = &cobra.Command{
	Use:   "fabricctl",
	Short: "fabricctl runs the fabric's coordination processes",
	Long: `fabricctl is the operational entrypoint for the fabric: the MCP
Bus agent registry, the GPU Orchestrator, and the Crawl Scheduler all run
from this one binary, selected by subcommand.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(busCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(schedulerCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalCh returns a channel that receives SIGINT/SIGTERM exactly once,
// used by each serve subcommand's shutdown select.
func signalCh() chan os.Signal {
	ch := make(chan os.Signal, 1)
	notifySignals(ch)
	return ch
}
