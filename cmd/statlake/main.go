// Command statlake runs the telemetry pipeline server and its
// administrative commands.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "statlake",
		Short:         "Event telemetry pipeline: ingest, rollups, partition lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())

	if err := root.Execute(); err != nil {
		log.Printf("statlake: %v", err)
		os.Exit(1)
	}
}
