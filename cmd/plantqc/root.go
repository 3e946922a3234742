package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "plantqc",
	Short: "Closed-loop quality-control daemon for a simulated cement line",
	Long: `plantqc streams simulated process samples, watches them for drift
against target quality bands, and mediates operator-approved corrective
plans through a propose / simulate / apply workflow.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("listen", "", "HTTP listen address")
	flags.String("database", "", "Path to the audit database")
	flags.Bool("audit", true, "Persist samples and workflow events")
	flags.Float64("interval", 0, "Seconds between stream ticks")
	flags.Int64("seed", 0, "Stream RNG seed (0 seeds from the clock)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.Bool("verbose", false, "Enable verbose logging")

	for _, name := range []string{"listen", "database", "audit", "interval", "seed", "debug", "verbose"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind flag %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stream loop and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}
