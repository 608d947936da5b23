package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsserver",
		Short: "Real-time event delivery server",
		Long: `wsserver keeps authenticated WebSocket connections for marketplace users,
fans chat messages and notifications out to them, and serves the
/updates polling fallback for clients that cannot stay connected.

Configuration is read from the environment; see internal/config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := serveCmd()
	rootCmd.AddCommand(serve, migrateCmd())
	// Running the binary without a subcommand serves.
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}
}
