// walrelay is a long-running daemon that relays PostgreSQL logical
// replication changes onto a partitioned streaming transport.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/walrelay/walrelay/pkg/config"
)

var (
	cfgFile       string
	logLevel      string
	shutdownGrace time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "walrelay",
	Short: "Relay PostgreSQL logical replication changes to a stream",
	Long: `walrelay consumes a logical replication slot (wal2json) and republishes
each row-level change as an individual message on a partitioned stream,
acknowledging consumed WAL positions only after forwarding completes.`,
	SilenceUsage: true,
	RunE:         runRelay,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/walrelay.yaml)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "L", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "bounded grace period for in-flight work on shutdown")
	rootCmd.Flags().BoolP("version", "v", false, "print the version number")

	rootCmd.PreRun = func(cmd *cobra.Command, _ []string) {
		if ok, _ := cmd.Flags().GetBool("version"); ok {
			fmt.Println(config.Version)
			os.Exit(0)
		}
	}
}
