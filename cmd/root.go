package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airlock-lab/airlock/cmd/bench"
	"github.com/airlock-lab/airlock/cmd/lock"
	"github.com/airlock-lab/airlock/cmd/queue"
	"github.com/airlock-lab/airlock/cmd/serve"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "airlock",
		Short: "concurrency safety layer for shared stores",
		Long: fmt.Sprintf(`airlock (v%s)

Coordination services for storage shared between worker processes: a lock
server for mutual exclusion, a queue endpoint that decouples writers from
storage latency, and client tooling for both.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of airlock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("airlock v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(queue.QueueCmd)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
