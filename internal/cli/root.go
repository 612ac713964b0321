// Package cli implements the ktstudio command-line interface using Cobra.
// Every command except serve and config talks to a running daemon over HTTP.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ktstudio/ktstudio/internal/daemon"
)

var (
	addrFlag string
	jsonFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "ktstudio",
	Short: "ktstudio orchestrates image and video generation jobs",
	Long: `ktstudio queues generation jobs against a single generation backend,
runs them one at a time, and reports progress until they finish.

Start the daemon with 'ktstudio serve', then drive it with the
'tasks' and 'batch' commands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Daemon address (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("Error:"), err)
		os.Exit(1)
	}
}

// daemonAddr resolves the daemon URL from --addr or the config file.
func daemonAddr() string {
	if addrFlag != "" {
		return addrFlag
	}
	cfg, err := daemon.LoadConfig()
	if err != nil {
		cfg = daemon.DefaultConfig()
	}
	return "http://" + cfg.API.Addr()
}
