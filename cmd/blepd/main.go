package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "blepd",
	Short: "Bluetooth Low Energy peripheral daemon",
	Long: `Runs this machine as a BLE GATT peripheral and delivers notifications to
connected centrals through a retrying outbound queue.

- Build a GATT table from a YAML config and advertise it
- Queue notifications with per-item retries and MTU-aware fragmentation
- React to connections, reads and writes from Lua scripts
- Stream peripheral events to WebSocket clients
- Expose a pair of characteristics as a local serial device (PTY)`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
