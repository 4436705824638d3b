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

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nearfield",
	Short: "BLE proximity discovery and connection tool",
	Long: `Command-line tool for BLE proximity networking:

- Advertise a service payload, inline (fast) or via a GATT characteristic slot
- Discover nearby advertisers for a service ID, with found/lost/instant-lost events
- Run a loopback demo that advertises, discovers and connects in-process

Useful for protocol exploration and for exercising the discovery stack
without a second device.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(demoCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
