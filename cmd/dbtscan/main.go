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

// formatVersion adds a 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dbtscan",
	Short: "Direct user-space Bluetooth Low Energy host CLI",
	Long: `A command-line front end for a direct user-space Bluetooth Low Energy
host stack that talks to the kernel's MGMT control channel and a raw HCI
socket without going through BlueZ's D-Bus API.

- Scan and discover nearby BLE devices (the "scan" subcommand)`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)

	rootCmd.PersistentFlags().Uint16("adapter", 0, "Controller index (hciN)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging (shorthand for --log-level debug)")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
