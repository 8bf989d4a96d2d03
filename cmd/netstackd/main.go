// Command netstackd runs the userspace TCP/IP stack daemon: an Ethernet/
// ARP/IPv4/TCP engine bound to a real Linux interface, with a BSD-style
// socket API for applications and Prometheus metrics for operators.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// set by LDFLAGS
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const exitCodeError = 1

func main() {
	os.Exit(run())
}

func run() int {
	var verbose bool
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "netstackd",
		Short: "Userspace TCP/IP network stack daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("version: %s\ncommit: %s\ndate: %s\n", version, commit, date)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print build version and exit")

	rootCmd.AddCommand(
		newServeCmd(&verbose),
		newArpCmd(),
		newRouteCmd(),
		newTCPCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return 0
}

func newLogger(verbose bool) *slog.Logger {
	if verbose {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
