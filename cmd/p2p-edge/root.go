package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tarun-kavipurapu/p2p-edge/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	logFile  string
)

var rootCmd = &cobra.Command{
	Use:   "p2p-edge",
	Short: "Tracker-mediated P2P file sharing",
	Long: `A peer-to-peer file sharing network. The tracker keeps a live index of which
peers hold which files, built from periodic heartbeats; peers serve their share
directory and download from each other.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Setup(logLevel, logFile)
	},
}

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		logger.Sync()
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $P2P_LOG_LEVEL or info")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file, e.g. logs/p2p-edge.log")
}
