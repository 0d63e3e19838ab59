// Package cmd implements the orka command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/orka/cmd.Version=v1.0.0"
var Version = "dev"

// Exit codes; sysexits-style where one fits.
const (
	exitOK          = 0
	exitUsage       = 64 // bad flags or unloadable config
	exitInternal    = 70 // unrecoverable internal failure
	exitUnavailable = 75 // required backend missing (multiplexer, storage)
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "orka",
	Short: "Orka — terminal session orchestrator for AI coding assistants",
	Long: "Orka hosts long-running AI assistant sessions in a terminal multiplexer,\n" +
		"exposes each one through a browser terminal, tracks conversation forks as\n" +
		"branch trees, and runs autonomous supervision agents over the panes.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $ORKA_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orka %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ORKA_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

func setupLogging(level string) {
	l := slog.LevelInfo
	if verbose {
		l = slog.LevelDebug
	} else {
		switch level {
		case "debug":
			l = slog.LevelDebug
		case "warn":
			l = slog.LevelWarn
		case "error":
			l = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitUsage)
	}
}
