package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/orchestrator"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orka: %v\n", err)
		os.Exit(exitUsage)
	}
	setupLogging(cfg.LogLevel)

	o, err := orchestrator.New(cfg, cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orka: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orka: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

func exitCodeFor(err error) int {
	switch faults.KindOf(err) {
	case faults.Validation:
		return exitUsage
	case faults.BackendUnavailable, faults.Timeout:
		return exitUnavailable
	default:
		return exitInternal
	}
}
