package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("orka doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		os.Exit(exitUsage)
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("multiplexer", cfg.Mux.Binary)
	checkBinary("viewer", cfg.Viewer.Binary)
	checkBinary("assistant", assistantBinary(cfg.Assistant.Command))

	fmt.Println()
	fmt.Println("  Policy:")
	if cfg.Policy.APIKey != "" {
		fmt.Printf("    %-12s %s\n", "API key:", maskSecret(cfg.Policy.APIKey))
	} else {
		fmt.Printf("    %-12s (not set; agents fall back to wait)\n", "API key:")
	}
	fmt.Printf("    %-12s %s\n", "Model:", cfg.Policy.Model)

	fmt.Println()
	root := cfg.StorageRoot()
	fmt.Printf("  Storage:  %s", root)
	if err := os.MkdirAll(root, 0755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// assistantBinary strips flags from the configured assistant command.
func assistantBinary(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}

func checkBinary(label, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s NOT FOUND\n", label+":", name)
	} else {
		fmt.Printf("    %-12s %s\n", label+":", path)
	}
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
