package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dorkos-sh/dorkos/internal/boundary"
	"github.com/dorkos-sh/dorkos/internal/config"
	"github.com/dorkos-sh/dorkos/internal/storage"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dorkos doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfg := config.FromEnv()
	fmt.Printf("  Env:      %s\n", cfg.Env)
	fmt.Printf("  Port:     %d\n", cfg.Port)

	fmt.Printf("  Data dir: %s", cfg.DataDir)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Boundary: %s", cfg.Boundary)
	if _, err := boundary.New(cfg.Boundary); err != nil {
		fmt.Printf(" (INVALID: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Runtime:  %s", cfg.RuntimeBin)
	if path, err := exec.LookPath(cfg.RuntimeBin); err != nil {
		fmt.Println(" (NOT FOUND in PATH)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}

	fmt.Printf("  Transcripts: %s", cfg.TranscriptRoot)
	if _, err := os.Stat(cfg.TranscriptRoot); err != nil {
		fmt.Println(" (missing — created on first session)")
	} else {
		fmt.Println(" (OK)")
	}

	// Open a scratch database the way the subsystem stores do, to surface
	// driver or filesystem problems before a real start.
	probe := filepath.Join(cfg.DataDir, "doctor-probe.db")
	fmt.Print("  SQLite:  ")
	db, err := storage.Open(probe)
	if err != nil {
		fmt.Printf("FAILED (%s)\n", err)
	} else {
		db.Close()
		os.Remove(probe)
		fmt.Println("OK")
	}

	fmt.Println()
	fmt.Println("  Subsystems:")
	fmt.Printf("    %-8s %v\n", "pulse:", cfg.PulseEnabled)
	fmt.Printf("    %-8s %v\n", "relay:", cfg.RelayEnabled)
	fmt.Printf("    %-8s %v\n", "mesh:", cfg.MeshEnabled)
	fmt.Printf("    %-8s %v\n", "tunnel:", cfg.TunnelEnabled)
}
