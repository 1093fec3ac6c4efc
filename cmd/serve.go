package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorkos-sh/dorkos/internal/config"
	"github.com/dorkos-sh/dorkos/internal/logging"
	"github.com/dorkos-sh/dorkos/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the DorkOS server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg := config.FromEnv()

	closer, err := logging.Setup(logging.Options{
		Level: logging.ParseLevel(cfg.LogLevel),
		Dir:   cfg.LogDir(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup: %s\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	srv, err := server.New(cfg, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup: %s\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %s\n", err)
		os.Exit(1)
	}
}
