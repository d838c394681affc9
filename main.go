package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashfaqmehmood/ref-tools-keygen/cmd"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/observability"
)

func main() {
	// Interrupts cancel the run context; the orchestrator finishes its
	// terminal transition before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
