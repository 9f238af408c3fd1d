package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/tenetops/tenet/cmd/tenet/commands"
	"github.com/tenetops/tenet/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err != nil {
		log.Error().Err(err).Msg("Command execution failed")
	}
	os.Exit(exitCode(err))
}

// exitCode maps command errors to the documented exit codes: 1 when Red
// conflicts block planning (or any other validation failure), 2 when
// execution exhausted its retries, 3 when the operator cancelled.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsCancelled(err):
		return 3
	case engine.HasCode(err, engine.ErrCodeExecutionFailed):
		return 2
	default:
		return 1
	}
}
