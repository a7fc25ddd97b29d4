// Command godeck runs deck-driven processing pipelines: it parses card
// decks, validates them against the step catalog and executes their step
// graphs, delivering outputs to each deck's sink directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/godeck/internal/cli"
)

func main() {
	// Interrupts cancel in-flight steps; remaining decks in a batch are
	// recorded as failed rather than silently dropped.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
