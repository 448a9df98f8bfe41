package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tikzmotion/internal/cli"
)

// main is a thin boundary: arguments are canonicalized into an
// Invocation before any pipeline logic runs, and pipeline outcomes map
// to semantic exit codes.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := cli.Run(ctx, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "tikzmotion:", err)
	}
	os.Exit(result.ExitCode)
}
