// Command veritas runs the VERITAS decision gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veritas-ai/veritas"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := veritas.New(veritas.WithVersion(version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "veritas: startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "veritas: %v\n", err)
		os.Exit(1)
	}
}
