// Command evalops runs batches of evaluation requests through the cache,
// the resilience wrapper and a bounded worker pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "evalops:", err)
		os.Exit(1)
	}
}
