// Command securitycore bootstraps every security-core component and
// runs the token vault's expired-token janitor sweep on a fixed
// interval until interrupted. It is the minimal process that proves the
// wiring in internal/coreapi is correct; a real deployment embeds
// internal/coreapi's components into its own transport layer instead of
// running this binary directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironvault/securitycore/internal/coreapi"
)

const (
	janitorInterval  = 15 * time.Minute
	janitorRetention = 24 * time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := coreapi.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securitycore: bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer core.Close()

	core.Logger.Info("securitycore_started", "environment", core.Config.Environment)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			core.Logger.Info("securitycore_shutting_down")
			return
		case <-ticker.C:
			affected, err := core.Tokens.CleanupExpired(ctx, janitorRetention)
			if err != nil {
				core.Logger.Error("token_janitor_failed", "error", err)
				continue
			}
			core.Logger.Info("token_janitor_swept", "deleted", affected)
		}
	}
}
