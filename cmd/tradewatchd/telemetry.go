package main

import (
	"context"
	"log/slog"

	"tradewatch-backend/lib/serviceutil"
	"tradewatch-backend/lib/telemetry"
)

// InitTelemetry configures logging and tracing for the daemon and returns a
// shutdown function for main to defer.
func InitTelemetry(ctx context.Context, verbose bool) func() {
	telemetry.InitSlog(verbose)

	t, err := telemetry.SetupFromEnv(ctx, "tradewatchd")
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	if verbose {
		telemetry.InstrumentPerfStats(ctx)
	}

	return func() {
		err := t.Shutdown(context.Background())
		if err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}
}
