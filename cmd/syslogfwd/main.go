// Command syslogfwd runs the syslog relay: ingress, routing, transforms
// and egress, wired from a pre-validated configuration snapshot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"syslogfwd/internal/config"
	"syslogfwd/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}
	defer zapLog.Sync()
	log := zapr.NewLogger(zapLog)

	snap, err := loadSnapshot()
	if err != nil {
		log.Error(err, "failed to load configuration snapshot")
		return 2
	}

	p, err := pipeline.New(snap, log, nil)
	if err != nil {
		log.Error(err, "pipeline construction failed")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil {
		log.Error(err, "pipeline run failed")
		return 1
	}
	return 0
}

// loadSnapshot is a placeholder for the external config loader, which is
// out of scope for this repository (§1). A real deployment wires this to
// whatever produces a validated config.Snapshot.
func loadSnapshot() (config.Snapshot, error) {
	return config.Snapshot{}, nil
}
