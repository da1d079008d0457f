// Command bootstrap is the entrypoint of environment containers. It brings
// the environment volumes and application to a serving state, then execs
// the serving process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/splax/sitestack/internal/bootstrap"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/logger"
)

func main() {
	cfg := config.LoadBootstrapConfig()
	log := logger.New("bootstrap", logger.ParseLevel(cfg.LogLevel)).With("platform", cfg.Platform)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	machine, err := bootstrap.Build(cfg, log, bootstrap.Options{})
	if err == nil {
		err = machine.Run(ctx)
	}
	if err != nil {
		log.Error("bootstrap failed", "error", err, "exit_code", bootstrap.ExitCode(err))
		stop()
		os.Exit(bootstrap.ExitCode(err))
	}
	// start-service replaces the process on success; reaching here means
	// the sequence had nothing to exec.
	log.Error("bootstrap finished without starting a service")
	stop()
	os.Exit(bootstrap.ExitService)
}
