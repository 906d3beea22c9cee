// Command mdrived is the MDrive motion-control daemon: it owns one or more
// RS-232/RS-485 buses, speaks the MDrive ASCII protocol to the devices on
// them, and exposes a request/event API over the eventbus to clients such
// as mdctl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/config"
	"github.com/greezybacon/mdrived/internal/dispatch"
	"github.com/greezybacon/mdrived/internal/driver"
	"github.com/greezybacon/mdrived/internal/eventbus"
	"github.com/greezybacon/mdrived/internal/logging"
	"github.com/greezybacon/mdrived/internal/scheduler"
	"github.com/greezybacon/mdrived/internal/timer"
	"github.com/greezybacon/mdrived/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to mdrived config file (yaml/json/toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mdrived:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mdrived:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("mdrived exiting", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.DaemonConfig, log *zap.Logger) error {
	timerSvc := timer.New(log.Named("timer"))
	go timerSvc.Run()
	defer timerSvc.Stop()

	busOpts := transport.Options{
		MinTxGap:   cfg.Scheduler.MinTxGap(),
		MaxRetries: cfg.Scheduler.MaxRetries,
	}

	registry := driver.NewRegistry()
	registry.RegisterClass(driver.NewMDriveClass(busOpts, timerSvc, log.Named("mdrive")))

	cache := driver.NewInstanceCache()

	policy := scheduler.PolicyDriverGroup
	if cfg.Scheduler.Policy == "least_busy" {
		policy = scheduler.PolicyLeastBusy
	}
	sched := scheduler.New(policy, log.Named("scheduler"))
	defer sched.Shutdown()

	bus := eventbus.New(64)
	disp := dispatch.New(bus, sched, cache, registry, log.Named("dispatch"))

	for _, b := range cfg.Buses {
		if !b.AutoOpen {
			continue
		}
		if _, err := cache.Acquire(ctx, registry, b.ConnStr); err != nil {
			log.Warn("failed to preconnect configured bus", zap.String("bus", b.ID), zap.Error(err))
		}
	}

	log.Info("mdrived started",
		zap.String("policy", cfg.Scheduler.Policy),
		zap.Int("max_workers", cfg.Scheduler.MaxWorkers),
		zap.String("socket", cfg.SocketPath),
	)

	disp.Serve(ctx)

	log.Info("mdrived stopping, draining workers")
	return nil
}
