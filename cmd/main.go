package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"hcmfetch/internal/adapter"
	_ "hcmfetch/internal/adapter/adpvantage"
	"hcmfetch/internal/config"
	"hcmfetch/internal/core/discovery"
	"hcmfetch/internal/core/download"
	"hcmfetch/internal/core/ratelimit"
	"hcmfetch/internal/core/report"
	"hcmfetch/internal/core/retry"
	"hcmfetch/internal/core/session"
	"hcmfetch/internal/core/state"
	"hcmfetch/internal/logger"
	"hcmfetch/internal/platform/browser"
)

func main() {
	var (
		system     = flag.String("system", "", "HRIS system to target (required)")
		configPath = flag.String("config", "", "path to system config YAML (default: config/<system>.yaml)")
		output     = flag.String("output", "", "override the output directory from config")
		workers    = flag.Int("workers", 0, "number of concurrent download workers (overrides config)")
		resume     = flag.Bool("resume", false, "continue discovery from the last saved listing page")
		resetState = flag.Bool("reset-state", false, "wipe persisted state and start a completely fresh run")
		logDir     = flag.String("log-dir", "logs", "directory for the per-system state database")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger.SetLevel(*logLevel)
	log := logger.New("main")

	if *system == "" {
		fmt.Fprintf(os.Stderr, "usage: hcmfetch --system <name> [flags]\nknown systems: %v\n", adapter.Systems())
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*system, *configPath)
	if err != nil {
		log.LogFatal("load config", err)
	}
	if *output != "" {
		cfg.Output.Directory = *output
	}
	if *workers > 0 {
		cfg.Concurrency.Workers = *workers
	}

	store, err := state.Open(filepath.Join(*logDir, *system+".db"))
	if err != nil {
		log.LogFatal("open state database", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *resetState {
		if err := store.Reset(ctx); err != nil {
			log.LogFatal("reset state", err)
		}
		log.LogInfo("database state reset, starting fresh")
	}

	// Crash recovery: anything left claimed/downloading by a previous
	// process goes back to pending before workers start.
	if recovered, err := store.ResetInFlight(ctx); err != nil {
		log.LogFatal("reset in-flight documents", err)
	} else if recovered > 0 {
		log.LogInfof("recovered %d in-flight document(s) from a previous run", recovered)
	}

	if *resume {
		if page, ok, _ := store.LoadPageProgress(ctx); ok {
			log.LogInfof("resuming after listing page %d", page)
		}
	} else if err := store.ClearDiscoveryProgress(ctx); err != nil {
		log.LogFatal("clear discovery progress", err)
	}

	meta := state.RunMeta{
		RunID:     uuid.NewString(),
		System:    *system,
		OutputDir: cfg.Output.Directory,
		StartedAt: time.Now().UTC(),
	}
	if err := store.SetRunMeta(ctx, meta); err != nil {
		log.LogFatal("persist run metadata", err)
	}

	// The reporter runs over whatever the store holds: at completion, on
	// interrupt, and best-effort even when the run died.
	runErr := run(ctx, log, cfg, store, *system)

	reporter := report.New(store, cfg.Output.Directory)
	if summary, rerr := reporter.Generate(context.Background()); rerr != nil {
		log.LogError("generate report", rerr)
	} else {
		snap, _ := store.Snapshot(context.Background())
		reporter.PrintSummary(os.Stdout, summary, snap.Failed)
	}

	if runErr != nil && ctx.Err() == nil {
		log.LogFatal("run failed", runErr)
	}
	if ctx.Err() != nil {
		log.LogInfo("interrupted, state persisted for --resume")
	}
}

// run performs the browser-bound portion: manual login, discovery, then the
// concurrent download phase.
func run(ctx context.Context, log *logger.Logger, cfg *config.Config, store *state.Store, system string) error {
	sess, err := browser.Start(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Navigate(cfg.LoginStartURL()); err != nil {
		return err
	}
	if err := sess.PauseForLogin(); err != nil {
		return err
	}

	policy := retry.New(cfg.Retry.MaxAttempts, cfg.RetryBaseDelay(), cfg.RetryMaxDelay())

	mainAdapter, err := adapter.New(system, cfg, sess.Page())
	if err != nil {
		return err
	}

	walker := discovery.New(store, mainAdapter, policy)
	if derr := walker.Run(ctx); derr != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Discovery halting is not fatal: everything already persisted
		// still downloads, and the report flags the run as incomplete.
		log.LogError("discovery halted, continuing with discovered documents", derr)
	}

	limiter := ratelimit.New(cfg.RateLimit.DownloadsPerMinute, time.Minute)
	guard := session.New(nil)

	factory := func(ctx context.Context, workerID string) (adapter.Adapter, func() error, error) {
		page, err := sess.NewPage()
		if err != nil {
			return nil, nil, err
		}
		a, err := adapter.New(system, cfg, page)
		if err != nil {
			_ = page.Close()
			return nil, nil, err
		}
		return a, func() error { return page.Close() }, nil
	}

	orch := download.New(store, limiter, guard, policy, factory, download.Options{
		Workers:     cfg.Concurrency.Workers,
		MaxAttempts: cfg.Retry.MaxAttempts,
		OutputDir:   cfg.Output.Directory,
		DelayMin:    time.Duration(cfg.Download.DelayMin * float64(time.Second)),
		DelayMax:    time.Duration(cfg.Download.DelayMax * float64(time.Second)),
	})
	return orch.Run(ctx)
}
