// hackstoned - file integrity monitoring daemon
//
// Watches configured directory trees, maintains per-scope baselines,
// ingests remote agent events, and serves the HTTP/SSE surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hackstone/internal/api"
	"hackstone/internal/audit"
	"hackstone/internal/baseline"
	"hackstone/internal/config"
	"hackstone/internal/govern"
	"hackstone/internal/history"
	"hackstone/internal/ingest"
	"hackstone/internal/logging"
	"hackstone/internal/metrics"
	"hackstone/internal/pipeline"
	"hackstone/internal/quarantine"
	"hackstone/internal/rules"
	"hackstone/internal/suppress"
	"hackstone/internal/timeline"
	"hackstone/internal/watcher"
)

func main() {
	configPath := flag.String("config", "hackstone.toml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hackstoned: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	log := logging.New(&logging.Config{Level: level, Format: format, Component: "hackstoned"})
	logging.SetDefault(log)

	for _, dir := range append([]string{cfg.Storage.Dir, cfg.Storage.QuarantineDir}, cfg.Watch.Paths...) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	filter := govern.New(cfg.Watch.IgnorePatterns, cfg.Watch.IncludeHidden)

	store, rebuilt, err := baseline.Open(cfg.Storage.Dir, cfg.Watch.Paths, filter, log.WithComponent("baseline"))
	if err != nil {
		return fmt.Errorf("open baseline store: %w", err)
	}

	ruleSet, err := rules.LoadFile(cfg.Storage.RulesPath, log.WithComponent("rules"))
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	engine, err := rules.NewEngine(ruleSet, cfg.Server.Environment)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	auditLog, err := audit.Open(cfg.Storage.AuditLog)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	m := metrics.New()
	hist := history.New(500)
	suppressor := suppress.New(cfg.SuppressionWindow(), cfg.Suppression.Threshold, cfg.SuppressionStale(), nil)
	stager := quarantine.New(cfg.Storage.QuarantineDir, log.WithComponent("quarantine"))

	proc := pipeline.New(pipeline.Config{
		Labels:     pipeline.Labels{Host: cfg.Server.Host, Site: cfg.Server.Site},
		Filter:     filter,
		Baseline:   store,
		Engine:     engine,
		Suppressor: suppressor,
		Stager:     stager,
		History:    hist,
		Audit:      auditLog,
		Metrics:    m,
		Log:        log.WithComponent("pipeline"),
	})

	if rebuilt {
		proc.EmitBaselineEvent(baseline.ScopeLocal, store.Size(baseline.ScopeLocal))
	}

	registry, err := ingest.LoadRegistry(cfg.Storage.AgentsPath, log.WithComponent("ingest"))
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	ingestSvc := ingest.New(registry, proc, m, log.WithComponent("ingest"), nil, cfg.Ingest.BufferSize)

	w, err := watcher.New(cfg.Watch.Paths, cfg.Debounce(), store, filter, proc, log.WithComponent("watcher"))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	gcStop := make(chan struct{})
	go suppressor.Run(gcStop)
	defer close(gcStop)

	srv := api.New(api.Config{
		WatchDirs:  cfg.Watch.Paths,
		Store:      store,
		Filter:     filter,
		History:    hist,
		Correlator: timeline.New(hist, nil),
		Ingest:     ingestSvc,
		Processor:  proc,
		Metrics:    m,
		Log:        log.WithComponent("api"),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	for _, scope := range store.Scopes() {
		if err := store.Save(scope); err != nil {
			log.Warn("baseline save failed", "scope", scope, "error", err)
		}
	}
	return nil
}
