// Command nodee is the per-node service runner. It loads the YAML manifest,
// downloads and starts the declared services, runs the chore-keeping
// out-of-memory supervisor over them, announces the node in ZooKeeper,
// exposes the HTTP control plane, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/la3lma/nodee/internal/artifact"
	"github.com/la3lma/nodee/internal/audit"
	"github.com/la3lma/nodee/internal/chorekeeper"
	"github.com/la3lma/nodee/internal/cluster"
	"github.com/la3lma/nodee/internal/config"
	"github.com/la3lma/nodee/internal/journal"
	"github.com/la3lma/nodee/internal/server/rest"
	"github.com/la3lma/nodee/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/nodee/config.yaml", "path to the nodee YAML manifest")
	flag.Parse()

	// Load and validate the manifest.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodee: %v\n", err)
		os.Exit(1)
	}

	// Initialise structured slog logger from config log level.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("manifest loaded",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("log_level", cfg.LogLevel),
		slog.Int("num_services", len(cfg.Services)),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", slog.String("path", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}

	// Open the lifecycle-event journal.
	journalPath := filepath.Join(cfg.DataDir, "journal.db")
	j, err := journal.Open(journalPath)
	if err != nil {
		logger.Error("failed to open journal", slog.String("path", journalPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("journal opened", slog.String("path", journalPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := j.Record(ctx, "", "node_started", map[string]any{"pid": os.Getpid()}); err != nil {
		logger.Warn("journal write failed", slog.Any("error", err))
	}

	// Materialise service binaries and register the services.
	fetcher := artifact.NewFetcher(filepath.Join(cfg.DataDir, "artifacts"), logger)
	sup := supervisor.New(logger, j)
	for _, sc := range cfg.Services {
		binPath := sc.Command
		if sc.Artifact.URL != "" {
			binPath, err = fetcher.Ensure(ctx, sc.Name, sc.Artifact.URL, sc.Artifact.SHA256)
			if err != nil {
				logger.Error("failed to fetch service artifact",
					slog.String("service", sc.Name),
					slog.Any("error", err),
				)
				os.Exit(1)
			}
			if err := j.Record(ctx, sc.Name, "artifact_fetched", map[string]any{"sha256": sc.Artifact.SHA256}); err != nil {
				logger.Warn("journal write failed", slog.Any("error", err))
			}
		}

		sup.Add(supervisor.NewService(sc.Name, binPath, sc.Args, chorekeeper.Capacity{
			TypicalPages: sc.Capacity.TypicalMemoryPages,
			PeakPages:    sc.Capacity.PeakMemoryPages,
			Value:        sc.Capacity.Value,
		}, logger, j))

		logger.Info("registered service",
			slog.String("service", sc.Name),
			slog.String("command", binPath),
			slog.Uint64("typical_pages", sc.Capacity.TypicalMemoryPages),
			slog.Uint64("peak_pages", sc.Capacity.PeakMemoryPages),
			slog.Int("value", sc.Capacity.Value),
		)
	}

	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	// Open the tamper-evident kill ledger. Open also verifies the existing
	// chain, so a ledger edited while the node was down fails loudly here.
	killLogPath := filepath.Join(cfg.DataDir, "kills.log")
	killLog, err := audit.Open(killLogPath)
	if err != nil {
		logger.Error("failed to open kill ledger", slog.String("path", killLogPath), slog.Any("error", err))
		os.Exit(1)
	}

	// Start the chore keeper over the supervisor's managed processes. A
	// broken environment (the process directory disappearing) is the one
	// fault that takes the whole runner down.
	keeper := chorekeeper.New(sup, logger, chorekeeper.WithKillCallback(func(p chorekeeper.Process) {
		sup.RecordKill(p)

		rec := audit.KillRecord{
			PID:              p.PID(),
			RSSPages:         p.CurrentRSS(),
			RecentPageFaults: p.RecentPageFaults(),
			Value:            p.Capacity().Value,
		}
		if svc, ok := p.(*supervisor.Service); ok {
			rec.Service = svc.Name()
		}
		if _, err := killLog.Append(rec); err != nil {
			logger.Warn("kill ledger write failed", slog.Any("error", err))
		}
	}))
	keeperErr := make(chan error, 1)
	go func() {
		if err := keeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			keeperErr <- err
		}
	}()

	// Announce the node in ZooKeeper, if configured.
	var announcer *cluster.Announcer
	if len(cfg.ZooKeeper.Servers) > 0 {
		hostname, _ := os.Hostname()
		serviceNames := make([]string, 0, len(cfg.Services))
		for _, sc := range cfg.Services {
			serviceNames = append(serviceNames, sc.Name)
		}
		announcer = cluster.New(
			cfg.ZooKeeper.Servers,
			cfg.ZooKeeper.Path,
			time.Duration(cfg.ZooKeeper.SessionTimeoutSeconds)*time.Second,
			cluster.Announcement{
				Hostname:    hostname,
				ControlAddr: cfg.ListenAddr,
				Services:    serviceNames,
				StartedAt:   time.Now().UTC(),
			},
			logger,
		)
		if err := announcer.Start(ctx); err != nil {
			// Membership is advisory; the node keeps running without it.
			logger.Warn("cluster announcement unavailable", slog.Any("error", err))
			announcer = nil
		}
	}

	// Start the HTTP control plane.
	var pubKey *rsa.PublicKey
	if cfg.Auth.PublicKeyPath != "" {
		pubKey, err = rest.LoadPublicKey(cfg.Auth.PublicKeyPath)
		if err != nil {
			logger.Error("failed to load control-plane public key", slog.Any("error", err))
			os.Exit(1)
		}
	}

	controlServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(rest.NewServer(sup, j, keeper), pubKey),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control plane listening", slog.String("addr", cfg.ListenAddr))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control plane error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM, SIGINT, or a fatal keeper error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-keeperErr:
		logger.Error("chore keeper terminated", slog.Any("error", err))
		exitCode = 1
	}

	// Graceful shutdown: deregister first, then stop services, then the
	// control plane.
	if announcer != nil {
		announcer.Stop()
	}
	sup.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control plane shutdown error", slog.Any("error", err))
	}

	if err := killLog.Close(); err != nil {
		logger.Warn("kill ledger close error", slog.Any("error", err))
	}
	if err := j.Close(); err != nil {
		logger.Warn("journal close error", slog.Any("error", err))
	}

	logger.Info("nodee exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
