// Command foremand is the Foreman orchestration daemon. It opens the
// task, worker, account, and secret stores, builds the engine around the
// configured execution substrate, and runs the recovery supervisor until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/GoCodeAlone/foreman/account"
	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/events"
	"github.com/GoCodeAlone/foreman/executor/cli"
	"github.com/GoCodeAlone/foreman/internal/version"
	"github.com/GoCodeAlone/foreman/policy"
	"github.com/GoCodeAlone/foreman/secrets"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/worker"
)

var (
	configPath = flag.String("config", "foreman.yaml", "path to config file")
	agentCmd   = flag.String("agent", "claude", "agent CLI command to launch workers with")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting foremand",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}

	tasks, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer tasks.Close()

	workers, err := worker.NewSQLiteStore(filepath.Join(cfg.DataDir, "workers.db"))
	if err != nil {
		log.Fatalf("Failed to open worker store: %v", err)
	}
	defer workers.Close()

	accounts, err := account.NewSQLiteStore(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		log.Fatalf("Failed to open account store: %v", err)
	}
	defer accounts.Close()

	var broker *secrets.Broker
	if passphrase := os.Getenv("FOREMAN_SECRETS_KEY"); passphrase != "" {
		broker, err = secrets.Open(filepath.Join(cfg.DataDir, "secrets.db"), passphrase)
		if err != nil {
			log.Fatalf("Failed to open secrets broker: %v", err)
		}
		defer broker.Close()
		if err := broker.LoadAll(); err != nil {
			logger.Warn("priming secret redaction cache failed", "error", err)
		}
	} else {
		logger.Warn("FOREMAN_SECRETS_KEY not set; secrets broker disabled")
	}

	hook, err := policy.New(policy.Config{
		DangerousCommands: cfg.Policy.DangerousCommands,
		SensitivePaths:    cfg.Policy.SensitivePaths,
	})
	if err != nil {
		log.Fatalf("Failed to compile security policy: %v", err)
	}

	substrate, err := cli.New(cli.Config{Command: *agentCmd}, logger)
	if err != nil {
		log.Fatalf("Failed to build executor: %v", err)
	}

	opts := engine.Options{
		Config:   cfg.Engine,
		Tasks:    tasks,
		Workers:  workers,
		Accounts: accounts,
		Policy:   hook,
		Bus:      events.NewBus(),
		Executor: substrate,
		Logger:   logger,
	}
	if broker != nil {
		opts.Redactor = broker
	}
	eng, err := engine.New(opts)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	var refs engine.RefCleaner
	if broker != nil {
		refs = broker
	}
	supervisor := engine.NewSupervisor(eng, refs, cfg.Supervisor.SweepInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("supervisor stopped", "error", err)
		}
	}()

	fmt.Printf("Foreman daemon running (data dir: %s)\n", cfg.DataDir)
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	cancel()
	eng.Shutdown()
	fmt.Println("Shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
