package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/docpipe/internal/config"
	"github.com/mtzanidakis/docpipe/internal/filestore"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/mtzanidakis/docpipe/internal/pipeline"
	"github.com/mtzanidakis/docpipe/internal/scheduler"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/telegram"
	"github.com/mtzanidakis/docpipe/internal/vault"
	"github.com/mtzanidakis/docpipe/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("docpipe %s\n", version)
		return
	case "gateway":
		err = runGateway()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "seal":
		err = runSeal()
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: docpipe <command>

Commands:
  gateway    Start the document pipeline service
  backup     Archive the database and uploads (-f <output.tar.zst>)
  restore    Restore an archive (-f <backup.tar.zst> [-overwrite])
  seal       Encrypt existing uploads with the vault passphrase
  version    Print version
`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	return cfg, nil
}

func openVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.Vault.Passphrase == "" {
		return nil, nil
	}
	return vault.New(cfg.Vault.Passphrase)
}

func runGateway() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting docpipe gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS for events and IPC
	ns, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer ns.Close()
	events, err := natsbus.NewClient(ns)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer events.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	v, err := openVault(cfg)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if v == nil {
		slog.Warn("vault passphrase not set, uploads stored unencrypted")
	}

	files, err := filestore.New(cfg.Files.UploadDir, v)
	if err != nil {
		return fmt.Errorf("init uploads: %w", err)
	}

	pipe := pipeline.New(cfg, db, files, events)
	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	ipc, err := pipe.Orchestrator.ServeIPC(events, func(id string) (string, error) {
		d, err := db.GetDocument(id)
		if err != nil {
			return "", err
		}
		if d == nil {
			return "", fmt.Errorf("document %s not found", id)
		}
		return d.Path, nil
	})
	if err != nil {
		return fmt.Errorf("serve ipc: %w", err)
	}
	defer ipc.Close()

	// Maintenance
	sched, err := scheduler.New(pipe.Orchestrator, db, events, cfg.Maintenance)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	go sched.Start(ctx)

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, pipe, events)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, files, pipe, events, cfg, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	if err := pipe.Stop(context.Background()); err != nil {
		slog.Warn("pipeline stop incomplete", "error", err)
	}
	return nil
}

func runSeal() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := openVault(cfg)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if v == nil {
		return fmt.Errorf("vault passphrase not set (DOCPIPE_VAULT_PASSPHRASE)")
	}
	files, err := filestore.New(cfg.Files.UploadDir, v)
	if err != nil {
		return err
	}
	sealed, skipped, err := files.SealAll()
	if err != nil {
		return err
	}
	fmt.Printf("Sealed %d uploads, %d already sealed\n", sealed, skipped)
	return nil
}
