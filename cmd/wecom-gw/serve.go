package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gw/internal/callback"
	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/dedupe"
	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/handler"
	"github.com/mattjoyce/wecom-gw/internal/lock"
	"github.com/mattjoyce/wecom-gw/internal/log"
	"github.com/mattjoyce/wecom-gw/internal/storage"
	"github.com/mattjoyce/wecom-gw/internal/wecom"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

const pruneInterval = time.Minute

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the callback gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("wecom-gw starting", "version", version, "config", cfg.SourceFile)

	if err := storage.CheckLocalDisk(cfg.State.Path); err != nil {
		return err
	}
	pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.State.Path))
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	crypter, err := newCrypter(cfg)
	if err != nil {
		return err
	}

	hub := events.NewHub(cfg.Admin.EventBuffer)
	ledger := dedupe.NewLedger(db, cfg.State.DedupeTTL, log.WithComponent("dedupe"))

	client := newClient(cfg)
	creds := credential.NewManager(client, credentialConfig(cfg), log.WithComponent("credential"), hub)
	sender := newDispatcher(cfg, client, creds, hub)

	registry := handler.NewRegistry()
	handler.RegisterDefaults(registry, sender, log.WithComponent("handler"))

	server := callback.New(callback.Config{
		Name:           cfg.Service.Name,
		Version:        version,
		Listen:         cfg.Service.Listen,
		MaxBodySize:    cfg.Service.MaxBodyBytes,
		HandlerTimeout: cfg.Service.HandlerTimeout,
		AdminEnabled:   cfg.Admin.Enabled,
		AdminAPIKey:    cfg.Admin.APIKey,
	}, crypter, registry, ledger, creds, hub, log.WithComponent("callback"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ledger.RunPruner(ctx, pruneInterval)

	// Warm the credential so the first handler does not pay for the fetch.
	go func() {
		if _, err := creds.Get(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("initial credential fetch failed", "error", err)
		}
	}()

	logger.Info("wecom-gw running", "listen", cfg.Service.Listen, "corp_id", cfg.WeCom.CorpID, "agent_id", cfg.WeCom.AgentID)

	err = server.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("callback server failed", "error", err)
		return err
	}

	logger.Info("wecom-gw stopped")
	return nil
}

func newCrypter(cfg *config.Config) (*wxcrypt.Crypter, error) {
	codec, err := wxcrypt.NewCodec(cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
	if err != nil {
		return nil, fmt.Errorf("init message codec: %w", err)
	}
	crypter, err := wxcrypt.NewCrypter(cfg.WeCom.Token, codec)
	if err != nil {
		return nil, fmt.Errorf("init envelope crypter: %w", err)
	}
	return crypter, nil
}

func newClient(cfg *config.Config) *wecom.Client {
	return wecom.NewClient(wecom.Config{
		BaseURL: cfg.WeCom.APIBaseURL,
		CorpID:  cfg.WeCom.CorpID,
		Secret:  cfg.WeCom.Secret,
		AgentID: cfg.WeCom.AgentID,
		Timeout: cfg.WeCom.RequestTimeout,
	}, log.WithComponent("wecom"))
}

func credentialConfig(cfg *config.Config) credential.Config {
	return credential.Config{
		SafetyMargin: cfg.Credential.SafetyMargin,
		MaxAttempts:  cfg.Credential.MaxAttempts,
		BackoffBase:  cfg.Credential.BackoffBase,
		BackoffMax:   cfg.Credential.BackoffMax,
		FetchTimeout: cfg.Credential.FetchTimeout,
	}
}
