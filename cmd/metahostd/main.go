package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"MetaHost/internal/api"
	"MetaHost/internal/auth"
	"MetaHost/internal/config"
	"MetaHost/internal/console"
	"MetaHost/internal/events"
	"MetaHost/internal/host"
	"MetaHost/internal/journal"
	"MetaHost/internal/observability/alerting"
	"MetaHost/internal/observability/metrics"
	"MetaHost/internal/proofs"
	"MetaHost/internal/storage/mysql"
	"MetaHost/pkg/logger"
	"MetaHost/pkg/plugin"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

// main 是 MetaHost 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "metahostd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("metahostd")

	history, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}

	publisher, err := openPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer closeQuietly(log, "events", publisher)

	journalOpts := []journal.Option{
		journal.WithPublisher(publisher),
		journal.WithBuffer(cfg.Events.Buffer),
		journal.WithFingerprints(cfg.Proofs.Fingerprint),
	}
	if cfg.Proofs.SigningKey != "" {
		attestor, err := proofs.NewAttestor(cfg.Proofs.SigningKey)
		if err != nil {
			return err
		}
		log.Info("plugin events will be signed", "signer", attestor.Address().Hex())
		journalOpts = append(journalOpts, journal.WithAttestor(attestor))
	}
	if dispatcher := buildAlerting(cfg.Alerting); dispatcher.Len() > 0 {
		journalOpts = append(journalOpts, journal.WithAlerter(dispatcher))
	}
	var apiOpts []api.Option
	if history != nil {
		defer closeQuietly(log, "history", history)
		journalOpts = append(journalOpts, journal.WithHistory(history))
		apiOpts = append(apiOpts, api.WithHistory(history))
	}
	jrnl := journal.New(journalOpts...)

	m := metrics.New()
	cons := console.New()

	h, err := host.New(cfg.Plugins,
		host.WithVersion(version),
		host.WithObservers(jrnl, m, console.NewMirror(cons)),
	)
	if err != nil {
		return err
	}
	if err := console.RegisterMeta(cons, h); err != nil {
		return err
	}

	authSvc, err := auth.NewService(authConfig(cfg.Server))
	if err != nil {
		return err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		log.Warn("admin api has no tokens configured; every request is allowed")
	}

	loaded, err := h.Refresh()
	if err != nil {
		log.Warn("autoload failed", "list", cfg.Plugins.ListFile, "error", err)
	}
	log.Info("metahost started",
		"version", version,
		"api_version", plugin.APIVersion,
		"min_api_version", cfg.Plugins.MinAPIVersion,
		"plugins", loaded,
		"dir", cfg.Plugins.Dir,
	)

	apiOpts = append(apiOpts,
		api.WithConsole(cons),
		api.WithAuth(authSvc),
		api.WithMetrics(m),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)
	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := m.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("metrics listener stopped", "address", addr, "error", err)
			}
		}()
	}
	server := api.NewServer(cfg.Server.Address, h, apiOpts...)
	serveErr := server.Start(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	if !h.Shutdown() {
		log.Warn("some plugins refused to unload and were removed forcibly")
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := jrnl.Close(drainCtx); err != nil {
		log.Warn("journal did not drain", "error", err, "dropped", jrnl.Dropped())
	}
	log.Info("metahost stopped")
	return serveErr
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (mysql.HistoryRepository, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return mysql.NewMemoryHistoryRepository("", cfg.Limit)
	case "mysql":
		return mysql.NewSQLHistoryRepository(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		})
	default:
		return nil, fmt.Errorf("未知的历史存储驱动: %s", cfg.Driver)
	}
}

type publisher interface {
	events.Publisher
	io.Closer
}

func openPublisher(ctx context.Context, cfg config.EventsConfig) (publisher, error) {
	switch cfg.Driver {
	case "", "memory":
		return events.NewMemoryBus(cfg.Buffer), nil
	case "none":
		return events.Discard{}, nil
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

func buildAlerting(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func authConfig(cfg config.ServerConfig) auth.Config {
	var tokens []auth.Token
	if cfg.APIToken != "" {
		tokens = append(tokens, auth.Token{Name: "admin", Secret: cfg.APIToken, Permissions: []string{auth.PermissionAll}})
	}
	if cfg.ReadToken != "" {
		tokens = append(tokens, auth.Token{
			Name:        "reader",
			Secret:      cfg.ReadToken,
			Permissions: []string{auth.PermissionPluginsRead, auth.PermissionHistoryRead},
		})
	}
	return auth.Config{Tokens: tokens}
}

func closeQuietly(log *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("close failed", "component", name, "error", err)
	}
}
