package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"tradeengine/internal/bot"
	"tradeengine/internal/config"
	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/internal/service"
	"tradeengine/internal/websocket"
	"tradeengine/pkg/utils"
)

// app - собранный процесс: хранилище, сервисы, hub и движок одного режима
type app struct {
	cfg *config.Config
	log *utils.Logger

	db            *sql.DB
	store         *repository.Store
	settings      *service.SettingsService
	notifications *service.NotificationService
	hub           *websocket.Hub
	venue         exchange.LiveVenue
	engine        *bot.Engine
}

// initLogger настраивает глобальный zap логгер из конфигурации
func initLogger(cfg *config.Config) *utils.Logger {
	return utils.InitGlobalLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
}

// openStore подключается к БД и применяет схему
func openStore(ctx context.Context, cfg *config.Config, mode models.TradingMode) (*repository.Store, error) {
	dialect, err := repository.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	db, err := repository.Open(ctx, dialect, cfg.Database.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repository.NewStore(db, dialect, mode), nil
}

// loadSettings поднимает SettingsService; SETTINGS_FILE нужен только пустой БД
func loadSettings(ctx context.Context, cfg *config.Config, store *repository.Store, log *utils.Logger) (*service.SettingsService, error) {
	var seed *models.Settings
	if cfg.Engine.SettingsFile != "" {
		s, err := service.LoadSeedFile(cfg.Engine.SettingsFile)
		if err != nil {
			return nil, err
		}
		seed = s
	}
	settings := service.NewSettingsService(store.Settings, log)
	if err := settings.Load(ctx, seed); err != nil {
		return nil, err
	}
	return settings, nil
}

func bybitConfig(cfg *config.Config, withCredentials bool) (exchange.BybitConfig, error) {
	bc := exchange.BybitConfig{
		Testnet:      cfg.Broker.Testnet,
		BaseURL:      cfg.Broker.BaseURL,
		WSPublicURL:  cfg.Broker.WSPublic,
		WSPrivateURL: cfg.Broker.WSPrivate,
		RecvWindow:   cfg.Broker.RecvWindow,
		HTTP:         exchange.DefaultHTTPClientConfig(),
		WS:           exchange.DefaultWSReconnectConfig(),
		OrderRate:    cfg.Broker.OrderRate,
		ReadRate:     cfg.Broker.ReadRate,
	}
	if withCredentials {
		secret, err := cfg.BrokerSecret()
		if err != nil {
			return bc, err
		}
		bc.APIKey = cfg.Broker.APIKey
		bc.APISecret = secret
	}
	return bc, nil
}

func engineConfig(cfg *config.Config, mode models.TradingMode) bot.EngineConfig {
	ec := bot.DefaultEngineConfig()
	ec.Mode = mode
	ec.InitialBalance = cfg.Engine.InitialBalance
	ec.TradingOnStart = cfg.Engine.TradingOnStart
	ec.OrderTimeout = cfg.Engine.OrderTimeout
	ec.BrokerTimeout = cfg.Engine.BrokerTimeout
	ec.ReconcileInterval = cfg.Engine.ReconcileInterval
	ec.BalanceTolerance = cfg.Engine.BalanceTolerance
	ec.BreakerThreshold = cfg.Engine.BreakerThreshold
	ec.BreakerCooldown = cfg.Engine.BreakerCooldown
	ec.ProtectiveInterval = cfg.Engine.ProtectiveInterval
	ec.HealthInterval = cfg.Engine.HealthInterval
	ec.Symbols = cfg.Broker.Symbols
	ec.Sim = bot.SimConfig{
		MaxSlippageBps: cfg.Engine.SimSlippageBps,
		FeeRate:        cfg.Engine.SimFeeRate,
		Latency:        cfg.Engine.SimLatency,
		Seed:           cfg.Engine.SimSeed,
	}
	ec.Paper.FeeRate = cfg.Engine.SimFeeRate
	return ec
}

// buildApp собирает зависимости. Движок не запущен.
//
// В paper цены всё равно идут из публичного потока брокера, ключи
// для него не нужны. В live тот же адаптер отдаёт REST и поток аккаунта.
func buildApp(ctx context.Context, cfg *config.Config, log *utils.Logger) (*app, error) {
	mode := models.TradingMode(cfg.Engine.Mode)

	store, err := openStore(ctx, cfg, mode)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: store.DB, store: store}

	a.settings, err = loadSettings(ctx, cfg, store, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.hub = websocket.NewHub(log, cfg.Server.AllowedOrigins...)
	a.notifications = service.NewNotificationService(store.Notifications, log, cfg.Engine.NotificationBuffer)
	a.notifications.SetWebSocketHub(a.hub)
	a.settings.Subscribe(func(s models.Settings) {
		a.hub.BroadcastEvent("settings_updated", map[string]interface{}{"version": s.Version})
	})

	bc, err := bybitConfig(cfg, mode == models.ModeLive)
	if err != nil {
		a.close()
		return nil, err
	}
	a.venue, err = exchange.NewLiveVenue(cfg.Broker.Name, bc, log)
	if err != nil {
		a.close()
		return nil, err
	}

	deps := bot.EngineDeps{
		Tickers:  a.venue,
		Stores:   bot.StoresFromRepository(store),
		Settings: a.settings,
		Notifier: a.notifications,
		Sink:     a.hub,
	}
	if mode == models.ModeLive {
		deps.Live = a.venue
	}

	a.engine, err = bot.NewEngine(engineConfig(cfg, mode), deps, log)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// superviseServices ставит hub и доставку уведомлений под надзор движка
func (a *app) superviseServices() error {
	retention := a.cfg.Engine.NotificationMaxAge
	return multierr.Combine(
		a.engine.Supervise("ws-hub", a.hub.Run),
		a.engine.Supervise("notifications", func(ctx context.Context) error {
			a.notifications.Run(ctx)
			return ctx.Err()
		}),
		a.engine.Supervise("notification-cleanup", func(ctx context.Context) error {
			ticker := time.NewTicker(6 * time.Hour)
			defer ticker.Stop()
			for {
				if n, err := a.notifications.CleanupOld(ctx, retention); err != nil {
					a.log.Warn("notification cleanup failed", utils.Err(err))
				} else if n > 0 {
					a.log.Info("old notifications removed", utils.Int64("count", n))
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		}),
	)
}

func (a *app) close() error {
	var err error
	if a.venue != nil {
		err = multierr.Append(err, a.venue.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	return err
}
