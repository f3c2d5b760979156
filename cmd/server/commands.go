package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"tradeengine/internal/api"
	"tradeengine/internal/config"
	"tradeengine/internal/models"
	"tradeengine/pkg/crypto"
	"tradeengine/pkg/utils"
)

// Заполняются через -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

// newRootCmd создаёт корневую команду
func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "tradeengine",
		Short:         "Trade execution and risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	load := func() (*config.Config, *utils.Logger, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return nil, nil, err
		}
		return cfg, initLogger(cfg), nil
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newReconcileCmd(load))
	rootCmd.AddCommand(newSettingsCmd(load))
	rootCmd.AddCommand(newSecretsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

type loader func() (*config.Config, *utils.Logger, error)

// ============================================================
// serve
// ============================================================

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *utils.Logger) error {
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warn("close failed", utils.Err(err))
		}
	}()

	// движок живёт дольше ctx: сначала гасим HTTP, потом циклы
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	if err := a.engine.Start(engineCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := a.superviseServices(); err != nil {
		cancelEngine()
		a.engine.Wait()
		return err
	}

	router := api.SetupRoutes(&api.Dependencies{
		Engine:          a.engine,
		Settings:        a.settings,
		Trades:          a.store.Trades,
		Orders:          a.store.Orders,
		Reconciliations: a.store.Reconciliations,
		Notifications:   a.notifications,
		Hub:             a.hub,
		TokenHash:       cfg.Security.OperatorTokenHash,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening",
			utils.String("addr", server.Addr),
			utils.Mode(cfg.Engine.Mode),
			utils.String("db", cfg.Database.DSNWithoutPassword()),
		)
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case serveErr = <-errCh:
		log.Error("http server failed", utils.Err(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", utils.Err(err))
	}

	cancelEngine()
	a.engine.Wait()
	log.Info("engine stopped")
	return serveErr
}

// ============================================================
// reconcile
// ============================================================

func newReconcileCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and print the record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()
			// одиночный проход не должен торговать
			cfg.Engine.TradingOnStart = false

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			engineCtx, cancel := context.WithCancel(ctx)
			if err := a.engine.Start(engineCtx); err != nil {
				cancel()
				return err
			}
			rec, recErr := a.engine.Reconcile(engineCtx)
			cancel()
			a.engine.Wait()
			if recErr != nil {
				return recErr
			}

			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return err
			}
			if !rec.Clean() {
				return fmt.Errorf("reconciliation corrected %d discrepancies", len(rec.Discrepancies))
			}
			return nil
		},
	}
}

// ============================================================
// settings
// ============================================================

func newSettingsCmd(load loader) *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Risk settings management",
	}

	settingsCmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the current settings version as a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, models.TradingMode(cfg.Engine.Mode))
			if err != nil {
				return err
			}
			defer store.Close()

			settings, err := loadSettings(cmd.Context(), cfg, store, log)
			if err != nil {
				return err
			}
			return settings.ExportYAML(cmd.OutOrStdout())
		},
	})

	return settingsCmd
}

// ============================================================
// token / secret
// ============================================================

func newSecretsCmd() *cobra.Command {
	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Helpers for OPERATOR_TOKEN_HASH and BROKER_API_SECRET",
	}

	var cost int
	hashCmd := &cobra.Command{
		Use:   "hash-token TOKEN",
		Short: "Print a bcrypt hash of the operator token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := crypto.HashToken(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	hashCmd.Flags().IntVar(&cost, "cost", 12, "bcrypt cost")

	secretsCmd.AddCommand(hashCmd)
	secretsCmd.AddCommand(&cobra.Command{
		Use:   "seal SECRET",
		Short: "Encrypt the broker API secret with ENCRYPTION_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("ENCRYPTION_KEY")
			sealed, err := crypto.SealSecret(args[0], []byte(key))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	})
	return secretsCmd
}

// ============================================================
// version
// ============================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tradeengine %s (%s)\n", version, commit)
		},
	}
}
