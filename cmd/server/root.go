package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/api"
	"github.com/shehryarbajwa/quotefill/internal/browser"
	"github.com/shehryarbajwa/quotefill/internal/config"
	"github.com/shehryarbajwa/quotefill/internal/evidence"
	"github.com/shehryarbajwa/quotefill/internal/filler"
	"github.com/shehryarbajwa/quotefill/internal/idempotency"
	"github.com/shehryarbajwa/quotefill/internal/observability"
	"github.com/shehryarbajwa/quotefill/internal/orchestrator"
	"github.com/shehryarbajwa/quotefill/internal/proxy"
	"github.com/shehryarbajwa/quotefill/internal/ratelimit"
	"github.com/shehryarbajwa/quotefill/internal/session"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

const envPrefix = "QUOTEFILL"

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "quotefill",
		Short:         "Fills vendor quote forms in a headless browser and commits or cancels them.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}

			logger := observability.InitializeLogger(cfg.Logger)
			defer observability.Sync(logger)

			logger.Info("Starting quotefill.",
				zap.String("version", Version),
				zap.String("environment", cfg.Environment),
				zap.String("browser_backend", cfg.Browser.Backend),
			)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.Flags().String("addr", "", "listen address, overrides server.addr")
	cmd.Flags().String("env", "", "environment: development or production")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("environment", cmd.Flags().Lookup("env"))
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	return cmd
}

// loadConfig layers defaults, the optional config file, .env and the process
// environment into a validated Config.
func loadConfig(v *viper.Viper, cfgFile string) (*config.Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	config.SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return config.NewConfigFromViper(v)
}

// serve wires every component and blocks until ctx is cancelled or the
// listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, logger)
	limiter.Start(cfg.RateLimit.SweepInterval)
	defer limiter.Stop()

	records := idempotency.NewStore(cfg.Idempotency.TTL, logger)
	records.Start(cfg.Idempotency.SweepInterval)
	defer records.Stop()

	launcher, err := browser.NewLauncher(cfg.Browser, cfg.IsDevelopment(), logger)
	if err != nil {
		return fmt.Errorf("failed to create browser launcher: %w", err)
	}
	sessions := session.NewManager(launcher, logger)
	defer func() {
		if err := sessions.CloseLauncher(); err != nil {
			logger.Warn("Error releasing browser launcher.", zap.Error(err))
		}
	}()

	gcs, closeStorage, err := evidence.NewGCSUploader(ctx, cfg.Evidence, logger)
	if err != nil {
		return fmt.Errorf("failed to set up evidence storage: %w", err)
	}
	defer func() { _ = closeStorage() }()

	var uploader evidence.Uploader
	if gcs != nil {
		uploader = gcs
	} else {
		logger.Warn("Evidence bucket not configured, jobs will be refused.")
	}

	orch := orchestrator.New(orchestrator.Deps{
		Limiter:     limiter,
		Idempotency: records,
		Sessions:    sessions,
		Filler: filler.New(filler.Options{
			ElementWait:         cfg.Filler.ElementWait,
			PollInterval:        cfg.Filler.PollInterval,
			FieldTimeout:        cfg.Filler.FieldTimeout,
			SubmitNavTimeout:    cfg.Filler.SubmitNavTimeout,
			SubmitFallbackDelay: cfg.Filler.SubmitFallbackDelay,
			PreparerName:        cfg.Filler.PreparerName,
		}, logger),
		Uploader: uploader,
	}, orchestrator.Options{
		NavigationTimeout:  cfg.Navigation.Timeout,
		NetworkIdleTimeout: cfg.Navigation.NetworkIdleTimeout,
		NetworkIdleQuiet:   cfg.Navigation.NetworkIdleQuiet,
		RetryDelay:         cfg.Navigation.RetryDelay,
	}, logger)

	handler := api.NewHandler(orch, sessions, records, logger)
	srv := api.NewHTTPServer(cfg.Server, handler.SetupRoutes(proxy.NewServer(sessions, logger)))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening.", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received.")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	// Refuse new jobs and release browsers before draining connections.
	if err := orch.Shutdown(); err != nil {
		logger.Warn("Some browser sessions failed to close.", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped cleanly.")
	return nil
}
