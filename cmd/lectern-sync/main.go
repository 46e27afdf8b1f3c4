package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lectern-live/lectern/internal/auth"
	"github.com/lectern-live/lectern/internal/config"
	"github.com/lectern-live/lectern/internal/crdt"
	"github.com/lectern-live/lectern/internal/database"
	"github.com/lectern-live/lectern/internal/document"
	"github.com/lectern-live/lectern/internal/logging"
	"github.com/lectern-live/lectern/internal/server"
	"github.com/lectern-live/lectern/internal/sync"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lectern-sync",
		Short: "Lectern realtime document sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("auth-cookie-name", defaults.GetString("auth.cookie_name"), "Session token cookie name")
	cmd.PersistentFlags().StringSlice("cors-allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS and websocket origins")
	cmd.PersistentFlags().Duration("idle-grace", defaults.GetDuration("sync.idle_grace"), "Grace period before an observer-less document unloads")
	cmd.PersistentFlags().Duration("meta-debounce", defaults.GetDuration("sync.meta_debounce"), "Quiet period before watched metadata flushes")
	cmd.PersistentFlags().Duration("meta-max-staleness", defaults.GetDuration("sync.meta_max_staleness"), "Upper bound on metadata flush delay")
	cmd.PersistentFlags().Duration("append-retry-backoff", defaults.GetDuration("sync.append_retry_backoff"), "Initial backoff between failed persistence attempts")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.cookie_name", "auth-cookie-name")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
	bindFlag(cmd, "sync.idle_grace", "idle-grace")
	bindFlag(cmd, "sync.meta_debounce", "meta-debounce")
	bindFlag(cmd, "sync.meta_max_staleness", "meta-max-staleness")
	bindFlag(cmd, "sync.append_retry_backoff", "append-retry-backoff")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := document.NewStore(document.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	resolver, err := document.NewResolver(document.ResolverConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registry, err := sync.NewRegistry(sync.RegistryConfig{
		Store:              store,
		NewMerger:          func() crdt.Merger { return crdt.NewDoc() },
		Logger:             logger,
		IdleGrace:          appConfig.IdleGrace,
		MetaDebounce:       appConfig.MetaDebounce,
		MetaMaxStaleness:   appConfig.MetaMaxStaleness,
		AppendRetryBackoff: appConfig.AppendRetryBackoff,
	})
	if err != nil {
		return err
	}

	var identity server.IdentityVerifier
	if appConfig.AnonymousOnly() {
		logger.Warn("no signing secret configured, admitting anonymous sessions only")
	} else {
		verifier, verifierErr := auth.NewVerifier(auth.VerifierConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if verifierErr != nil {
			return verifierErr
		}
		identity = verifier
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Resolver:       resolver,
		Registry:       registry,
		Identity:       identity,
		Logger:         logger,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// Actors flush pending metadata and drain their persistence queues here.
		return registry.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
