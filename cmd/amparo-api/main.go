package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amparo-app/backend/internal/auth"
	"github.com/amparo-app/backend/internal/config"
	"github.com/amparo-app/backend/internal/database"
	"github.com/amparo-app/backend/internal/enrich"
	"github.com/amparo-app/backend/internal/inchurch"
	"github.com/amparo-app/backend/internal/ingest"
	"github.com/amparo-app/backend/internal/initiatives"
	"github.com/amparo-app/backend/internal/jobs"
	"github.com/amparo-app/backend/internal/logging"
	"github.com/amparo-app/backend/internal/people"
	"github.com/amparo-app/backend/internal/ratelimit"
	"github.com/amparo-app/backend/internal/server"
	"github.com/amparo-app/backend/internal/synclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "amparo-api",
		Short: "Amparo pastoral-care backend service",
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
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Runtime environment (development, production)")
	cmd.PersistentFlags().String("model-base-url", defaults.GetString("model.base_url"), "Analysis model endpoint")
	cmd.PersistentFlags().String("model-name", defaults.GetString("model.name"), "Analysis model name")
	cmd.PersistentFlags().String("inchurch-base-url", defaults.GetString("inchurch.base_url"), "InChurch API base URL")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("pipeline.batch_size"), "Pipeline batch size")
	cmd.PersistentFlags().String("webhook-signing-secret", "", "Webhook signing secret (overrides env)")
	cmd.PersistentFlags().String("cron-secret", "", "Cron bearer secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "model.base_url", "model-base-url")
	bindFlag(cmd, "model.name", "model-name")
	bindFlag(cmd, "inchurch.base_url", "inchurch-base-url")
	bindFlag(cmd, "pipeline.batch_size", "batch-size")
	bindFlag(cmd, "webhook.signing_secret", "webhook-signing-secret")
	bindFlag(cmd, "cron.secret", "cron-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
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

	idProvider := people.NewUUIDProvider()

	peopleService, err := people.NewService(people.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logStore, err := synclog.NewStore(synclog.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:   db,
		People:     peopleService,
		Log:        logStore,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	modelClient, err := enrich.NewHTTPModelClient(enrich.HTTPModelClientConfig{
		BaseURL: appConfig.ModelBaseURL,
		APIKey:  appConfig.ModelAPIKey,
		Model:   appConfig.ModelName,
	})
	if err != nil {
		return err
	}

	enrichService, err := enrich.NewService(enrich.ServiceConfig{
		Database: db,
		People:   peopleService,
		Model:    modelClient,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	generator, err := initiatives.NewGenerator(initiatives.GeneratorConfig{
		Database:   db,
		People:     peopleService,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	directory, err := inchurch.NewClient(inchurch.ClientConfig{
		BaseURL: appConfig.InChurchBaseURL,
		APIKey:  appConfig.InChurchAPIKey,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	pacer, err := ratelimit.NewBucket(ratelimit.BucketConfig{
		Capacity:    1,
		RefillEvery: appConfig.OrgDelay,
	})
	if err != nil {
		return err
	}

	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Database:                db,
		People:                  peopleService,
		Ingest:                  ingestService,
		Enrich:                  enrichService,
		Generator:               generator,
		Directory:               directory,
		Log:                     logStore,
		Pacer:                   pacer,
		Logger:                  logger,
		BatchSize:               appConfig.BatchSize,
		MaxInitiativesPerPerson: appConfig.MaxInitiativesPerPerson,
		Budget:                  appConfig.JobBudget,
	})
	if err != nil {
		return err
	}

	cronAuthorizer := auth.NewCronAuthorizer(auth.CronAuthorizerConfig{
		Secret:      appConfig.CronSecret,
		TestAPIKey:  appConfig.TestAPIKey,
		Development: appConfig.IsDevelopment(),
	})

	var sessionValidator *auth.SessionValidator
	if appConfig.SessionSigningSecret != "" {
		sessionValidator = auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
		})
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ingest:        ingestService,
		Runner:        runner,
		Enrich:        enrichService,
		Generator:     generator,
		Cron:          cronAuthorizer,
		Sessions:      sessionValidator,
		Directory:     directory,
		WebhookSecret: []byte(appConfig.WebhookSigningSecret),
		Logger:        logger,
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
