package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"slack-channel-automator/config"
	"slack-channel-automator/handlers"
	"slack-channel-automator/services"
)

var flagEnvFile string

var rootCmd = &cobra.Command{
	Use:   "slack-channel-automator",
	Short: "Scheduled posts, auto cleanup and triggers for Slack channels",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP endpoints and the scheduler",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or extend the database tables",
	RunE:  runMigrate,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run one cleanup pass over every channel rule and exit",
	RunE:  runPurge,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "path to an optional .env file")
	rootCmd.AddCommand(serveCmd, migrateCmd, purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute slack-channel-automator command")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg)
	return cfg, nil
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	if err := services.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := openDB(cfg); err != nil {
		return err
	}
	log.Info().Str("db", cfg.DBPath).Msg("migration finished")
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := services.NewGormStore(db)
	effector := services.NewSlackEffector(cfg.SlackBotToken, cfg.EffectorTimeout)
	result, err := services.NewPurger(store, effector, cfg.PurgeHistoryLimit).Run(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("deleted", result.Deleted).
		Int("protected", result.Protected).
		Int("permission_denied", result.PermissionDenied).
		Int("failed", result.Failed).
		Msg("purge finished")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := services.NewGormStore(db)
	effector := services.NewSlackEffector(cfg.SlackBotToken, cfg.EffectorTimeout)
	executor := services.NewActionExecutor(store, effector)
	purger := services.NewPurger(store, effector, cfg.PurgeHistoryLimit)
	cleaner := services.NewRangeCleaner(effector, services.NewMarkerTable(), cfg.RangeHistoryLimit)
	matcher := services.NewTriggerMatcher(store, effector, cfg.AckReaction)

	scheduler := services.NewScheduler(store, executor, services.SchedulerOptions{
		Interval: cfg.TickInterval,
		Location: cfg.Location,
		Alarms:   cfg.Alarms,
		PurgeAt:  cfg.PurgeAt,
		Purger:   purger,
	})

	router := handlers.NewRouter(&handlers.Deps{
		Store:         store,
		Effector:      effector,
		Executor:      executor,
		Matcher:       matcher,
		Cleaner:       cleaner,
		Location:      cfg.Location,
		SigningSecret: cfg.SlackSigningSecret,
		EventTimeout:  3 * cfg.EffectorTimeout,
		RangeTimeout:  cfg.RangeDeleteTimeout,
	})
	if cfg.SlackSigningSecret == "" {
		log.Warn().Msg("SLACK_SIGNING_SECRET is not set, request signatures are not verified")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx)
	}()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	<-done

	log.Info().Msg("shutdown complete")
	return nil
}
