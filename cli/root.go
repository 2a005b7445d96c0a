// Package cli wires the feedcore daemon: configuration, Postgres (gorm +
// pgx), the Redis job queue, the RabbitMQ embedding publisher, the
// resolver and its caches, the ingestion engine, the scheduler, the
// sweeper, and the admin HTTP surface, all in one process with a graceful
// shutdown sequence.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ironscout.dev/feedcore/admin"
	"ironscout.dev/feedcore/cache"
	"ironscout.dev/feedcore/common"
	"ironscout.dev/feedcore/config"
	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/db/repository"
	"ironscout.dev/feedcore/ingest"
	"ironscout.dev/feedcore/metrics"
	"ironscout.dev/feedcore/normalize"
	"ironscout.dev/feedcore/queue"
	redisq "ironscout.dev/feedcore/queue/redis"
	"ironscout.dev/feedcore/resolver"
	"ironscout.dev/feedcore/scheduler"
	"ironscout.dev/feedcore/security"
	"ironscout.dev/feedcore/sweeper"
	"ironscout.dev/feedcore/transport"
	"ironscout.dev/feedcore/worker"
)

// cfgFile is the config file path from --config; empty means the default
// search path ($HOME/.feedcore.yaml, ./.feedcore.yaml, env).
var cfgFile string

// RootCmd is the feedcore daemon entry point.
var RootCmd = &cobra.Command{
	Use:   "feedcored",
	Short: "Catalog feed ingestion and product resolution daemon",
	Long: `feedcored runs the full catalog pipeline in one process:
the feed scheduler, the FTP/SFTP ingestion engine, the product resolver
worker pool, the stuck-job sweeper, and the admin HTTP surface.`,
	Run: runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.feedcore.yaml)")
	RootCmd.Flags().String("database-url", "", "Postgres DSN")
	RootCmd.Flags().String("redis-url", "", "Redis URL for the job queue")
	RootCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for the embedding queue")
	RootCmd.Flags().String("admin-addr", "", "admin HTTP listen address")
	RootCmd.Flags().Int("resolver-concurrency", 0, "resolver worker count")

	_ = viper.BindPFlag("database_url", RootCmd.Flags().Lookup("database-url"))
	_ = viper.BindPFlag("redis_url", RootCmd.Flags().Lookup("redis-url"))
	_ = viper.BindPFlag("rabbitmq_url", RootCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("admin_addr", RootCmd.Flags().Lookup("admin-addr"))
	_ = viper.BindPFlag("resolver_concurrency", RootCmd.Flags().Lookup("resolver-concurrency"))
}

// initConfig reads the config file and environment. Flags override env,
// env overrides file values, file values override defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".feedcore")
	}

	viper.SetEnvPrefix("FEEDCORE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).Info("loaded config file")
	}
}

// loadConfig merges the env-derived defaults with any Viper overrides.
func loadConfig() config.IngestConfig {
	cfg := config.LoadIngestConfig()
	if v := viper.GetString("database_url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := viper.GetString("redis_url"); v != "" {
		cfg.RedisURL = v
	}
	if v := viper.GetString("rabbitmq_url"); v != "" {
		cfg.RabbitMQURL = v
	}
	if v := viper.GetString("admin_addr"); v != "" {
		cfg.AdminHTTPAddr = v
	}
	if v := viper.GetInt("resolver_concurrency"); v > 0 {
		cfg.ResolverConcurrency = v
	}
	return cfg
}

func runDaemon(cmd *cobra.Command, args []string) {
	log := common.NewLogger(common.DefaultLoggerConfig())
	cfg := loadConfig()
	log.WithFields(map[string]interface{}{
		"database_url": common.MaskSecret(cfg.DatabaseURL),
		"redis_url":    common.MaskSecret(cfg.RedisURL),
		"admin_addr":   cfg.AdminHTTPAddr,
	}).Info("starting feedcored")

	if cfg.SecretEncKey == "" {
		log.Fatal("FEEDCORE_SECRET_ENC_KEY is required to decrypt feed credentials")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("FEEDCORE_JWT_SECRET is required for the admin surface")
	}

	// Persistence.
	gdb, err := db.OpenGORM(cfg.DatabaseURL, 20)
	if err != nil {
		log.WithError(err).Fatal("postgres (gorm) connect failed")
	}
	if err := gdb.AutoMigrate(db.AllModels()...); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}
	pgdb, err := db.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("postgres (pgx) connect failed")
	}
	defer pgdb.Close()

	repo := repository.NewPostgresRepository(gdb)

	// Queues.
	ctx := context.Background()
	rq, err := redisq.NewQueue(ctx, redisq.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		log.WithError(err).Fatal("redis queue connect failed")
	}
	defer rq.Close()

	var embeddings queue.EmbeddingPublisher
	if cfg.RabbitMQURL != "" {
		rabbit, err := queue.NewRabbitMQService(queue.RabbitConfig{
			RabbitMQURL: cfg.RabbitMQURL,
			QueueName:   queue.QueueEmbeddingGenerate,
		})
		if err != nil {
			log.WithError(err).Fatal("rabbitmq connect failed")
		}
		defer rabbit.Close()
		embeddings = rabbit
	}

	// Caches + invalidation.
	trustCache := cache.NewTrustCache(repo)
	aliasCache := cache.NewAliasCache(repo)
	if err := aliasCache.Rebuild(); err != nil {
		log.WithError(err).Warn("initial brand-alias load failed, starting empty")
	}
	aliasCache.Start()
	defer aliasCache.Stop()

	stopInvalidation, err := cache.WireInvalidation(pgdb.Pool(), trustCache, aliasCache)
	if err != nil {
		log.WithError(err).Fatal("cache invalidation listeners failed")
	}
	defer stopInvalidation()

	// Metrics + resolver.
	m := metrics.NewMetrics("feedcore")
	res := resolver.New(resolver.Deps{
		SourceProducts:    repo,
		Links:             repo,
		Products:          repo,
		AliasWalker:       repo,
		Trust:             trustCache,
		Aliases:           aliasCache,
		DictionaryVersion: normalize.DictionaryVersion,
		ResolverVersion:   cfg.ResolverVersion,
	})

	// Worker pools.
	resolvePool := worker.NewPool(rq, &worker.ResolverProcessor{
		Resolver:   res,
		Links:      repo,
		Sources:    repo,
		Requests:   repo,
		Settings:   repo,
		Embeddings: embeddings,
		Metrics:    m,
		Log:        log,
		LogDir:     cfg.LogDir,
	}, queue.QueueProductResolve, cfg.ResolverConcurrency, log)
	resolvePool.Start()
	defer resolvePool.Stop()

	engine := &ingest.Engine{
		Feeds:      repo,
		Runs:       repo,
		Sources:    repo,
		Requests:   repo,
		Settings:   repo,
		Locker:     pgdb,
		Transports: transport.New,
		Queue:      rq,
		Metrics:    m,
		Log:        log,
		Cfg: ingest.Config{
			DefaultMaxFileSizeBytes: cfg.DefaultMaxFileSizeBytes,
			DefaultMaxRowCount:      cfg.DefaultMaxRowCount,
			ControlTimeout:          cfg.TransportControlTimeout,
			DataTimeout:             cfg.TransportDataTimeout,
			ResolveJobDebounce:      cfg.ResolveJobDebounce,
			ResolverVersion:         cfg.ResolverVersion,
			LogDir:                  cfg.LogDir,
			SecretEncKey:            cfg.SecretEncKey,
		},
	}
	ingestPool := worker.NewPool(rq, &worker.IngestProcessor{Engine: engine, Log: log},
		queue.QueueAffiliateFeedIngest, 2, log)
	ingestPool.Start()
	defer ingestPool.Stop()

	// Scheduler + sweeper tickers.
	sched := &scheduler.Scheduler{
		Feeds:    repo,
		Runs:     repo,
		Settings: repo,
		Queue:    rq,
		Log:      log,
		Interval: cfg.SchedulerInterval,
	}
	sched.Start()
	defer sched.Stop()

	sw := &sweeper.Sweeper{
		Requests:        repo,
		Queue:           rq,
		Log:             log,
		Interval:        cfg.SweeperInterval,
		StuckAfter:      cfg.SweeperStuckAfter,
		BatchLimit:      cfg.SweeperBatchLimit,
		ResolverVersion: cfg.ResolverVersion,
		LogDir:          cfg.LogDir,
		LogRetention:    cfg.LogRetention,
	}
	sw.Start()
	defer sw.Stop()

	// Admin HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	adminServer := &admin.Server{
		Actions: &admin.Actions{
			Feeds:      repo,
			Runs:       repo,
			Sources:    repo,
			Trust:      repo,
			Settings:   repo,
			Locker:     pgdb,
			Notifier:   pgdb,
			Queue:      rq,
			TrustCache: trustCache,
			Log:        log,

			Transports:     transport.New,
			SecretEncKey:   cfg.SecretEncKey,
			ControlTimeout: cfg.TransportControlTimeout,
		},
		JWT: security.NewJWTService(cfg.JWTSecret),
	}
	adminServer.SetupRoutes(e)

	go func() {
		log.WithField("addr", cfg.AdminHTTPAddr).Info("admin surface listening")
		if err := e.Start(cfg.AdminHTTPAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("admin server failed")
		}
	}()

	// Wait for SIGINT/SIGTERM, then stop in reverse dependency order (the
	// deferred stops above unwind after the HTTP listener closes).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("admin server shutdown failed")
	}
}

// Execute runs the root command.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		return fmt.Errorf("feedcored: %w", err)
	}
	return nil
}
