package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/biocard/internal/accounts"
	"github.com/example/biocard/internal/auth"
	"github.com/example/biocard/internal/config"
	"github.com/example/biocard/internal/grpcclient"
	"github.com/example/biocard/internal/handlers"
	"github.com/example/biocard/internal/ledger"
	"github.com/example/biocard/internal/logging"
	"github.com/example/biocard/internal/notify"
	"github.com/example/biocard/internal/repository"
	"github.com/example/biocard/internal/templates"
	"github.com/example/biocard/internal/usecase"
)

const demoHolderEmail = "john.smith@example.com"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{FilePath: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dir := accounts.NewDirectory()
	if cfg.SeedDemoData {
		if err := accounts.SeedDemo(dir, demoHolderEmail); err != nil {
			logger.Fatal("failed to seed demo data", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient = initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
	}

	templateStore := initTemplateStore(redisClient, logger)
	ledgerStore := initLedgerStore(ctx, cfg.DatabaseDSN, logger)

	notifier, closeNotifier := initNotifier(ctx, cfg, logger)
	defer closeNotifier()

	var cache usecase.Cache = usecase.NewMemoryCache()
	if redisClient != nil {
		cache = usecase.NewRedisCache(redisClient)
	}

	ldg := ledger.New(ledgerStore, dir, logger)
	authorizer := usecase.NewAuthorizer(dir, templateStore, ldg, notifier, logger,
		usecase.WithFallbackRecipient(cfg.AlertFallback),
		usecase.WithGrantCache(cache))

	sessions := usecase.NewSessions(authorizer, cache, logger)

	r := gin.Default()
	handlers.RegisterRoutes(r, handlers.Services{
		Engine:       authorizer,
		Attempts:     sessions,
		Transactions: ldg,
		Directory:    dir,
		Logger:       logger,
	}, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("biocard API listening", zap.String("addr", cfg.HTTPAddr))
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := sessions.Shutdown(drainCtx); err != nil {
		logger.Warn("verification attempts did not drain", zap.Error(err))
	}
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initLedgerStore(ctx context.Context, dsn string, logger *zap.Logger) ledger.Store {
	if dsn == "" {
		logger.Info("DATABASE_DSN not set, keeping transactions in memory")
		return ledger.NewMemoryStore()
	}
	repo := repository.NewTransactionRepository(initDatabase(ctx, dsn, logger), logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initTemplateStore(client *redis.Client, logger *zap.Logger) templates.Store {
	if client == nil {
		logger.Info("REDIS_ADDR not set, keeping templates in memory")
		return templates.NewMemoryStore()
	}
	store, err := templates.NewRedisStore(client)
	if err != nil {
		logger.Fatal("failed to build template store", zap.Error(err))
	}
	return store
}

func initNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Dispatcher, func()) {
	switch cfg.Notifier {
	case config.NotifierAMQP:
		d, err := notify.DialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to message broker", zap.Error(err))
		}
		return d, func() {
			if err := d.Close(); err != nil {
				logger.Warn("failed to close broker connection", zap.Error(err))
			}
		}
	case config.NotifierGRPC:
		n, conn, err := grpcclient.DialNotifier(ctx, cfg.NotifierGRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to notification gateway", zap.Error(err))
		}
		return n, func() { conn.Close() }
	default:
		return notify.NewLogDispatcher(logger), func() {}
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
