// Package main provides the HTTP API server that emits events through the transactional outbox.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/txevents/internal/app"
	"github.com/jnst/txevents/internal/config"
	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/repository"
	"github.com/jnst/txevents/internal/service"
	"github.com/jnst/txevents/internal/stream"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	exitCode          = 1
)

type storage struct {
	outboxRepo     repository.OutboxRepository
	transactionMgr repository.TransactionManager
	close          func()
}

func setupStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.UseMemoryStorage() {
		store := repository.NewMemoryStore()
		return &storage{
			outboxRepo:     repository.NewMemoryOutboxRepository(store),
			transactionMgr: repository.NewMemoryTransactionManager(store),
			close:          func() {},
		}, nil
	}

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := repository.EnsureSchema(ctx, dbPool); err != nil {
		dbPool.Close()
		return nil, err
	}

	return &storage{
		outboxRepo:     repository.NewOutboxRepositoryImpl(dbPool),
		transactionMgr: repository.NewTransactionManagerImpl(dbPool),
		close:          dbPool.Close,
	}, nil
}

func main() {
	// 環境変数読み込み
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	// ログ設定
	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up storage", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer store.close()

	var extra []eventbus.Interceptor
	if cfg.ForwardToStream {
		redisClient, err := stream.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
			os.Exit(exitCode)
		}
		defer redisClient.Close()

		writer := stream.NewRedisWriter(redisClient, cfg.StreamKey)
		extra = append(extra, eventbus.NewStreamForwarder(writer, loggerInstance))
	}

	// 依存関係注入
	rt, err := app.NewRuntime(cfg, loggerInstance, extra...)
	if err != nil {
		slog.Error("failed to build runtime", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer rt.Close()

	uow := service.NewUnitOfWorkImpl(store.transactionMgr, rt.Adapter, loggerInstance)
	eventService := service.NewEventServiceImpl(uow, store.outboxRepo, rt.Bus)

	server := NewAPIServer(eventService, rt.Bus, loggerInstance)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(cfg.MetricsEnabled),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		// フィードを閉じてからシャットダウン
		rt.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down server", slog.String("error", err.Error()))
		}
	}()

	slog.Info("starting API server",
		slog.String("service", "api"),
		slog.String("port", cfg.Port),
		slog.String("storage", cfg.StorageDriver),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to start server", slog.String("error", err.Error()))
		return
	}
}
