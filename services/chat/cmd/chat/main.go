package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"lexassist/internal/convlock"
	"lexassist/internal/idempotency"
	"lexassist/internal/ratelimit"
	"lexassist/internal/usertoken"
	"lexassist/internal/util"
	"lexassist/pkg/ai"
	"lexassist/pkg/queue"
	"lexassist/pkg/storage"
	"lexassist/pkg/store"
	"lexassist/services/chat/internal/app"
	"lexassist/services/chat/internal/config"
	"lexassist/services/chat/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(cfg)
	if err != nil {
		util.Fatal("failed to open datastore", "driver", cfg.DatabaseDriver, "err", err)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
		defer redisClient.Close()
	}

	jobs, err := openQueue(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init extraction queue", "driver", cfg.QueueDriver, "err", err)
	}
	objects, err := openObjects(cfg)
	if err != nil {
		util.Fatal("failed to init object storage", "driver", cfg.StorageDriver, "err", err)
	}
	idem, err := openIdempotency(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init idempotency store", "err", err)
	}
	turnLock, err := openTurnLock(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init conversation lock", "err", err)
	}
	limiter, err := openLimiter(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}

	model, err := ai.NewChatModel(ai.ProviderConfig{
		Provider:     cfg.GenerationProvider,
		BaseURL:      cfg.GenerationBaseURL,
		APIKey:       cfg.GenerationAPIKey,
		Model:        cfg.GenerationModel,
		ModelAliases: cfg.ModelAliases,
	})
	if err != nil {
		util.Fatal("failed to init generation provider", "provider", cfg.GenerationProvider, "err", err)
	}

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Model:             model,
		Objects:           objects,
		Jobs:              jobs,
		Idempotency:       idem,
		TurnLock:          turnLock,
		ProviderTimeout:   cfg.ProviderTimeout(),
		MaxTokens:         cfg.MaxTokens,
		ExcerptRunes:      cfg.RetrievalExcerptRunes,
		AnalysisRunes:     cfg.AnalysisMaxRunes,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	appCore.Start(ctx, cfg.QueueConcurrency)

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Auth:           tokenVerifier,
		Limiter:        limiter,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chat server listening", "addr", addr, "provider", cfg.GenerationProvider, "store", cfg.DatabaseDriver, "queue", cfg.QueueDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("chat server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := appCore.Close(); err != nil {
		logger.Error("app shutdown", "err", err)
	}
}

func openStore(cfg config.FileConfig) (store.Store, func(), error) {
	switch cfg.DatabaseDriver {
	case "memory":
		slog.Warn("using in-memory datastore; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, "sqlite"), nil
	default:
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, "postgres"), nil
	}
}

func closer(fn func() error, name string) func() {
	return func() {
		if err := fn(); err != nil {
			slog.Warn("close failed", "resource", name, "err", err)
		}
	}
}

func openQueue(cfg config.FileConfig, client *redis.Client) (queue.JobQueue, error) {
	switch cfg.QueueDriver {
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires redisAddr")
		}
		return queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     client,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
		})
	case "amqp":
		return queue.NewAMQPJobQueue(queue.AMQPQueueConfig{
			URL:        cfg.AMQPURL,
			Queue:      cfg.QueueName,
			MaxRetries: cfg.QueueMaxRetries,
		})
	default:
		return queue.NewInlineQueue(cfg.QueueMaxRetries), nil
	}
}

func openObjects(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.StorageDriver == "minio" {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFileStore(cfg.StoragePath)
}

func openIdempotency(cfg config.FileConfig, client *redis.Client) (idempotency.Store, error) {
	if client == nil {
		return idempotency.NewMemoryStore(cfg.IdempotencyWindow()), nil
	}
	return idempotency.NewRedisStore(client, "", cfg.IdempotencyWindow())
}

// openTurnLock returns nil without Redis; the in-process lock then suffices.
func openTurnLock(cfg config.FileConfig, client *redis.Client) (convlock.Locker, error) {
	if client == nil {
		return nil, nil
	}
	return convlock.NewRedisLocker(client, "", cfg.ProviderTimeout()+30*time.Second)
}

func openLimiter(cfg config.FileConfig, client *redis.Client) (ratelimit.Limiter, error) {
	if cfg.MessagesPerMinute <= 0 {
		return nil, nil
	}
	if client == nil {
		return ratelimit.NewLocalLimiter(cfg.MessagesPerMinute, time.Minute)
	}
	return ratelimit.NewRedisFixedWindowLimiter(client, "", cfg.MessagesPerMinute, time.Minute)
}
