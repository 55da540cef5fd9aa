package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/qrfoundry/qrfoundry/internal/config"
	"github.com/qrfoundry/qrfoundry/internal/database"
	"github.com/qrfoundry/qrfoundry/internal/docstore"
	"github.com/qrfoundry/qrfoundry/internal/encoding"
	"github.com/qrfoundry/qrfoundry/internal/handlers"
	"github.com/qrfoundry/qrfoundry/internal/qrops"
	"github.com/qrfoundry/qrfoundry/internal/ratelimit"
	"github.com/qrfoundry/qrfoundry/internal/scanlog"
	"github.com/qrfoundry/qrfoundry/internal/settings"
	"github.com/qrfoundry/qrfoundry/internal/storage"
	"github.com/qrfoundry/qrfoundry/internal/token"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	db, err := database.NewPostgresDB(logger, database.PostgresConfig{
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		DBName:   cfg.PostgresDatabase,
		SSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		logger.WithError(err).Fatal("Database setup failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	documents := docstore.NewGormFieldReader(db)
	resolver, err := encoding.NewResolver(documents, cfg.PublicURL)
	if err != nil {
		logger.WithError(err).Fatal("Resolver setup failed")
	}

	tokens := token.NewStore(logger, db, resolver)
	limiter := ratelimit.NewRedisWindow(rdb, "qr:rl")
	settingsProvider := settings.NewProvider(logger, db, cfg.SettingsRefresh)
	audit := scanlog.NewWriter(logger, db)

	imageStore := storage.NewS3Storage(storage.S3Config{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		PublicBaseURL: cfg.S3PublicBaseURL,
	})

	ops := qrops.NewService(logger, db, resolver, tokens, documents, imageStore,
		cfg.PublicURL, cfg.ImageSize)

	identity := handlers.AnonymousIdentity
	if cfg.TrustedProxyHeaders {
		identity = handlers.HeaderIdentity
	}

	resolveHandler := handlers.NewResolveHandler(logger, tokens, resolver, limiter,
		settingsProvider, audit, identity, cfg.TrustedProxyHeaders)
	generationHandler := handlers.NewGenerationHandler(logger, ops, identity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := token.NewSweeper(logger, db, cfg.TokenSweepInterval)
	go sweeper.Start(ctx)

	ipLimiter := handlers.NewIPRateLimiter(cfg.IPRateLimit, cfg.IPRateLimitWindow,
		cfg.TrustedProxyHeaders)
	go ipLimiter.Cleanup()

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger, cfg.TrustedProxyHeaders))
	r.Use(ipLimiter.Middleware)
	handlers.RegisterRoutes(r, resolveHandler, generationHandler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
	}()

	logger.WithField("addr", server.Addr).Info("Starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server failed")
	}
}
