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

	"github.com/example/lesion-diagnostics/internal/auth"
	"github.com/example/lesion-diagnostics/internal/classifier"
	"github.com/example/lesion-diagnostics/internal/config"
	"github.com/example/lesion-diagnostics/internal/database"
	"github.com/example/lesion-diagnostics/internal/events"
	"github.com/example/lesion-diagnostics/internal/grpcclient"
	"github.com/example/lesion-diagnostics/internal/handlers"
	"github.com/example/lesion-diagnostics/internal/imagesource"
	"github.com/example/lesion-diagnostics/internal/logging"
	"github.com/example/lesion-diagnostics/internal/repository"
	"github.com/example/lesion-diagnostics/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("LESION_CONFIG", ""))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	diagRepo := repository.NewDiagnosticRepository(db, logger)
	userRepo := repository.NewUserRepository(db, logger)
	if cfg.Database.Migrate {
		sqlDB, err := db.DB()
		if err != nil {
			logger.Fatal("failed to access db handle", zap.Error(err))
		}
		if err := database.RunMigrations(sqlDB, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
	} else if err := diagRepo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	cache := usecase.NewDiagnosticCache(initCache(ctx, cfg.Redis, logger), cfg.Redis.TTL, logger)

	gateway, conn := initGateway(ctx, cfg.Classifier, logger)
	defer conn.Close()

	var publisher interface {
		usecase.EventPublisher
		Close() error
	} = events.Nop{}
	if len(cfg.Events.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, logger)
	}
	defer publisher.Close()

	var issuer usecase.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		i, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.TokenTTL)
		if err != nil {
			logger.Fatal("invalid auth settings", zap.Error(err))
		}
		issuer = i
	}

	api := &handlers.API{
		Diagnostics: usecase.NewDiagnosticUseCase(
			diagRepo,
			userRepo,
			imagesource.NewResolver(cfg.Image, logger),
			gateway,
			cache,
			publisher,
			logger,
			usecase.WithTempDir(cfg.Image.TempDir),
		),
		Users:  usecase.NewUserUseCase(userRepo, cache, publisher, issuer, logger),
		Logger: logger,
	}

	var protect gin.HandlerFunc
	if cfg.Auth.Enabled {
		protect = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	}
	router := newRouter(api, cfg.Server, logger, protect)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("lesion diagnostics API listening", zap.String("addr", server.Addr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(api *handlers.API, cfg config.ServerConfig, logger *zap.Logger, protect gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers.RequestLogger(logger), handlers.Recovery(logger))
	if cfg.MaxUploadBytes > 0 {
		r.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxUploadBytes)
			c.Next()
		})
	}
	handlers.RegisterRoutes(r, api, protect)
	return r
}

func initCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) usecase.Cache {
	if !cfg.Enabled {
		logger.Info("redis disabled, caching turned off")
		return usecase.NopCache{}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func initGateway(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (*classifier.Gateway, interface{ Close() error }) {
	labels, err := classifier.LoadLabels(cfg.LabelsFile)
	if err != nil {
		logger.Fatal("failed to load labels", zap.Error(err))
	}
	mode, err := classifier.ParseMode(cfg.Mode)
	if err != nil {
		logger.Fatal("invalid classifier mode", zap.Error(err))
	}

	model, conn, err := grpcclient.DialModel(ctx, cfg.Addr, cfg.DialTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to classifier", zap.Error(err))
	}

	gateway, err := classifier.NewGateway(ctx, model, classifier.Options{
		Labels:    labels,
		Mode:      mode,
		InputSize: cfg.InputSize,
		Mean:      cfg.Mean,
		Std:       cfg.Std,
	}, logger)
	if err != nil {
		conn.Close()
		logger.Fatal("classifier not ready", zap.Error(err))
	}
	return gateway, conn
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
