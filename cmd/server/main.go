// Package main runs the polls HTTP server with WebSocket result pushes and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/verified-polls/backend/config"
	"github.com/verified-polls/backend/internal/collectibles"
	"github.com/verified-polls/backend/internal/identity"
	"github.com/verified-polls/backend/internal/middleware"
	"github.com/verified-polls/backend/internal/polls"
	"github.com/verified-polls/backend/internal/realtime"
	"github.com/verified-polls/backend/internal/synccache"
	"github.com/verified-polls/backend/internal/voting"
	"github.com/verified-polls/backend/pkg/database"
	"github.com/verified-polls/backend/pkg/metrics"
	"github.com/verified-polls/backend/pkg/queue"
	"github.com/verified-polls/backend/pkg/redis"
	"github.com/verified-polls/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	m := metrics.New()

	var backend polls.Backend
	switch cfg.Store.Backend {
	case "memory":
		backend = polls.NewMemoryBackend()
		logger.Warn("using in-memory poll store; data is lost on restart")
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		backend = polls.NewPostgresBackend(pool)
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Store + cross-instance change feed
	feed := realtime.NewRedisPubSub(rdb.Client, logger)
	store := polls.NewStore(backend, polls.Options{
		RetryAttempts:  cfg.Store.RetryAttempts,
		RetryBaseDelay: cfg.Store.RetryBaseDelay,
		Publisher:      feed,
		Metrics:        m,
		Logger:         logger,
	})
	if cfg.Store.SeedSampleData {
		if err := polls.Seed(ctx, store); err != nil {
			logger.Error("seed sample data", zap.Error(err))
		}
	}

	// Results cache pushes recomputed results to websocket clients
	hub := realtime.NewHub(logger, m)
	cache := synccache.New(store, synccache.Options{
		RefreshInterval: cfg.Sync.RefreshInterval,
		Logger:          logger,
		Metrics:         m,
		Watched:         hub.Watched,
	})
	cache.AddListener(hub)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	votingService := voting.NewService(store, cache, jobQueue, m, logger)
	votingHandler := voting.NewHandler(votingService, logger)

	jwtService := identity.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := identity.NewHandler(identity.NewAdapter(logger), jwtService, cache, logger)
	collectiblesHandler := collectibles.NewHandler(collectibles.NewStore(rdb.Client), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Auth (public)
	router.POST("/auth/login", authHandler.Login)

	// Reads (token optional; tier comes from the token when present)
	public := router.Group("")
	public.Use(middleware.OptionalJWT(jwtService))
	{
		public.GET("/polls", votingHandler.List)
		public.GET("/polls/passcode/:code", votingHandler.GetByPasscode)
		public.GET("/polls/:id", votingHandler.Get)
		public.GET("/polls/:id/results", votingHandler.Results)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/auth/me", authHandler.Me)
		api.POST("/auth/logout", authHandler.Logout)

		api.POST("/polls", votingHandler.Create)
		api.POST("/polls/:id/votes", votingHandler.Vote)
		api.GET("/polls/:id/voted", votingHandler.Voted)

		api.GET("/me/votes", votingHandler.MyVotes)
		api.GET("/me/collectibles", collectiblesHandler.ListMine)
	}

	// WebSocket (token in query, optional)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtService.ValidateIdentity, votingService.GetResults))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops: change feed and cache refresh
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go func() {
		if err := feed.Run(loopCtx, store); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("change feed stopped", zap.Error(err))
		}
	}()
	go cache.Run(loopCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	loopCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
