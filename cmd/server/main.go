package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"chat_backend/internal/cache"
	"chat_backend/internal/config"
	"chat_backend/internal/handler"
	"chat_backend/internal/middleware"
	"chat_backend/internal/repository"
	"chat_backend/internal/service"
	"chat_backend/internal/stream"
	"chat_backend/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)

	// Подключение к PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Репозитории, кэш, шина событий
	repos := repository.NewRepositories(dbPool, rdb, appLogger)

	cacheLayer := cache.New(cache.NewRedisStore(rdb), cache.Options{
		MemoryTTL:     cfg.Chat.CacheTTL,
		DurableTTL:    cfg.Chat.DurableCacheTTL,
		RetryAttempts: cfg.Chat.FetchRetryAttempts,
		RetryBackoff:  cfg.Chat.FetchRetryBackoff,
	}, appLogger)

	broker := stream.NewBroker()

	// Блок-листы живут во внешнем сервисе профилей; до его подключения
	// используется заглушка.
	services := service.NewServices(repos, cacheLayer, broker, service.AllowAll{}, cfg, appLogger)

	identityMiddleware := middleware.NewIdentityMiddleware(&cfg.Auth, appLogger)
	handlers := handler.NewHandlers(services, broker, cfg, appLogger)

	router := setupRouter(handlers, identityMiddleware, cfg, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	identity *middleware.IdentityMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	// Health check
	router.GET("/health", handlers.Health.Check)

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(identity.RequireAuth())
	{
		rooms := v1.Group("/rooms")
		{
			rooms.POST("", handlers.Room.Ensure)
			rooms.GET("", handlers.Room.List)
			rooms.GET("/requests", handlers.Room.Requests)
			rooms.GET("/requests/count", handlers.Room.RequestCount)
			rooms.GET("/rejected", handlers.Room.Rejected)
			rooms.GET("/unread", handlers.Room.TotalUnread)
			rooms.GET("/:id", handlers.Room.GetByID)
			rooms.POST("/:id/accept", handlers.Room.Accept)
			rooms.POST("/:id/reject", handlers.Room.Reject)

			rooms.GET("/:id/messages", handlers.Message.List)
			rooms.POST("/:id/messages", handlers.Message.Send)
			rooms.POST("/:id/delivered", handlers.Message.MarkDelivered)
			rooms.POST("/:id/seen", handlers.Message.MarkSeen)

			rooms.PUT("/:id/typing", handlers.Room.SetTyping)
			rooms.GET("/:id/typing", handlers.Room.Typists)
		}

		v1.GET("/messages/search", handlers.Message.Search)

		presence := v1.Group("/presence")
		{
			presence.POST("/heartbeat", handlers.Presence.Heartbeat)
			presence.POST("/disconnect", handlers.Presence.Disconnect)
			presence.GET("/:userId", handlers.Presence.Get)
		}
	}

	// WebSocket: поток комнаты и персональный инбокс
	ws := router.Group("/ws")
	ws.Use(identity.RequireAuth())
	{
		ws.GET("/rooms/:id", handlers.WebSocket.HandleRoom)
		ws.GET("/inbox", handlers.WebSocket.HandleInbox)
		ws.GET("/presence/:userId", handlers.WebSocket.HandlePresence)
	}

	return router
}
