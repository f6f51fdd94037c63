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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"go-buddychat/internal/chat"
	"go-buddychat/internal/config"
	"go-buddychat/internal/db"
	"go-buddychat/internal/events"
	myMiddleware "go-buddychat/internal/middleware"
	"go-buddychat/internal/presence"
	"go-buddychat/internal/ratelimit"
	"go-buddychat/internal/realtime"
	"go-buddychat/internal/roster"
	"go-buddychat/internal/search"
	"go-buddychat/internal/telemetry"
	"go-buddychat/internal/typing"
	"go-buddychat/internal/user"
	"go-buddychat/internal/visibility"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := pflag.String("addr", cfg.Addr, "http service address")
	migrate := pflag.Bool("migrate", true, "create missing tables and indexes on startup")
	pflag.Parse()

	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "go-buddychat", cfg.OTELEndpoint, cfg.OTELEnabled)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// 2. Connect to Database
	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("connected to postgres")

	if *migrate {
		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("database schema initialized")
	}

	// 3. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	// 4. Shared infrastructure
	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = ratelimit.NewRedis(redisClient)
	} else {
		mem := ratelimit.NewMemory()
		go mem.Run(ctx, cfg.SweepInterval, logger)
		limiter = mem
	}
	gate := ratelimit.NewGate(limiter, cfg.Limits())

	var bus events.Bus
	var presenceStore presence.Store
	var typingStore typing.Store
	if cfg.EphemeralBackend == config.BackendMemory {
		bus = events.NewLocal()
		ps, ts := presence.NewMemoryStore(), typing.NewMemoryStore()
		go ps.Run(ctx, cfg.SweepInterval, logger)
		go ts.Run(ctx, cfg.SweepInterval, logger)
		presenceStore, typingStore = ps, ts
	} else {
		bus = events.NewRedisBus(redisClient, logger)
		presenceStore = presence.NewRedisStore(redisClient)
		typingStore = typing.NewRedisStore(redisClient, cfg.TypingTTL)
	}

	// 5. Features
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	rosterRepo := roster.NewRepository(database.Conn)
	presenceService := presence.NewService(presenceStore, gate, bus, rosterRepo, cfg.PresenceTTL, logger)
	presenceHandler := presence.NewHandler(presenceService)

	rosterService := roster.NewService(rosterRepo, userService, presenceService, gate, bus, logger)
	rosterHandler := roster.NewHandler(rosterService)

	chatRepo := chat.NewRepository(database.Conn)
	chatService := chat.NewService(chatRepo, rosterService, gate, bus, logger)
	chatHandler := chat.NewHandler(chatService)

	typingService := typing.NewService(typingStore, chatService, gate, bus, cfg.TypingTTL, logger)
	typingHandler := typing.NewHandler(typingService)

	visibilityService := visibility.NewService(chatService, logger)
	visibilityHandler := visibility.NewHandler(visibilityService)

	searchService := search.NewService(search.NewRepository(database.Conn), logger)
	searchHandler := search.NewHandler(searchService)

	hub := realtime.NewHub(bus, logger)
	hubErr := make(chan error, 1)
	go func() { hubErr <- hub.Run(ctx) }()
	wsHandler := realtime.NewHandler(hub, presenceService, typingService, chatService, rosterService, cfg.AllowedOrigins, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time)
		r.Get("/ws", wsHandler.ServeWs)

		r.Get("/api/roster", rosterHandler.GetRoster)
		r.Get("/api/roster/buddies", rosterHandler.BuddyList)
		r.Put("/api/roster/status", rosterHandler.SetStatusText)
		r.Get("/api/roster/relations/{userID}", rosterHandler.GetRelation)
		r.Post("/api/roster/requests", rosterHandler.RequestBuddy)
		r.Post("/api/roster/requests/{userID}/accept", rosterHandler.AcceptBuddy)
		r.Post("/api/roster/requests/{userID}/decline", rosterHandler.DeclineBuddy)
		r.Delete("/api/roster/requests/{userID}", rosterHandler.CancelRequest)
		r.Delete("/api/roster/buddies/{userID}", rosterHandler.RemoveBuddy)
		r.Put("/api/roster/blocks/{userID}", rosterHandler.Block)
		r.Delete("/api/roster/blocks/{userID}", rosterHandler.Unblock)

		r.Put("/api/presence", presenceHandler.Set)
		r.Post("/api/presence/heartbeat", presenceHandler.Heartbeat)
		r.Delete("/api/presence", presenceHandler.Clear)
		r.Get("/api/presence/{userID}", presenceHandler.Get)

		r.Put("/api/rooms/{roomID}/typing", typingHandler.Set)
		r.Get("/api/rooms/{roomID}/typing", typingHandler.List)
		r.Get("/api/rooms", visibilityHandler.UserChatRooms)

		r.Get("/api/conversations", chatHandler.MyConversations)
		r.Post("/api/conversations", chatHandler.CreateConversation)
		r.Post("/api/conversations/direct", chatHandler.StartDirect)
		r.Post("/api/posts/{postID}/room", chatHandler.JoinPostRoom)
		r.Get("/api/conversations/{conversationID}", chatHandler.GetConversation)
		r.Get("/api/conversations/{conversationID}/messages", chatHandler.ListMessages)
		r.Post("/api/conversations/{conversationID}/messages", chatHandler.SendMessage)
		r.Post("/api/conversations/{conversationID}/seen", chatHandler.MarkSeen)
		r.Get("/api/conversations/{conversationID}/receipts", chatHandler.ListReceipts)
		r.Post("/api/conversations/{conversationID}/leave", chatHandler.LeaveRoom)
		r.Patch("/api/messages/{messageID}", chatHandler.EditMessage)
		r.Delete("/api/messages/{messageID}", chatHandler.DeleteMessage)
		r.Get("/api/messages/{messageID}/reactions", chatHandler.ListReactions)
		r.Post("/api/messages/{messageID}/reactions", chatHandler.AddReaction)
		r.Delete("/api/messages/{messageID}/reactions", chatHandler.RemoveReaction)
		r.Get("/api/messages/search", searchHandler.SearchMessages)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", *addr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case err := <-hubErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
