package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"crisis-chat/internal/auth"
	"crisis-chat/internal/config"
	"crisis-chat/internal/database"
	"crisis-chat/internal/handlers"
	"crisis-chat/internal/monitor"
	"crisis-chat/internal/sealing"
	"crisis-chat/internal/services"
	"crisis-chat/internal/websocket"
	"crisis-chat/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// External collaborators
	sealer := sealing.New(cfg.Sealing.Key)
	sink, err := monitor.NewSink(ctx, cfg.Redis.URL, cfg.Redis.AlertChannel)
	if err != nil {
		logger.Fatal("Failed to connect alert sink: %v", err)
	}
	defer sink.Close()

	// Coordination engine
	registry := services.NewRegistry(db, sealer)
	presence := services.NewPresence(cfg.Engine.MaxConcurrentRooms)
	matcher := services.NewMatcher(registry, presence, cfg.Engine.WaitThreshold, cfg.Engine.MatchTick)
	escalator := services.NewEscalator(registry, sink)
	hubs := websocket.NewManager()
	supervisor := websocket.NewSupervisor(registry, presence, matcher, escalator, hubs, cfg.Engine.DefaultUrgency)

	// Reload open sessions and put waiting ones back in the queue
	requeue, err := registry.Rehydrate(ctx)
	if err != nil {
		logger.Error("Rehydration failed, starting with empty registry: %v", err)
	}
	for _, roomID := range requeue {
		matcher.Enqueue(roomID)
	}

	// Matching retry tick
	go matcher.Run(ctx)

	// Initialize services and handlers
	authService := auth.NewService(db, cfg)
	authHandlers := handlers.NewAuthHandlers(authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, supervisor)

	// Setup routes
	mux := http.NewServeMux()
	mux.HandleFunc("/register", authHandlers.Register)
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/healthz", wsHandlers.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("Crisis chat server started on http://localhost%s", cfg.Server.Port)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")
	cancel()
	server.Shutdown(context.Background())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
