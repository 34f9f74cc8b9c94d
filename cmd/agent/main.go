package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gin-gonic/gin"

	"github.com/orderup/agent/internal/agent"
	"github.com/orderup/agent/internal/auth"
	"github.com/orderup/agent/internal/coinbase"
	"github.com/orderup/agent/internal/config"
	"github.com/orderup/agent/internal/database"
	"github.com/orderup/agent/internal/ledger"
	"github.com/orderup/agent/internal/reconcile"
	"github.com/orderup/agent/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the signing client, ledger and reconciliation engine together
// and runs the operator API with graceful shutdown support.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	client := coinbase.NewClient(coinbase.Options{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.HTTPTimeout,
	})

	orders := ledger.NewDatabase(db)
	engine := reconcile.NewEngine(client, orders, cfg.SubmitMaxAttempts, cfg.SubmitGraceWindow)

	router := gin.Default()

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(cfg.OperatorAPIKey, cfg.OperatorAPISecret)
	authHandlers := auth.NewGinHandlers(authService)

	agentService := agent.NewService(orders, engine, client)
	agentHandlers := agent.NewGinHandlers(agentService)

	// Background reconciliation loop
	processor := reconcile.NewProcessor(engine, cfg.ReconcileInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	go processor.Start(processorCtx)

	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg.JWTSecret, authHandlers, agentHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down agent...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Agent exiting")
}

// setupRoutes configures the operator API:
// - Auth routes: public token issuance
// - Order and market routes: protected by JWT authentication
// - Internal routes: reconciliation trigger for operators/schedulers
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	agentHandlers *agent.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", agentHandlers.CreateOrderHandler())
			orders.GET("/:order_id", agentHandlers.GetOrderHandler())
		}

		markets := v1.Group("")
		markets.Use(middleware.JWTAuth(jwtSecret))
		{
			markets.GET("/markets", agentHandlers.ListMarketsHandler())
			markets.GET("/prices/:product_id", agentHandlers.BestBidAskHandler())
			markets.GET("/accounts", agentHandlers.ListAccountsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/reconcile", agentHandlers.ReconcileHandler())
		}
	}
}
