package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	_ "github.com/znsflow/backend/docs"
	"github.com/znsflow/backend/internal/config"
	"github.com/znsflow/backend/internal/database"
	"github.com/znsflow/backend/internal/dispatch"
	"github.com/znsflow/backend/internal/handlers"
	mW "github.com/znsflow/backend/internal/middleware"
	"github.com/znsflow/backend/internal/provider"
	"github.com/znsflow/backend/internal/services"
)

// @title ZNSFlow Backend API
// @version 1.0
// @description Multi-tenant ZNS messaging platform with prepaid wallet billing
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("oa.encryption_key", "OA_ENCRYPTION_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	topupCfg := config.LoadTopupConfig()
	billingCfg := config.LoadBillingConfig()
	dispatchCfg := config.LoadDispatchConfig()
	providerCfg := config.LoadProviderConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	ledgerService := services.NewWalletLedgerService(db)
	topupService := services.NewTopupService(db, redisClient, ledgerService, topupCfg)

	oaService, err := services.NewOAService(db, viper.GetString("oa.encryption_key"))
	if err != nil {
		log.Fatalf("Failed to initialize OA service: %v", err)
	}

	znsClient := provider.NewZNSClient(providerCfg)
	sendWorker := dispatch.NewSendWorker(db, ledgerService, oaService, znsClient, billingCfg)
	dispatcher := dispatch.NewDispatcher(redisClient, dispatchCfg, sendWorker)

	sendService := services.NewSendService(db, oaService, dispatcher)
	messageLogHandler := handlers.NewMessageLogHandler(services.NewMessageLogService(db))

	dispatcher.Start(context.Background())

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		services.SendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Gateway webhook authenticates with its own Apikey header
		r.Post("/topup/webhooks/sepay", topupService.HandleSePayWebhook)

		// Dashboard endpoints (JWT auth)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/topup/intents", topupService.CreateIntent)
			r.Get("/topup/intents/status", topupService.GetTopupStatus)
			r.Get("/message-logs", messageLogHandler.List)
		})
	})

	// Public API for tenant integrations (X-Api-Key auth inside the handler)
	r.Route("/api/public/v1", func(r chi.Router) {
		r.Post("/zns/send", sendService.Submit)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// Drain the dispatch pool after the listener stops accepting work.
	dispatcher.Stop()

	log.Println("Server stopped")
}
