package main

import (
	"context"
	"encoding/json"
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
	"github.com/voxanne/backend/internal/config"
	"github.com/voxanne/backend/internal/database"
	"github.com/voxanne/backend/internal/handlers"
	mW "github.com/voxanne/backend/internal/middleware"
	"github.com/voxanne/backend/internal/provider"
	"github.com/voxanne/backend/internal/queue"
	"github.com/voxanne/backend/internal/services"
)

// @title Voxanne Billing API
// @version 1.0
// @description Prepaid credit ledger and usage billing for the Voxanne voice platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	billingCfg := config.LoadBillingConfig()
	if billingCfg.StripeWebhookSecret == "" {
		log.Println("Warning: STRIPE_WEBHOOK_SECRET not set, payment webhooks will be rejected")
	}
	if billingCfg.CallWebhookSecret == "" {
		log.Println("Warning: CALL_WEBHOOK_SECRET not set, call webhooks will be rejected")
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient == nil {
		log.Fatal("Redis is required for the webhook queue")
	}
	defer redisClient.Close()

	ledgerService := services.NewLedgerService(db, billingCfg.DefaultDebtLimit, billingCfg.Currency)
	idempotencyService := services.NewIdempotencyService(db)
	debitService := services.NewDebitService(db, ledgerService, billingCfg)
	rechargeService := services.NewRechargeService(db, billingCfg)
	walletService := services.NewWalletService(ledgerService, rechargeService)

	providerClient := provider.NewClient(billingCfg.ProviderBaseURL, billingCfg.ProviderAPIKey, billingCfg.ProviderTimeout)
	reconcileService := services.NewReconciliationService(db, debitService, ledgerService, providerClient, billingCfg)

	processor := services.NewWebhookProcessor(ledgerService, debitService, rechargeService, idempotencyService)
	jobQueue := queue.New(redisClient, processor.ProcessJob, billingCfg.WorkerCount, billingCfg.MaxAttempts, billingCfg.RetryBaseDelay)
	webhookHandler := handlers.NewWebhookHandler(idempotencyService, jobQueue, billingCfg.StripeWebhookSecret, billingCfg.CallWebhookSecret)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	jobQueue.Start(workerCtx)

	// Periodic reconciliation, balance verification and event purge
	go func() {
		ticker := time.NewTicker(billingCfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
				if _, err := reconcileService.Run(runCtx); err != nil {
					log.Printf("[RECONCILE] Sweep failed: %v", err)
				}
				if violations, err := ledgerService.VerifyAllBalances(runCtx); err != nil {
					log.Printf("[LEDGER] Balance verification failed: %v", err)
				} else if violations > 0 {
					log.Printf("[LEDGER] Balance verification froze %d wallets", violations)
				}
				if _, err := idempotencyService.PurgeOlderThan(runCtx, billingCfg.EventRetention); err != nil {
					log.Printf("[WEBHOOK] Event purge failed: %v", err)
				}
				cancel()
			}
		}
	}()

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature", "X-Webhook-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Webhook endpoints authenticate by signature, not by JWT
		r.Post("/webhooks/payment", webhookHandler.HandlePaymentWebhook)
		r.Post("/webhooks/call-events", webhookHandler.HandleCallWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/webhooks/dead-letters", webhookHandler.ListDeadLetters)

			r.Get("/wallet/{orgId}", walletService.GetWallet)
			r.Get("/wallet/{orgId}/entries", walletService.GetEntries)
			r.Post("/wallet/{orgId}/topup", walletService.CreateTopup)
			r.Put("/wallet/{orgId}/auto-recharge", walletService.UpdateAutoRecharge)
		})
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

	// Workers finish their current job before exiting
	stopWorkers()
	jobQueue.Stop()

	log.Println("Server stopped")
}
