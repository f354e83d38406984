package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixelmind/backend/docs"
	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/database"
	"github.com/pixelmind/backend/internal/handlers"
	mW "github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/services"
	"github.com/pixelmind/backend/internal/storage"
	"github.com/pixelmind/backend/internal/store"
)

// @title PixelMind Credits API
// @version 1.0
// @description Credit ledger and AI job pipeline for the PixelMind image editor
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg := config.Load()
	ctx := context.Background()

	docs.SwaggerInfo.Host = "localhost:" + cfg.Port

	db := database.MustOpen(ctx, cfg.Database)
	defer db.Close()

	if applied, err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	} else if applied > 0 {
		log.Printf("[DB] Applied %d migrations", applied)
	}

	redisClient := database.OpenRedis(ctx, cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	st := store.NewPostgres(db)
	auditLogger := audit.NewLogger()
	ledger := services.NewLedgerService(auditLogger)
	tokens := services.NewTokenService(cfg.JWT)
	passwords := services.NewPasswordHasher(cfg.Argon2)
	cache := services.NewJobCache(redisClient, 10*time.Minute)

	accountService := services.NewAccountService(st, ledger, tokens, passwords, redisClient)
	creditService := services.NewCreditService(st, ledger, cache)
	reconciler := services.NewReconciler(st, ledger, cache, auditLogger, services.RetryPolicy{
		Attempts: cfg.Worker.RefundAttempts,
		Backoff:  cfg.Worker.RefundBackoff,
	})
	billingService := services.NewBillingService(st, ledger, cfg.Payments)
	adminService := services.NewAdminService(st, ledger)
	qrService := services.NewQRService(accountService, cfg.PublicURL)

	var (
		uploadSigner handlers.UploadSigner
		outputSigner handlers.OutputSigner
	)
	if cfg.Storage.Bucket != "" {
		presigner, err := storage.NewPresigner(ctx, cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to initialize storage: %v", err)
		}
		uploadSigner, outputSigner = presigner, presigner
	} else {
		log.Println("[STORAGE] No bucket configured, uploads disabled")
	}

	router := handlers.NewRouter(handlers.Routes{
		Auth:          handlers.NewAuthHandler(accountService),
		Accounts:      handlers.NewAccountHandler(accountService),
		QR:            handlers.NewQRHandler(qrService),
		Jobs:          handlers.NewJobHandler(creditService, outputSigner),
		Billing:       handlers.NewBillingHandler(billingService),
		Providers:     handlers.NewProviderHandler(reconciler, cfg.Provider.CallbackSecret),
		Uploads:       handlers.NewUploadHandler(uploadSigner),
		Admin:         handlers.NewAdminHandler(adminService),
		Authenticator: mW.NewAuthenticator(tokens, redisClient),
		SubmitLimiter: mW.NewRateLimiter(redisClient, "submit", cfg.RateLimit.SubmitsPerMinute, time.Minute),
		IsAdmin:       cfg.Admin.IsAdmin,
		Health:        st,
		SwaggerURL:    "http://localhost:" + cfg.Port + "/swagger/doc.json",
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
