package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pixelmind/backend/internal/metrics"
	mW "github.com/pixelmind/backend/internal/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes holds everything the HTTP surface needs
type Routes struct {
	Auth      *AuthHandler
	Accounts  *AccountHandler
	QR        *QRHandler
	Jobs      *JobHandler
	Billing   *BillingHandler
	Providers *ProviderHandler
	Uploads   *UploadHandler
	Admin     *AdminHandler

	Authenticator *mW.Authenticator
	SubmitLimiter *mW.RateLimiter
	IsAdmin       func(email string) bool
	Health        Pinger
	SwaggerURL    string
}

func NewRouter(rt Routes) http.Handler {
	if rt.SubmitLimiter == nil {
		rt.SubmitLimiter = mW.NewRateLimiter(nil, "submit", 0, time.Minute)
	}
	if rt.IsAdmin == nil {
		rt.IsAdmin = func(string) bool { return false }
	}

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Provider-Signature"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if rt.Health != nil {
			if err := rt.Health.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", metrics.Handler())

	if rt.SwaggerURL != "" {
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL(rt.SwaggerURL)))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/signup", rt.Auth.Signup)
		r.Post("/auth/login", rt.Auth.Login)
		r.Post("/billing/topups", rt.Billing.Topup)
		r.Post("/providers/callback", rt.Providers.Callback)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(rt.Authenticator.Middleware)

			r.Post("/auth/logout", rt.Auth.Logout)

			r.Get("/accounts/me", rt.Accounts.Me)
			r.Get("/accounts/me/ledger", rt.Accounts.Ledger)
			r.Get("/accounts/me/referral", rt.QR.Referral)

			r.Get("/jobs", rt.Jobs.List)
			r.Get("/jobs/{jobId}", rt.Jobs.Get)
			r.With(rt.SubmitLimiter.Middleware).Post("/jobs", rt.Jobs.Submit)

			r.Post("/billing/orders", rt.Billing.CreateOrder)
			r.Post("/uploads", rt.Uploads.Create)

			r.Route("/admin", func(r chi.Router) {
				r.Use(mW.RequireAdmin(rt.IsAdmin))
				r.Get("/stats", rt.Admin.Stats)
				r.Get("/accounts", rt.Admin.Accounts)
				r.Post("/accounts/{accountId}/adjust", rt.Admin.Adjust)
				r.Get("/reconciliations", rt.Admin.Reconciliations)
			})
		})
	})

	return r
}
