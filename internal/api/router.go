package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/wagerboard/wager-engine/internal/metrics"
)

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	// WS serves GET /api/v1/ws. Nil leaves the route out.
	WS http.Handler

	// RateLimitRPS caps mutating requests per second across all clients.
	// Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	RequestTimeout time.Duration
}

// NewRouter builds the full HTTP handler: health, metrics and the /api/v1
// routes served by svc.
func NewRouter(svc *Service, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	limit := rateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket outlives any request timeout.
		if cfg.WS != nil {
			r.Get("/ws", cfg.WS.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			// Queries.
			r.Get("/wagers", svc.ListWagers)
			r.Get("/wagers/{wagerID}", svc.GetWager)
			r.Get("/accounts/{userID}", svc.GetAccount)
			r.Get("/leaderboard", svc.Leaderboard)
			r.Get("/activity", svc.Activity)
			r.Get("/users/{userID}/notifications", svc.ListNotifications)

			// Ledger operations.
			r.Group(func(r chi.Router) {
				r.Use(limit)
				r.Post("/wagers", svc.CreateWager)
				r.Post("/wagers/{wagerID}/bets", svc.PlaceBet)
				r.Post("/wagers/{wagerID}/settle", svc.SettleWager)
				r.Post("/wagers/{wagerID}/cancel", svc.CancelWager)
				r.Post("/accounts", svc.OpenAccount)
				r.Post("/notifications/{notificationID}/read", svc.MarkNotificationRead)
			})
		})
	})

	return r
}

// rateLimit rejects requests with 429 once the shared token bucket is
// empty.
func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cors allows cross-origin requests from the frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
