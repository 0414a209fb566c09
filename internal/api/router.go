/**
 * @description
 * HTTP router for the transfer-service. Sender routes require a bearer
 * token, claim routes are public but rate limited per client address, and
 * operational routes require the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeClaimDetails = "claim_details"
	ScopeClaimSubmit  = "claim_submit"
)

// RouterConfig carries the router's security settings.
type RouterConfig struct {
	Keyfunc          jwt.Keyfunc
	JWTAudience      string
	JWTIssuer        string
	InternalAPIKey   string
	AllowedOrigins   []string
	RateLimiter      RateLimiter
	ClaimRateLimit   int
	DetailsRateLimit int
	RequestTimeout   time.Duration
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(h *TransferHandlers, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	// Must exceed the ledger's submit plus seal timeout.
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/transfers", func(r chi.Router) {
		r.Route("/claim/{claimToken}", func(r chi.Router) {
			r.With(RateLimitMiddleware(cfg.RateLimiter, ScopeClaimDetails, cfg.DetailsRateLimit)).Get("/", h.GetClaimHandler)
			r.With(RateLimitMiddleware(cfg.RateLimiter, ScopeClaimSubmit, cfg.ClaimRateLimit)).Post("/", h.ClaimTransferHandler)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/sweep", h.SweepHandler)
			r.Post("/reconcile", h.ReconcileHandler)
			r.Post("/{id}/fiat-settlement", h.FiatSettlementHandler)
			r.Get("/escrow-reconciliation", h.EscrowReconciliationHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.Keyfunc, cfg.JWTAudience, cfg.JWTIssuer))
			r.Post("/", h.CreateTransferHandler)
			r.Get("/", h.ListTransfersHandler)
			r.Get("/{id}", h.GetTransferHandler)
			r.Post("/{id}/refund", h.RefundTransferHandler)
		})
	})

	return r
}
