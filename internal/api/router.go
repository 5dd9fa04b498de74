/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware each group needs.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the investor UI.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the security settings of the router.
type RouterConfig struct {
	JWKSURL        string
	InternalAPIKey string
	AllowedOrigins []string
}

// allowsCredentials is true only for an explicit origin list. An empty list means any
// origin to the CORS handler, same as "*".
func allowsCredentials(origins []string) bool {
	if len(origins) == 0 {
		return false
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return false
		}
	}
	return true
}

// NewRouter creates the chi router for the settlement service.
func NewRouter(orders *OrderHandlers, webhooks *WebhookHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: allowsCredentials(cfg.AllowedOrigins),
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The processor authenticates with a signature, not a user token.
	r.Post("/webhooks/payments", webhooks.PaymentWebhookHandler)

	r.Route("/internal/orders", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Get("/reconciliation", orders.ListReconciliationHandler)
		r.Post("/expire", orders.ExpireOrdersHandler)
		r.Post("/recover", orders.RecoverSettlementsHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(cfg.JWKSURL))
		r.Post("/orders", orders.CreateOrderHandler)
		r.Get("/orders", orders.ListOrdersHandler)
		r.Get("/orders/{id}", orders.GetOrderHandler)
		r.Post("/orders/{id}/cancel", orders.CancelOrderHandler)
	})

	return r
}
