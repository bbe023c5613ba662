/**
 * @description
 * This file sets up the HTTP router for the settlement service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * middleware such as CORS and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns the router for the settlement service.
func NewRouter(h *Handler, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public endpoints: submission and the gallery do not require a session.
	r.Post("/api/settlements/draft", h.SaveDraftHandler)
	r.Post("/api/checkout", h.BeginCheckoutHandler)
	r.Get("/api/settlements", h.GalleryHandler)

	// Payment processor webhook. Verified by signature, not by bearer token.
	r.Post("/api/webhooks/payment", h.PaymentWebhookHandler)

	// Confirmation recovery runs for anonymous and signed-in users alike.
	r.Group(func(r chi.Router) {
		r.Use(OptionalAuthMiddleware(jwksURL))
		r.Get("/api/confirmation", h.ConfirmationHandler)
		r.Post("/api/confirmation", h.ConfirmationHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/api/settlements/link", h.LinkSettlementsHandler)
		r.Get("/api/settlements/mine", h.MySettlementsHandler)
		r.Delete("/api/settlements/{id}", h.DeleteSettlementHandler)
		r.Get("/api/subscription/status", h.SubscriptionStatusHandler)
		r.Post("/api/billing/portal", h.BillingPortalHandler)
		r.Post("/api/subscription/cancel", h.CancelSubscriptionHandler)
	})

	return r
}
