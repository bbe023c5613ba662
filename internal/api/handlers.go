/**
 * @description
 * This file contains the HTTP handler functions for the settlement service.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate business logic in the service layer, and writing the HTTP
 * response.
 */
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/app"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service       *app.Service
	webhookSecret string
}

// NewHandler creates a new Handler with the given service and the secret used
// to verify payment webhook signatures.
func NewHandler(service *app.Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// SaveDraftHandler persists a settlement draft. A missing temporaryId means a
// brand-new submission; the generated id is echoed back so the client can
// carry it through checkout.
func (h *Handler) SaveDraftHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemporaryID string `json:"temporaryId"`
		domain.SettlementForm
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status, temporaryID, err := h.service.SaveDraft(r.Context(), req.TemporaryID, req.SettlementForm)
	if err != nil {
		var verrs app.ValidationErrors
		if errors.As(err, &verrs) {
			respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "validation failed",
				"fields": verrs,
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":      string(status),
		"temporaryId": temporaryID,
	})
}

// BeginCheckoutHandler starts a checkout session for a saved draft.
func (h *Handler) BeginCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemporaryID string `json:"temporaryId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemporaryID == "" {
		http.Error(w, "temporaryId is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.BeginCheckout(r.Context(), req.TemporaryID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrDraftNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, app.ErrCheckoutInFlight):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "failed to start checkout", http.StatusInternalServerError)
		}
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// ConfirmationHandler resolves the settlement after a checkout return. The
// GET form carries identifiers in the query string; the POST form additionally
// carries the client's cached draft so a lost row can be reconstructed.
func (h *Handler) ConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	query := normalizeQuery(r.URL.RawQuery)
	params := app.RecoveryParams{
		TemporaryID: query.Get("temporaryId"),
		SessionID:   query.Get("session_id"),
	}

	if r.Method == http.MethodPost {
		var req struct {
			TemporaryID string                 `json:"temporaryId"`
			SessionID   string                 `json:"sessionId"`
			CachedDraft *domain.SettlementForm `json:"cachedDraft"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			if req.TemporaryID != "" {
				params.TemporaryID = req.TemporaryID
			}
			if req.SessionID != "" {
				params.SessionID = req.SessionID
			}
			params.CachedDraft = req.CachedDraft
		}
	}

	if params.TemporaryID == "" && params.SessionID == "" {
		http.Error(w, "temporaryId or session_id is required", http.StatusBadRequest)
		return
	}

	if userID, ok := UserFromContext(r.Context()); ok {
		params.UserID = userID
		params.UserEmail = EmailFromContext(r.Context())
	}

	result, err := h.service.RecoverConfirmation(r.Context(), params)
	if err != nil {
		if errors.Is(err, app.ErrSettlementUnrecoverable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "failed to resolve confirmation", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// LinkSettlementsHandler associates anonymous settlement and subscription rows
// with the authenticated user.
func (h *Handler) LinkSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		TemporaryID string `json:"temporaryId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.LinkUser(r.Context(), userID, req.TemporaryID, EmailFromContext(r.Context()))
	if err != nil {
		http.Error(w, "failed to link settlements", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// GalleryHandler lists paid, visible settlements ordered by amount.
func (h *Handler) GalleryHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	settlements, err := h.service.Gallery(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
	})
}

// MySettlementsHandler lists the authenticated user's settlements, paid or
// not, hidden or not.
func (h *Handler) MySettlementsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	settlements, err := h.service.MySettlements(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
	})
}

// DeleteSettlementHandler removes a settlement the authenticated user owns.
func (h *Handler) DeleteSettlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid settlement id", http.StatusBadRequest)
		return
	}

	deleted, err := h.service.DeleteSettlement(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, store.ErrSettlementNotFound) {
			http.Error(w, "settlement not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete settlement", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "settlement not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubscriptionStatusHandler reports whether the user's listing subscription is
// active.
func (h *Handler) SubscriptionStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	status, err := h.service.SubscriptionStatus(r.Context(), userID, EmailFromContext(r.Context()))
	if err != nil {
		http.Error(w, "failed to get subscription status", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

// BillingPortalHandler creates a billing portal session for the user's
// processor customer.
func (h *Handler) BillingPortalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	portalURL, err := h.service.BillingPortal(r.Context(), userID, EmailFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, app.ErrNoCustomer) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "failed to create billing portal session", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"url": portalURL})
}

// CancelSubscriptionHandler schedules the user's subscription to end at the
// current period boundary.
func (h *Handler) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sub, err := h.service.CancelSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			http.Error(w, "no subscription found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to cancel subscription", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, sub)
}

// normalizeQuery parses a raw query string, tolerating the malformed shape
// some payment redirects produce where a second "?" joins the parameters
// (e.g. "temporaryId=abc?session_id=xyz"). Every "?" past the first is
// treated as a "&" so both parameters survive.
func normalizeQuery(rawQuery string) url.Values {
	normalized := strings.ReplaceAll(rawQuery, "?", "&")
	values, err := url.ParseQuery(normalized)
	if err != nil {
		return url.Values{}
	}
	return values
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
