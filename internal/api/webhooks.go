/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * the payment processor. It acts as the entry point for all asynchronous
 * payment notifications.
 *
 * Key features:
 * - Security: Validates the HMAC signature of incoming webhooks to ensure
 *   authenticity before any processing runs.
 * - Always-200 policy: verification and processing failures are logged for
 *   operator review but acknowledged with a success-shaped response body, so
 *   the processor does not enter a retry storm against a request it will
 *   never be able to authenticate.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: For webhook signature validation.
 * - The service's internal packages for domain models and the reconciler.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/app"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
)

// signatureTolerance bounds how stale a signed timestamp may be before the
// event is treated as a replay.
const signatureTolerance = 5 * time.Minute

// PaymentWebhookHandler processes signed events from the payment processor.
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[%s] Error reading webhook body: %v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if err := verifySignature(r.Header.Get("Payment-Signature"), body, h.webhookSecret, time.Now()); err != nil {
		// Rejected events are still acknowledged with a success-shaped
		// body so the sender does not retry-storm, but the failure is
		// logged for operator review.
		log.Printf("[%s] Webhook signature verification failed: %v", requestID, err)
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": false})
		return
	}

	var event domain.PaymentWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[%s] Error decoding webhook JSON: %v", requestID, err)
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": false})
		return
	}

	log.Printf("[%s] Received webhook event: %s (id=%s)", requestID, event.Type, event.ID)

	if err := h.service.ProcessWebhookEvent(r.Context(), event); err != nil {
		if errors.Is(err, app.ErrNoSettlementForSession) {
			// Nothing to converge on; retrying will not help until the
			// draft exists, and the recoverer covers that path.
			log.Printf("[%s] Webhook event %s had no matching settlement", requestID, event.ID)
			respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		log.Printf("[%s] Failed to process webhook event %s: %v", requestID, event.ID, err)
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verifySignature checks the processor's signature header, which has the form
// "t=<unix>,v1=<hex hmac-sha256 of '<unix>.<body>'>". Multiple v1 entries may
// be present during secret rotation; any match passes.
func verifySignature(header string, body []byte, secret string, now time.Time) error {
	if secret == "" {
		log.Println("Warning: PAYMENT_WEBHOOK_SECRET is not set. Skipping signature validation.")
		return nil
	}
	if strings.TrimSpace(header) == "" {
		return errors.New("missing signature header")
	}

	var timestamp int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			ts, err := strconv.ParseInt(part[2:], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed timestamp: %w", err)
			}
			timestamp = ts
		case strings.HasPrefix(part, "v1="):
			candidates = append(candidates, part[3:])
		}
	}

	if timestamp == 0 || len(candidates) == 0 {
		return errors.New("malformed signature header")
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("timestamp outside tolerance: %s", age)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}

	return errors.New("no signature candidate matched")
}
