/**
 * @description
 * This package provides a client for interacting with the payment processor's
 * REST API. It encapsulates the logic for making authenticated HTTP requests
 * to the endpoints the settlement lifecycle needs: hosted checkout sessions,
 * subscriptions, customers and billing-portal sessions.
 *
 * Key features:
 * - Manages the API base URL and secret key.
 * - Form-encodes request bodies the way the processor expects.
 * - Distinguishes transient failures (rate limiting, 5xx) from explicit
 *   rejections so callers can retry with backoff only when it is safe.
 *
 * @dependencies
 * - context, net/http, net/url, encoding/json: Standard Go libraries.
 * - The service's internal domain package for API object models.
 */
package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
)

// APIError is returned for non-2xx processor responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment API error: status %d, body: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether the failure is worth retrying: rate limiting
// and server-side errors are, explicit 4xx rejections are not.
func (e *APIError) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is a client for the payment processor API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment processor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckoutSessionParams describes a hosted checkout session to create. The
// temporary id rides in BOTH SuccessURL (already query-encoded by the caller)
// and Metadata: the URL is the only channel the synchronous browser return
// path has, the metadata is the reliable channel for the webhook path.
type CheckoutSessionParams struct {
	PriceID       string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	Metadata      map[string]string
}

// CreateCheckoutSession creates a subscription-mode hosted checkout session.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*domain.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	if params.CustomerEmail != "" {
		form.Set("customer_email", params.CustomerEmail)
	}
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var session domain.CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetCheckoutSession retrieves a checkout session by id.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSession, error) {
	var session domain.CheckoutSession
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListCheckoutSessionsBySubscription lists the checkout sessions that created
// a given subscription. Renewal invoices carry no session metadata, so the
// reconciler walks backward through this listing to recover the temporary id.
func (c *Client) ListCheckoutSessionsBySubscription(ctx context.Context, subscriptionID string) ([]domain.CheckoutSession, error) {
	var resp struct {
		Data []domain.CheckoutSession `json:"data"`
	}
	path := "/v1/checkout/sessions?subscription=" + url.QueryEscape(subscriptionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetSubscription retrieves a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.ProcessorSubscription, error) {
	var sub domain.ProcessorSubscription
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CancelSubscription cancels a subscription at period end.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*domain.ProcessorSubscription, error) {
	form := url.Values{}
	form.Set("cancel_at_period_end", "true")

	var sub domain.ProcessorSubscription
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, http.MethodPost, path, form, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListCustomersByEmail lists processor customers registered under an email.
func (c *Client) ListCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error) {
	var resp struct {
		Data []domain.Customer `json:"data"`
	}
	path := "/v1/customers?email=" + url.QueryEscape(email)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CreateBillingPortalSession creates a billing-portal session and returns its
// URL for the browser to follow.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/billing_portal/sessions", form, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// do is a helper function to make HTTP requests to the payment API.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, target interface{}) error {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("payment API returned non-success status code %d: %s", resp.StatusCode, string(respBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to unmarshal response body: %w", err)
		}
	}

	return nil
}
