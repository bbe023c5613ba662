/**
 * @description
 * This package provides a client for the hosted object-storage API that holds
 * settlement photos. It wraps the small surface the service needs: listing a
 * bucket, building public URLs and deleting objects.
 *
 * @notes
 * - "Object not found" and "URL generated but not yet fetchable" are distinct
 *   states on this API. Listing is the authoritative existence check; a public
 *   URL can always be constructed regardless.
 */
package storageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the object-storage API.
type Client struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
}

// NewClient creates a new object-storage client scoped to a bucket.
func NewClient(baseURL, apiKey, bucket string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  bucket,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
}

type listEntry struct {
	Name string `json:"name"`
}

// ListObjects returns the object names under a prefix in the bucket.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var entries []listEntry
	path := fmt.Sprintf("/storage/v1/object/list/%s", c.bucket)
	if err := c.do(ctx, http.MethodPost, path, listRequest{Prefix: prefix, Limit: 1000}, &entries); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// PublicURL builds the public URL for an object path. The object may not
// exist; callers that need certainty must check the listing.
func (c *Client) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, strings.TrimLeft(objectPath, "/"))
}

// DeleteObjects removes objects from the bucket.
func (c *Client) DeleteObjects(ctx context.Context, objectPaths []string) error {
	path := fmt.Sprintf("/storage/v1/object/%s", c.bucket)
	body := map[string][]string{"prefixes": objectPaths}
	return c.do(ctx, http.MethodDelete, path, body, nil)
}

// do is a helper function to make HTTP requests to the storage API.
func (c *Client) do(ctx context.Context, method, path string, body, target interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("storage API returned non-success status code %d: %s", resp.StatusCode, string(respBody))
		return fmt.Errorf("storage API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to unmarshal response body: %w", err)
		}
	}

	return nil
}
