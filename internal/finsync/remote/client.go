// Package remote is the client side of the remote sync service.
//
// The service exposes three endpoints:
//
//	POST /sync            push changes and/or pull snapshots for one entity type
//	POST /sync/financial  ask the service to refresh institution data
//	GET  /health          liveness probe used for connectivity detection
//
// Failures come back as *Error; IsTransient decides whether a failed call is
// retried or dead-lettered.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// Client talks to the remote sync service.
type Client interface {
	// Push sends changes of one entity type and returns per-change results.
	Push(ctx context.Context, deviceID string, entityType schema.EntityType, changes []*schema.ChangeRecord) (*SyncResponse, error)

	// Pull returns up to limit snapshots of entityType synced after since.
	Pull(ctx context.Context, deviceID string, entityType schema.EntityType, since *time.Time, limit int) (*SyncResponse, error)

	// SyncFinancial triggers an institution refresh for one account.
	SyncFinancial(ctx context.Context, req FinancialSyncRequest) (*FinancialSyncResponse, error)

	// Health returns nil when the service is reachable.
	Health(ctx context.Context) error
}

// HTTPClient implements Client over HTTP/JSON.
type HTTPClient struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithTimeout sets the overall timeout of the default *http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// NewHTTPClient creates a client for the service at baseURL.
//
// Example:
//
//	client := remote.NewHTTPClient("https://api.example.com", remote.WithToken(token))
//	resp, err := client.Pull(ctx, deviceID, schema.EntityAccount, nil, 500)
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "finsync/1.0",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Sync performs one raw POST /sync exchange.
func (c *HTTPClient) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push implements Client.Push.
func (c *HTTPClient) Push(ctx context.Context, deviceID string, entityType schema.EntityType, changes []*schema.ChangeRecord) (*SyncResponse, error) {
	return c.Sync(ctx, &SyncRequest{
		DeviceID:   deviceID,
		EntityType: entityType,
		Changes:    changes,
		Mode:       ModePush,
	})
}

// Pull implements Client.Pull.
func (c *HTTPClient) Pull(ctx context.Context, deviceID string, entityType schema.EntityType, since *time.Time, limit int) (*SyncResponse, error) {
	return c.Sync(ctx, &SyncRequest{
		DeviceID:          deviceID,
		LastSyncTimestamp: since,
		EntityType:        entityType,
		Changes:           []*schema.ChangeRecord{},
		Mode:              ModePull,
		Limit:             limit,
	})
}

// SyncFinancial implements Client.SyncFinancial.
func (c *HTTPClient) SyncFinancial(ctx context.Context, req FinancialSyncRequest) (*FinancialSyncResponse, error) {
	var resp FinancialSyncResponse
	if err := c.do(ctx, http.MethodPost, "/sync/financial", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health implements Client.Health.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			rerr.Message = eb.Error
			rerr.Code = eb.Code
		}
		return rerr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrMalformedResponse, err)
	}
	return nil
}
