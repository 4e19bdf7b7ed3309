// Package ledger implements the HTTP client for the remote learning-event
// ledger. This package handles all communication with the ingestion endpoint:
// batch delivery, completion lookups, and health probing. The client performs
// a single attempt per call; retry scheduling belongs to the outbox pipeline.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the ledger API client.
type ClientConfig struct {
	// BaseURL is the ledger ingestion service base URL
	BaseURL string

	// APIKey is the ingest API key
	APIKey string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger

	// Breaker guards the endpoint while it is down; nil disables breaking
	Breaker *circuitbreaker.CircuitBreaker

	// Debug enables debug logging
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is a classified failure response from the ingestion endpoint.
type APIError struct {
	// Class is the contract error class.
	Class event.ErrorClass

	// StatusCode is the HTTP status that produced the class.
	StatusCode int

	// RetryAfter is the server-suggested wait, when rate limited.
	RetryAfter time.Duration

	// Message is the server-provided detail, if any.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger: %s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ledger: %s (status %d)", e.Class, e.StatusCode)
}

// Retryable reports whether an identical retry may succeed later.
func (e *APIError) Retryable() bool {
	return e.Class.Retryable()
}

// IsRetryable classifies an arbitrary delivery error. Network-level failures
// and retryable API classes retry; permanent rejections do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Circuit-open means the endpoint is currently believed down; retryable.
	// Anything else at this level is a transport failure.
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the ledger ingestion API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *circuitbreaker.CircuitBreaker
}

// NewClient creates a new ledger API client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:  config.Logger,
		breaker: config.Breaker,
	}
}

// SendEvents delivers a batch of events in one ingestion request. The batch
// must already respect the contract ceilings; the server rejects oversized
// payloads outright.
func (c *Client) SendEvents(ctx context.Context, events []event.LearningEvent) error {
	if len(events) == 0 {
		return nil
	}

	call := func(ctx context.Context) error {
		var resp event.IngestResponse
		if err := c.doRequest(ctx, http.MethodPost, "/v1/events", event.IngestRequest{Events: events}, &resp); err != nil {
			return err
		}
		if c.config.Debug {
			c.logger.Debug("ledger batch acknowledged",
				"sent", len(events), "stored", resp.Stored, "duplicates", resp.Duplicates)
		}
		return nil
	}

	if c.breaker != nil {
		return c.breaker.Execute(ctx, call)
	}
	return call(ctx)
}

// IsWorkshopCompleted performs the point lookup for an existing
// completed_workshop event. It is the remote half of the completion
// authority; callers fall back to local truth when it errors.
func (c *Client) IsWorkshopCompleted(ctx context.Context, sessionID, workshopID string) (bool, error) {
	params := url.Values{}
	params.Set("session_id", sessionID)
	params.Set("workshop_id", workshopID)

	var resp event.CompletionResponse
	call := func(ctx context.Context) error {
		return c.doRequest(ctx, http.MethodGet, "/v1/completions?"+params.Encode(), nil, &resp)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("completion lookup: %w", err)
	}
	return resp.Completed, nil
}

// IsHealthy checks if the ledger endpoint is reachable. Used by the
// connectivity prober; bypasses the circuit breaker so a probe can observe
// recovery.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil) == nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// doRequest performs a single HTTP request and classifies failures.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	fullURL := c.config.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	if c.config.Debug {
		c.logger.Debug("ledger api request", "method", method, "path", path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.classify(resp, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// classify maps an error response to its contract class.
func (c *Client) classify(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		Class:      event.ClassUnexpected,
		StatusCode: resp.StatusCode,
	}

	// Prefer the class the server names.
	var errResp event.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Class = errResp.Error
		apiErr.Message = errResp.Message
	} else {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			apiErr.Class = event.ClassRateLimited
		case http.StatusRequestEntityTooLarge:
			apiErr.Class = event.ClassPayloadTooLarge
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			apiErr.Class = event.ClassInvalidPayload
		}
	}

	if apiErr.Class == event.ClassRateLimited {
		apiErr.RetryAfter = 60 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				apiErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}

	return apiErr
}
