// Package notion is the structured-store side of the sync: a Notion REST
// client for database pages and webhook subscriptions.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

const providerName = "notion"

var (
	ErrPageNotFound              = errors.New("page not found")
	ErrPageArchived              = errors.New("page archived")
	ErrNotConfigured             = errors.New("notion client not configured")
	ErrSubscriptionsUnsupported  = errors.New("webhook subscriptions cannot be managed through the API")
	ErrSubscriptionListUnsupport = errors.New("webhook subscriptions cannot be listed through the API")
)

// TokenProvider returns the integration token for a request.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider for a fixed token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	DatabaseID    string
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// RequestsPerSecond throttles outgoing calls; the API allows about 3 per second.
	RequestsPerSecond float64
}

// Client talks to the Notion REST API.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	databaseID    string
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
}

// NewClient creates a client, filling defaults for unset options.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("%w: token provider is required", ErrNotConfigured)
	}
	if strings.TrimSpace(opts.DatabaseID) == "" {
		return nil, fmt.Errorf("%w: database id is required", ErrNotConfigured)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}

	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		databaseID:    normalizeID(opts.DatabaseID),
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       rate.NewLimiter(rate.Limit(rps), 3),
	}, nil
}

// DatabaseID returns the configured database id without dashes.
func (c *Client) DatabaseID() string {
	return c.databaseID
}

// normalizeID strips dashes so ids compare equal regardless of format.
func normalizeID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "-", "")
}

// SameID reports whether two Notion ids refer to the same object.
func SameID(a, b string) bool {
	return normalizeID(a) == normalizeID(b)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends a request and decodes a JSON response into out. Transient
// failures are retried with backoff, honoring Retry-After.
func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return model.NewProviderError(providerName, op, 0, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is empty", ErrNotConfigured)
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return model.NewProviderError(providerName, op, 0, err)
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return model.NewProviderError(providerName, op, 0, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return model.NewProviderError(providerName, op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		msg := strings.TrimSpace(string(respBody))
		var parsed apiError
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Code + ": " + parsed.Message
		}
		return model.NewProviderError(providerName, op, resp.StatusCode, errors.New(msg))
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
