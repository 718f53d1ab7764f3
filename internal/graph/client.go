// Package graph talks to the Microsoft Graph workbook table that users edit
// and to the Graph subscriptions endpoint that reports changes to it.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// TokenProvider returns a current access token. Refreshing it is the caller's concern.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken serves a fixed token
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

type Options struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration
}

// Client is one authenticated Graph client, built at startup and shared
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// do sends one logical request, retrying throttling and 5xx responses.
// A 404 becomes NotFoundError (kind names what was asked for), other
// failures become ProviderError.
func (c *Client) do(ctx context.Context, op, method, path, kind string, payload, out any) error {
	if c.tokenProvider == nil {
		return fmt.Errorf("graph token provider is required")
	}
	ctx, span := tracing.StartSpan(ctx, "graph."+op,
		attribute.String("http.method", method),
		attribute.String("graph.path", path),
	)
	defer span.End()

	token, err := c.tokenProvider(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("graph token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("graph token is empty")
	}

	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordProviderRequest(op, 0)
			if attempt < c.maxRetries && ctx.Err() == nil && resendable(method, err) {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("graph %s: %w", op, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		metrics.RecordProviderRequest(op, resp.StatusCode)
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("graph %s: decode response: %w", op, err)
				}
			}
			return nil
		}

		if retryable(method, resp.StatusCode) && attempt < c.maxRetries {
			reason := "provider_5xx"
			if resp.StatusCode == http.StatusTooManyRequests {
				reason = "provider_throttled"
			}
			metrics.RecordRetry(reason)
			tracing.AddSpanEvent(ctx, "graph.retry", attribute.Int("status", resp.StatusCode), attribute.Int("attempt", attempt+1))
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return &domain.NotFoundError{Kind: kind, ID: path}
		}

		perr := &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Code != "" {
			perr.Code = parsed.Error.Code
			perr.Message = parsed.Error.Message
		}
		tracing.SetSpanError(ctx, perr)
		return perr
	}
}

// retryable reports whether a response may be retried. A POST or DELETE that
// got a 5xx may already have been applied, so only throttling is retried for it.
func retryable(method string, status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return idempotent(method) && status >= 500 && status <= 599
}

// resendable reports whether a request that got no response may be sent
// again. A POST or DELETE is resent only when the connection was never made.
func resendable(method string, err error) bool {
	if idempotent(method) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// idempotent excludes DELETE because rows are deleted by position: a repeat
// after a lost response removes the next row
func idempotent(method string) bool {
	return method != http.MethodPost && method != http.MethodDelete
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
