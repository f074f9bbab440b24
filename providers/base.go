package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/itsneelabh/llmrouter/core"
)

// maxErrorBodyBytes bounds how much of an upstream error body is kept in
// the error message.
const maxErrorBodyBytes = 2048

// healthCacheTTL is how long a health probe result stays valid.
const healthCacheTTL = 30 * time.Second

// healthProbeTimeout bounds a single health probe.
const healthProbeTimeout = 5 * time.Second

// BaseClient provides the HTTP plumbing shared by all provider adapters.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
	Provider   string

	healthMu      sync.Mutex
	healthChecked time.Time
	healthErr     error
}

// NewBaseClient creates a base client. The timeout here is a transport
// ceiling; per-call deadlines come from the request context.
func NewBaseClient(provider string, timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BaseClient{
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
		Provider:   provider,
	}
}

// PostJSON sends one JSON POST and returns the status, body, and headers.
// Transport failures come back as GatewayError so the classifier can act
// on them; HTTP-level errors are the caller's to map via HandleError.
func (b *BaseClient) PostJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) (int, []byte, http.Header, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, core.WrapGatewayError(core.ErrKindInternal, b.Provider+".request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, core.WrapGatewayError(core.ErrKindInternal, b.Provider+".request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, core.WrapGatewayError(core.KindOf(ctx.Err()), b.Provider+".request", ctx.Err())
		}
		return 0, nil, nil, &core.GatewayError{
			Kind:      core.ErrKindServiceUnavailable,
			Op:        b.Provider + ".request",
			Message:   "transport failure",
			Retryable: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, &core.GatewayError{
			Kind:      core.ErrKindServiceUnavailable,
			Op:        b.Provider + ".request",
			Message:   "reading response body",
			Retryable: true,
			Err:       err,
		}
	}
	return resp.StatusCode, respBody, resp.Header, nil
}

// HandleError maps an upstream HTTP error to the gateway taxonomy. The
// Retry-After header, when present on a 429, becomes a backoff hint.
func (b *BaseClient) HandleError(op string, statusCode int, body []byte, header http.Header) error {
	msg := extractErrorMessage(body)
	b.Logger.Error("Provider API error", map[string]interface{}{
		"operation":   "provider_api_error",
		"provider":    b.Provider,
		"status_code": statusCode,
		"error":       msg,
	})

	ge := &core.GatewayError{
		Op:             op,
		Message:        msg,
		UpstreamStatus: statusCode,
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		ge.Kind = core.ErrKindVendorAuth
		ge.Message = fmt.Sprintf("%s API rejected credentials: %s", b.Provider, msg)
	case statusCode == http.StatusTooManyRequests:
		ge.Kind = core.ErrKindRateLimited
		ge.Retryable = true
		ge.RetryAfter = parseRetryAfter(header)
	case statusCode == http.StatusBadRequest:
		ge.Kind = core.ErrKindInvalidRequest
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		ge.Kind = core.ErrKindTimeout
		ge.Retryable = true
	case statusCode >= 500:
		ge.Kind = core.ErrKindServiceUnavailable
		ge.Retryable = true
	default:
		ge.Kind = core.ErrKindInvalidRequest
	}
	return ge
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// extractErrorMessage pulls the provider's error message out of a JSON
// error body, falling back to a bounded excerpt of the raw bytes.
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(body)
}

// CheckHealth probes url with a bounded GET, caching the outcome so hot
// paths never pay for repeated probes.
func (b *BaseClient) CheckHealth(ctx context.Context, url string) error {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()

	if time.Since(b.healthChecked) < healthCacheTTL {
		return b.healthErr
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return core.WrapGatewayError(core.ErrKindInternal, b.Provider+".health", err)
	}
	resp, err := b.HTTPClient.Do(req)
	b.healthChecked = time.Now()
	if err != nil {
		b.healthErr = &core.GatewayError{
			Kind:      core.ErrKindServiceUnavailable,
			Op:        b.Provider + ".health",
			Message:   "health probe failed",
			Retryable: true,
			Err:       err,
		}
		return b.healthErr
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		b.healthErr = &core.GatewayError{
			Kind:           core.ErrKindServiceUnavailable,
			Op:             b.Provider + ".health",
			Message:        fmt.Sprintf("health probe returned %d", resp.StatusCode),
			Retryable:      true,
			UpstreamStatus: resp.StatusCode,
		}
	} else {
		// Auth errors on the probe endpoint still prove reachability.
		b.healthErr = nil
	}
	return b.healthErr
}
