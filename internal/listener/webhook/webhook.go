// Package webhook implements a Listener that notifies an HTTP endpoint of
// every captured email.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shineum/smtp-capture-lite/internal/email"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed
// with the configured secret, prefixed by "sha256=".
const SignatureHeader = "X-Capture-Signature"

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a webhook Listener.
type Config struct {
	URL    string
	Secret string

	// Timeout bounds a single HTTP request. Defaults to 10s.
	Timeout time.Duration
}

// Listener POSTs the JSON summary of each captured email.
type Listener struct {
	url        string
	secret     []byte
	httpClient *http.Client
	retryDelay time.Duration
}

// New creates a new webhook Listener with the given configuration.
func New(cfg Config) *Listener {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return newWithClient(cfg, &http.Client{Timeout: timeout})
}

// newWithClient creates a Listener with a custom HTTP client, used for
// testing.
func newWithClient(cfg Config, client *http.Client) *Listener {
	var secret []byte
	if cfg.Secret != "" {
		secret = []byte(cfg.Secret)
	}
	return &Listener{
		url:        cfg.URL,
		secret:     secret,
		httpClient: client,
		retryDelay: baseRetryDelay,
	}
}

// OnMessageReceived notifies the endpoint. Transient failures (network
// errors, 408, 429 and 5xx) are retried with exponential backoff, honoring
// Retry-After; other responses fail immediately.
func (l *Listener) OnMessageReceived(ctx context.Context, msg *email.Email) error {
	body, err := json.Marshal(msg.Summary())
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying webhook request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := l.post(ctx, msg.ID, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var hookErr *deliveryError
		if !errors.As(err, &hookErr) || !hookErr.transient {
			return err
		}
		if attempt == maxRetries {
			break
		}

		delay := l.backoffDelay(attempt)
		if hookErr.statusCode == http.StatusTooManyRequests {
			delay = l.retryAfterDelay(hookErr.retryAfter, attempt)
		}
		slog.Info("transient webhook error, retrying",
			"status", hookErr.statusCode,
			"delay", delay,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("webhook request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return "webhook"
}

// post performs a single HTTP request to the webhook endpoint.
func (l *Listener) post(ctx context.Context, emailID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Capture-Email-Id", emailID)
	if l.secret != nil {
		req.Header.Set(SignatureHeader, Sign(l.secret, body))
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &deliveryError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyError(resp.StatusCode, string(msg), resp.Header.Get("Retry-After"))
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliveryError represents a failed webhook response with classification
// for retry logic.
type deliveryError struct {
	message    string
	statusCode int
	transient  bool
	retryAfter string
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("webhook error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *deliveryError {
	err := &deliveryError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusRequestTimeout:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the
// appropriate delay. Falls back to exponential backoff if the header is
// missing or unparseable.
func (l *Listener) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return l.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt
// number: 1x, 2x, 4x the base delay.
func (l *Listener) backoffDelay(attempt int) time.Duration {
	delay := l.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
