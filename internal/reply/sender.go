// Package reply delivers outbound replies through ephemeral reply endpoints.
// The live endpoint is resolved at send time: a reply may be composed long
// after intake, and the person may have since written again from a different
// conversation, so the endpoint captured with the triggering event cannot be
// trusted.
package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// ErrNoEndpoint is returned when no live reply endpoint exists for the
// requested conversation or sender.
var ErrNoEndpoint = errors.New("no live reply endpoint")

// Resolver resolves the currently live reply endpoint. Implemented by the
// stream coordinator.
type Resolver interface {
	ResolveReplyEndpoint(conversationID, senderID string) (string, bool)
}

// EndpointError represents a rejected delivery.
type EndpointError struct {
	StatusCode int
	Body       []byte
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("reply endpoint error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry.
func (e *EndpointError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Config holds reply sender settings.
type Config struct {
	Timeout    time.Duration // per-request timeout
	MaxRetries int
	RetryDelay time.Duration // base delay, doubled per retry with jitter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Sender posts JSON replies to resolved endpoints.
type Sender struct {
	cfg        Config
	resolver   Resolver
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSender creates a reply sender.
func NewSender(cfg Config, resolver Resolver, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		cfg:        cfg,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Send resolves the freshest live endpoint for the conversation/sender and
// posts the payload, retrying transient failures with jittered backoff. The
// endpoint is re-resolved on every attempt in case it expires mid-retry.
func (s *Sender) Send(ctx context.Context, conversationID, senderID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	var lastErr error
	backoff := s.cfg.RetryDelay

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			s.logger.Debug("retrying reply",
				"attempt", attempt,
				"backoff", jitter,
				"conversation_id", conversationID,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		endpoint, ok := s.resolver.ResolveReplyEndpoint(conversationID, senderID)
		if !ok {
			return ErrNoEndpoint
		}

		err := s.post(ctx, endpoint, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var endpointErr *EndpointError
		if !errors.As(err, &endpointErr) || !endpointErr.IsRetryable() {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &EndpointError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return nil
}
