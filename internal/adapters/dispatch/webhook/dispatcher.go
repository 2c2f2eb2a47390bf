// Package webhook delivers directives to an external orchestrator over HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
)

const (
	defaultTimeout = 10 * time.Second
	defaultBackoff = 250 * time.Millisecond
	userAgent      = "polyglot-roundtable/1.0"
	maxErrorBody   = 4 << 10
)

// StatusError is returned when the orchestrator answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the delivery may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithBackoff sets the base delay between retries. Attempt n waits n times
// the base delay.
func WithBackoff(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.backoff = delay
	}
}

// Config describes the webhook endpoint.
type Config struct {
	URL     string
	Timeout time.Duration
	Retries int
	Headers map[string]string
}

// Dispatcher implements ports.Dispatcher by POSTing each directive as JSON.
type Dispatcher struct {
	url     string
	retries int
	headers map[string]string
	backoff time.Duration
	client  *http.Client
	logger  *slog.Logger
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

// New creates a webhook dispatcher.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	d := &Dispatcher{
		url:     cfg.URL,
		retries: max(cfg.Retries, 0),
		headers: cfg.Headers,
		backoff: defaultBackoff,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// InvokeParticipant asks the orchestrator to run one participant.
func (d *Dispatcher) InvokeParticipant(ctx context.Context, directive ports.Directive) error {
	directive.Kind = ports.DirectiveInvokeParticipant
	return d.deliver(ctx, directive)
}

// StartSynthesis asks the orchestrator to run the moderator.
func (d *Dispatcher) StartSynthesis(ctx context.Context, directive ports.Directive) error {
	directive.Kind = ports.DirectiveStartSynthesis
	directive.ParticipantIndex = nil
	return d.deliver(ctx, directive)
}

func (d *Dispatcher) deliver(ctx context.Context, directive ports.Directive) error {
	body, err := json.Marshal(directive)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.backoff):
			}
		}

		lastErr = d.post(ctx, body)
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.Temporary() {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}

		d.logger.Warn("webhook delivery failed",
			slog.String("kind", string(directive.Kind)),
			slog.String("thread_id", directive.ThreadID),
			slog.Int("round_number", directive.RoundNumber),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}
	return fmt.Errorf("deliver %s after %d attempts: %w", directive.Kind, d.retries+1, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	d.setHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (d *Dispatcher) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for name, value := range d.headers {
		req.Header.Set(name, value)
	}
}
