package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/pkg/circuitbreaker"
)

// ErrRejected marks a notification the receiver refused; retrying it cannot help
var ErrRejected = errors.New("notification rejected by receiver")

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
	URL            string
	RequestTimeout time.Duration
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultWebhookConfig returns delivery defaults
func DefaultWebhookConfig(target string) WebhookConfig {
	return WebhookConfig{
		URL:            target,
		RequestTimeout: 5 * time.Second,
		MaxTries:       5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// WebhookClient POSTs notifications through a per-host circuit breaker
// with exponential backoff between attempts
type WebhookClient struct {
	config   WebhookConfig
	http     *http.Client
	breakers *circuitbreaker.Manager
	breaker  circuitbreaker.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewWebhookClient creates a webhook client. breakerCfg.Name is replaced by
// the target host.
func NewWebhookClient(cfg WebhookConfig, breakers *circuitbreaker.Manager, breakerCfg circuitbreaker.Config, logger *zap.Logger) (*WebhookClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid webhook url %q", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	defaults := DefaultWebhookConfig(cfg.URL)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaults.MaxTries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrRejected)
	}

	return &WebhookClient{
		config:   cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		breakers: breakers,
		breaker:  breakerCfg,
		logger:   logger,
		tracer:   otel.Tracer("notify-webhook"),
	}, nil
}

// Send delivers n, retrying transport failures, 5xx, 408 and 429 replies.
// Other 4xx replies fail at once with ErrRejected.
func (c *WebhookClient) Send(ctx context.Context, n *Notification) error {
	ctx, span := c.tracer.Start(ctx, "webhook_send",
		trace.WithAttributes(
			attribute.String("notification_id", n.ID),
			attribute.String("kind", string(n.Kind)),
		))
	defer span.End()

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrRejected, err)
	}

	u, _ := url.Parse(c.config.URL)
	cb, err := c.breakers.GetOrCreate(u.Host, c.breaker)
	if err != nil {
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.config.InitialBackoff
	exp.MaxInterval = c.config.MaxBackoff

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		_, err := cb.Execute(ctx, func() (interface{}, error) {
			return nil, c.post(ctx, n, body)
		})
		if errors.Is(err, ErrRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(c.config.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("webhook delivery failed, retrying",
				zap.String("notification_id", n.ID),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deliver notification %s: %w", n.ID, err)
	}
	return nil
}

func (c *WebhookClient) post(ctx context.Context, n *Notification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if n.CorrelationID != "" {
		req.Header.Set("X-Request-ID", n.CorrelationID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}
