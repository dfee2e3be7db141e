package retryhttp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hubmetrics/groups-exporter/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config configures retry behavior for upstream HTTP calls.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Doer is implemented by http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts int
}

// Client wraps upstream HTTP requests with exponential-backoff retries.
// Network errors and transient statuses (429, 5xx) are retried up to the
// attempt ceiling; any other response is returned to the caller as-is.
type Client struct {
	doer Doer
	cfg  Config
	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// New creates a retrying HTTP client.
func New(doer Doer, cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		doer:  doer,
		cfg:   cfg,
		Sleep: time.Sleep,
	}
}

// Do executes a request with retries on transient failures.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("groups-exporter/internal/retryhttp").Start(
			ctx,
			"retryhttp.client.do",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("retry.max_attempts", c.cfg.MaxAttempts),
			),
		)
		defer span.End()
	}

	metadata := CallMetadata{}
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		metadata.Attempts = attempt

		nextReq := req.Clone(ctx)
		resp, err := c.doer.Do(nextReq)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("retry.attempt", attempt),
				))
			}
			if attempt == c.cfg.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, err.Error())
				}
				return nil, metadata, err
			}
			c.Sleep(backoffForAttempt(c.cfg, attempt))
			continue
		}

		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("retry.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
			))
		}

		if isTransientStatus(resp.StatusCode) {
			if attempt == c.cfg.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, fmt.Sprintf("transient status %d", resp.StatusCode))
				}
				return resp, metadata, nil
			}
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			c.Sleep(backoffForAttempt(c.cfg, attempt))
			continue
		}

		if span != nil {
			span.SetStatus(codes.Ok, "request completed")
		}
		return resp, metadata, nil
	}

	if span != nil {
		span.SetStatus(codes.Error, "request attempts exhausted")
	}
	return nil, metadata, fmt.Errorf("request attempts exhausted")
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func backoffForAttempt(cfg Config, attempt int) time.Duration {
	backoff := cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return backoff
}
