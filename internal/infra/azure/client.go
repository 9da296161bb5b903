// Package azure implements the provider connection against Azure Resource
// Manager: activity-log retrieval for the event poller and managed-disk
// snapshots for scan jobs.
package azure

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/pkg/common"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// DefaultEndpoint is the public-cloud Resource Manager endpoint.
const DefaultEndpoint = "https://management.azure.com"

// TokenSource supplies bearer tokens for Resource Manager requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}
	return string(s), nil
}

// Config describes one subscription connection.
type Config struct {
	SubscriptionID string
	// Endpoint defaults to DefaultEndpoint.
	Endpoint string
	// RequestsPerSecond and Burst bound the request rate to the subscription.
	RequestsPerSecond float64
	Burst             int
	// PollInterval is the first wait between async operation status checks.
	PollInterval time.Duration
	// OperationTimeout bounds how long a snapshot create or delete may run.
	OperationTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 3
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Minute
	}
}

// Client is a rate limited, traced Resource Manager client scoped to a
// single subscription.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	tokens      TokenSource
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// NewClient creates a client for cfg.SubscriptionID.
func NewClient(cfg Config, tokens TokenSource, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Client {
	cfg.setDefaults()
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	c := &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tokens:      tokens,
		rateLimiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:      logger.With("component", "azure_client", "subscription_id", cfg.SubscriptionID),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubscriptionID returns the subscription this client is scoped to.
func (c *Client) SubscriptionID() string { return c.cfg.SubscriptionID }

// Close releases idle connections. The client stays usable.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// armError is the Resource Manager error body.
type armError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// remainingReadsHeader carries the subscription's remaining read quota.
const remainingReadsHeader = "x-ms-ratelimit-remaining-subscription-reads"

// do sends one request and decodes a JSON response into out when out is
// non-nil. Every failure is returned as a *provider.Error tagged with op.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body, out any) (http.Header, error) {
	ctx, span := c.tracer.Start(ctx, "azure."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("subscription_id", c.cfg.SubscriptionID),
		))
	defer span.End()

	hdr, err := c.roundTrip(ctx, op, method, rawURL, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return hdr, nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, rawURL string, body, out any) (http.Header, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(op, fmt.Errorf("rate limiter wait failed: %w", err))
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, provider.NewProviderError(op, "AuthenticationFailed", fmt.Errorf("failed to acquire token: %w", err))
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, provider.NewProviderError(op, "EncodingError", fmt.Errorf("failed to marshal request body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, provider.NewProviderError(op, "InvalidRequest", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	c.updateRateLimits(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(op, resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return nil, provider.NewProviderError(op, "DecodingError", fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return resp.Header, nil
}

// statusError maps a non-2xx response. Gateway and request timeouts are
// timeouts; everything else is a provider error classed by the ARM code.
func (c *Client) statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body armError
	_ = json.Unmarshal(data, &body)
	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = resp.Status
	}
	inner := errors.New(msg)

	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return provider.NewTimeout(op, inner)
	case http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			c.rateLimiter.Throttle(time.Duration(secs) * time.Second)
		}
	}

	class := body.Error.Code
	if class == "" {
		class = "HTTP" + strconv.Itoa(resp.StatusCode)
	}
	return provider.NewProviderError(op, class, inner)
}

// updateRateLimits spreads the remaining hourly read quota over the hour.
func (c *Client) updateRateLimits(resp *http.Response) {
	remaining, err := strconv.Atoi(resp.Header.Get(remainingReadsHeader))
	if err != nil {
		return
	}
	c.rateLimiter.UpdateFromRemaining(remaining, time.Hour, c.cfg.RequestsPerSecond)
}

func classifyTransportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return provider.NewTimeout(op, err)
	}
	return provider.NewProviderError(op, "ConnectionError", err)
}

func (c *Client) subscriptionURL(path string) string {
	return c.cfg.Endpoint + "/subscriptions/" + c.cfg.SubscriptionID + path
}
