// Package client provides the upstream HTTP client for the configured provider.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/metrics"
	"llm-proxy-go/internal/model"
)

// UpstreamClient sends requests to the configured upstream provider.
type UpstreamClient struct {
	httpClient *http.Client
	idle       time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and the
// configured timeouts. There is no overall request deadline: streamed
// completions may legitimately run for minutes, so liveness is enforced by
// the connect timeout, the response-header timeout, and the per-read idle
// watchdog instead. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// No bytes at all within the idle window counts as a timeout,
		// whether the head or the body is pending.
		ResponseHeaderTimeout: cfg.Upstream.IdleTimeout(),
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		idle:       cfg.Upstream.IdleTimeout(),
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do executes a request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
//
// The provided context controls the lifetime of the upstream request: when it
// is canceled (e.g. the caller disconnects), the upstream connection is torn
// down as well. The returned body is additionally guarded by the idle-read
// watchdog, which aborts the connection when no bytes arrive for the
// configured idle window.
func (c *UpstreamClient) Do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	methodLabel := metrics.NormalizeMethod(req.Method)

	if err != nil {
		cancel()
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(methodLabel).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(methodLabel).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(methodLabel, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newIdleBody(resp.Body, c.idle, cancel),
	}, nil
}
