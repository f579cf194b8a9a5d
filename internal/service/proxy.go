// Package service implements the core forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"llm-proxy-go/internal/client"
	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/model"
)

// hopByHopHeaders must not travel across a proxy hop (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const userAgent = "llm-proxy-go/1.0"

// ProxyService forwards requests to the single configured upstream, injecting
// the configured credential. When max_concurrent is set, an admission
// semaphore caps in-flight upstream calls; a slot is held until the response
// body is closed, so with a cap of 1 the proxy reproduces strictly sequential
// forwarding.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
	sem     *semaphore.Weighted // nil when concurrency is unbounded
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	s := &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}
	if n := cfg.Upstream.MaxConcurrent; n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	}
	return s, nil
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body. Exactly one
// upstream call is made per invocation; failures are returned, never retried.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if s.sem != nil {
		// Admission waits in arrival order; a canceled caller stops waiting.
		if err := s.sem.Acquire(pr.Ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire upstream slot: %w", err)
		}
	}

	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := injectCredential(pr.Header, s.cfg.Upstream.APIKey)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		if s.sem != nil {
			s.sem.Release(1)
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if s.sem != nil {
		resp.Body = &releaseOnClose{
			ReadCloser: resp.Body,
			release:    func() { s.sem.Release(1) },
		}
	}
	return resp, nil
}

// buildUpstreamURL joins the upstream base URL with the inbound path and
// carries the raw query string verbatim, preserving the caller's encoding.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(s.baseURL.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}

// injectCredential is the pure request-header transform: every inbound header
// passes through except hop-by-hop headers, and the Authorization header is
// replaced (never merged or validated) with the configured upstream key.
// The input header is not mutated.
func injectCredential(src http.Header, apiKey string) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Set("Authorization", "Bearer "+apiKey)
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", userAgent)
	}
	return dst
}

// releaseOnClose returns an admission slot when the response body is closed.
type releaseOnClose struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}
