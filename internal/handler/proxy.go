package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"llm-proxy-go/internal/client"
	"llm-proxy-go/internal/metrics"
	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/service"
)

// bearerPattern matches bearer credentials in error messages that may embed
// request headers or URLs.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"&]+`)

// errCallerWrite marks relay failures on the caller side of the connection.
var errCallerWrite = errors.New("write to caller")

// responseSkipHeaders are response headers the local transport must control
// itself; everything else from the upstream is forwarded verbatim.
var responseSkipHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ProxyHandler forwards every request to the configured upstream and relays
// the response back, streaming chunk by chunk when the upstream streams.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the upstream and relays the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The upstream's status and headers pass through unchanged; a non-2xx
	// status is the provider's own error semantics, not a proxy failure.
	res := c.Response()
	for key, vals := range resp.Header {
		if responseSkipHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}

	streaming := isStreamingResponse(resp.Header)
	res.WriteHeader(resp.StatusCode)

	written, err := relay(res, resp.Body, streaming)
	if h.metrics != nil {
		mode := metrics.ModeUnary
		if streaming {
			mode = metrics.ModeStream
		}
		h.metrics.RelayBytes.WithLabelValues(mode).Add(float64(written))
	}
	if err != nil {
		return h.mapRelayError(c, err, written)
	}
	return nil
}

// relay copies the upstream body to the caller with a fixed-size buffer,
// never holding more than one chunk in memory. In streaming mode each chunk
// is flushed as soon as it is written, preserving arrival order and timing.
func relay(res *echo.Response, body io.Reader, streaming bool) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("%w: %v", errCallerWrite, werr)
			}
			written += int64(n)
			if streaming {
				res.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read from upstream: %w", rerr)
		}
	}
}

// isStreamingResponse reports whether the upstream response should be relayed
// chunk by chunk. Detection uses the declared framing only: an event-stream
// content type, or the absence of a fixed Content-Length.
func isStreamingResponse(header http.Header) bool {
	ct := strings.ToLower(header.Get(echo.HeaderContentType))
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	return header.Get(echo.HeaderContentLength) == ""
}

// mapError translates a forwarding failure into a structured proxy-level
// error response. At this point nothing has been written to the caller, so a
// proper status code can still be sent.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if c.Request().Context().Err() != nil {
		// Caller went away before the upstream answered; there is no one
		// left to report to.
		h.logger.Debug("caller disconnected before upstream response",
			"path", c.Request().URL.Path,
		)
		return nil
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	// Dial failures (refused, unroutable, connect timeout) are all
	// "unreachable"; only a reachable upstream that stays silent is a
	// gateway timeout.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream timed out before responding",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// mapRelayError handles failures after the status line is on the wire. The
// status code cannot be changed retroactively, so an upstream failure
// mid-stream surfaces to the caller as an abrupt connection close.
func (h *ProxyHandler) mapRelayError(c echo.Context, err error, written int64) error {
	path := c.Request().URL.Path

	if errors.Is(err, errCallerWrite) || c.Request().Context().Err() != nil {
		h.logger.Debug("caller disconnected mid-response",
			"path", path,
			"bytes_out", written,
		)
		return nil
	}

	if errors.Is(err, client.ErrIdleTimeout) {
		h.logger.Error("upstream idle timeout mid-stream",
			"path", path,
			"bytes_out", written,
		)
	} else {
		h.logger.Error("upstream failed mid-stream",
			"err", sanitizeError(err),
			"path", path,
			"bytes_out", written,
		)
	}

	// Abort the connection so the caller sees truncation instead of a
	// response that looks complete.
	panic(http.ErrAbortHandler)
}

// sanitizeError redacts bearer credentials from error messages that may
// contain upstream request details.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
