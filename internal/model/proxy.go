// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// The query string is carried verbatim so the outbound request preserves
// the caller's parameter encoding and ordering.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be relayed back.
// Body may be a bounded unary body or an unbounded event stream; the
// caller owns it and must close it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
