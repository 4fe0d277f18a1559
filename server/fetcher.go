package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go-tunnel/protocol"
)

// FetchRequest is an HTTPRequestPayload after normalization.
type FetchRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte // nil when the request carried no body
}

// FetchResponse is what a Fetcher hands back on success. Body is read
// lazily and always closed by the dispatcher.
type FetchResponse struct {
	Status     int
	StatusText string
	Headers    protocol.Headers
	Body       io.ReadCloser
}

// Fetcher performs the outbound request. It must abort promptly once ctx
// is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *FetchRequest) (*FetchResponse, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	return f(ctx, req)
}

// FetchError is a failure the Fetcher already knows how to present: it is
// sent back as a response with Status and Body encoded as JSON.
type FetchError struct {
	Status int
	Body   any
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch error (%d): %v", e.Status, e.Body)
}

// ErrorBody is the shape used for error bodies produced in this package.
type ErrorBody struct {
	Code    string `json:"code"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

func invalidRequest(id, msg string) *FetchError {
	return &FetchError{
		Status: http.StatusBadRequest,
		Body: ErrorBody{
			Code:    "INVALID_REQUEST",
			ID:      id,
			Message: msg,
		},
	}
}

// NormalizeRequest validates a decoded payload and turns it into a
// FetchRequest. Failures are *FetchError with status 400.
func NormalizeRequest(p *protocol.HTTPRequestPayload) (*FetchRequest, error) {
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}
	if strings.ContainsAny(method, " \t\r\n") {
		return nil, invalidRequest("request.method", "invalid method "+p.Method)
	}

	if p.Remote == "" {
		return nil, invalidRequest("request.remote", "remote is required")
	}
	u, err := url.Parse(p.Remote)
	if err != nil {
		return nil, invalidRequest("request.remote", err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, invalidRequest("request.remote", "unsupported scheme "+u.Scheme)
	}
	if u.Host == "" {
		return nil, invalidRequest("request.remote", "remote must be absolute")
	}

	req := &FetchRequest{
		Method: method,
		URL:    u,
		Header: p.RequestHeaders.HTTPHeader(),
	}
	if p.Body != nil {
		req.Body = []byte(*p.Body)
	}
	return req, nil
}
