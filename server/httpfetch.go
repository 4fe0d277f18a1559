package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"go-tunnel/protocol"
)

// HTTPFetcher performs requests with net/http. Redirects are handed back to
// the client untouched.
type HTTPFetcher struct {
	client  *http.Client
	timeout atomic.Int64 // nanoseconds, 0 = none
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	f.SetTimeout(timeout)
	return f
}

// SetTimeout changes the per-fetch deadline for requests started afterwards.
// The deadline covers reading the body too.
func (f *HTTPFetcher) SetTimeout(d time.Duration) {
	f.timeout.Store(int64(d))
}

func (f *HTTPFetcher) Timeout() time.Duration {
	return time.Duration(f.timeout.Load())
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	cancel := context.CancelFunc(func() {})
	if t := f.Timeout(); t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		cancel()
		return nil, invalidRequest("request.remote", err.Error())
	}
	httpReq.Header = req.Header.Clone()
	if host := httpReq.Header.Get("Host"); host != "" {
		httpReq.Host = host
		httpReq.Header.Del("Host")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fetchFailure(ctx, err)
	}

	return &FetchResponse{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    protocol.HeadersFrom(resp.Header),
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// fetchFailure maps transport-level errors to gateway responses. A cancelled
// parent context is passed through as is; nobody is waiting for an answer.
func fetchFailure(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "fetch cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &FetchError{
			Status: http.StatusGatewayTimeout,
			Body: ErrorBody{
				Code:    "UPSTREAM_TIMEOUT",
				ID:      "error.fetch",
				Message: err.Error(),
			},
		}
	}
	return &FetchError{
		Status: http.StatusBadGateway,
		Body: ErrorBody{
			Code:    "CONNECTION_FAILED",
			ID:      "error.fetch",
			Message: err.Error(),
		},
	}
}

// statusText strips the numeric code from resp.Status ("200 OK" -> "OK").
func statusText(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if text, ok := strings.CutPrefix(resp.Status, prefix); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
