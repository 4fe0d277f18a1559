package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"go/token"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-tunnel/protocol"
)

// Dispatcher turns one HTTPRequest into exactly one Start, any number of
// Chunk frames and one End. It is shared by every session of a server.
type Dispatcher struct {
	fetcher Fetcher
	log     *zap.Logger
	metrics *Metrics
}

type DispatcherOption func(*Dispatcher)

func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(f Fetcher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		fetcher: f,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetcher returns the fetcher requests are dispatched to.
func (d *Dispatcher) Fetcher() Fetcher {
	return d.fetcher
}

type sendFunc func(msg []byte) error

// serveHTTP runs the response pipeline for one request. It returns an error
// only when a frame could not be sent.
func (d *Dispatcher) serveHTTP(ctx context.Context, seq uint16, payload *protocol.HTTPRequestPayload, send sendFunc) error {
	log := d.log.With(zap.Uint16("seq", seq))

	head, body, outcome := d.fetch(ctx, log, payload)
	defer body.Close()

	startMsg, err := protocol.EncodeJSON(seq, uint8(protocol.S2CHTTPResponseStart), head)
	if err != nil {
		// headers that cannot be encoded; answer with a bare 500 instead
		log.Error("encode response head", zap.Error(err))
		head = protocol.HTTPResponsePayload{
			Status:     http.StatusInternalServerError,
			StatusText: http.StatusText(http.StatusInternalServerError),
			Headers:    protocol.Headers{},
		}
		startMsg, _ = protocol.EncodeJSON(seq, uint8(protocol.S2CHTTPResponseStart), head)
		outcome = outcomeInternal
	}

	if err := d.send(send, protocol.S2CHTTPResponseStart, startMsg); err != nil {
		d.metrics.requestDone(outcomeAborted)
		return errors.Wrap(err, "send start")
	}

	n, err := d.streamBody(seq, body, send)
	if err != nil {
		if errors.Is(err, errSend) {
			d.metrics.requestDone(outcomeAborted)
			return err
		}
		// status is already on the wire, so a broken body just ends early
		log.Warn("response body interrupted", zap.Int64("sent", n), zap.Error(err))
	}

	endMsg := protocol.EncodeFrame(seq, uint8(protocol.S2CHTTPResponseEnd), nil)
	if err := d.send(send, protocol.S2CHTTPResponseEnd, endMsg); err != nil {
		d.metrics.requestDone(outcomeAborted)
		return errors.Wrap(err, "send end")
	}

	d.metrics.requestDone(outcome)
	log.Debug("response sent",
		zap.Int("status", head.Status),
		zap.Int64("bytes", n),
		zap.String("outcome", outcome),
	)
	return nil
}

var errSend = errors.New("send chunk")

// streamBody pulls r in reads of at most MaxChunkSize and sends one Chunk
// frame per non-empty read.
func (d *Dispatcher) streamBody(seq uint16, r io.Reader, send sendFunc) (int64, error) {
	buf := make([]byte, protocol.MaxChunkSize)
	var total int64

	for {
		n, err := readBody(r, buf)
		if n > 0 {
			msg := protocol.EncodeFrame(seq, uint8(protocol.S2CHTTPResponseChunk), buf[:n])
			if serr := d.send(send, protocol.S2CHTTPResponseChunk, msg); serr != nil {
				return total, fmt.Errorf("%w: %w", errSend, serr)
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// readBody turns a panic in the body reader into an error so that the
// response still gets its End frame.
func readBody(r io.Reader, buf []byte) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			n = 0
			if e, ok := p.(error); ok {
				err = errors.Wrap(e, "panic reading body")
			} else {
				err = errors.Errorf("panic reading body: %v", p)
			}
		}
	}()
	return r.Read(buf)
}

func (d *Dispatcher) send(send sendFunc, op protocol.S2C, msg []byte) error {
	if err := send(msg); err != nil {
		return err
	}
	d.metrics.frameSent(op, len(msg)-protocol.HeaderSize)
	return nil
}

// fetch never fails: every error becomes a response.
func (d *Dispatcher) fetch(ctx context.Context, log *zap.Logger, payload *protocol.HTTPRequestPayload) (protocol.HTTPResponsePayload, io.ReadCloser, string) {
	req, err := NormalizeRequest(payload)
	if err == nil {
		var resp *FetchResponse
		resp, err = d.callFetcher(ctx, req)
		if err != nil && resp != nil && resp.Body != nil {
			// the error wins, but the body may hold a connection
			_ = resp.Body.Close()
		}
		if err == nil {
			headers := resp.Headers
			if headers == nil {
				headers = protocol.Headers{}
			}
			body := resp.Body
			if body == nil {
				body = io.NopCloser(bytes.NewReader(nil))
			}
			return protocol.HTTPResponsePayload{
				Status:     resp.Status,
				StatusText: resp.StatusText,
				Headers:    headers,
			}, body, outcomeOK
		}
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		log.Debug("fetch returned structured error", zap.Int("status", fe.Status))
		head, body := errorResponse(fe)
		return head, body, outcomeFetchErr
	}

	trace := uuid.NewString()
	log.Error("fetch failed", zap.String("trace", trace), zap.Error(err))
	head, body := errorResponse(unknownError(err, trace))
	return head, body, outcomeInternal
}

// callFetcher shields the session from a panicking Fetcher.
func (d *Dispatcher) callFetcher(ctx context.Context, req *FetchRequest) (resp *FetchResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithStack(e)
			} else {
				err = errors.Errorf("panic: %v", r)
			}
		}
	}()

	resp, err = d.fetcher.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("fetcher returned no response")
	}
	return resp, err
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func unknownError(err error, trace string) *FetchError {
	body := ErrorBody{
		Code:    "UNKNOWN",
		ID:      "error." + errorTypeName(err),
		Message: err.Error(),
		Trace:   trace,
	}
	if st, ok := err.(stackTracer); ok {
		body.Stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return &FetchError{Status: http.StatusInternalServerError, Body: body}
}

// errorTypeName names the first exported error type in err's chain, such
// as "net.OpError". Wrappers and plain error strings have unexported types
// and are skipped; a chain made only of those is an "Exception".
func errorTypeName(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if !token.IsExported(t.Name()) {
			continue
		}
		pkg := t.PkgPath()
		if i := strings.LastIndex(pkg, "/"); i >= 0 {
			pkg = pkg[i+1:]
		}
		if pkg == "" {
			return t.Name()
		}
		return pkg + "." + t.Name()
	}
	return "Exception"
}

func errorResponse(fe *FetchError) (protocol.HTTPResponsePayload, io.ReadCloser) {
	status := fe.Status
	raw, err := json.Marshal(fe.Body)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(ErrorBody{
			Code:    "UNKNOWN",
			ID:      "error.Marshal",
			Message: err.Error(),
		})
	}

	return protocol.HTTPResponsePayload{
		Status:     status,
		StatusText: http.StatusText(status),
		Headers:    protocol.Headers{},
	}, io.NopCloser(bytes.NewReader(raw))
}
