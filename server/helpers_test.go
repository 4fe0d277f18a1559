package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go-tunnel/protocol"
	"go-tunnel/transport"
)

// recordingTransport captures every frame a session sends.
type recordingTransport struct {
	mu       sync.Mutex
	frames   []protocol.Frame
	closed   chan struct{}
	once     sync.Once
	failSend atomic.Bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{closed: make(chan struct{})}
}

func (r *recordingTransport) Send(msg []byte) error {
	if r.failSend.Load() {
		return errors.New("transport gone")
	}
	select {
	case <-r.closed:
		return transport.ErrClosed
	default:
	}

	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		return err
	}
	f.Payload = append([]byte(nil), f.Payload...)

	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) Serve(h transport.Handler) error {
	<-r.closed
	h.HandleClose(nil)
	return nil
}

func (r *recordingTransport) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *recordingTransport) all() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recordingTransport) framesFor(seq uint16) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range r.all() {
		if f.Seq == seq {
			out = append(out, f)
		}
	}
	return out
}

// waitResponse waits for the End frame of seq and returns every frame sent
// for it.
func (r *recordingTransport) waitResponse(t *testing.T, seq uint16) []protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, f := range r.framesFor(seq) {
			if f.S2C() == protocol.S2CHTTPResponseEnd {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "no End frame for seq %d", seq)
	return r.framesFor(seq)
}

// decoded is a response reassembled from frames.
type decoded struct {
	head   protocol.HTTPResponsePayload
	chunks [][]byte
	body   []byte
}

// decodeResponse checks the Start, Chunk*, End shape and reassembles it.
func decodeResponse(t *testing.T, frames []protocol.Frame) decoded {
	t.Helper()
	require.GreaterOrEqual(t, len(frames), 2, "need at least Start and End")

	require.Equal(t, protocol.S2CHTTPResponseStart, frames[0].S2C())
	head, err := protocol.DecodeHTTPResponse(frames[0].Payload)
	require.NoError(t, err)

	last := frames[len(frames)-1]
	require.Equal(t, protocol.S2CHTTPResponseEnd, last.S2C())
	require.Empty(t, last.Payload)

	out := decoded{head: *head}
	for _, f := range frames[1 : len(frames)-1] {
		require.Equal(t, protocol.S2CHTTPResponseChunk, f.S2C())
		require.LessOrEqual(t, len(f.Payload), protocol.MaxChunkSize)
		out.chunks = append(out.chunks, f.Payload)
		out.body = append(out.body, f.Payload...)
	}
	return out
}

func requestFrame(t *testing.T, seq uint16, p protocol.HTTPRequestPayload) []byte {
	t.Helper()
	msg, err := protocol.EncodeJSON(seq, uint8(protocol.C2SHTTPRequest), p)
	require.NoError(t, err)
	return msg
}

func getRequest(remote string) protocol.HTTPRequestPayload {
	return protocol.HTTPRequestPayload{
		Method:         "GET",
		RequestHeaders: protocol.Headers{},
		Remote:         remote,
	}
}

// staticFetcher answers every request with the same response.
func staticFetcher(status int, text string, headers protocol.Headers, body []byte) Fetcher {
	return FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{
			Status:     status,
			StatusText: text,
			Headers:    headers,
			Body:       io.NopCloser(bytes.NewReader(body)),
		}, nil
	})
}

func newTestSession(t *testing.T, f Fetcher, opts ...DispatcherOption) (*Session, *recordingTransport) {
	t.Helper()
	tr := newRecordingTransport()
	s := NewSession(tr, NewDispatcher(f, opts...))
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		_ = s.Close()
		s.Wait()
	})
	return s, tr
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
