package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-tunnel/protocol"
)

func TestSessionHelloScenario(t *testing.T) {
	var got *FetchRequest
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		got = req
		return &FetchResponse{
			Status:     200,
			StatusText: "OK",
			Headers:    protocol.Headers{"content-type": {"text/plain"}},
			Body:       io.NopCloser(bytes.NewReader([]byte("hello"))),
		}, nil
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))

	frames := tr.waitResponse(t, 1)
	require.Len(t, frames, 3)

	assert.JSONEq(t,
		`{"status":200,"statusText":"OK","headers":{"content-type":["text/plain"]}}`,
		string(frames[0].Payload))
	assert.Equal(t, protocol.S2CHTTPResponseChunk, frames[1].S2C())
	assert.Equal(t, []byte("hello"), frames[1].Payload)
	assert.Equal(t, protocol.S2CHTTPResponseEnd, frames[2].S2C())

	require.NotNil(t, got)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, "https://example.com", got.URL.String())
	assert.Nil(t, got.Body)
}

func TestSessionDropsShortFrames(t *testing.T) {
	s, tr := newTestSession(t, staticFetcher(200, "OK", nil, []byte("x")))

	assert.NotPanics(t, func() {
		s.HandleMessage(nil)
		s.HandleMessage([]byte{0x00})
		s.HandleMessage([]byte{0x00, 0x01})
	})
	assert.Empty(t, tr.all())

	s.HandleMessage(requestFrame(t, 5, getRequest("https://example.com")))
	decodeResponse(t, tr.waitResponse(t, 5))
}

func TestSessionDropsBadPayload(t *testing.T) {
	calls := 0
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		calls++
		return nil, errors.New("must not be called")
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(protocol.EncodeFrame(3, uint8(protocol.C2SHTTPRequest), []byte("{not json")))
	s.HandleMessage(protocol.EncodeFrame(4, uint8(protocol.C2SHTTPRequest), nil))

	time.Sleep(20 * time.Millisecond)
	s.Wait()
	assert.Empty(t, tr.all())
	assert.Equal(t, 0, calls)
}

func TestSessionIgnoresReservedOpcodes(t *testing.T) {
	s, tr := newTestSession(t, staticFetcher(200, "OK", nil, nil))

	for _, op := range []protocol.C2S{
		protocol.C2SWSOpen,
		protocol.C2SWSClose,
		protocol.C2SWSSendText,
		protocol.C2SWSSendBinary,
		protocol.C2S(42),
	} {
		s.HandleMessage(protocol.EncodeFrame(1, uint8(op), []byte(`{"url":"wss://example.com"}`)))
	}

	s.Wait()
	assert.Empty(t, tr.all())
	assert.Equal(t, 0, s.InFlight())
}

func TestSessionStructuredFetchError(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return nil, &FetchError{Status: 404, Body: map[string]string{"msg": "not found"}}
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 9, getRequest("https://example.com/missing")))

	resp := decodeResponse(t, tr.waitResponse(t, 9))
	assert.Equal(t, 404, resp.head.Status)
	assert.Equal(t, "Not Found", resp.head.StatusText)
	assert.Empty(t, resp.head.Headers)
	assert.Equal(t, mustJSON(t, map[string]string{"msg": "not found"}), resp.body)
}

func TestSessionWrappedStructuredError(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return nil, errors.Wrap(&FetchError{Status: 403, Body: "forbidden"}, "policy")
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))

	resp := decodeResponse(t, tr.waitResponse(t, 1))
	assert.Equal(t, 403, resp.head.Status)
	assert.Equal(t, `"forbidden"`, string(resp.body))
}

func TestSessionUnknownErrorBecomes500(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return nil, errors.New("dns exploded")
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 2, getRequest("https://example.com")))

	resp := decodeResponse(t, tr.waitResponse(t, 2))
	assert.Equal(t, http.StatusInternalServerError, resp.head.Status)
	assert.Equal(t, "Internal Server Error", resp.head.StatusText)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(resp.body, &body))
	assert.Equal(t, "UNKNOWN", body.Code)
	assert.Equal(t, "error.Exception", body.ID)
	assert.Equal(t, "dns exploded", body.Message)
	assert.Contains(t, body.Stack, "TestSessionUnknownErrorBecomes500")
	assert.NotEmpty(t, body.Trace)
}

func TestSessionFetcherPanicBecomes500(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		panic("boom")
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 3, getRequest("https://example.com")))

	resp := decodeResponse(t, tr.waitResponse(t, 3))
	assert.Equal(t, http.StatusInternalServerError, resp.head.Status)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(resp.body, &body))
	assert.Equal(t, "panic: boom", body.Message)

	// the session keeps serving
	s.HandleMessage(requestFrame(t, 4, getRequest("https://example.com")))
	tr.waitResponse(t, 4)
}

func TestSessionInvalidRemote(t *testing.T) {
	s, tr := newTestSession(t, staticFetcher(200, "OK", nil, nil))

	tests := []struct {
		seq    uint16
		remote string
	}{
		{1, ""},
		{2, "ftp://example.com/file"},
		{3, "/relative/path"},
		{4, "http://[::1"},
	}

	for _, tt := range tests {
		s.HandleMessage(requestFrame(t, tt.seq, getRequest(tt.remote)))
	}
	for _, tt := range tests {
		resp := decodeResponse(t, tr.waitResponse(t, tt.seq))
		assert.Equal(t, http.StatusBadRequest, resp.head.Status, "remote %q", tt.remote)

		var body ErrorBody
		require.NoError(t, json.Unmarshal(resp.body, &body))
		assert.Equal(t, "INVALID_REQUEST", body.Code)
		assert.Equal(t, "request.remote", body.ID)
	}
}

func TestSessionRechunksLargeBody(t *testing.T) {
	sizes := []int{
		0,
		1,
		protocol.MaxChunkSize - 1,
		protocol.MaxChunkSize,
		protocol.MaxChunkSize + 1,
		3*protocol.MaxChunkSize + 17,
		1 << 20,
	}

	for i, size := range sizes {
		body := make([]byte, size)
		for j := range body {
			body[j] = byte(j * 7)
		}

		s, tr := newTestSession(t, staticFetcher(200, "OK", nil, body))
		seq := uint16(i + 1)
		s.HandleMessage(requestFrame(t, seq, getRequest("https://example.com")))

		resp := decodeResponse(t, tr.waitResponse(t, seq))
		assert.True(t, bytes.Equal(body, resp.body), "size %d: body mismatch", size)
		for _, c := range resp.chunks {
			assert.LessOrEqual(t, len(c), protocol.MaxChunkSize)
			assert.NotEmpty(t, c)
		}
		if size > 0 {
			assert.Len(t, resp.chunks, (size+protocol.MaxChunkSize-1)/protocol.MaxChunkSize)
		} else {
			assert.Empty(t, resp.chunks)
		}
	}
}

// bigChunkReader fills the caller's buffer on some reads and returns three
// bytes on others.
type bigChunkReader struct {
	data []byte
}

func (r *bigChunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	if n > 3 && len(r.data)%2 == 0 {
		n = 3 // odd natural boundary
	}
	r.data = r.data[n:]
	return n, nil
}

func TestSessionRechunksIrregularReader(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 5000)
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{Status: 200, StatusText: "OK", Body: io.NopCloser(&bigChunkReader{data: body})}, nil
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))

	resp := decodeResponse(t, tr.waitResponse(t, 1))
	assert.Equal(t, body, resp.body)
}

// gatedReader yields first, then blocks until release is closed.
type gatedReader struct {
	first   []byte
	rest    []byte
	release chan struct{}
	stage   int
	closed  chan struct{}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	switch g.stage {
	case 0:
		g.stage++
		return copy(p, g.first), nil
	case 1:
		<-g.release
		g.stage++
		return copy(p, g.rest), nil
	default:
		return 0, io.EOF
	}
}

func (g *gatedReader) Close() error {
	close(g.closed)
	return nil
}

func TestSessionStreamsBodyLazily(t *testing.T) {
	body := &gatedReader{
		first:   []byte("head"),
		rest:    []byte("tail"),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{Status: 200, StatusText: "OK", Body: body}, nil
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))

	// the first chunk goes out while the body is still blocked
	require.Eventually(t, func() bool { return len(tr.framesFor(1)) == 2 }, time.Second, time.Millisecond)
	frames := tr.framesFor(1)
	assert.Equal(t, protocol.S2CHTTPResponseStart, frames[0].S2C())
	assert.Equal(t, []byte("head"), frames[1].Payload)
	assert.Equal(t, 1, s.InFlight())

	close(body.release)

	resp := decodeResponse(t, tr.waitResponse(t, 1))
	assert.Equal(t, "headtail", string(resp.body))

	select {
	case <-body.closed:
	case <-time.After(time.Second):
		t.Fatal("body not closed")
	}
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("upstream reset")
}

func TestSessionBodyErrorStillEnds(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{Status: 200, StatusText: "OK", Body: io.NopCloser(&failingReader{})}, nil
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))

	resp := decodeResponse(t, tr.waitResponse(t, 1))
	assert.Equal(t, 200, resp.head.Status)
	assert.Equal(t, "partial", string(resp.body))
}

type panickyReader struct{ sent bool }

func (r *panickyReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "hi"), nil
	}
	panic("decoder blew up")
}

func TestSessionBodyPanicStillEnds(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{Status: 200, StatusText: "OK", Body: io.NopCloser(&panickyReader{})}, nil
	})
	s, tr := newTestSession(t, f)

	s.HandleMessage(requestFrame(t, 4, getRequest("https://example.com")))

	resp := decodeResponse(t, tr.waitResponse(t, 4))
	assert.Equal(t, 200, resp.head.Status)
	assert.Equal(t, "hi", string(resp.body))
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestSessionCloseCancelsInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	})

	tr := newRecordingTransport()
	s := NewSession(tr, NewDispatcher(f))
	serveDone := make(chan struct{})
	go func() {
		_ = s.Serve()
		close(serveDone)
	}()

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))
	<-started
	assert.Equal(t, 1, s.InFlight())

	require.NoError(t, tr.Close())

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fetch was not cancelled after session close")
	}
	<-serveDone
	s.Wait()
	assert.Equal(t, 0, s.InFlight())

	// closing again is harmless
	assert.NotPanics(t, func() {
		s.HandleClose(nil)
		_ = s.Close()
	})
}

func TestSessionCloseCancelsEveryRequestOnce(t *testing.T) {
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	var mu sync.Mutex
	cancels := 0

	f := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		wg.Done()
		<-ctx.Done()
		mu.Lock()
		cancels++
		mu.Unlock()
		return nil, ctx.Err()
	})
	s, _ := newTestSession(t, f)

	for i := 0; i < n; i++ {
		s.HandleMessage(requestFrame(t, uint16(i), getRequest("https://example.com")))
	}
	wg.Wait()
	assert.Equal(t, n, s.InFlight())

	require.NoError(t, s.Close())
	s.Wait()

	assert.Equal(t, n, cancels)
	assert.Equal(t, 0, s.InFlight())
}

func TestSessionConcurrentResponsesKeepFrameOrder(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 5*protocol.MaxChunkSize)
	s, tr := newTestSession(t, staticFetcher(200, "OK", nil, body))

	const n = 20
	for i := 1; i <= n; i++ {
		s.HandleMessage(requestFrame(t, uint16(i), getRequest("https://example.com")))
	}
	for i := 1; i <= n; i++ {
		resp := decodeResponse(t, tr.waitResponse(t, uint16(i)))
		assert.Equal(t, body, resp.body)
	}
}

func TestSessionSendFailureAbortsPipeline(t *testing.T) {
	s, tr := newTestSession(t, staticFetcher(200, "OK", nil, []byte("data")))
	tr.failSend.Store(true)

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))
	s.Wait()

	assert.Empty(t, tr.all())
	assert.Equal(t, 0, s.InFlight())
}

func TestSessionIgnoresFramesAfterClose(t *testing.T) {
	s, tr := newTestSession(t, staticFetcher(200, "OK", nil, nil))
	require.NoError(t, s.Close())

	s.HandleMessage(requestFrame(t, 1, getRequest("https://example.com")))
	s.Wait()
	assert.Empty(t, tr.all())
}
