package protocol

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Headers is a multi-valued header map. On the wire a value may be a single
// string or an array of strings; it is always encoded as an array.
type Headers map[string][]string

func (h Headers) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]string(h))
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Headers, len(raw))
	for name, value := range raw {
		value = bytes.TrimSpace(value)
		if len(value) == 0 || bytes.Equal(value, []byte("null")) {
			continue
		}
		if value[0] == '"' {
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return err
			}
			out[name] = []string{s}
			continue
		}
		var list []string
		if err := json.Unmarshal(value, &list); err != nil {
			return err
		}
		out[name] = list
	}

	*h = out
	return nil
}

// HTTPHeader copies h into an http.Header, keeping names as sent.
func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		copied := make([]string, len(v))
		copy(copied, v)
		out[k] = copied
	}
	return out
}

// HeadersFrom copies an http.Header, skipping names without values.
func HeadersFrom(h http.Header) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		copied := make([]string, len(v))
		copy(copied, v)
		out[k] = copied
	}
	return out
}

// HTTPRequestPayload is the JSON body of an HTTPRequest frame.
type HTTPRequestPayload struct {
	Method         string  `json:"method"`
	RequestHeaders Headers `json:"requestHeaders"`
	Body           *string `json:"body"` // nil encodes as null
	Remote         string  `json:"remote"`
}

// HTTPResponsePayload is the JSON body of an HTTPResponseStart frame.
type HTTPResponsePayload struct {
	Status     int     `json:"status"`
	StatusText string  `json:"statusText"`
	Headers    Headers `json:"headers"`
}

// WebSocket payloads. The opcodes carrying them are reserved; nothing in
// this module produces or consumes them yet.

type WSOpenPayload struct {
	URL string `json:"url"`
}

type WSClosePayload struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	WasClean bool   `json:"wasClean"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
}

func DecodeHTTPRequest(payload []byte) (*HTTPRequestPayload, error) {
	var req HTTPRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, NewError(ErrCodeBadPayload, "http request: "+err.Error())
	}
	return &req, nil
}

func DecodeHTTPResponse(payload []byte) (*HTTPResponsePayload, error) {
	var resp HTTPResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, NewError(ErrCodeBadPayload, "http response: "+err.Error())
	}
	return &resp, nil
}
