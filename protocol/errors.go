package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is a stable error code for protocol-level failures.
type ErrorCode uint16

const (
	ErrCodeUnknown ErrorCode = 0

	ErrCodeShortFrame ErrorCode = 1001
	ErrCodeBadPayload ErrorCode = 1002
)

// ProtocolError is the only error type returned by the codec.
type ProtocolError struct {
	Code ErrorCode
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("protocol error (%d)", e.Code)
	}
	return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Msg)
}

func NewError(code ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{
		Code: code,
		Msg:  msg,
	}
}

// IsProtocolError unwraps err looking for a *ProtocolError.
func IsProtocolError(err error) (*ProtocolError, bool) {
	if err == nil {
		return nil, false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
