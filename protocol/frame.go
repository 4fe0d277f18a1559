package protocol

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// Frame is one transport message: a sequence id, an opcode and the rest of
// the message as payload. Opcode is kept raw because its meaning depends on
// the direction of travel; use C2S or S2C to read it.
type Frame struct {
	Seq     uint16
	Opcode  uint8
	Payload []byte
}

func (f Frame) C2S() C2S { return C2S(f.Opcode) }
func (f Frame) S2C() S2C { return S2C(f.Opcode) }

// EncodeFrame builds the message for one frame in a single allocation so
// the transport can send it as one unit.
func EncodeFrame(seq uint16, opcode uint8, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], seq)
	buf[2] = opcode
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeJSON marshals v and frames it.
func EncodeJSON(seq uint16, opcode uint8, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return EncodeFrame(seq, opcode, raw), nil
}

// DecodeFrame splits a message into its header and payload. The returned
// payload aliases msg.
func DecodeFrame(msg []byte) (Frame, error) {
	if len(msg) < HeaderSize {
		return Frame{}, NewError(ErrCodeShortFrame, "frame shorter than header")
	}
	return Frame{
		Seq:     binary.BigEndian.Uint16(msg[0:2]),
		Opcode:  msg[2],
		Payload: msg[HeaderSize:],
	}, nil
}
