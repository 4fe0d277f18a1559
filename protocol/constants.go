package protocol

import "fmt"

// Version is the protocol revision implemented by this package. It is not
// carried in the frame header; a future handshake frame would announce it.
const Version uint8 = 1

const (
	// HeaderSize: Seq(2) + Opcode(1)
	HeaderSize = 3

	// MaxChunkSize bounds the payload of a single HTTPResponseChunk frame.
	// WebRTC data channels top out at 16 KiB per message, 8 KiB leaves headroom.
	MaxChunkSize = 8 * 1024
)

// C2S is an opcode sent from the client to the server.
type C2S uint8

const (
	C2SHTTPRequest  C2S = 0
	C2SWSOpen       C2S = 1
	C2SWSClose      C2S = 2
	C2SWSSendText   C2S = 3
	C2SWSSendBinary C2S = 4
)

// IsReserved reports whether the opcode belongs to the WebSocket family,
// which has a reserved number but no handler.
func (op C2S) IsReserved() bool {
	return op >= C2SWSOpen && op <= C2SWSSendBinary
}

func (op C2S) String() string {
	switch op {
	case C2SHTTPRequest:
		return "HTTPRequest"
	case C2SWSOpen:
		return "WSOpen"
	case C2SWSClose:
		return "WSClose"
	case C2SWSSendText:
		return "WSSendText"
	case C2SWSSendBinary:
		return "WSSendBinary"
	default:
		return fmt.Sprintf("C2S(%d)", uint8(op))
	}
}

// S2C is an opcode sent from the server to the client.
type S2C uint8

const (
	S2CHTTPResponseStart S2C = 0
	S2CHTTPResponseChunk S2C = 1
	S2CHTTPResponseEnd   S2C = 2
	S2CWSOpen            S2C = 3
	S2CWSDataText        S2C = 4
	S2CWSDataBinary      S2C = 5
	S2CWSClose           S2C = 6
	S2CWSError           S2C = 7
)

// IsReserved reports whether the opcode belongs to the WebSocket family.
func (op S2C) IsReserved() bool {
	return op >= S2CWSOpen && op <= S2CWSError
}

func (op S2C) String() string {
	switch op {
	case S2CHTTPResponseStart:
		return "HTTPResponseStart"
	case S2CHTTPResponseChunk:
		return "HTTPResponseChunk"
	case S2CHTTPResponseEnd:
		return "HTTPResponseEnd"
	case S2CWSOpen:
		return "WSOpen"
	case S2CWSDataText:
		return "WSDataText"
	case S2CWSDataBinary:
		return "WSDataBinary"
	case S2CWSClose:
		return "WSClose"
	case S2CWSError:
		return "WSError"
	default:
		return fmt.Sprintf("S2C(%d)", uint8(op))
	}
}
