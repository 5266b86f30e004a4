// Package websocket implements RFC 6455 WebSocket framing, the opening
// handshake, and the negotiated permessage-deflate extension (RFC 7692)
// for both client and server roles.
//
// The package provides a frame-level codec, an extensible compression
// pipeline, and a channel-driven Conn that owns exactly one read goroutine
// and one write goroutine so the frame parser and extension state are
// never touched concurrently (see Conn for details).
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc7692
package websocket

// Opcode identifies a frame's type (RFC 6455 Section 5.2).
//
// Opcodes 0x0-0x2 are data frames, 0x8-0xA are control frames. Opcodes
// 0x3-0x7 and 0xB-0xF are reserved and are a protocol error if received.
type Opcode byte

const (
	// OpcodeContinuation indicates a continuation frame (RFC 6455 Section 5.4).
	// Used for fragmented messages where FIN=0 in a previous frame.
	OpcodeContinuation Opcode = 0x0

	// OpcodeText indicates a text data frame (RFC 6455 Section 5.6).
	// Payload must be valid UTF-8.
	OpcodeText Opcode = 0x1

	// OpcodeBinary indicates a binary data frame (RFC 6455 Section 5.6).
	// Payload is arbitrary binary data.
	OpcodeBinary Opcode = 0x2

	// OpcodeClose indicates a close control frame (RFC 6455 Section 5.5.1).
	// Initiates the WebSocket closing handshake.
	OpcodeClose Opcode = 0x8

	// OpcodePing indicates a ping control frame (RFC 6455 Section 5.5.2).
	// Used for keepalive and latency measurement.
	OpcodePing Opcode = 0x9

	// OpcodePong indicates a pong control frame (RFC 6455 Section 5.5.3).
	// Response to a ping frame with identical payload.
	OpcodePong Opcode = 0xA
)

// isControlFrame returns true if the opcode is a control frame (0x8-0xF).
//
// RFC 6455 Section 5.5: Control frames are identified by opcodes where
// the most significant bit of the opcode is 1.
//
// Control frames:
//   - Must NOT be fragmented (FIN must be 1)
//   - May be interleaved with fragmented messages
//   - Payload length must be <= 125 bytes
func isControlFrame(opcode Opcode) bool {
	return opcode&0x08 != 0
}

// isDataFrame returns true if the opcode is a data frame (0x0-0x2).
//
// Data frames:
//   - May be fragmented (FIN=0 with continuation frames)
//   - No maximum payload length (beyond the configured limit)
//   - Text frames must contain valid UTF-8
func isDataFrame(opcode Opcode) bool {
	return opcode == OpcodeContinuation ||
		opcode == OpcodeText ||
		opcode == OpcodeBinary
}

// isValidOpcode returns true if the opcode is defined in RFC 6455.
func isValidOpcode(opcode Opcode) bool {
	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeClose, OpcodePing, OpcodePong:
		return true
	default:
		return false
	}
}

// String returns a short human-readable name for the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return "reserved"
	}
}
