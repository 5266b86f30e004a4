package websocket

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	minWindowBits = 8
	maxWindowBits = 15

	// defaultMaxDecompressSize bounds cumulative inflate output per
	// message (spec section 4.3 default: 16 MiB).
	defaultMaxDecompressSize = 16 * 1024 * 1024
)

// deflateTail is appended to a compressed message before inflating it.
// The first four bytes (0x00 0x00 0xFF 0xFF) complete the sync-flush
// empty block that the compressor emitted and then stripped (RFC 7692
// Section 7.2.1); the remaining five bytes are a synthetic BFINAL=1 empty
// stored block that gives the stdlib flate.Reader a legitimate logical
// end of stream so it returns io.EOF instead of io.ErrUnexpectedEOF.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}

// DeflateConfig configures the permessage-deflate extension (RFC 7692).
// Zero values select RFC-compliant defaults.
type DeflateConfig struct {
	// Level is the flate compression level (flate.DefaultCompression if 0).
	Level int

	// ClientNoContextTakeover/ServerNoContextTakeover request that this
	// side's outgoing compressor discard its dictionary after every
	// message instead of carrying it over (spec section 4.3).
	ClientNoContextTakeover bool
	ServerNoContextTakeover bool

	// ClientMaxWindowBits/ServerMaxWindowBits cap the negotiated LZ77
	// window, clamped to [8, 15]. Zero selects the RFC maximum (15).
	//
	// Go's standard compress/flate package always compresses with a fixed
	// 32 KiB window internally and exposes no windowBits knob; this
	// implementation honors the negotiated value by capping the size of
	// the preset dictionary carried between messages (see rollingDict
	// below) rather than by reconfiguring the compressor, which is the
	// closest faithful approximation available without a third-party
	// codec (see DESIGN.md).
	ClientMaxWindowBits int
	ServerMaxWindowBits int

	// MaxDecompressSize bounds cumulative inflate output per message
	// (default 16 MiB). Exceeding it fails with ErrDecompressTooLarge.
	MaxDecompressSize int64
}

func clampWindowBits(v int) int {
	switch {
	case v == 0:
		return maxWindowBits
	case v < minWindowBits:
		return minWindowBits
	case v > maxWindowBits:
		return maxWindowBits
	default:
		return v
	}
}

// negotiatedParams is the per-direction state agreed during the
// handshake (spec section 3, "Extension Context").
type negotiatedParams struct {
	clientNoContextTakeover bool
	serverNoContextTakeover bool
	clientMaxWindowBits     int
	serverMaxWindowBits     int
}

// deflateContext is the per-connection state backing one negotiated
// permessage-deflate extension instance.
type deflateContext struct {
	cfg  DeflateConfig
	role Role

	negotiated negotiatedParams

	writeQueue *fifoQueue
	readQueue  *fifoQueue

	// writeDict/readDict are rolling "preset dictionary" windows of prior
	// plaintext, the mechanism this implementation uses to approximate
	// RFC 7692 context takeover on top of stdlib compress/flate (see
	// ClientMaxWindowBits doc comment above and DESIGN.md).
	writeDict []byte
	readDict  []byte
}

// NewDeflateExtension builds the permessage-deflate Extension described by
// spec section 4.3, ready to Use() on a Pipeline for either role.
func NewDeflateExtension(cfg DeflateConfig) *Extension {
	if cfg.Level == 0 {
		cfg.Level = flate.DefaultCompression
	}
	if cfg.MaxDecompressSize <= 0 {
		cfg.MaxDecompressSize = defaultMaxDecompressSize
	}
	ctx := &deflateContext{
		cfg:        cfg,
		writeQueue: newFIFOQueue(),
		readQueue:  newFIFOQueue(),
	}
	return &Extension{
		Token: "permessage-deflate",
		Hooks: Hooks{
			Init:                   ctx.init,
			GenerateOffer:          ctx.generateOffer,
			GenerateResponse:       ctx.generateResponse,
			Activate:               ctx.activate,
			ProcessOutgoingMessage: ctx.processOutgoingMessage,
			ProcessIncomingMessage: ctx.processIncomingMessage,
			Close:                  ctx.close,
		},
	}
}

func (c *deflateContext) init(role Role) error {
	c.role = role
	return nil
}

// generateOffer builds the client's offer: spec section 4.3 says the
// offer SHOULD advertise client_max_window_bits, plus whichever
// no_context_takeover / explicit max_window_bits knobs are configured.
func (c *deflateContext) generateOffer() string {
	parts := []string{"permessage-deflate", "client_max_window_bits"}
	if c.cfg.ClientMaxWindowBits != 0 {
		parts[1] = fmt.Sprintf("client_max_window_bits=%d", clampWindowBits(c.cfg.ClientMaxWindowBits))
	}
	if c.cfg.ServerMaxWindowBits != 0 {
		parts = append(parts, fmt.Sprintf("server_max_window_bits=%d", clampWindowBits(c.cfg.ServerMaxWindowBits)))
	}
	if c.cfg.ClientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if c.cfg.ServerNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	return strings.Join(parts, "; ")
}

// generateResponse runs on the server. It picks min(offered, configured)
// for each window-bits direction and ORs the no_context_takeover flags,
// per spec section 4.3.
func (c *deflateContext) generateResponse(offerParams string) (string, error) {
	params := parseExtensionParams(offerParams)

	offeredClientBits := clampWindowBits(params.intOr("client_max_window_bits", maxWindowBits))
	offeredServerBits := clampWindowBits(params.intOr("server_max_window_bits", maxWindowBits))

	c.negotiated.clientMaxWindowBits = minInt(offeredClientBits, clampWindowBits(c.cfg.ClientMaxWindowBits))
	c.negotiated.serverMaxWindowBits = minInt(offeredServerBits, clampWindowBits(c.cfg.ServerMaxWindowBits))
	c.negotiated.clientNoContextTakeover = params.has("client_no_context_takeover") || c.cfg.ClientNoContextTakeover
	c.negotiated.serverNoContextTakeover = params.has("server_no_context_takeover") || c.cfg.ServerNoContextTakeover

	resp := []string{"permessage-deflate",
		fmt.Sprintf("client_max_window_bits=%d", c.negotiated.clientMaxWindowBits),
		fmt.Sprintf("server_max_window_bits=%d", c.negotiated.serverMaxWindowBits),
	}
	if c.negotiated.clientNoContextTakeover {
		resp = append(resp, "client_no_context_takeover")
	}
	if c.negotiated.serverNoContextTakeover {
		resp = append(resp, "server_no_context_takeover")
	}
	return strings.Join(resp, "; "), nil
}

// activate runs on the client: store the server's echoed parameters as
// this side's negotiated state (spec section 4.4).
func (c *deflateContext) activate(responseParams string) error {
	params := parseExtensionParams(responseParams)
	c.negotiated.clientMaxWindowBits = clampWindowBits(params.intOr("client_max_window_bits", clampWindowBits(c.cfg.ClientMaxWindowBits)))
	c.negotiated.serverMaxWindowBits = clampWindowBits(params.intOr("server_max_window_bits", clampWindowBits(c.cfg.ServerMaxWindowBits)))
	c.negotiated.clientNoContextTakeover = params.has("client_no_context_takeover") || c.cfg.ClientNoContextTakeover
	c.negotiated.serverNoContextTakeover = params.has("server_no_context_takeover") || c.cfg.ServerNoContextTakeover
	return nil
}

// writeDirection returns which side's window-bits/no-context-takeover
// settings govern frames THIS connection writes (spec section 4.3:
// "server_max_window_bits (server role) or client_max_window_bits
// (client role)").
func (c *deflateContext) writeDirection() (windowBits int, noContextTakeover bool) {
	if c.role == RoleServer {
		return c.negotiated.serverMaxWindowBits, c.negotiated.serverNoContextTakeover
	}
	return c.negotiated.clientMaxWindowBits, c.negotiated.clientNoContextTakeover
}

// readDirection is the mirror of writeDirection for the peer's frames.
func (c *deflateContext) readDirection() (windowBits int, noContextTakeover bool) {
	if c.role == RoleServer {
		return c.negotiated.clientMaxWindowBits, c.negotiated.clientNoContextTakeover
	}
	return c.negotiated.serverMaxWindowBits, c.negotiated.serverNoContextTakeover
}

// processOutgoingMessage compresses payload for Text/Binary messages only
// (spec section 4.3's per-message behavior never applies to control
// frames, which aren't even routed through ProcessOutgoingMessage by the
// Conn in the first place).
func (c *deflateContext) processOutgoingMessage(_ Opcode, payload []byte) ([]byte, bool, error) {
	var out []byte
	err := c.writeQueue.run(func() error {
		windowBits, noContextTakeover := c.writeDirection()

		var dict []byte
		if !noContextTakeover {
			dict = c.writeDict
		}

		var buf bytes.Buffer
		w, err := flate.NewWriterDict(&buf, c.cfg.Level, dict)
		if err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		compressed := buf.Bytes()
		if len(compressed) >= 4 && bytes.HasSuffix(compressed, []byte{0x00, 0x00, 0xff, 0xff}) {
			compressed = compressed[:len(compressed)-4]
		}
		out = append([]byte(nil), compressed...)

		if !noContextTakeover {
			c.writeDict = rollingDict(c.writeDict, payload, windowBits)
		} else {
			c.writeDict = nil
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// processIncomingMessage reverses processOutgoingMessage. rsv1 is the bit
// observed on the message's opening frame (spec section 9); a message
// sent uncompressed by the peer passes through untouched.
func (c *deflateContext) processIncomingMessage(payload []byte, rsv1 bool) ([]byte, error) {
	if !rsv1 {
		return payload, nil
	}

	var out []byte
	err := c.readQueue.run(func() error {
		windowBits, noContextTakeover := c.readDirection()

		var dict []byte
		if !noContextTakeover {
			dict = c.readDict
		}

		src := make([]byte, 0, len(payload)+len(deflateTail))
		src = append(src, payload...)
		src = append(src, deflateTail...)

		r := flate.NewReaderDict(bytes.NewReader(src), dict)
		defer r.Close()

		limited := io.LimitReader(r, c.cfg.MaxDecompressSize+1)
		decoded, err := io.ReadAll(limited)
		if err != nil {
			return newCloseError(KindExtensionError, CloseInternalServerErr, err)
		}
		if int64(len(decoded)) > c.cfg.MaxDecompressSize {
			return newCloseError(KindMessageTooLarge, CloseMessageTooBig, ErrDecompressTooLarge)
		}

		out = decoded

		if !noContextTakeover {
			c.readDict = rollingDict(c.readDict, decoded, windowBits)
		} else {
			c.readDict = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *deflateContext) close() error {
	c.writeDict = nil
	c.readDict = nil
	return nil
}

// rollingDict appends fresh plaintext to an existing preset dictionary
// and trims it to at most 1<<windowBits bytes (capped at flate's 32 KiB
// maximum dictionary size), keeping only the most recent bytes — this is
// the context-takeover approximation described on DeflateConfig.
func rollingDict(existing, fresh []byte, windowBits int) []byte {
	limit := 1 << uint(windowBits)
	if limit > 32768 {
		limit = 32768
	}
	combined := append(append([]byte(nil), existing...), fresh...)
	if len(combined) > limit {
		combined = combined[len(combined)-limit:]
	}
	return combined
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// extensionParams is a parsed ';'-separated Sec-WebSocket-Extensions
// parameter list, e.g. "client_max_window_bits=15; server_no_context_takeover".
type extensionParams map[string]string

func parseExtensionParams(s string) extensionParams {
	params := extensionParams{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, val, ok := strings.Cut(part, "="); ok {
			params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"`)
		} else {
			params[part] = ""
		}
	}
	return params
}

func (p extensionParams) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p extensionParams) intOr(key string, fallback int) int {
	v, ok := p[key]
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
