package websocket

import "strings"

// findExtensionParams scans a comma-separated Sec-WebSocket-Extensions
// header value for an entry whose leading token matches name and returns
// everything after that token (the ';'-separated parameter list, not
// including the leading token itself, leading ';' trimmed).
//
// Example: findExtensionParams(`permessage-deflate; client_max_window_bits=15, foo`, "permessage-deflate")
// returns ("client_max_window_bits=15", true).
func findExtensionParams(header, name string) (string, bool) {
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.SplitN(entry, ";", 2)
		token := strings.TrimSpace(parts[0])
		if !strings.EqualFold(token, name) {
			continue
		}
		if len(parts) == 1 {
			return "", true
		}
		return strings.TrimSpace(parts[1]), true
	}
	return "", false
}

// Hooks is the polymorphic capability set a negotiated extension may
// implement (spec section 4.2). Every field is optional; a nil field
// means identity — the pipeline simply passes the frame or message
// through unchanged. permessage-deflate (deflate.go) is the only built-in
// extension and populates the negotiation and message-level hooks only;
// it leaves Mask/Unmask/ProcessOutgoingFrame/ProcessIncomingFrame nil
// because compression in this package always operates at the whole
// -message level, never per frame.
type Hooks struct {
	// Init is called once, after the extension is selected for a
	// connection, before any negotiation hook runs.
	Init func(role Role) error

	// GenerateOffer returns this extension's client offer string (token
	// plus ';'-separated parameters). Pipeline.offer joins the offers of
	// several extensions as separate ','-separated entries of the
	// Sec-WebSocket-Extensions header.
	GenerateOffer func() string

	// GenerateResponse runs on the server when offerParams names this
	// extension's token in the client's Sec-WebSocket-Extensions header.
	// It returns the response parameter string to echo back, or an error
	// to refuse the extension (spec section 4.3 negotiation rules).
	GenerateResponse func(offerParams string) (responseParams string, err error)

	// Activate runs on the client when the server's handshake response
	// names this extension. Returning an error aborts the connection
	// attempt with a protocol error (spec section 4.4).
	Activate func(responseParams string) error

	// Mask/Unmask are part of the capability set but are never invoked:
	// Pipeline has no dispatch for them, and frames are masked and
	// unmasked by the frame codec (serialize/parseFrame) alone. Unused by
	// permessage-deflate.
	Mask   func(f *frame) error
	Unmask func(f *frame) error

	// ProcessOutgoingFrame/ProcessIncomingFrame transform an individual
	// frame (after message-level processing, before serialization /
	// before message-level processing, after parsing). Unused by
	// permessage-deflate, which only transforms whole messages.
	ProcessOutgoingFrame func(f *frame) error
	ProcessIncomingFrame func(f *frame) error

	// ProcessOutgoingMessage compresses (or otherwise transforms) an
	// entire outgoing application payload before it is chunked into
	// frames. It returns the transformed payload and whether rsv1 should
	// be set on the message's opening frame.
	ProcessOutgoingMessage func(opcode Opcode, payload []byte) (out []byte, rsv1 bool, err error)

	// ProcessIncomingMessage reverses ProcessOutgoingMessage once a whole
	// incoming message has been reassembled. rsv1 is the bit observed on
	// the message's opening frame only (spec section 9: rsv1 on
	// continuation frames carries no independent meaning).
	ProcessIncomingMessage func(payload []byte, rsv1 bool) (out []byte, err error)

	// Close releases any resources (e.g. flate streams) owned by this
	// extension instance. Called once when the connection reaches Closed.
	Close func() error
}

// Extension pairs a negotiation token with its Hooks.
type Extension struct {
	// Token is the Sec-WebSocket-Extensions token this extension
	// negotiates, e.g. "permessage-deflate".
	Token string
	Hooks
}

// Pipeline chains zero or more negotiated extensions for a single
// connection (spec section 4.2). Outgoing message/frame hooks run in
// registration order; incoming hooks run in reverse order, mirroring how
// a layered codec unwraps what it wrapped.
type Pipeline struct {
	extensions []*Extension
}

// NewPipeline builds a pipeline over the given extensions, in the order
// they should apply to outgoing data.
func NewPipeline(extensions ...*Extension) *Pipeline {
	return &Pipeline{extensions: extensions}
}

// Use appends an extension to the pipeline.
func (p *Pipeline) Use(ext *Extension) {
	p.extensions = append(p.extensions, ext)
}

// Empty reports whether the pipeline has no extensions (the common case
// when no extension was negotiated), letting Conn skip hook dispatch
// entirely on the hot path.
func (p *Pipeline) Empty() bool {
	return p == nil || len(p.extensions) == 0
}

// init invokes every extension's Init hook.
func (p *Pipeline) init(role Role) error {
	if p == nil {
		return nil
	}
	for _, ext := range p.extensions {
		if ext.Init == nil {
			continue
		}
		if err := ext.Init(role); err != nil {
			return err
		}
	}
	return nil
}

// offer builds the combined Sec-WebSocket-Extensions request header value
// from every extension's GenerateOffer hook (client side).
func (p *Pipeline) offer() string {
	if p == nil {
		return ""
	}
	out := ""
	for _, ext := range p.extensions {
		if ext.GenerateOffer == nil {
			continue
		}
		if o := ext.GenerateOffer(); o != "" {
			if out != "" {
				out += ", "
			}
			out += o
		}
	}
	return out
}

// negotiateResponse runs on the server: for each extension named in the
// client's offer header, invoke its GenerateResponse hook and collect the
// accepted parameters (spec section 4.4).
func (p *Pipeline) negotiateResponse(offerHeader string) (string, error) {
	if p == nil || offerHeader == "" {
		return "", nil
	}
	out := ""
	for _, ext := range p.extensions {
		if ext.GenerateResponse == nil {
			continue
		}
		params, ok := findExtensionParams(offerHeader, ext.Token)
		if !ok {
			continue
		}
		resp, err := ext.GenerateResponse(params)
		if err != nil {
			return "", newCloseError(KindExtensionError, CloseMandatoryExtension, err)
		}
		if resp == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += resp
	}
	return out, nil
}

// activate runs on the client: feed the server's response header to every
// matching extension's Activate hook (spec section 4.4).
func (p *Pipeline) activate(responseHeader string) error {
	if p == nil || responseHeader == "" {
		return nil
	}
	for _, ext := range p.extensions {
		if ext.Activate == nil {
			continue
		}
		params, ok := findExtensionParams(responseHeader, ext.Token)
		if !ok {
			continue
		}
		if err := ext.Activate(params); err != nil {
			return newCloseError(KindExtensionError, CloseProtocolError, err)
		}
	}
	return nil
}

// outgoingMessage runs every extension's ProcessOutgoingMessage hook in
// registration order, accumulating whether any of them requested rsv1.
func (p *Pipeline) outgoingMessage(opcode Opcode, payload []byte) ([]byte, bool, error) {
	if p == nil {
		return payload, false, nil
	}
	rsv1 := false
	for _, ext := range p.extensions {
		if ext.ProcessOutgoingMessage == nil {
			continue
		}
		out, r, err := ext.ProcessOutgoingMessage(opcode, payload)
		if err != nil {
			return nil, false, newCloseError(KindExtensionError, CloseInternalServerErr, err)
		}
		payload = out
		rsv1 = rsv1 || r
	}
	return payload, rsv1, nil
}

// incomingMessage runs every extension's ProcessIncomingMessage hook in
// reverse registration order. rsv1 is whether the message's opening frame
// had rsv1 set (spec section 9: the sole authoritative signal).
func (p *Pipeline) incomingMessage(payload []byte, rsv1 bool) ([]byte, error) {
	if p == nil || !rsv1 {
		return payload, nil
	}
	for i := len(p.extensions) - 1; i >= 0; i-- {
		ext := p.extensions[i]
		if ext.ProcessIncomingMessage == nil {
			continue
		}
		out, err := ext.ProcessIncomingMessage(payload, rsv1)
		if err != nil {
			return nil, err // caller classifies (MessageTooLarge vs ExtensionError)
		}
		payload = out
	}
	return payload, nil
}

// outgoingFrame/incomingFrame run per-frame hooks, called from Conn's write
// and read loops respectively (conn.go). No built-in extension currently
// populates ProcessOutgoingFrame/ProcessIncomingFrame, but the pipeline
// dispatches them per spec section 4.2's "unmask -> process_incoming_frame"
// ordering so a future per-frame extension has a real call site.
func (p *Pipeline) outgoingFrame(f *frame) error {
	if p == nil {
		return nil
	}
	for _, ext := range p.extensions {
		if ext.ProcessOutgoingFrame == nil {
			continue
		}
		if err := ext.ProcessOutgoingFrame(f); err != nil {
			return newCloseError(KindExtensionError, CloseInternalServerErr, err)
		}
	}
	return nil
}

func (p *Pipeline) incomingFrame(f *frame) error {
	if p == nil {
		return nil
	}
	for i := len(p.extensions) - 1; i >= 0; i-- {
		ext := p.extensions[i]
		if ext.ProcessIncomingFrame == nil {
			continue
		}
		if err := ext.ProcessIncomingFrame(f); err != nil {
			return newCloseError(KindExtensionError, CloseInternalServerErr, err)
		}
	}
	return nil
}

// close releases every extension's owned resources.
func (p *Pipeline) close() {
	if p == nil {
		return
	}
	for _, ext := range p.extensions {
		if ext.Close != nil {
			_ = ext.Close()
		}
	}
}
