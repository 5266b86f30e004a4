package websocket

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDeflateOfferResponseActivateRoundTrip(t *testing.T) {
	cfg := DeflateConfig{}
	clientExt := NewDeflateExtension(cfg)
	serverExt := NewDeflateExtension(cfg)

	if err := clientExt.Init(RoleClient); err != nil {
		t.Fatalf("client Init: %v", err)
	}
	if err := serverExt.Init(RoleServer); err != nil {
		t.Fatalf("server Init: %v", err)
	}

	offer := clientExt.GenerateOffer()
	if !strings.Contains(offer, "permessage-deflate") {
		t.Fatalf("offer missing token: %q", offer)
	}

	params, _ := findExtensionParams(offer, "permessage-deflate")
	resp, err := serverExt.GenerateResponse(params)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if !strings.Contains(resp, "permessage-deflate") {
		t.Fatalf("response missing token: %q", resp)
	}

	respParams, _ := findExtensionParams(resp, "permessage-deflate")
	if err := clientExt.Activate(respParams); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func TestDeflateCompressDecompressRoundTrip(t *testing.T) {
	cfg := DeflateConfig{}
	serverExt := NewDeflateExtension(cfg)
	clientExt := NewDeflateExtension(cfg)
	mustNegotiate(t, clientExt, serverExt)

	messages := [][]byte{
		[]byte("hello, world"),
		[]byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50)),
		{},
		bytes.Repeat([]byte{0xFF, 0x00}, 1000),
	}

	for _, msg := range messages {
		compressed, rsv1, err := clientExt.ProcessOutgoingMessage(OpcodeText, msg)
		if err != nil {
			t.Fatalf("ProcessOutgoingMessage: %v", err)
		}
		if !rsv1 {
			t.Fatalf("expected rsv1=true for compressed message")
		}
		decompressed, err := serverExt.ProcessIncomingMessage(compressed, true)
		if err != nil {
			t.Fatalf("ProcessIncomingMessage: %v", err)
		}
		if !bytes.Equal(decompressed, msg) {
			t.Fatalf("round trip mismatch: got %v, want %v", decompressed, msg)
		}
	}
}

func TestDeflateContextTakeoverAcrossMessages(t *testing.T) {
	cfg := DeflateConfig{}
	serverExt := NewDeflateExtension(cfg)
	clientExt := NewDeflateExtension(cfg)
	mustNegotiate(t, clientExt, serverExt)

	repeated := strings.Repeat("context takeover payload ", 20)
	first, _, err := clientExt.ProcessOutgoingMessage(OpcodeText, []byte(repeated))
	if err != nil {
		t.Fatalf("first message: %v", err)
	}
	second, _, err := clientExt.ProcessOutgoingMessage(OpcodeText, []byte(repeated))
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	// With context takeover, the dictionary from the first message should
	// make the second (identical) message compress to fewer or equal bytes.
	if len(second) > len(first) {
		t.Fatalf("expected context takeover to help compression: first=%d second=%d", len(first), len(second))
	}

	got1, err := serverExt.ProcessIncomingMessage(first, true)
	if err != nil {
		t.Fatalf("decompress first: %v", err)
	}
	if string(got1) != repeated {
		t.Fatalf("decompress first mismatch")
	}
	got2, err := serverExt.ProcessIncomingMessage(second, true)
	if err != nil {
		t.Fatalf("decompress second: %v", err)
	}
	if string(got2) != repeated {
		t.Fatalf("decompress second mismatch")
	}
}

func TestDeflateNoContextTakeover(t *testing.T) {
	cfg := DeflateConfig{ClientNoContextTakeover: true, ServerNoContextTakeover: true}
	serverExt := NewDeflateExtension(cfg)
	clientExt := NewDeflateExtension(cfg)
	mustNegotiate(t, clientExt, serverExt)

	msg := []byte("repeat this message verbatim to check independence between messages")
	first, _, err := clientExt.ProcessOutgoingMessage(OpcodeText, msg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	out1, err := serverExt.ProcessIncomingMessage(first, true)
	if err != nil || !bytes.Equal(out1, msg) {
		t.Fatalf("first decompress: out=%v err=%v", out1, err)
	}

	second, _, err := clientExt.ProcessOutgoingMessage(OpcodeText, msg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	out2, err := serverExt.ProcessIncomingMessage(second, true)
	if err != nil || !bytes.Equal(out2, msg) {
		t.Fatalf("second decompress: out=%v err=%v", out2, err)
	}
}

func TestDeflateMaxDecompressSizeEnforced(t *testing.T) {
	cfg := DeflateConfig{MaxDecompressSize: 10}
	serverExt := NewDeflateExtension(cfg)
	clientExt := NewDeflateExtension(DeflateConfig{})
	mustNegotiate(t, clientExt, serverExt)

	big := bytes.Repeat([]byte{0x41}, 1000)
	compressed, _, err := clientExt.ProcessOutgoingMessage(OpcodeText, big)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	_, err = serverExt.ProcessIncomingMessage(compressed, true)
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Kind != KindMessageTooLarge {
		t.Fatalf("expected KindMessageTooLarge CloseError, got %v", err)
	}
}

func TestDeflateIncomingMessagePassthroughWithoutRsv1(t *testing.T) {
	cfg := DeflateConfig{}
	ext := NewDeflateExtension(cfg)
	if err := ext.Init(RoleServer); err != nil {
		t.Fatalf("Init: %v", err)
	}
	payload := []byte("uncompressed passthrough")
	out, err := ext.ProcessIncomingMessage(payload, false)
	if err != nil {
		t.Fatalf("ProcessIncomingMessage: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected passthrough, got %v", out)
	}
}

func TestClampWindowBits(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 15},
		{5, 8},
		{8, 8},
		{15, 15},
		{20, 15},
		{12, 12},
	}
	for _, tc := range tests {
		if got := clampWindowBits(tc.in); got != tc.want {
			t.Fatalf("clampWindowBits(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseExtensionParams(t *testing.T) {
	params := parseExtensionParams(`client_max_window_bits=12; server_no_context_takeover`)
	if !params.has("server_no_context_takeover") {
		t.Fatalf("expected server_no_context_takeover present")
	}
	if got := params.intOr("client_max_window_bits", 99); got != 12 {
		t.Fatalf("intOr = %d, want 12", got)
	}
	if got := params.intOr("missing_key", 42); got != 42 {
		t.Fatalf("intOr fallback = %d, want 42", got)
	}
}

// mustNegotiate drives the offer/response/activate handshake between a
// client and server extension pair so their negotiated fields are populated
// the way Upgrade/Dial would populate them.
func mustNegotiate(t *testing.T, clientExt, serverExt *Extension) {
	t.Helper()
	if err := clientExt.Init(RoleClient); err != nil {
		t.Fatalf("client Init: %v", err)
	}
	if err := serverExt.Init(RoleServer); err != nil {
		t.Fatalf("server Init: %v", err)
	}
	offer := clientExt.GenerateOffer()
	offerParams, _ := findExtensionParams(offer, "permessage-deflate")
	resp, err := serverExt.GenerateResponse(offerParams)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	respParams, _ := findExtensionParams(resp, "permessage-deflate")
	if err := clientExt.Activate(respParams); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}
