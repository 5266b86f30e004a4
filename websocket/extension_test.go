package websocket

import (
	"errors"
	"testing"
)

func TestFindExtensionParams(t *testing.T) {
	tests := []struct {
		header, name string
		wantParams   string
		wantOK       bool
	}{
		{"permessage-deflate; client_max_window_bits=15", "permessage-deflate", "client_max_window_bits=15", true},
		{"permessage-deflate, foo", "foo", "", true},
		{"permessage-deflate", "permessage-deflate", "", true},
		{"foo; bar=1", "permessage-deflate", "", false},
		{"PerMessage-Deflate; x=1", "permessage-deflate", "x=1", true},
	}
	for _, tc := range tests {
		params, ok := findExtensionParams(tc.header, tc.name)
		if params != tc.wantParams || ok != tc.wantOK {
			t.Fatalf("findExtensionParams(%q, %q) = (%q, %v), want (%q, %v)",
				tc.header, tc.name, params, ok, tc.wantParams, tc.wantOK)
		}
	}
}

func TestPipelineEmpty(t *testing.T) {
	var nilPipeline *Pipeline
	if !nilPipeline.Empty() {
		t.Fatalf("nil pipeline should be Empty")
	}
	p := NewPipeline()
	if !p.Empty() {
		t.Fatalf("pipeline with no extensions should be Empty")
	}
	p.Use(&Extension{Token: "x"})
	if p.Empty() {
		t.Fatalf("pipeline with an extension should not be Empty")
	}
}

func TestPipelineOutgoingOrderRegistrationIncomingReverse(t *testing.T) {
	var order []string

	makeExt := func(name string) *Extension {
		return &Extension{
			Token: name,
			Hooks: Hooks{
				ProcessOutgoingMessage: func(_ Opcode, payload []byte) ([]byte, bool, error) {
					order = append(order, "out:"+name)
					return payload, false, nil
				},
				ProcessIncomingMessage: func(payload []byte, _ bool) ([]byte, error) {
					order = append(order, "in:"+name)
					return payload, nil
				},
			},
		}
	}

	p := NewPipeline(makeExt("a"), makeExt("b"), makeExt("c"))

	order = nil
	if _, _, err := p.outgoingMessage(OpcodeText, []byte("x")); err != nil {
		t.Fatalf("outgoingMessage: %v", err)
	}
	want := []string{"out:a", "out:b", "out:c"}
	if !equalStrings(order, want) {
		t.Fatalf("outgoing order = %v, want %v", order, want)
	}

	order = nil
	if _, err := p.incomingMessage([]byte("x"), true); err != nil {
		t.Fatalf("incomingMessage: %v", err)
	}
	want = []string{"in:c", "in:b", "in:a"}
	if !equalStrings(order, want) {
		t.Fatalf("incoming order = %v, want %v", order, want)
	}
}

func TestPipelineIncomingMessageSkippedWithoutRsv1(t *testing.T) {
	called := false
	ext := &Extension{
		Token: "x",
		Hooks: Hooks{
			ProcessIncomingMessage: func(payload []byte, _ bool) ([]byte, error) {
				called = true
				return payload, nil
			},
		},
	}
	p := NewPipeline(ext)
	out, err := p.incomingMessage([]byte("hello"), false)
	if err != nil {
		t.Fatalf("incomingMessage: %v", err)
	}
	if called {
		t.Fatalf("hook should not run when rsv1=false")
	}
	if string(out) != "hello" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestPipelineNegotiateResponseWrapsHookError(t *testing.T) {
	boom := errors.New("boom")
	ext := &Extension{
		Token: "permessage-deflate",
		Hooks: Hooks{
			GenerateResponse: func(string) (string, error) {
				return "", boom
			},
		},
	}
	p := NewPipeline(ext)
	_, err := p.negotiateResponse("permessage-deflate")
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Kind != KindExtensionError {
		t.Fatalf("expected KindExtensionError CloseError, got %v", err)
	}
}

func TestPipelineInitPropagatesError(t *testing.T) {
	boom := errors.New("init failed")
	ext := &Extension{
		Token: "x",
		Hooks: Hooks{
			Init: func(Role) error { return boom },
		},
	}
	p := NewPipeline(ext)
	if err := p.init(RoleClient); !errors.Is(err, boom) {
		t.Fatalf("expected init error to propagate, got %v", err)
	}
}

func TestPipelineFrameHooksOrderAndWiring(t *testing.T) {
	var order []string

	makeExt := func(name string) *Extension {
		return &Extension{
			Token: name,
			Hooks: Hooks{
				ProcessOutgoingFrame: func(_ *frame) error {
					order = append(order, "out:"+name)
					return nil
				},
				ProcessIncomingFrame: func(_ *frame) error {
					order = append(order, "in:"+name)
					return nil
				},
			},
		}
	}

	p := NewPipeline(makeExt("a"), makeExt("b"), makeExt("c"))
	f := &frame{opcode: OpcodeText, fin: true, payload: []byte("x")}

	order = nil
	if err := p.outgoingFrame(f); err != nil {
		t.Fatalf("outgoingFrame: %v", err)
	}
	if want := []string{"out:a", "out:b", "out:c"}; !equalStrings(order, want) {
		t.Fatalf("outgoing frame hook order = %v, want %v", order, want)
	}

	order = nil
	if err := p.incomingFrame(f); err != nil {
		t.Fatalf("incomingFrame: %v", err)
	}
	if want := []string{"in:c", "in:b", "in:a"}; !equalStrings(order, want) {
		t.Fatalf("incoming frame hook order = %v, want %v", order, want)
	}
}

func TestPipelineIncomingFrameWrapsHookError(t *testing.T) {
	boom := errors.New("frame hook boom")
	ext := &Extension{
		Token: "x",
		Hooks: Hooks{
			ProcessIncomingFrame: func(_ *frame) error {
				return boom
			},
		},
	}
	p := NewPipeline(ext)
	err := p.incomingFrame(&frame{opcode: OpcodeText, fin: true})
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Kind != KindExtensionError {
		t.Fatalf("expected KindExtensionError CloseError, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
