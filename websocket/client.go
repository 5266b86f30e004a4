package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DialOptions configures a client connection attempt (spec section 4.4's
// client connect path plus section 4.5's auto-reconnect policy).
type DialOptions struct {
	Protocol   []string
	Origin     string
	Header     http.Header
	Extensions *Pipeline

	HeartbeatInterval time.Duration
	BinaryType        BinaryType
	MaxMessageSize    int64
	WriteBufferSize   int
	Logger            Logger

	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config

	// AutoReconnect and the Reconnect* fields implement spec section 4.5's
	// "Auto-reconnect (client only)". RequestFactory, when set, is called
	// instead of re-dialing the original url on each attempt — matching
	// spec's "re-invokes the request_factory supplied by the caller to
	// obtain a new outbound request object". ShouldReconnect decides
	// whether a given close is worth retrying; nil means always retry.
	AutoReconnect      bool
	ReconnectAttempts  int // 0 = unlimited
	ReconnectBaseDelay time.Duration
	ReconnectBackoff   float64
	ReconnectMaxDelay  time.Duration
	RequestFactory     func() (string, *DialOptions, error)
	ShouldReconnect    func(code CloseCode, reason string, wasClean bool) bool

	// OnReconnect, if set, is invoked with the newly Dial'd Conn after each
	// successful reconnect attempt — the caller's only hook to rewire
	// anything keyed off the old Conn (e.g. re-registering with a Registry).
	OnReconnect func(*Conn)
}

const defaultHandshakeTimeout = 10 * time.Second

// Dial performs the client connect path of spec section 4.4: build the
// opening handshake request, send it over a freshly dialed socket, and
// validate the server's 101 response.
func Dial(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, *http.Response, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	conn, resp, err := dialOnce(ctx, rawURL, opts)
	if err != nil {
		return nil, resp, err
	}
	if opts.AutoReconnect {
		conn.reconnect = newReconnector(rawURL, opts)
	}
	conn.start()
	return conn, resp, nil
}

func dialOnce(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, *http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMethod, err)
	}

	var hostConn net.Conn
	dialer := &net.Dialer{}
	addr := u.Host
	if !strings.Contains(addr, ":") {
		if u.Scheme == "wss" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	switch u.Scheme {
	case "ws":
		hostConn, err = dialer.DialContext(ctx, "tcp", addr)
	case "wss":
		tlsCfg := opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: hostOnly(u.Host)} //nolint:gosec // caller supplies TLSConfig for stricter policy
		}
		var rawConn net.Conn
		rawConn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			tlsConn := tls.Client(rawConn, tlsCfg)
			err = tlsConn.HandshakeContext(ctx)
			hostConn = tlsConn
		}
	default:
		return nil, nil, fmt.Errorf("websocket: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, nil, err
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	_ = hostConn.SetDeadline(time.Now().Add(timeout))

	nonce, err := newClientNonce()
	if err != nil {
		_ = hostConn.Close()
		return nil, nil, err
	}

	if err := opts.Extensions.init(RoleClient); err != nil {
		_ = hostConn.Close()
		return nil, nil, err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: u.Path, RawQuery: u.RawQuery},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Host:       u.Host,
	}
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}
	if opts.Header != nil {
		for k, v := range opts.Header {
			req.Header[k] = v
		}
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(opts.Protocol) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(opts.Protocol, ", "))
	}
	if opts.Origin != "" {
		req.Header.Set("Origin", opts.Origin)
	}
	offer := opts.Extensions.offer()
	if offer != "" {
		req.Header.Set("Sec-WebSocket-Extensions", offer)
	}

	if err := req.Write(hostConn); err != nil {
		_ = hostConn.Close()
		return nil, nil, err
	}

	br := bufio.NewReader(hostConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = hostConn.Close()
		return nil, nil, err
	}

	if err := validateHandshakeResponse(resp, nonce, opts.Protocol); err != nil {
		_ = hostConn.Close()
		return nil, nil, err
	}

	if opts.Extensions != nil {
		if err := opts.Extensions.activate(resp.Header.Get("Sec-WebSocket-Extensions")); err != nil {
			_ = hostConn.Close()
			return nil, nil, err
		}
	}

	_ = hostConn.SetDeadline(time.Time{})

	conn := newConn(hostConn, br, RoleClient, ConnectionOptions{
		Protocol:          resp.Header.Get("Sec-WebSocket-Protocol"),
		Origin:            opts.Origin,
		Path:              req.URL.Path,
		HeartbeatInterval: opts.HeartbeatInterval,
		Extensions:        opts.Extensions,
		BinaryType:        opts.BinaryType,
		MaxMessageSize:    opts.MaxMessageSize,
		WriteBufferSize:   opts.WriteBufferSize,
		Logger:            opts.Logger,
	})
	conn.url = rawURL
	return conn, resp, nil
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func newClientNonce() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// validateHandshakeResponse checks the server's 101 response against spec
// section 4.4's client-side rules.
func validateHandshakeResponse(resp *http.Response, nonce string, offeredProtocols []string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: unexpected status %d", ErrMissingUpgrade, resp.StatusCode)
	}
	if !headerContainsToken(resp.Header.Get("Upgrade"), "websocket") {
		return ErrMissingUpgrade
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return ErrMissingConnection
	}
	want := computeAcceptKey(nonce)
	if resp.Header.Get("Sec-WebSocket-Accept") != want {
		return fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrProtocolError)
	}
	if proto := resp.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		ok := false
		for _, p := range offeredProtocols {
			if strings.EqualFold(p, proto) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: server selected unoffered subprotocol %q", ErrProtocolError, proto)
		}
	}
	return nil
}

// reconnector implements spec section 4.5's client auto-reconnect policy:
// exponential backoff with a cap, re-invoking RequestFactory (or the
// original url) on each attempt, resetting the attempt counter on success.
type reconnector struct {
	mu       sync.Mutex
	url      string
	opts     *DialOptions
	attempts int
	timer    *time.Timer
	canceled bool
}

func newReconnector(url string, opts *DialOptions) *reconnector {
	return &reconnector{url: url, opts: opts}
}

// onClose is called from Conn.finishClose. It decides whether to schedule
// a reconnect attempt and, if so, arms a timer at the backoff delay.
func (r *reconnector) onClose(code CloseCode, reason string, wasClean bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return
	}
	if r.opts.ShouldReconnect != nil && !r.opts.ShouldReconnect(code, reason, wasClean) {
		return
	}
	if r.opts.ReconnectAttempts > 0 && r.attempts >= r.opts.ReconnectAttempts {
		return
	}

	base := r.opts.ReconnectBaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := r.opts.ReconnectBackoff
	if backoff <= 0 {
		backoff = 2
	}
	maxDelay := r.opts.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(backoff, float64(r.attempts)))
	if delay > maxDelay {
		delay = maxDelay
	}
	r.attempts++

	r.timer = time.AfterFunc(delay, r.attempt)
}

func (r *reconnector) attempt() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	rawURL, opts := r.url, r.opts
	if opts.RequestFactory != nil {
		var err error
		rawURL, opts, err = opts.RequestFactory()
		if err != nil {
			r.mu.Unlock()
			r.onClose(CloseAbnormalClosure, err.Error(), false)
			return
		}
	}
	r.mu.Unlock()

	conn, _, err := dialOnce(context.Background(), rawURL, opts)
	if err != nil {
		r.onClose(CloseAbnormalClosure, err.Error(), false)
		return
	}

	r.mu.Lock()
	conn.reconnect = r
	r.attempts = 0
	r.mu.Unlock()

	conn.start()
	if opts.OnReconnect != nil {
		opts.OnReconnect(conn)
	}
}

// cancel stops any pending reconnect attempt permanently (spec section 5:
// "Reconnect timers are cancelled when the Connection is explicitly
// destroyed").
func (r *reconnector) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// StopReconnect permanently disables auto-reconnect for this Conn's
// reconnect chain. A no-op for connections not dialed with AutoReconnect.
func (c *Conn) StopReconnect() {
	if c.reconnect != nil {
		c.reconnect.cancel()
	}
}
