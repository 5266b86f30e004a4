package websocket

import (
	"encoding/json"
	"sync"

	"github.com/eapache/queue"
)

// Registry is a set-like container of open connections offering broadcast
// plus auto-eviction on close (spec section 4.6), grounded on the
// teacher's Hub (hub.go) and renamed to the spec's vocabulary.
//
// A Connection may belong to at most one Registry at a time in this
// implementation; membership never affects the Connection's own
// lifecycle (spec section 4.6 invariant).
type Registry struct {
	mu      sync.RWMutex
	members map[*Conn]struct{}

	// pending is Broadcast's retry backlog: a member whose Send returned
	// an error is queued here (unbounded FIFO) and retried once, best
	// effort, on a dedicated goroutine. A member whose outbox is full is
	// not queued here; its Send blocks the broadcaster until there is
	// room or the member closes. Backed by github.com/eapache/queue, also
	// used by fifo.go's fifoQueue (see SPEC_FULL.md's DOMAIN STACK).
	pendingMu sync.Mutex
	pending   *queue.Queue
	pendingCh chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

type pendingSend struct {
	conn *Conn
	data []byte
	text bool
}

// NewRegistry creates an empty Registry and starts its backlog-drain
// goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		members:   make(map[*Conn]struct{}),
		pending:   queue.New(),
		pendingCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go r.drainPending()
	return r
}

// Close stops the registry's backlog-drain goroutine. It does not close
// or otherwise affect member connections (spec section 4.6: "membership
// does not affect the Connection's lifecycle"). Safe to call multiple
// times.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// Add inserts conn and subscribes to its close so the entry is
// auto-evicted when the connection terminates (spec section 4.6). Returns
// conn for chaining.
func (r *Registry) Add(conn *Conn) *Conn {
	r.mu.Lock()
	r.members[conn] = struct{}{}
	r.mu.Unlock()

	conn.addCloseListener(func(CloseCode, string, bool) {
		r.Delete(conn)
	})
	return conn
}

// Delete removes conn, returning whether it was present.
func (r *Registry) Delete(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn]; !ok {
		return false
	}
	delete(r.members, conn)
	return true
}

// Size returns the number of members.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a snapshot slice of current members.
func (r *Registry) Members() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

// Broadcast sends data as a binary message to every Open member,
// swallowing individual send errors (spec section 4.6: "for each in Open,
// invoke send(data) and swallow individual send errors") — the one place
// spec section 7 permits silently dropping an error.
func (r *Registry) Broadcast(data []byte) {
	r.broadcast(data, false)
}

// BroadcastText is Broadcast for a text message.
func (r *Registry) BroadcastText(text string) {
	r.broadcast([]byte(text), true)
}

// BroadcastJSON marshals v and broadcasts it as a text message.
func (r *Registry) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.broadcast(data, true)
	return nil
}

func (r *Registry) broadcast(data []byte, text bool) {
	for _, c := range r.Members() {
		if c.State() != StateOpen {
			continue
		}
		mt := BinaryMessage
		if text {
			mt = TextMessage
		}
		if err := c.Send(mt, data); err != nil {
			r.enqueuePending(pendingSend{conn: c, data: data, text: text})
		}
	}
}

// enqueuePending backs off a member whose outbox briefly rejected a send
// (e.g. a fractional race with the member closing) onto the retry
// backlog instead of blocking the rest of the broadcast.
func (r *Registry) enqueuePending(ps pendingSend) {
	r.pendingMu.Lock()
	r.pending.Add(ps)
	r.pendingMu.Unlock()
	select {
	case r.pendingCh <- struct{}{}:
	default:
	}
}

func (r *Registry) drainPending() {
	for {
		select {
		case <-r.done:
			return
		case <-r.pendingCh:
			for {
				r.pendingMu.Lock()
				if r.pending.Length() == 0 {
					r.pendingMu.Unlock()
					break
				}
				item := r.pending.Remove().(pendingSend)
				r.pendingMu.Unlock()

				if item.conn.State() != StateOpen {
					continue
				}
				mt := BinaryMessage
				if item.text {
					mt = TextMessage
				}
				_ = item.conn.Send(mt, item.data) // best effort; spec section 4.6 swallows broadcast send errors
			}
		}
	}
}
