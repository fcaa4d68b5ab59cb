// Package boundary implements the Message Boundary: a bidirectional
// request/reply transport between out-of-process workers and the job
// server, binding to a random TCP port and exposing a single inbound
// request channel (spec.md §4.4).
//
// The wire format is the literal length-delimited multi-part framing
// spec.md §6 specifies — not a protobuf/grpc unary call (see DESIGN.md for
// why the teacher's gRPC stack doesn't fit this shape: replies here are
// decoupled from the request's own goroutine, since INTERACTION/DISPLAY/
// EXCEPTION requests are answered later by the front end, not synchronously
// by the job server).
package boundary

import (
	"fmt"
	"net"
	"sync"
)

// Notifier is woken whenever a new Request lands on the inbox, mirroring
// the condition-variable wake pattern the teacher's worker pool uses for
// its task/result channels (spec.md §9: "name the wake conditions
// explicitly").
type Notifier interface {
	Notify()
}

// Boundary owns one TCP listener and every connection accepted from it.
type Boundary struct {
	ln    net.Listener
	inbox chan *Request
	note  Notifier

	mu      sync.Mutex
	stopped bool
	pending map[[16]byte]*Request

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

// Bind starts listening on addr (host:port, port 0 for a random port) and
// returns a Boundary that will push decoded Requests onto inbox and wake
// note on each arrival.
func Bind(addr string, inbox chan *Request, note Notifier) (*Boundary, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("boundary: listen %s: %w", addr, err)
	}

	b := &Boundary{
		ln:      ln,
		inbox:   inbox,
		note:    note,
		pending: make(map[[16]byte]*Request),
		conns:   make(map[net.Conn]struct{}),
	}

	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

// RequestEndpoint returns the TCP URL workers should connect to.
func (b *Boundary) RequestEndpoint() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *Boundary) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}

		b.connsMu.Lock()
		b.conns[conn] = struct{}{}
		b.connsMu.Unlock()

		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

func (b *Boundary) handleConn(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.connsMu.Lock()
		delete(b.conns, conn)
		b.connsMu.Unlock()
		conn.Close()
	}()

	for {
		parts, err := readMessage(conn)
		if err != nil {
			return // peer closed or framing error; drop this connection
		}
		if len(parts) < 2 {
			return // malformed: need at least correlation id + tag
		}

		req := &Request{Tag: Tag(parts[1]), Fields: make(map[string][]byte), conn: conn, b: b}
		copy(req.CorrelationID[:], parts[0])

		for _, part := range parts[2:] {
			key, value, err := splitField(part)
			if err != nil {
				continue
			}
			req.Fields[key] = value
		}

		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		b.pending[req.CorrelationID] = req
		b.mu.Unlock()

		select {
		case b.inbox <- req:
		default:
			// Inbox is an unbounded-in-practice buffered channel sized by
			// the job server; a full inbox here means the job server has
			// stalled. Block rather than drop a request.
			b.inbox <- req
		}
		if b.note != nil {
			b.note.Notify()
		}
	}
}

func (b *Boundary) forgetPending(r *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, r.CorrelationID)
}

// Stop refuses new requests, cancels every unreplied handle with
// ErrBoundaryExited, and releases the port.
func (b *Boundary) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	pending := make([]*Request, 0, len(b.pending))
	for _, r := range b.pending {
		pending = append(pending, r)
	}
	b.pending = make(map[[16]byte]*Request)
	b.mu.Unlock()

	for _, r := range pending {
		r.cancel()
	}

	b.ln.Close()

	b.connsMu.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.connsMu.Unlock()

	b.wg.Wait()
}
