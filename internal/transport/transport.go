// Package transport moves OSC messages to and from the synthesis
// server over a connected UDP socket or a length-prefixed TCP stream.
// It offers a fire-and-forget Send and a single-shot Await that hands
// the next matching incoming message to exactly one waiter.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/chabad360/go-osc/osc"
)

var (
	ErrClosed  = errors.New("transport: connection closed")
	ErrTimeout = errors.New("transport: reply timeout")
	ErrPending = errors.New("transport: an await is already pending")
)

// maxPacket bounds a single OSC packet; scsynth never sends more.
const maxPacket = 65536

type awaiter struct {
	match func(*osc.Message) bool
	ch    chan *osc.Message // buffered 1; receives at most one message
}

// Conn is a message transport to one server. The receive loop runs
// from Dial until Close or a read error, offering every decoded
// message to the pending awaiter, if any.
type Conn struct {
	kind   string
	conn   net.Conn
	logger *log.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending *awaiter
	closed  bool

	done chan struct{} // closed when the receive loop exits
}

// Dial connects to the server at addr. kind is "udp" or "tcp".
// UDP uses a connected datagram socket; TCP frames each packet with
// a big-endian int32 length prefix, per OSC 1.0 stream transport.
func Dial(kind, addr string, logger *log.Logger) (*Conn, error) {
	switch kind {
	case "udp", "tcp":
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", kind)
	}
	if logger == nil {
		logger = log.Default()
	}

	conn, err := net.Dial(kind, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", kind, addr, err)
	}

	t := &Conn{
		kind:   kind,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Send encodes and writes one message. Datagram sends can vanish
// silently; callers that need a reply pair Send with Await and
// re-send on timeout.
func (t *Conn) Send(msg *osc.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Address, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.kind == "tcp" {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(data)))
		if _, err := t.conn.Write(size[:]); err != nil {
			return fmt.Errorf("transport: write frame: %w", err)
		}
	}
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msg.Address, err)
	}
	return nil
}

// Await blocks until an incoming message satisfies match, the timeout
// elapses (ErrTimeout), ctx is cancelled, or the connection closes
// (ErrClosed). At most one Await may be pending per Conn; a second
// concurrent call fails with ErrPending.
func (t *Conn) Await(ctx context.Context, match func(*osc.Message) bool, timeout time.Duration) (*osc.Message, error) {
	w := &awaiter{match: match, ch: make(chan *osc.Message, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.pending != nil {
		t.mu.Unlock()
		return nil, ErrPending
	}
	t.pending = w
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		return t.lateOrErr(w, ErrTimeout)
	case <-ctx.Done():
		return t.lateOrErr(w, ctx.Err())
	case <-t.done:
		t.clearPending(w)
		return nil, ErrClosed
	}
}

// lateOrErr retires the awaiter and prefers a reply that landed in
// the window between the wakeup and the slot being cleared.
func (t *Conn) lateOrErr(w *awaiter, err error) (*osc.Message, error) {
	t.clearPending(w)
	select {
	case msg := <-w.ch:
		return msg, nil
	default:
		return nil, err
	}
}

func (t *Conn) clearPending(w *awaiter) {
	t.mu.Lock()
	if t.pending == w {
		t.pending = nil
	}
	t.mu.Unlock()
}

// Close shuts the connection down and fails any pending Await with
// ErrClosed. Safe to call more than once.
func (t *Conn) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *Conn) readLoop() {
	defer close(t.done)

	if t.kind == "tcp" {
		t.readStream()
		return
	}
	t.readDatagrams()
}

func (t *Conn) readDatagrams() {
	buf := make([]byte, maxPacket)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			t.logReadExit(err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.decodeAndDeliver(data)
	}
}

func (t *Conn) readStream() {
	r := bufio.NewReader(t.conn)
	for {
		var size [4]byte
		if _, err := io.ReadFull(r, size[:]); err != nil {
			t.logReadExit(err)
			return
		}
		n := binary.BigEndian.Uint32(size[:])
		if n == 0 || n > maxPacket {
			// The stream is out of sync; nothing after a bad length
			// can be framed again, so the connection is dead.
			t.logger.Printf("[osc] bad frame length %d, closing connection", n)
			t.Close()
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			t.logReadExit(err)
			return
		}
		t.decodeAndDeliver(data)
	}
}

func (t *Conn) decodeAndDeliver(data []byte) {
	msg, err := osc.NewMessageFromData(data)
	if err != nil {
		t.logger.Printf("[osc] decode error: %v", err)
		return
	}

	t.mu.Lock()
	w := t.pending
	if w != nil && w.match(msg) {
		t.pending = nil
		t.mu.Unlock()
		w.ch <- msg
		return
	}
	t.mu.Unlock()

	// Unsolicited server messages (node notifications, trace output)
	// are not part of the request/reply cycle; drop them.
}

func (t *Conn) logReadExit(err error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		t.logger.Printf("[osc] receive loop stopped: %v", err)
	}
}
