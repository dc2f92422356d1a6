// Package session holds the long-lived handle to a running synthesis
// server: the per-session resource allocators, the node ID counter,
// the latest status snapshot, and the liveness poll that notices when
// the server stops answering.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chabad360/go-osc/osc"

	"github.com/synthbridge/sclink/internal/alloc"
	"github.com/synthbridge/sclink/internal/config"
	"github.com/synthbridge/sclink/internal/scsynth"
)

// firstNodeID is where client-assigned node IDs start; lower IDs are
// reserved for the root and default groups.
const firstNodeID = 1000

// Transport is the request/reply surface the session needs. The
// lifecycle controller hands over its connection once the handshake
// succeeds.
type Transport interface {
	Send(msg *osc.Message) error
	Await(ctx context.Context, match func(*osc.Message) bool, timeout time.Duration) (*osc.Message, error)
	Close() error
}

type Session struct {
	addr     string
	clientID int32
	tr       Transport
	logger   *log.Logger

	audioBuses   *alloc.Allocator
	controlBuses *alloc.Allocator
	buffers      *alloc.Allocator

	pollInterval time.Duration
	replyTimeout time.Duration
	lostAfter    int

	nodeMu   sync.Mutex
	nextNode int32

	mu           sync.RWMutex
	lastStatus   scsynth.Status
	lastStatusAt time.Time
	onStatus     func(scsynth.Status)
	onLost       func()
}

// New builds a session from a confirmed handshake. Capacities come
// from the same configuration that sized the server, and the first
// inputs+outputs audio buses are pre-carved for the hardware channels
// so user allocations never collide with them.
func New(addr string, clientID int32, tr Transport, cfg *config.Config, first scsynth.Status, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}

	s := &Session{
		addr:         addr,
		clientID:     clientID,
		tr:           tr,
		logger:       logger,
		audioBuses:   alloc.New(int32(cfg.Scsynth.AudioBuses)),
		controlBuses: alloc.New(int32(cfg.Scsynth.ControlBuses)),
		buffers:      alloc.New(int32(cfg.Scsynth.Buffers)),
		pollInterval: cfg.Monitor.PollInterval,
		replyTimeout: cfg.Monitor.ReplyTimeout,
		lostAfter:    cfg.Monitor.LostAfter,
		nextNode:     firstNodeID,
		lastStatus:   first,
		lastStatusAt: time.Now(),
	}

	if reserved := int32(cfg.Scsynth.Inputs + cfg.Scsynth.Outputs); reserved > 0 {
		s.audioBuses.Allocate(reserved)
	}
	return s
}

// Addr returns the server address this session is bound to.
func (s *Session) Addr() string { return s.addr }

// ClientID returns the ID the server assigned during notify, or 0
// when the server did not send one.
func (s *Session) ClientID() int32 { return s.clientID }

// AllocAudioBus reserves n contiguous audio bus channels. A false
// result means exhaustion; the caller refuses the higher-level
// request rather than treating it as an error.
func (s *Session) AllocAudioBus(n int32) (int32, bool) { return s.audioBuses.Allocate(n) }

// FreeAudioBus releases an audio bus allocation.
func (s *Session) FreeAudioBus(addr int32) { s.audioBuses.Release(addr) }

// AllocControlBus reserves n contiguous control bus channels.
func (s *Session) AllocControlBus(n int32) (int32, bool) { return s.controlBuses.Allocate(n) }

// FreeControlBus releases a control bus allocation.
func (s *Session) FreeControlBus(addr int32) { s.controlBuses.Release(addr) }

// AllocBuffer reserves n contiguous buffer slots.
func (s *Session) AllocBuffer(n int32) (int32, bool) { return s.buffers.Allocate(n) }

// FreeBuffer releases a buffer allocation.
func (s *Session) FreeBuffer(addr int32) { s.buffers.Release(addr) }

// NextNodeID returns a fresh server node ID.
func (s *Session) NextNodeID() int32 {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	id := s.nextNode
	s.nextNode++
	return id
}

// Status returns the latest status snapshot and when it was captured.
func (s *Session) Status() (scsynth.Status, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus, s.lastStatusAt
}

// SetOnStatus registers a callback invoked with every fresh status
// snapshot. Set it before Monitor starts.
func (s *Session) SetOnStatus(fn func(scsynth.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// SetOnLost registers a callback invoked once when the server stops
// answering status polls. Set it before Monitor starts.
func (s *Session) SetOnLost(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = fn
}

// CreateDefaultGroup adds the default group (node 1) under the root
// group, mirroring what sclang does right after boot. The controller
// runs this between the Preparing and Running dispatches.
func (s *Session) CreateDefaultGroup() error {
	return s.tr.Send(osc.NewMessage(scsynth.AddrGroupNew, int32(1), int32(0), int32(0)))
}

// Monitor polls the server with /status until ctx is cancelled or the
// configured number of consecutive poll failures is reached, at which
// point the onLost callback fires once and polling stops. Successful
// replies refresh the snapshot and reset the failure count.
func (s *Session) Monitor(ctx context.Context) {
	interval := s.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := s.replyTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	lostAfter := s.lostAfter
	if lostAfter <= 0 {
		lostAfter = 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.tr.Send(osc.NewMessage(scsynth.AddrStatus)); err != nil {
			failures++
		} else if reply, err := s.tr.Await(ctx, scsynth.IsStatusReply, timeout); err != nil {
			failures++
		} else if st, err := scsynth.ParseStatus(reply); err != nil {
			failures++
		} else {
			failures = 0
			s.recordStatus(st)
			continue
		}

		if failures >= lostAfter {
			s.logger.Printf("[monitor] server at %s unresponsive after %d status polls", s.addr, failures)
			s.mu.RLock()
			onLost := s.onLost
			s.mu.RUnlock()
			if onLost != nil {
				onLost()
			}
			return
		}
	}
}

func (s *Session) recordStatus(st scsynth.Status) {
	s.mu.Lock()
	s.lastStatus = st
	s.lastStatusAt = time.Now()
	onStatus := s.onStatus
	s.mu.Unlock()

	if onStatus != nil {
		onStatus(st)
	}
}

// Quit sends a best-effort /quit to the server and closes the
// transport. The allocators die with the session; nothing needs
// explicit teardown.
func (s *Session) Quit() error {
	sendErr := s.tr.Send(osc.NewMessage(scsynth.AddrQuit))
	closeErr := s.tr.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

// Detach unsubscribes from server notifications and closes the
// transport without stopping the server. Attach mode uses it on
// shutdown, since the server is not ours to quit.
func (s *Session) Detach() error {
	sendErr := s.tr.Send(osc.NewMessage(scsynth.AddrNotify, int32(0)))
	closeErr := s.tr.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

// Usage reports one allocator's capacity and current use.
type Usage struct {
	Capacity int32 `json:"capacity"`
	InUse    int32 `json:"inUse"`
}

// Summary is the session view served by the monitor API.
type Summary struct {
	Addr         string `json:"addr"`
	ClientID     int32  `json:"clientId"`
	AudioBuses   Usage  `json:"audioBuses"`
	ControlBuses Usage  `json:"controlBuses"`
	Buffers      Usage  `json:"buffers"`
}

// Summarize snapshots the session for the monitor API.
func (s *Session) Summarize() Summary {
	return Summary{
		Addr:         s.addr,
		ClientID:     s.clientID,
		AudioBuses:   Usage{Capacity: s.audioBuses.Capacity(), InUse: s.audioBuses.InUse()},
		ControlBuses: Usage{Capacity: s.controlBuses.Capacity(), InUse: s.controlBuses.InUse()},
		Buffers:      Usage{Capacity: s.buffers.Capacity(), InUse: s.buffers.InUse()},
	}
}
