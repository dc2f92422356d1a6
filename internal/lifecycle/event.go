// Package lifecycle drives a synthesis server from process launch (or
// attach) through the OSC handshake to a live session, reporting
// progress as events. Startup settles exactly once: either Running
// with a session or Aborted with an error, never both.
package lifecycle

import (
	"encoding/json"

	"github.com/synthbridge/sclink/internal/session"
)

type EventKind int

const (
	// Preparing fires once the handshake has confirmed the server and
	// the node tree is about to be initialized.
	Preparing EventKind = iota
	// Running fires when the session is fully usable. Listeners run
	// before status monitoring starts, so callbacks registered from a
	// Running listener see every poll.
	Running
	// Aborted fires when startup fails or is cancelled. It is the
	// terminal event; Running never follows it.
	Aborted
)

func (k EventKind) String() string {
	switch k {
	case Preparing:
		return "preparing"
	case Running:
		return "running"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// State is the controller's coarse position in the startup sequence.
type State int

const (
	StateIdle State = iota
	StateBooting
	StateAwaitingHandshake
	StateRunning
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBooting:
		return "booting"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateRunning:
		return "running"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Event is one lifecycle notification. Session is set for Preparing
// and Running; Err is set for Aborted.
type Event struct {
	Kind    EventKind
	Session *session.Session
	Err     error
}

// Listener receives lifecycle events. Listeners are called
// synchronously from the controller goroutine, in registration order.
type Listener func(Event)
