package ws

import (
	"time"

	"github.com/synthbridge/sclink/internal/boot"
	"github.com/synthbridge/sclink/internal/scsynth"
	"github.com/synthbridge/sclink/internal/session"
)

type MessageType string

const (
	MsgLifecycle MessageType = "lifecycle"
	MsgStatus    MessageType = "status"
	MsgError     MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// LifecyclePayload mirrors a lifecycle event: which server, where it
// is in the startup sequence, and the abort reason if it failed.
type LifecyclePayload struct {
	Server    string    `json:"server"`
	Event     string    `json:"event"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload carries one status poll result, optionally enriched
// with process stats (boot mode only) and the allocator summary.
type StatusPayload struct {
	Status    scsynth.Status   `json:"status"`
	Process   *boot.ProcStats  `json:"process,omitempty"`
	Session   *session.Summary `json:"session,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type ErrorPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
