// Package scsynth defines the OSC command addresses spoken by the
// SuperCollider synthesis server and typed views over its replies.
package scsynth

import (
	"fmt"

	"github.com/chabad360/go-osc/osc"
)

const (
	AddrNotify       = "/notify"
	AddrStatus       = "/status"
	AddrStatusReply  = "/status.reply"
	AddrDone         = "/done"
	AddrFail         = "/fail"
	AddrQuit         = "/quit"
	AddrSync         = "/sync"
	AddrSynced       = "/synced"
	AddrClearSched   = "/clearSched"
	AddrGroupNew     = "/g_new"
	AddrGroupFreeAll = "/g_freeAll"
)

// ReadyMarker is the substring scsynth prints to stdout once it is
// accepting OSC traffic ("SuperCollider 3 server ready").
const ReadyMarker = "server ready"

// IsDoneFor reports whether msg is the /done acknowledgement for cmd.
func IsDoneFor(msg *osc.Message, cmd string) bool {
	if msg == nil || msg.Address != AddrDone || len(msg.Arguments) == 0 {
		return false
	}
	s, ok := msg.Arguments[0].(string)
	return ok && s == cmd
}

// IsFail reports whether msg is a /fail error reply.
func IsFail(msg *osc.Message) bool {
	return msg != nil && msg.Address == AddrFail
}

// IsStatusReply reports whether msg is a /status.reply.
func IsStatusReply(msg *osc.Message) bool {
	return msg != nil && msg.Address == AddrStatusReply
}

// NotifyClientID extracts the client ID the server assigns in its
// /done /notify acknowledgement. Older servers omit it.
func NotifyClientID(msg *osc.Message) (int32, bool) {
	if !IsDoneFor(msg, AddrNotify) || len(msg.Arguments) < 2 {
		return 0, false
	}
	id, ok := msg.Arguments[1].(int32)
	return id, ok
}

// Status is the decoded /status.reply counter tuple.
type Status struct {
	Units             int32   `json:"units"`
	Synths            int32   `json:"synths"`
	Groups            int32   `json:"groups"`
	LoadedDefs        int32   `json:"loadedDefs"`
	AvgCPU            float32 `json:"avgCpu"`
	PeakCPU           float32 `json:"peakCpu"`
	NominalSampleRate float64 `json:"nominalSampleRate"`
	ActualSampleRate  float64 `json:"actualSampleRate"`
}

// ParseStatus decodes a /status.reply message. The wire layout is
// one unused int32 followed by four int32 counters, two float32 CPU
// figures, and two float64 sample rates.
func ParseStatus(msg *osc.Message) (Status, error) {
	var st Status
	if !IsStatusReply(msg) {
		return st, fmt.Errorf("scsynth: not a status reply: %v", msg)
	}
	if len(msg.Arguments) < 9 {
		return st, fmt.Errorf("scsynth: short status reply: %d arguments", len(msg.Arguments))
	}

	ints := make([]int32, 5)
	for i := 0; i < 5; i++ {
		v, ok := msg.Arguments[i].(int32)
		if !ok {
			return st, fmt.Errorf("scsynth: status argument %d is %T, want int32", i, msg.Arguments[i])
		}
		ints[i] = v
	}
	st.Units, st.Synths, st.Groups, st.LoadedDefs = ints[1], ints[2], ints[3], ints[4]

	floats := make([]float32, 2)
	for i := 0; i < 2; i++ {
		v, ok := msg.Arguments[5+i].(float32)
		if !ok {
			return st, fmt.Errorf("scsynth: status argument %d is %T, want float32", 5+i, msg.Arguments[5+i])
		}
		floats[i] = v
	}
	st.AvgCPU, st.PeakCPU = floats[0], floats[1]

	rates := make([]float64, 2)
	for i := 0; i < 2; i++ {
		v, ok := msg.Arguments[7+i].(float64)
		if !ok {
			return st, fmt.Errorf("scsynth: status argument %d is %T, want float64", 7+i, msg.Arguments[7+i])
		}
		rates[i] = v
	}
	st.NominalSampleRate, st.ActualSampleRate = rates[0], rates[1]

	return st, nil
}
