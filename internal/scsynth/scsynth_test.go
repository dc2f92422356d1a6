package scsynth

import (
	"testing"

	"github.com/chabad360/go-osc/osc"
)

func statusReply() *osc.Message {
	return osc.NewMessage(AddrStatusReply,
		int32(1),      // unused
		int32(12),     // units
		int32(3),      // synths
		int32(2),      // groups
		int32(40),     // loaded defs
		float32(0.5),  // avg cpu
		float32(1.25), // peak cpu
		float64(44100),
		float64(44099.8),
	)
}

func TestIsDoneFor(t *testing.T) {
	tests := []struct {
		name string
		msg  *osc.Message
		cmd  string
		want bool
	}{
		{"notify ack", osc.NewMessage(AddrDone, AddrNotify, int32(3)), AddrNotify, true},
		{"quit ack", osc.NewMessage(AddrDone, AddrQuit), AddrQuit, true},
		{"wrong command", osc.NewMessage(AddrDone, AddrQuit), AddrNotify, false},
		{"not a done", osc.NewMessage(AddrStatusReply), AddrNotify, false},
		{"no arguments", osc.NewMessage(AddrDone), AddrNotify, false},
		{"nil message", nil, AddrNotify, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDoneFor(tt.msg, tt.cmd); got != tt.want {
				t.Errorf("IsDoneFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotifyClientID(t *testing.T) {
	id, ok := NotifyClientID(osc.NewMessage(AddrDone, AddrNotify, int32(7)))
	if !ok || id != 7 {
		t.Errorf("NotifyClientID = (%d, %v), want (7, true)", id, ok)
	}

	// Older servers acknowledge without an ID.
	if _, ok := NotifyClientID(osc.NewMessage(AddrDone, AddrNotify)); ok {
		t.Error("NotifyClientID reported ok for an ack without an ID")
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(statusReply())
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}

	if st.Units != 12 || st.Synths != 3 || st.Groups != 2 || st.LoadedDefs != 40 {
		t.Errorf("counters = %+v", st)
	}
	if st.AvgCPU != 0.5 || st.PeakCPU != 1.25 {
		t.Errorf("cpu figures = %v, %v", st.AvgCPU, st.PeakCPU)
	}
	if st.NominalSampleRate != 44100 || st.ActualSampleRate != 44099.8 {
		t.Errorf("sample rates = %v, %v", st.NominalSampleRate, st.ActualSampleRate)
	}
}

func TestParseStatusErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  *osc.Message
	}{
		{"wrong address", osc.NewMessage(AddrDone, AddrStatus)},
		{"too few arguments", osc.NewMessage(AddrStatusReply, int32(1), int32(2))},
		{"wrong counter type", osc.NewMessage(AddrStatusReply,
			int32(1), "twelve", int32(3), int32(2), int32(40),
			float32(0.5), float32(1.25), float64(44100), float64(44100))},
		{"wrong rate type", osc.NewMessage(AddrStatusReply,
			int32(1), int32(12), int32(3), int32(2), int32(40),
			float32(0.5), float32(1.25), float32(44100), float32(44100))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStatus(tt.msg); err == nil {
				t.Error("ParseStatus did not error")
			}
		})
	}
}
