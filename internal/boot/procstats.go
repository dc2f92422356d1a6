package boot

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcStats is a point-in-time sample of the server process.
type ProcStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// Stats samples CPU and memory for the supervised process.
func (s *Supervisor) Stats() (ProcStats, error) {
	pid := s.Pid()
	if pid == 0 {
		return ProcStats{}, errors.New("boot: process not started")
	}
	return statsFor(int32(pid))
}

func statsFor(pid int32) (ProcStats, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcStats{}, err
	}

	st := ProcStats{PID: pid}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		st.RSSBytes = mi.RSS
	}
	return st, nil
}

// FindRunning scans for an existing process whose executable name
// matches name. Attach mode uses it to report which server the client
// is attaching to; absence is not an error, since the server may run
// on another host.
func FindRunning(name string) (ProcStats, bool) {
	procs, err := process.Processes()
	if err != nil {
		return ProcStats{}, false
	}
	for _, p := range procs {
		n, err := p.Name()
		if err != nil || n != name {
			continue
		}
		st, err := statsFor(p.Pid)
		if err != nil {
			continue
		}
		return st, true
	}
	return ProcStats{}, false
}
