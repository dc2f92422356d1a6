// Package boot launches and supervises the external synthesis server
// process: it relays the server's output, detects the readiness line,
// watches for exit, and samples the running process's resource use.
package boot

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/synthbridge/sclink/internal/scsynth"
)

// stopGrace is how long a SIGTERM gets before escalating to SIGKILL.
const stopGrace = 5 * time.Second

// Supervisor owns one server process. Start launches it; Ready is
// closed when the readiness marker appears in its output; Done
// receives the exit error once and is then closed; Stop requests
// termination. All channels are safe to consume from any goroutine.
type Supervisor struct {
	path   string
	args   []string
	logger *log.Logger
	marker string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan error
}

func NewSupervisor(path string, args []string, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		path:   path,
		args:   args,
		logger: logger,
		marker: scsynth.ReadyMarker,
		ready:  make(chan struct{}),
		done:   make(chan error, 1),
	}
}

// SetReadyMarker overrides the substring scanned for in the process
// output. Tests use this; production keeps the scsynth default.
func (s *Supervisor) SetReadyMarker(marker string) {
	s.marker = marker
}

// Start launches the process with stdout and stderr combined into one
// relayed stream. A missing or non-executable binary fails here; the
// caller treats that as fatal for the attempt, with no retry.
func (s *Supervisor) Start() error {
	cmd := exec.Command(s.path, s.args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("boot: start %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.logger.Printf("[boot] started %s (pid %d)", s.path, cmd.Process.Pid)

	go s.relay(pr)
	go func() {
		err := cmd.Wait()
		pw.Close()
		s.done <- err
		close(s.done)
	}()
	return nil
}

// relay echoes every output line to the logger and closes ready on
// the first line containing the marker. Relaying continues for the
// life of the process; only the scan stops mattering. If the stream
// closes before the marker appears (early crash), ready stays open
// and the exit watch resolves the attempt instead.
func (s *Supervisor) relay(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		s.logger.Printf("[scsynth] %s", line)
		if strings.Contains(line, s.marker) {
			s.readyOnce.Do(func() { close(s.ready) })
		}
	}
}

// Ready is closed once the readiness marker has been observed.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Done receives the process exit error (nil on clean exit), then is
// closed, so every consumer unblocks.
func (s *Supervisor) Done() <-chan error {
	return s.done
}

// Pid returns the process ID, or 0 before Start.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stop asks the process to terminate, escalating to SIGKILL after a
// grace period. Idempotent. A call before Start is a no-op and does
// not disarm a later call; the stop only latches once a process
// exists.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil || cmd.Process == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Printf("[boot] stopping pid %d", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	go func() {
		select {
		case <-s.done:
		case <-time.After(stopGrace):
			s.logger.Printf("[boot] pid %d ignored SIGTERM, killing", cmd.Process.Pid)
			_ = cmd.Process.Kill()
		}
	}()
}
