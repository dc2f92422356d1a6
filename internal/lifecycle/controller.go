package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chabad360/go-osc/osc"

	"github.com/synthbridge/sclink/internal/config"
	"github.com/synthbridge/sclink/internal/scsynth"
	"github.com/synthbridge/sclink/internal/session"
	"github.com/synthbridge/sclink/internal/transport"
)

// ErrAborted reports that startup was cancelled before a session came
// up, either by Abort, context cancellation, or the server process
// exiting under us.
var ErrAborted = errors.New("lifecycle: startup aborted")

// Transport is the OSC connection the controller performs the
// handshake on and then hands to the session.
type Transport = session.Transport

// Supervisor is the process-management surface the controller needs
// when it owns the server process. Attach mode runs without one.
type Supervisor interface {
	Start() error
	Ready() <-chan struct{}
	Done() <-chan error
	Stop()
}

// Controller owns one startup attempt. Construct, register listeners,
// Start once, then Wait for the settled outcome. A Controller is not
// reusable; build a new one to boot again.
type Controller struct {
	name   string
	cfg    *config.Config
	dial   func() (Transport, error)
	sup    Supervisor
	logger *log.Logger

	mu        sync.Mutex
	listeners []Listener
	state     State
	tr        Transport
	initTree  func(*session.Session) error
	runCtx    context.Context
	runCancel context.CancelFunc

	startOnce sync.Once
	out       *outcome
}

// NewController builds a controller. dial is invoked once the server
// is reachable; in boot mode that is after the readiness marker, which
// matters for TCP where an early connect would be refused. sup may be
// nil for attach mode.
func NewController(name string, cfg *config.Config, dial func() (Transport, error), sup Supervisor, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		name:   name,
		cfg:    cfg,
		dial:   dial,
		sup:    sup,
		logger: logger,
		state:  StateIdle,
		out:    newOutcome(),
	}
}

// Notify registers a lifecycle listener. Register before Start;
// listeners added later may miss events.
func (c *Controller) Notify(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// SetTreeInit replaces the default node tree initialization (creating
// the default group) that runs between Preparing and Running.
func (c *Controller) SetTreeInit(fn func(*session.Session) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initTree = fn
}

// Name returns the label the controller logs under.
func (c *Controller) Name() string { return c.name }

// State returns the controller's current startup state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the startup sequence in the background. ctx bounds
// the whole attempt and, after success, the session's status monitor.
// Further calls are no-ops.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.runCtx = runCtx
		c.runCancel = cancel
		c.mu.Unlock()
		go c.run(ctx, runCtx)
	})
}

// Abort cancels the startup attempt. If startup already settled, it
// does nothing.
func (c *Controller) Abort() {
	c.abortWith(ErrAborted)
}

// Wait blocks until startup settles and returns the session (Running)
// or the abort error.
func (c *Controller) Wait() (*session.Session, error) {
	return c.out.wait()
}

func (c *Controller) run(parent, runCtx context.Context) {
	// An abort that won before the attempt goroutine got going must
	// stop it here, before any process or socket exists.
	if c.out.settled() {
		return
	}
	if runCtx.Err() != nil {
		c.abortWith(ErrAborted)
		return
	}

	if c.sup != nil {
		c.setState(StateBooting)
		c.logger.Printf("[lifecycle] %s: launching server process", c.name)
		if err := c.sup.Start(); err != nil {
			c.abortWith(fmt.Errorf("launch server: %w", err))
			return
		}
		go c.watchExit()

		// An abort that claimed between the check above and Start saw
		// no process to stop; stop it now that one exists.
		if c.out.settled() {
			c.sup.Stop()
			return
		}

		select {
		case <-c.sup.Ready():
		case <-runCtx.Done():
			if !c.abortWith(ErrAborted) {
				c.sup.Stop()
			}
			return
		}
		c.logger.Printf("[lifecycle] %s: server reports ready", c.name)
	}

	tr, err := c.dial()
	if err != nil {
		c.abortWith(fmt.Errorf("connect to %s: %w", c.cfg.Server.Address, err))
		return
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	// Same window for the transport: an abort winner that ran before
	// c.tr was set had nothing to close.
	if c.out.settled() {
		tr.Close()
		if c.sup != nil {
			c.sup.Stop()
		}
		return
	}

	c.setState(StateAwaitingHandshake)

	reply, err := c.exchange(runCtx, tr, osc.NewMessage(scsynth.AddrNotify, int32(1)), func(m *osc.Message) bool {
		return scsynth.IsDoneFor(m, scsynth.AddrNotify)
	})
	if err != nil {
		if !c.abortWith(fmt.Errorf("notify handshake: %w", err)) {
			tr.Close()
		}
		return
	}
	clientID, _ := scsynth.NotifyClientID(reply)

	reply, err = c.exchange(runCtx, tr, osc.NewMessage(scsynth.AddrStatus), scsynth.IsStatusReply)
	if err != nil {
		if !c.abortWith(fmt.Errorf("status handshake: %w", err)) {
			tr.Close()
		}
		return
	}
	st, err := scsynth.ParseStatus(reply)
	if err != nil {
		if !c.abortWith(fmt.Errorf("status handshake: %w", err)) {
			tr.Close()
		}
		return
	}

	sess := session.New(c.cfg.Server.Address, clientID, tr, c.cfg, st, c.logger)

	// An abort may have won while the handshake was in flight. The
	// loser tears down quietly; the winner already dispatched Aborted.
	if !c.out.claim() {
		tr.Close()
		if c.sup != nil {
			c.sup.Stop()
		}
		return
	}

	c.dispatch(Event{Kind: Preparing, Session: sess})

	if err := c.treeInit()(sess); err != nil {
		err = fmt.Errorf("init node tree: %w", err)
		c.logger.Printf("[lifecycle] %s: %v", c.name, err)
		c.cancelAttempt()
		tr.Close()
		if c.sup != nil {
			c.sup.Stop()
		}
		c.setState(StateAborted)
		c.dispatch(Event{Kind: Aborted, Err: err})
		c.out.finish(nil, err)
		return
	}

	c.setState(StateRunning)
	c.logger.Printf("[lifecycle] %s: server running at %s (client id %d, %.0f Hz)",
		c.name, c.cfg.Server.Address, clientID, st.ActualSampleRate)
	c.dispatch(Event{Kind: Running, Session: sess})

	go sess.Monitor(parent)
	c.out.finish(sess, nil)
}

// exchange sends msg and waits for a matching reply, re-sending on
// every timeout. Datagrams get lost; the server is also known to drop
// early commands while still initializing, so retrying indefinitely
// until the context dies is the correct policy here.
func (c *Controller) exchange(ctx context.Context, tr Transport, msg *osc.Message, match func(*osc.Message) bool) (*osc.Message, error) {
	timeout := c.cfg.Handshake.ReplyTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		if err := tr.Send(msg); err != nil {
			return nil, err
		}

		reply, err := tr.Await(ctx, match, timeout)
		switch {
		case err == nil:
			return reply, nil
		case errors.Is(err, transport.ErrTimeout):
			if attempt%10 == 0 {
				c.logger.Printf("[lifecycle] %s: no %s reply after %d attempts, still trying", c.name, msg.Address, attempt)
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, ErrAborted
		default:
			return nil, err
		}
	}
}

// watchExit turns an unexpected process exit during startup into an
// abort. Once startup settles the claim fails and the exit is left to
// the session monitor and the operator.
func (c *Controller) watchExit() {
	err := <-c.sup.Done()
	if err == nil {
		err = errors.New("server process exited")
	} else {
		err = fmt.Errorf("server process exited: %w", err)
	}
	c.abortWith(err)
}

// abortWith settles the outcome as aborted and reports whether this
// call won the claim. A losing caller still owns whatever resources
// it acquired after the winner's teardown ran.
func (c *Controller) abortWith(err error) bool {
	if !c.out.claim() {
		return false
	}
	c.logger.Printf("[lifecycle] %s: aborted: %v", c.name, err)

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	c.cancelAttempt()
	if tr != nil {
		tr.Close()
	}
	if c.sup != nil {
		c.sup.Stop()
	}

	c.setState(StateAborted)
	c.dispatch(Event{Kind: Aborted, Err: err})
	c.out.finish(nil, err)
	return true
}

func (c *Controller) cancelAttempt() {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) treeInit() func(*session.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initTree != nil {
		return c.initTree
	}
	return func(s *session.Session) error { return s.CreateDefaultGroup() }
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) dispatch(ev Event) {
	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
