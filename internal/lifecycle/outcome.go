package lifecycle

import (
	"sync"

	"github.com/synthbridge/sclink/internal/session"
)

// outcome is a settle-once cell for the startup result. The success
// path and every abort path race to claim it; only the winner performs
// the terminal dispatch and finishes, so Running and Aborted are
// mutually exclusive.
type outcome struct {
	mu      sync.Mutex
	claimed bool

	done chan struct{}
	sess *session.Session
	err  error
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

// claim marks the outcome as decided. Only the first caller gets true
// and with it the right to dispatch the terminal event and finish.
func (o *outcome) claim() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claimed {
		return false
	}
	o.claimed = true
	return true
}

// settled reports whether the outcome has been claimed. The attempt
// goroutine checks it before each resource-acquiring step so a prior
// abort stops the attempt instead of racing it.
func (o *outcome) settled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.claimed
}

// finish publishes the result and releases waiters. Call it exactly
// once, from the claim winner.
func (o *outcome) finish(sess *session.Session, err error) {
	o.sess = sess
	o.err = err
	close(o.done)
}

// wait blocks until the outcome settles.
func (o *outcome) wait() (*session.Session, error) {
	<-o.done
	return o.sess, o.err
}
