package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestClaimFirstWins(t *testing.T) {
	o := newOutcome()
	if !o.claim() {
		t.Fatal("first claim refused")
	}
	if o.claim() {
		t.Fatal("second claim succeeded")
	}
}

func TestClaimConcurrentExactlyOneWinner(t *testing.T) {
	o := newOutcome()

	const n = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if o.claim() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("claim had %d winners, want exactly 1", winners)
	}
}

func TestWaitReturnsFinishedValues(t *testing.T) {
	o := newOutcome()
	want := errors.New("boom")

	go func() {
		time.Sleep(10 * time.Millisecond)
		if !o.claim() {
			t.Error("claim refused")
			return
		}
		o.finish(nil, want)
	}()

	sess, err := o.wait()
	if sess != nil {
		t.Errorf("wait returned session %v, want nil", sess)
	}
	if !errors.Is(err, want) {
		t.Errorf("wait returned %v, want %v", err, want)
	}

	// wait is repeatable once settled.
	if _, err := o.wait(); !errors.Is(err, want) {
		t.Errorf("second wait returned %v, want %v", err, want)
	}
}
