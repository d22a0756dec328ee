// Package timer implements the one-shot, opaque-payload timer described in
// spec.md §4.2: arm, disarm, forward, and fire under the scheduler lock.
// Ordering guarantee: callbacks execute under the caller's lock — each
// Timer's own mutex guards only its fields and is not held while the
// callback runs, so the scheduler's global lock (§5) is what actually
// serializes a callback against concurrent API calls. In production a Timer is backed by time.AfterFunc; tests can
// instead call Fire directly to drive recharge/exhaustion deterministically
// off a clock.FakeSource without depending on wall-clock scheduling.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Callback is invoked when the timer fires. payload is the opaque value
// passed to New.
type Callback func(payload any)

// Timer is a one-shot scheduled callback with an opaque payload.
type Timer struct {
	mu      sync.Mutex
	cb      Callback
	payload any

	std     *time.Timer
	pending bool
	running atomic.Bool // handler_running guard
}

// New constructs an unarmed Timer with the given callback and payload.
func New(cb Callback, payload any) *Timer {
	return &Timer{cb: cb, payload: payload}
}

// Set arms the timer to fire after d elapses (wall-clock time.Duration).
// Any previously armed, not-yet-fired timer is replaced.
func (t *Timer) Set(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.std != nil {
		t.std.Stop()
	}
	t.pending = true
	t.std = time.AfterFunc(d, func() {
		t.fire()
	})
}

// Forward re-arms the timer to fire delta from now, exactly like Set; the
// previous expiration is not taken into account.
func (t *Timer) Forward(delta time.Duration) {
	t.Set(delta)
}

// Cancel disarms the timer. It is a no-op (and returns false) if the
// callback is currently executing — the handler_running guard — since
// the callback itself holds the scheduler lock and cancelling mid-fire
// would race with state it is still mutating.
func (t *Timer) Cancel() bool {
	if t.running.Load() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.std != nil {
		t.std.Stop()
	}
	t.pending = false
	return true
}

// Pending reports whether the timer is currently armed and has not yet
// fired.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Fire invokes the callback synchronously, as if the timer had expired.
// Exposed so tests can drive recharge/exhaustion off a FakeSource instead
// of waiting on real time.AfterFunc delivery.
func (t *Timer) Fire() {
	t.fire()
}

func (t *Timer) fire() {
	t.mu.Lock()
	t.pending = false
	t.mu.Unlock()

	t.running.Store(true)
	defer t.running.Store(false)
	t.cb(t.payload)
}
