package timer

import (
	"testing"
	"time"
)

func TestFireInvokesCallback(t *testing.T) {
	var got any
	tm := New(func(payload any) { got = payload }, "hello")
	tm.Fire()
	if got != "hello" {
		t.Fatalf("got %v, want hello", got)
	}
}

func TestPendingAfterSet(t *testing.T) {
	tm := New(func(any) {}, nil)
	tm.Set(time.Hour)
	if !tm.Pending() {
		t.Fatal("expected pending after Set")
	}
	if !tm.Cancel() {
		t.Fatal("expected Cancel to succeed when not running")
	}
	if tm.Pending() {
		t.Fatal("expected not pending after Cancel")
	}
}

func TestCancelNoOpWhileRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	tm := New(func(any) {
		close(entered)
		<-release
	}, nil)

	go tm.Fire()
	<-entered
	if tm.Cancel() {
		t.Fatal("Cancel should be a no-op while the handler is running")
	}
	close(release)
}
