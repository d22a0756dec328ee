package introspect

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsEmittedEventToConnectedClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Give the hub's register case a chance to run before we emit.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", hub.ClientCount())
	}

	hub.Emit("dispatch", 7, "task-1", "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Kind != "dispatch" || ev.ServerID != 7 || ev.TaskID != "task-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEmitNeverBlocksWhenQueueIsFull(t *testing.T) {
	hub := NewHub()
	// No Run goroutine draining the channel: fill it past capacity and
	// confirm Emit still returns instead of blocking forever.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Emit("recharge", i, "", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with a full event queue")
	}
}
