package notify

import (
	"fmt"
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishBuffersWhileOfflineAndFlushesOnSubscribe(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < 3; i++ {
		r.Publish("analyst-1", "notification_created", map[string]any{"n": i})
	}
	if got := r.BufferedCount("analyst-1"); got != 3 {
		t.Fatalf("expected 3 buffered events, got %d", got)
	}

	ch, cancel := r.Subscribe("analyst-1")
	defer cancel()

	events := drain(ch)
	if len(events) != 3 {
		t.Fatalf("expected 3 flushed events, got %d", len(events))
	}
	for i, ev := range events {
		data := ev.Data.(map[string]any)
		if data["n"] != i {
			t.Fatalf("flush out of order at %d: %v", i, data)
		}
	}
	if got := r.BufferedCount("analyst-1"); got != 0 {
		t.Fatalf("buffer not consumed by flush, %d left", got)
	}

	// A reconnect must not replay the flushed events.
	cancel()
	ch2, cancel2 := r.Subscribe("analyst-1")
	defer cancel2()
	if events := drain(ch2); len(events) != 0 {
		t.Fatalf("reconnect replayed %d events", len(events))
	}
}

func TestBufferEvictsOldestBeyondCap(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < BufferCap+5; i++ {
		r.Publish("tech-1", "notification_created", fmt.Sprintf("event-%d", i))
	}
	if got := r.BufferedCount("tech-1"); got != BufferCap {
		t.Fatalf("expected buffer capped at %d, got %d", BufferCap, got)
	}

	ch, cancel := r.Subscribe("tech-1")
	defer cancel()
	events := drain(ch)
	if events[0].Data != "event-5" {
		t.Fatalf("expected oldest surviving event to be event-5, got %v", events[0].Data)
	}
	if events[len(events)-1].Data != fmt.Sprintf("event-%d", BufferCap+4) {
		t.Fatalf("expected newest event last, got %v", events[len(events)-1].Data)
	}
}

func TestSubscribeReplacesPriorChannel(t *testing.T) {
	r := NewRegistry(nil)

	ch1, cancel1 := r.Subscribe("u1")
	defer cancel1()
	ch2, cancel2 := r.Subscribe("u1")
	defer cancel2()

	if _, ok := <-ch1; ok {
		t.Fatalf("expected first channel closed after resubscribe")
	}

	r.Publish("u1", "notification_updated", "payload")
	events := drain(ch2)
	if len(events) != 1 || events[0].Event != "notification_updated" {
		t.Fatalf("expected delivery on replacement channel, got %v", events)
	}
}

func TestBroadcastReachesOnlyConnected(t *testing.T) {
	r := NewRegistry(nil)

	ch, cancel := r.Subscribe("online")
	defer cancel()

	r.Broadcast("system_notification", "validation ready")

	events := drain(ch)
	if len(events) != 1 || events[0].Data != "validation ready" {
		t.Fatalf("expected broadcast delivery, got %v", events)
	}
	if got := r.BufferedCount("offline"); got != 0 {
		t.Fatalf("broadcast must never buffer, found %d", got)
	}
}

func TestReapEvictsIdleKeepsFresh(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	restore := r.SetNow(func() time.Time { return now })
	defer restore()

	idleCh, _ := r.Subscribe("idle")
	freshCh, cancelFresh := r.Subscribe("fresh")
	defer cancelFresh()

	// Delivery refreshes the fresh user just before the sweep window closes.
	now = base.Add(IdleTimeout - time.Second)
	r.Publish("fresh", "notification_created", "x")

	now = base.Add(IdleTimeout + time.Second)
	r.Reap()

	if r.Connected("idle") {
		t.Fatalf("idle subscriber survived reap")
	}
	if _, ok := <-idleCh; ok {
		t.Fatalf("expected reaped channel closed")
	}
	if !r.Connected("fresh") {
		t.Fatalf("fresh subscriber was reaped")
	}
	drain(freshCh)

	// Events for the reaped user start buffering again.
	r.Publish("idle", "notification_created", "late")
	if got := r.BufferedCount("idle"); got != 1 {
		t.Fatalf("expected post-reap buffering, got %d", got)
	}
}

func TestCancelIsScopedToOwnChannel(t *testing.T) {
	r := NewRegistry(nil)

	_, cancel1 := r.Subscribe("u1")
	ch2, cancel2 := r.Subscribe("u1")
	defer cancel2()

	// cancel1 belongs to the replaced channel and must not detach ch2.
	cancel1()
	if !r.Connected("u1") {
		t.Fatalf("stale cancel detached the live channel")
	}
	r.Publish("u1", "notification_created", "still here")
	if events := drain(ch2); len(events) != 1 {
		t.Fatalf("expected delivery after stale cancel, got %d", len(events))
	}
}
