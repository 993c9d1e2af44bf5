package intake

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"seqcore/internal/core"
	"seqcore/internal/infra/persistence/memory"
	"seqcore/pkg/domain"
)

func TestReceivePersistsBeforeAck(t *testing.T) {
	store := memory.NewStore(nil)
	q := NewQueue(store, 0, nil)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	restore := q.SetNow(func() time.Time { return at })
	defer restore()

	handle, err := q.Receive(context.Background(), core.ExternalEtlEvent{EtlResultID: "etl-1", Labcode: "LAB400"})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !handle.ScheduledFor.Equal(at.Add(DefaultDelay)) {
		t.Fatalf("expected scheduledFor %s, got %s", at.Add(DefaultDelay), handle.ScheduledFor)
	}
	task, ok := store.GetScheduledTask(handle.TaskID)
	if !ok {
		t.Fatalf("task not persisted")
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}
	var event core.ExternalEtlEvent
	if err := json.Unmarshal(task.EtlData, &event); err != nil {
		t.Fatalf("payload round trip: %v", err)
	}
	if event.EtlResultID != "etl-1" || event.Labcode != "LAB400" {
		t.Fatalf("payload mismatch: %+v", event)
	}
}

func TestReceiveCustomDelay(t *testing.T) {
	store := memory.NewStore(nil)
	q := NewQueue(store, 90*time.Second, nil)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	restore := q.SetNow(func() time.Time { return at })
	defer restore()

	handle, err := q.Receive(context.Background(), core.ExternalEtlEvent{EtlResultID: "etl-2"})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !handle.ScheduledFor.Equal(at.Add(90 * time.Second)) {
		t.Fatalf("unexpected scheduledFor %s", handle.ScheduledFor)
	}
}
