// Package intake receives asynchronous ETL-completion events from the
// external pipeline and defers their processing by a fixed delay, persisting
// each as a durable scheduled task before acknowledging receipt.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"seqcore/internal/core"
	"seqcore/internal/logging"
	"seqcore/pkg/domain"
)

// DefaultDelay is the deferral window between event receipt and the earliest
// sweep that may dispatch it. The window gives an operator time to intervene.
const DefaultDelay = 5 * time.Minute

// TaskHandle acknowledges a durably queued event.
type TaskHandle struct {
	TaskID       string    `json:"taskId"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

// Queue persists inbound ETL events as scheduled tasks.
type Queue struct {
	store domain.PersistentStore
	delay time.Duration
	log   logging.Logger
	nowFn func() time.Time
}

// NewQueue constructs an intake queue. A non-positive delay falls back to
// DefaultDelay.
func NewQueue(store domain.PersistentStore, delay time.Duration, log logging.Logger) *Queue {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Queue{
		store: store,
		delay: delay,
		log:   logging.OrNop(log),
		nowFn: time.Now,
	}
}

// SetNow overrides the clock, returning a restore function for tests.
func (q *Queue) SetNow(fn func() time.Time) func() {
	prev := q.nowFn
	q.nowFn = fn
	return func() { q.nowFn = prev }
}

// Receive queues one external event. The task is persisted before the handle
// is returned; processing never happens inline with receipt. A persistence
// failure propagates to the caller, whose transport owns redelivery policy.
func (q *Queue) Receive(ctx context.Context, event core.ExternalEtlEvent) (TaskHandle, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return TaskHandle{}, fmt.Errorf("encode etl event: %w", err)
	}
	scheduledAt := q.nowFn().UTC().Add(q.delay)
	var task domain.ScheduledEtlTask
	_, err = q.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		task, err = tx.CreateScheduledTask(domain.ScheduledEtlTask{
			EtlData:     payload,
			ScheduledAt: scheduledAt,
			Status:      domain.TaskPending,
		})
		return err
	})
	if err != nil {
		return TaskHandle{}, fmt.Errorf("queue etl event: %w", err)
	}
	q.log.Info("etl event queued as task %s (due %s)", task.ID, scheduledAt.Format(time.RFC3339))
	return TaskHandle{TaskID: task.ID, ScheduledFor: task.ScheduledAt}, nil
}
