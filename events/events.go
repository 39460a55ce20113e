/*
Package events publishes a message for every newly recorded completion so
other services (notifications, analytics) can follow the ledger without
polling it.

PURPOSE:
  The ledger calls engine.CompletionHook after a record is confirmed new.
  Hook adapts any Publisher to that interface. Repeated submissions of the
  same (user, task) never reach a hook, so consumers see each completion
  once per successful publish.

SEE ALSO:
  - kafka.go: Kafka-backed Publisher
  - engine/ledger.go: where hooks run
*/
package events

import (
	"context"
	"time"

	"github.com/warp/ecoboard/engine"
)

// CompletionEvent is the wire payload, encoded as JSON.
type CompletionEvent struct {
	RecordID    string    `json:"record_id"`
	UserID      string    `json:"user_id"`
	TaskID      string    `json:"task_id"`
	Category    string    `json:"category,omitempty"`
	Points      int64     `json:"points"`
	CompletedAt time.Time `json:"completed_at"`
}

func NewCompletionEvent(rec engine.CompletionRecord, task engine.Task) CompletionEvent {
	return CompletionEvent{
		RecordID:    string(rec.ID),
		UserID:      string(rec.UserID),
		TaskID:      string(rec.TaskID),
		Category:    task.Category,
		Points:      task.Points,
		CompletedAt: rec.CompletedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev CompletionEvent) error
	Close() error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, CompletionEvent) error { return nil }
func (Nop) Close() error                                    { return nil }

// =============================================================================
// HOOK ADAPTER
// =============================================================================

// Hook publishes a CompletionEvent for each new completion.
type Hook struct {
	pub Publisher
}

func NewHook(pub Publisher) *Hook {
	return &Hook{pub: pub}
}

func (h *Hook) OnCompletionRecorded(ctx context.Context, rec engine.CompletionRecord, task engine.Task) error {
	return h.pub.Publish(ctx, NewCompletionEvent(rec, task))
}

var _ engine.CompletionHook = (*Hook)(nil)
