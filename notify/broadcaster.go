package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quailyquaily/markedit/task"
)

const defaultInterval = time.Second

// Frame is one progress message for an observer. Result and Error are null
// until set.
type Frame struct {
	TaskID string      `json:"taskId"`
	Status task.Status `json:"status"`
	Result *string     `json:"result"`
	Error  *string     `json:"error"`
}

// Snapshotter reads task copies.
type Snapshotter interface {
	Get(id string) (task.Task, bool)
}

// Broadcaster pushes task snapshots to observers. Each Watch call owns its own
// ticker, so observers of the same task never affect each other.
type Broadcaster struct {
	store    Snapshotter
	interval time.Duration
	log      *slog.Logger
}

func New(store Snapshotter, interval time.Duration, log *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{store: store, interval: interval, log: log}
}

// Watch sends a frame for taskID right away and then once per interval. It
// returns nil after a terminal frame or when the task is unknown, the send
// error when delivery fails, and ctx.Err() when ctx ends first.
func (b *Broadcaster) Watch(ctx context.Context, taskID string, send func(Frame) error) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		t, ok := b.store.Get(taskID)
		if !ok {
			b.log.Debug("notify_unknown_task", "task_id", taskID)
			return nil
		}
		if err := send(FrameOf(t)); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		if t.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func FrameOf(t task.Task) Frame {
	return Frame{
		TaskID: t.ID,
		Status: t.Status,
		Result: nilIfEmpty(t.Result),
		Error:  nilIfEmpty(t.Error),
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
