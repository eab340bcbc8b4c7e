package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultReapInterval is how often the reaper sweeps for timed-out tasks.
const defaultReapInterval = 30 * time.Second

// Reaper periodically fails running tasks that exceeded their wall-clock
// budget. One reaper per process is enough; concurrent sweeps are safe
// because MarkTaskTimeout goes through row-locked updates.
type Reaper struct {
	queue    *Queue
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a reaper. A non-positive interval uses the default.
func NewReaper(queue *Queue, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	return &Reaper{queue: queue, interval: interval, stopCh: make(chan struct{})}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		slog.Info("Task timeout reaper started", "interval", r.interval)
		for {
			select {
			case <-ticker.C:
				r.sweep(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Task timeout reaper stopped")
}

func (r *Reaper) sweep(ctx context.Context) {
	tasks, err := r.queue.GetTimedOutTasks(ctx)
	if err != nil {
		slog.Error("Timeout sweep failed", "error", err)
		return
	}
	for _, t := range tasks {
		elapsed := time.Since(*t.StartedAt).Round(time.Second)
		reason := "exceeded " + (time.Duration(t.TimeoutSeconds) * time.Second).String() +
			" budget after " + elapsed.String()
		if _, err := r.queue.MarkTaskTimeout(ctx, t.ID, reason); err != nil {
			slog.Error("Failed to time out task", "task_id", t.ID, "error", err)
			continue
		}
		slog.Warn("Task timed out", "task_id", t.ID, "ticket_id", t.TicketID, "elapsed", elapsed)
	}
}
