package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
)

// SettleFunc settles one trade. It must be idempotent.
type SettleFunc func(ctx context.Context, tradeID string) error

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration
}

// Worker polls a Queue and settles due trades. Failed jobs are re-scheduled
// after RetryDelay.
type Worker struct {
	queue  Queue
	settle SettleFunc
	cfg    WorkerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker creates a worker. Zero config fields get defaults.
func NewWorker(q Queue, settle SettleFunc, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  q,
		settle: settle,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("settlement worker started", "poll_interval", w.cfg.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("settlement worker stopped")
			return
		case <-ticker.C:
			for {
				n := w.RunOnce(ctx)
				// A full batch means more may be due right now.
				if n < w.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// RunOnce claims one batch of due jobs, settles them and returns how many
// were claimed.
func (w *Worker) RunOnce(ctx context.Context) int {
	now := w.now()
	ids, err := w.queue.PopDue(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("pop due settlements", "error", err)
	}

	for _, id := range ids {
		if err := w.settle(ctx, id); err != nil {
			retryAt := now.Add(w.cfg.RetryDelay)
			w.logger.Warn("settlement failed, retrying",
				"trade_id", id,
				"retry_at", retryAt.Format(time.RFC3339),
				"error", err,
			)
			metrics.QueueRetries.Inc()
			if err := w.queue.Schedule(ctx, id, retryAt); err != nil {
				w.logger.Error("re-schedule settlement", "trade_id", id, "error", err)
			}
		}
	}

	if n, err := w.queue.Len(ctx); err == nil {
		metrics.QueueScheduled.Set(float64(n))
	}
	return len(ids)
}
