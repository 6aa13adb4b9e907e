package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/models"
)

// StatsSource is anything that can report queue statistics.
type StatsSource interface {
	Stats(ctx context.Context) (models.Stats, error)
}

// StartQueueCollector refreshes the depth gauges every interval until ctx is done.
func StartQueueCollector(ctx context.Context, src StatsSource, interval time.Duration, logger *zap.Logger) {
	if src == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateQueueGauges(ctx, src, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateQueueGauges(ctx, src, logger)
			}
		}
	}()
}

func updateQueueGauges(ctx context.Context, src StatsSource, logger *zap.Logger) {
	stats, err := src.Stats(ctx)

	// in-memory figures are valid even when the store is not
	SetFastPathSize(stats.FastPathSize)

	if err != nil {
		logger.Warn("metrics stats query failed", zap.Error(err))
		return
	}

	SetQueueJobs(string(models.StatusPending), stats.Pending)
	SetQueueJobs(string(models.StatusSending), stats.Sending)
	SetQueueJobs(string(models.StatusSent), stats.Sent)
	SetQueueJobs(string(models.StatusFailed), stats.Failed)
}
