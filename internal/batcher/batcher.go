package batcher

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/model"
	"github.com/hkhosravi/notification-gateway/internal/repository"
	"github.com/hkhosravi/notification-gateway/internal/util"
)

// Batcher periodically groups pending notifications into per-channel
// batches for the dispatcher. Channels are independent: an empty or
// failing channel never blocks the others.
type Batcher struct {
	Notifications repository.NotificationsRepository
	Batches       repository.BatchesRepository

	Interval     time.Duration
	BatchSize    func(channel string) int // per-channel cap
	ReclaimAfter time.Duration            // age before an orphaned claim is released

	log     *zap.Logger
	running atomic.Bool
}

func New(notifications repository.NotificationsRepository, batches repository.BatchesRepository, log *zap.Logger) *Batcher {
	return &Batcher{
		Notifications: notifications,
		Batches:       batches,
		Interval:      30 * time.Second,
		BatchSize:     func(string) int { return 100 },
		ReclaimAfter:  15 * time.Minute,
		log:           log,
	}
}

// Run starts the grouping loop and blocks until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick groups one batch per channel. No-op while a previous tick runs.
func (b *Batcher) Tick(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	defer b.running.Store(false)

	if b.ReclaimAfter > 0 {
		n, err := b.Notifications.ReclaimUnbatched(ctx, b.ReclaimAfter)
		switch {
		case err != nil:
			b.log.Error("reclaiming orphaned claims failed", zap.Error(err))
		case n > 0:
			b.log.Warn("released orphaned notification claims", zap.Int64("count", n))
		}
	}

	for _, ch := range model.Channels {
		if err := b.groupChannel(ctx, ch); err != nil {
			b.log.Error("batching failed", zap.String("channel", ch.String()), zap.Error(err))
		}
	}
}

func (b *Batcher) groupChannel(ctx context.Context, ch model.Channel) error {
	limit := b.BatchSize(ch.String())
	pending, err := b.Notifications.ClaimForBatch(ctx, ch, limit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make(model.IDList, 0, len(pending))
	for _, n := range pending {
		ids = append(ids, n.ID)
	}

	batch := model.NotificationBatch{
		ID:                 util.New(),
		Channel:            ch,
		NotificationIDs:    ids,
		TotalNotifications: len(ids),
	}
	if err := b.Batches.Insert(ctx, batch); err != nil {
		// release the claim so the rows are grouped again next tick;
		// if this fails too, the periodic reclaim pass picks them up
		if cerr := b.Notifications.ClearBatchStamp(ctx, ids); cerr != nil {
			b.log.Error("releasing claimed notifications failed",
				zap.String("channel", ch.String()), zap.Error(cerr))
		}
		return err
	}

	metrics.BatchesTotal.WithLabelValues("created", ch.String()).Inc()
	b.log.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.String("channel", ch.String()),
		zap.Int("notifications", len(ids)))
	return nil
}
