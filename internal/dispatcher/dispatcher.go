package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/model"
	"github.com/hkhosravi/notification-gateway/internal/ratelimit"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

// Dispatcher claims due batches and delivers their notifications
// through the channel adapters, checkpointing progress after every
// chunk so a crash mid-batch loses at most one chunk of bookkeeping.
// A second loop reclaims batches whose owner died mid-flight.
type Dispatcher struct {
	// Dependencies
	Batches       repository.BatchesRepository
	Notifications repository.NotificationsRepository
	DeliveryLog   repository.DeliveryLogRepository // optional reporting sink
	Limiter       ratelimit.Limiter
	Adapters      map[model.Channel]Adapter

	// Behavior
	Interval          time.Duration // dispatch tick period
	Parallelism       int           // batches processed concurrently per tick
	ChunkSize         int           // notifications per progress checkpoint
	ChunkFanout       int           // concurrent deliveries within a chunk
	RateLimitBackoff  time.Duration // reschedule delay when the limiter says no
	StallThreshold    time.Duration // processing batches older than this are presumed orphaned
	StallScanInterval time.Duration

	log      *zap.Logger
	running  atomic.Bool // overlap guard for dispatch ticks
	scanning atomic.Bool // overlap guard for stall scans
}

func NewDispatcher(
	batches repository.BatchesRepository,
	notifications repository.NotificationsRepository,
	deliveryLog repository.DeliveryLogRepository,
	limiter ratelimit.Limiter,
	adapters map[model.Channel]Adapter,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		Batches:           batches,
		Notifications:     notifications,
		DeliveryLog:       deliveryLog,
		Limiter:           limiter,
		Adapters:          adapters,
		Interval:          10 * time.Second,
		Parallelism:       5,
		ChunkSize:         100,
		ChunkFanout:       10,
		RateLimitBackoff:  5 * time.Minute,
		StallThreshold:    15 * time.Minute,
		StallScanInterval: time.Minute,
		log:               log,
	}
}

// Run starts the dispatch and stall-scan loops and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	dispatch := time.NewTicker(d.Interval)
	defer dispatch.Stop()
	scan := time.NewTicker(d.StallScanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dispatch.C:
			d.Tick(ctx)
		case <-scan.C:
			d.StallScan(ctx)
		}
	}
}

// Tick claims up to Parallelism due batches and processes them
// concurrently. No-op if a previous tick is still in flight.
func (d *Dispatcher) Tick(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	batches, err := d.Batches.ClaimDue(ctx, d.Parallelism)
	if err != nil {
		d.log.Error("batch claim failed", zap.Error(err))
		return
	}
	if len(batches) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b model.NotificationBatch) {
			defer wg.Done()
			d.processBatch(ctx, b)
		}(b)
	}
	wg.Wait()
}

// StallScan reclaims batches stuck in processing past the stall
// threshold and re-runs them. Deliveries are at-least-once: a stalled
// batch resumed here may redeliver notifications its dead owner already
// sent.
func (d *Dispatcher) StallScan(ctx context.Context) {
	if !d.scanning.CompareAndSwap(false, true) {
		return
	}
	defer d.scanning.Store(false)

	if d.StallThreshold <= 0 {
		return
	}

	batches, err := d.Batches.ReclaimStalled(ctx, d.StallThreshold, d.Parallelism)
	if err != nil {
		d.log.Error("stalled batch reclaim failed", zap.Error(err))
		return
	}

	for _, b := range batches {
		metrics.BatchesTotal.WithLabelValues("reclaimed", b.Channel.String()).Inc()
		d.log.Warn("resuming stalled batch",
			zap.String("batch_id", b.ID),
			zap.String("channel", b.Channel.String()),
			zap.Int("processed_count", b.ProcessedCount))
		d.processBatch(ctx, b)
	}
}

func (d *Dispatcher) processBatch(ctx context.Context, b model.NotificationBatch) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("batch processing panicked",
				zap.String("batch_id", b.ID), zap.Any("panic", rec))
			if err := d.Batches.MarkFailed(ctx, b.ID, fmt.Sprintf("panic: %v", rec)); err != nil {
				d.log.Error("batch fail bookkeeping failed", zap.String("batch_id", b.ID), zap.Error(err))
			} else {
				metrics.BatchesTotal.WithLabelValues("failed", b.Channel.String()).Inc()
			}
		}
	}()

	adapter, ok := d.Adapters[b.Channel]
	if !ok {
		d.failBatch(ctx, b, "no adapter for channel "+b.Channel.String())
		return
	}

	// Reserve budget for the whole batch up front; a denied batch goes
	// back to pending with a backoff, costing nothing.
	allowed, err := d.Limiter.CheckAndReserve(ctx, b.Channel, b.TotalNotifications)
	if err != nil {
		d.log.Error("rate limiter check failed", zap.String("batch_id", b.ID), zap.Error(err))
		allowed = false
	}
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues(b.Channel.String()).Inc()
		metrics.BatchesTotal.WithLabelValues("rescheduled", b.Channel.String()).Inc()
		if err := d.Batches.Reschedule(ctx, b.ID, time.Now().Add(d.RateLimitBackoff)); err != nil {
			d.log.Error("batch reschedule failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
		return
	}

	notifications, err := d.Notifications.FetchByIDs(ctx, b.NotificationIDs)
	if err != nil {
		d.failBatch(ctx, b, "load notifications: "+err.Error())
		return
	}

	// Counters are cumulative for this run. A resumed stalled batch
	// starts from zero again; progress writes are absolute so the
	// stored counters never double-count.
	var processed, success, failure int

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(notifications)
	}

	for start := 0; start < len(notifications); start += chunkSize {
		if ctx.Err() != nil {
			return // leave the batch processing; the stall scan will pick it up
		}

		end := start + chunkSize
		if end > len(notifications) {
			end = len(notifications)
		}
		chunk := notifications[start:end]

		delivered, failed := d.deliverChunk(ctx, adapter, chunk)

		processed += len(chunk)
		success += len(delivered)
		failure += len(failed)

		if err := d.checkpoint(ctx, b, delivered, failed, processed, success, failure); err != nil {
			d.log.Error("chunk checkpoint failed", zap.String("batch_id", b.ID), zap.Error(err))
			return
		}
	}

	if err := d.Batches.MarkCompleted(ctx, b.ID); err != nil {
		d.log.Error("batch completion bookkeeping failed", zap.String("batch_id", b.ID), zap.Error(err))
		return
	}
	metrics.BatchesTotal.WithLabelValues("completed", b.Channel.String()).Inc()
	d.log.Info("batch completed",
		zap.String("batch_id", b.ID),
		zap.String("channel", b.Channel.String()),
		zap.Int("success", success),
		zap.Int("failure", failure))
}

// deliverChunk fans a chunk out across ChunkFanout workers and splits
// the notifications into delivered and failed. A panicking adapter
// fails that one notification, not the chunk.
func (d *Dispatcher) deliverChunk(ctx context.Context, adapter Adapter, chunk []model.Notification) (delivered, failed []model.Notification) {
	fanout := d.ChunkFanout
	if fanout <= 0 {
		fanout = 1
	}

	results := make([]bool, len(chunk))
	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup

	for i := range chunk {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.deliverOne(ctx, adapter, &chunk[i])
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if ok {
			delivered = append(delivered, chunk[i])
		} else {
			failed = append(failed, chunk[i])
		}
	}
	return delivered, failed
}

func (d *Dispatcher) deliverOne(ctx context.Context, adapter Adapter, n *model.Notification) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("adapter panicked",
				zap.String("notification_id", n.ID),
				zap.String("channel", n.Channel.String()),
				zap.Any("panic", rec))
			ok = false
		}
	}()
	return adapter.Deliver(ctx, n)
}

// checkpoint persists one chunk's outcome: terminal notification
// statuses, absolute batch counters, and (best effort) the delivery
// log. Counter writes come last so a crash between steps re-delivers
// the chunk rather than stranding unprocessed notifications behind a
// completed-looking count.
func (d *Dispatcher) checkpoint(ctx context.Context, b model.NotificationBatch, delivered, failed []model.Notification, processed, success, failure int) error {
	if len(delivered) > 0 {
		if err := d.Notifications.BatchUpdateStatus(ctx, ids(delivered), model.NotificationDelivered); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		metrics.NotificationsTotal.WithLabelValues("delivered", b.Channel.String()).Add(float64(len(delivered)))
	}
	if len(failed) > 0 {
		if err := d.Notifications.BatchUpdateStatus(ctx, ids(failed), model.NotificationFailed); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		metrics.NotificationsTotal.WithLabelValues("failed", b.Channel.String()).Add(float64(len(failed)))
	}

	if err := d.Batches.SetProgress(ctx, b.ID, processed, success, failure); err != nil {
		return fmt.Errorf("progress: %w", err)
	}

	if d.DeliveryLog != nil {
		rows := deliveryRows(b, delivered, model.NotificationDelivered)
		rows = append(rows, deliveryRows(b, failed, model.NotificationFailed)...)
		if err := d.DeliveryLog.AppendResults(ctx, rows); err != nil {
			d.log.Warn("delivery log append failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}

	return nil
}

func (d *Dispatcher) failBatch(ctx context.Context, b model.NotificationBatch, reason string) {
	d.log.Error("batch failed", zap.String("batch_id", b.ID), zap.String("reason", reason))
	if err := d.Batches.MarkFailed(ctx, b.ID, reason); err != nil {
		d.log.Error("batch fail bookkeeping failed", zap.String("batch_id", b.ID), zap.Error(err))
		return
	}
	metrics.BatchesTotal.WithLabelValues("failed", b.Channel.String()).Inc()
}

func ids(ns []model.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func deliveryRows(b model.NotificationBatch, ns []model.Notification, result model.NotificationStatus) []model.DeliveryResult {
	if len(ns) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]model.DeliveryResult, len(ns))
	for i, n := range ns {
		rows[i] = model.DeliveryResult{
			NotificationID: n.ID,
			BatchID:        b.ID,
			UserID:         n.UserID,
			Channel:        n.Channel,
			Result:         result,
			CreatedAt:      now,
		}
	}
	return rows
}
