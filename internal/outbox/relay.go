package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/event"
	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/model"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

// Relay drains the outbox: claims due pending rows, publishes them, and
// does retry/failure bookkeeping. Publish failures are per-event and
// never abort the batch.
type Relay struct {
	// Dependencies
	Repo      repository.OutboxRepository
	Publisher event.Publisher

	// Behavior
	Interval     time.Duration // tick period
	BatchSize    int           // rows claimed per pass
	MaxRetries   int           // publish attempts before terminal failed
	ReclaimAfter time.Duration // processing rows older than this go back to pending

	log     *zap.Logger
	running atomic.Bool // overlap guard: a slow tick must not start a second one
}

// NewRelay builds a relay with sane defaults.
func NewRelay(repo repository.OutboxRepository, pub event.Publisher, log *zap.Logger) *Relay {
	return &Relay{
		Repo:         repo,
		Publisher:    pub,
		Interval:     10 * time.Second,
		BatchSize:    100,
		MaxRetries:   5,
		ReclaimAfter: 15 * time.Minute,
		log:          log,
	}
}

// Run starts the relay loop and blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one relay pass, draining the pending pool until a claim
// returns no rows. No-op if a previous tick is still in flight.
func (r *Relay) Tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer r.running.Store(false)

	if r.ReclaimAfter > 0 {
		n, err := r.Repo.ReclaimStuck(ctx, r.ReclaimAfter)
		if err != nil {
			r.log.Error("outbox reclaim failed", zap.Error(err))
		} else if n > 0 {
			metrics.OutboxEventsTotal.WithLabelValues("reclaimed").Add(float64(n))
			r.log.Warn("reclaimed stuck outbox rows", zap.Int64("count", n))
		}
	}

	for {
		events, err := r.Repo.ClaimPending(ctx, r.BatchSize)
		if err != nil {
			r.log.Error("outbox claim failed", zap.Error(err))
			return
		}
		if len(events) == 0 {
			return
		}

		for _, e := range events {
			r.publishOne(ctx, e)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Relay) publishOne(ctx context.Context, e model.OutboxEvent) {
	env := event.Event{
		Name:       e.EventName,
		Payload:    e.Payload,
		Metadata:   e.Metadata,
		OccurredAt: e.CreatedAt.UTC(),
	}

	if err := r.Publisher.Publish(ctx, env); err != nil {
		if e.RetryCount < r.MaxRetries {
			if uerr := r.Repo.ScheduleRetry(ctx, e.ID, err.Error()); uerr != nil {
				r.log.Error("outbox retry bookkeeping failed", zap.Int64("id", e.ID), zap.Error(uerr))
				return
			}
			metrics.OutboxEventsTotal.WithLabelValues("retried").Inc()
			r.log.Warn("outbox publish failed, will retry",
				zap.Int64("id", e.ID),
				zap.String("event", e.EventName),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			return
		}

		if uerr := r.Repo.MarkFailed(ctx, e.ID, err.Error()); uerr != nil {
			r.log.Error("outbox fail bookkeeping failed", zap.Int64("id", e.ID), zap.Error(uerr))
			return
		}
		metrics.OutboxEventsTotal.WithLabelValues("failed").Inc()
		r.log.Error("outbox event failed permanently",
			zap.Int64("id", e.ID),
			zap.String("event", e.EventName),
			zap.Int("retry_count", e.RetryCount),
			zap.Error(err))
		return
	}

	if err := r.Repo.MarkPublished(ctx, e.ID); err != nil {
		r.log.Error("outbox publish bookkeeping failed", zap.Int64("id", e.ID), zap.Error(err))
		return
	}
	metrics.OutboxEventsTotal.WithLabelValues("published").Inc()
}
