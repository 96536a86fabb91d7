package kafka

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/event"
)

// Source is the reader surface the consume loop needs; satisfied by
// Consumer.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, m Message) error
}

var _ Source = (*Consumer)(nil)

// ConsumeLoop pumps messages from a Source through a handler,
// committing a message only after the handler succeeds. Offset commits
// are watermarks: committing any later message would skip a failed one
// forever, so a failing handler is retried in place with backoff and
// the partition waits behind it.
type ConsumeLoop struct {
	Source Source
	Handle func(ctx context.Context, e event.Event) error

	FetchRetryDelay time.Duration // pause after a fetch error
	RetryDelay      time.Duration // initial handler retry backoff
	MaxRetryDelay   time.Duration // backoff cap

	log *zap.Logger
}

func NewConsumeLoop(src Source, handle func(ctx context.Context, e event.Event) error, log *zap.Logger) *ConsumeLoop {
	return &ConsumeLoop{
		Source:          src,
		Handle:          handle,
		FetchRetryDelay: 200 * time.Millisecond,
		RetryDelay:      time.Second,
		MaxRetryDelay:   30 * time.Second,
		log:             log,
	}
}

// Run blocks until ctx is cancelled.
func (l *ConsumeLoop) Run(ctx context.Context) error {
	for {
		msg, err := l.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("kafka fetch failed", zap.Error(err))
			if !sleepCtx(ctx, l.FetchRetryDelay) {
				return nil
			}
			continue
		}

		var e event.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			// a malformed message can never succeed; commit past it
			l.log.Warn("skipping malformed event",
				zap.String("key", string(msg.Key)), zap.Error(err))
			l.commit(ctx, msg)
			continue
		}

		if !l.handleWithRetry(ctx, e) {
			return nil
		}
		l.commit(ctx, msg)
	}
}

// handleWithRetry runs the handler until it succeeds, backing off
// between attempts. Returns false only when ctx is cancelled.
func (l *ConsumeLoop) handleWithRetry(ctx context.Context, e event.Event) bool {
	delay := l.RetryDelay
	for {
		err := l.Handle(ctx, e)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		l.log.Error("event handling failed, will retry",
			zap.String("event", e.Name),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		if !sleepCtx(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > l.MaxRetryDelay {
			delay = l.MaxRetryDelay
		}
	}
}

func (l *ConsumeLoop) commit(ctx context.Context, m Message) {
	if err := l.Source.Commit(ctx, m); err != nil {
		l.log.Error("kafka commit failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
