package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/event"
)

// fakeSource serves a fixed sequence of messages, then blocks until
// ctx is cancelled. Commits are recorded in order.
type fakeSource struct {
	mu       sync.Mutex
	queue    []Message
	fetchErr error // returned once before serving the queue
	commits  []string
}

func (s *fakeSource) Fetch(ctx context.Context) (Message, error) {
	s.mu.Lock()
	if s.fetchErr != nil {
		err := s.fetchErr
		s.fetchErr = nil
		s.mu.Unlock()
		return Message{}, err
	}
	if len(s.queue) > 0 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, string(m.Key))
	return nil
}

func (s *fakeSource) committed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

func eventMessage(t *testing.T, key, name string) Message {
	t.Helper()
	b, err := json.Marshal(event.Event{Name: name, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	return Message{Key: []byte(key), Value: b}
}

func newTestLoop(src Source, handle func(context.Context, event.Event) error) *ConsumeLoop {
	l := NewConsumeLoop(src, handle, zap.NewNop())
	l.FetchRetryDelay = time.Millisecond
	l.RetryDelay = time.Millisecond
	l.MaxRetryDelay = 4 * time.Millisecond
	return l
}

func TestConsumeLoopCommitsAfterHandling(t *testing.T) {
	src := &fakeSource{queue: []Message{
		eventMessage(t, "k1", "order.created"),
		eventMessage(t, "k2", "order.shipped"),
	}}

	var handled []string
	loop := newTestLoop(src, func(_ context.Context, e event.Event) error {
		handled = append(handled, e.Name)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(src.committed()) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"order.created", "order.shipped"}, handled)
	assert.Equal(t, []string{"k1", "k2"}, src.committed())
}

func TestConsumeLoopRetriesFailedEventWithoutSkipping(t *testing.T) {
	src := &fakeSource{queue: []Message{
		eventMessage(t, "k1", "order.created"),
		eventMessage(t, "k2", "order.shipped"),
	}}

	var mu sync.Mutex
	attempts := map[string]int{}
	loop := newTestLoop(src, func(_ context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[e.Name]++
		if e.Name == "order.created" && attempts[e.Name] < 3 {
			return errors.New("fanout insert failed")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(src.committed()) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, loop.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	// the failed event is retried in place until it lands; only then
	// does the loop move on, so no commit ever advances past it
	assert.Equal(t, 3, attempts["order.created"])
	assert.Equal(t, 1, attempts["order.shipped"])
	assert.Equal(t, []string{"k1", "k2"}, src.committed())
}

func TestConsumeLoopNeverCommitsPastStuckEvent(t *testing.T) {
	src := &fakeSource{queue: []Message{
		eventMessage(t, "k1", "order.created"),
		eventMessage(t, "k2", "order.shipped"),
	}}

	var mu sync.Mutex
	var attempts int
	loop := newTestLoop(src, func(_ context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == "order.created" {
			attempts++
		}
		return errors.New("handler down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			mu.Lock()
			n := attempts
			mu.Unlock()
			if n >= 4 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	require.NoError(t, loop.Run(ctx))

	// nothing committed: a restart resumes from the stuck event
	assert.Empty(t, src.committed())
}

func TestConsumeLoopCommitsPastMalformedMessage(t *testing.T) {
	src := &fakeSource{queue: []Message{
		{Key: []byte("bad"), Value: []byte("{not json")},
		eventMessage(t, "k2", "order.shipped"),
	}}

	var handled []string
	loop := newTestLoop(src, func(_ context.Context, e event.Event) error {
		handled = append(handled, e.Name)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(src.committed()) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"order.shipped"}, handled)
	assert.Equal(t, []string{"bad", "k2"}, src.committed())
}

func TestConsumeLoopBacksOffAfterFetchError(t *testing.T) {
	src := &fakeSource{
		fetchErr: errors.New("broker unavailable"),
		queue:    []Message{eventMessage(t, "k1", "order.created")},
	}

	loop := newTestLoop(src, func(_ context.Context, _ event.Event) error { return nil })
	loop.FetchRetryDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		for len(src.committed()) < 1 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, loop.Run(ctx))

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, []string{"k1"}, src.committed())
}
