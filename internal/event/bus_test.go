package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

func TestBusRoutesByName(t *testing.T) {
	bus := NewBus()
	var commentEvents, roundEvents int

	bus.Register("comment.created", func(ctx context.Context, e Event) error {
		commentEvents++
		return nil
	})
	bus.Register("round.finished", func(ctx context.Context, e Event) error {
		roundEvents++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Name: "comment.created"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Name: "comment.created"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Name: "unregistered.event"}))

	assert.Equal(t, 2, commentEvents)
	assert.Equal(t, 0, roundEvents)
}

func TestBusWildcardSeesEverything(t *testing.T) {
	bus := NewBus()
	var names []string

	bus.Register("*", func(ctx context.Context, e Event) error {
		names = append(names, e.Name)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Name: "a"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Name: "b"}))

	assert.Equal(t, []string{"a", "b"}, names)
}

func TestBusFirstErrorAborts(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	var secondRan bool

	bus.Register("x", func(ctx context.Context, e Event) error { return boom })
	bus.Register("x", func(ctx context.Context, e Event) error {
		secondRan = true
		return nil
	})

	err := bus.Publish(context.Background(), Event{Name: "x"})
	require.ErrorIs(t, err, boom)
	assert.False(t, secondRan)
}

// recordingNotifications captures fanout inserts.
type recordingNotifications struct {
	mu       sync.Mutex
	inserted []model.Notification
}

func (r *recordingNotifications) InsertPending(ctx context.Context, tx *sqlx.Tx, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted = append(r.inserted, n)
	return nil
}

func (r *recordingNotifications) ClaimForBatch(ctx context.Context, ch model.Channel, limit int) ([]model.Notification, error) {
	return nil, nil
}

func (r *recordingNotifications) ClearBatchStamp(ctx context.Context, ids []string) error { return nil }

func (r *recordingNotifications) ReclaimUnbatched(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (r *recordingNotifications) FetchByIDs(ctx context.Context, ids []string) ([]model.Notification, error) {
	return nil, nil
}

func (r *recordingNotifications) BatchUpdateStatus(ctx context.Context, ids []string, status model.NotificationStatus) error {
	return nil
}

func TestFanoutCreatesNotificationPerRecipientAndChannel(t *testing.T) {
	store := &recordingNotifications{}
	f := NewFanout(store)

	payload, _ := json.Marshal(map[string]any{
		"recipients": []int64{1, 2, 3},
		"channels":   []string{"push", "email"},
		"title":      "round finished",
		"body":       "round 7 is over",
	})

	require.NoError(t, f.Handle(context.Background(), Event{
		Name:    "round.finished",
		Payload: payload,
	}))

	require.Len(t, store.inserted, 6)

	byKey := make(map[string]bool)
	for _, n := range store.inserted {
		assert.NotEmpty(t, n.ID)
		assert.Equal(t, "round finished", n.Title)
		byKey[fmt.Sprintf("%s/%d", n.Channel, n.UserID)] = true
	}
	assert.Len(t, byKey, 6, "each (recipient, channel) pair exactly once")
}

func TestFanoutDefaultsToInApp(t *testing.T) {
	store := &recordingNotifications{}
	f := NewFanout(store)

	payload, _ := json.Marshal(map[string]any{
		"recipients": []int64{9},
		"title":      "hi",
		"body":       "there",
	})

	require.NoError(t, f.Handle(context.Background(), Event{Name: "comment.created", Payload: payload}))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.ChannelInApp, store.inserted[0].Channel)
}

func TestFanoutIgnoresNonFanoutPayloads(t *testing.T) {
	store := &recordingNotifications{}
	f := NewFanout(store)

	require.NoError(t, f.Handle(context.Background(), Event{
		Name:    "ledger.entry",
		Payload: json.RawMessage(`{"amount": 100}`),
	}))

	assert.Empty(t, store.inserted)
}

func TestFanoutSkipsUnknownChannels(t *testing.T) {
	store := &recordingNotifications{}
	f := NewFanout(store)

	payload, _ := json.Marshal(map[string]any{
		"recipients": []int64{1},
		"channels":   []string{"push", "fax"},
		"title":      "t",
		"body":       "b",
	})

	require.NoError(t, f.Handle(context.Background(), Event{Name: "x", Payload: payload}))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.ChannelPush, store.inserted[0].Channel)
}
