package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

// fakeNotifications hands out pending notifications per channel,
// mimicking the claim semantics: a claimed notification is never
// handed out again unless its claim is explicitly released.
type fakeNotifications struct {
	mu        sync.Mutex
	pending   map[model.Channel][]model.Notification
	claimed   map[string]claimedRow
	reclaimed int64
}

type claimedRow struct {
	n  model.Notification
	at time.Time
}

func (f *fakeNotifications) seed(ch model.Channel, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[model.Channel][]model.Notification)
	}
	for i := 0; i < count; i++ {
		f.pending[ch] = append(f.pending[ch], model.Notification{
			ID:      fmt.Sprintf("%s-%d", ch, i),
			Channel: ch,
			Status:  model.NotificationPending,
		})
	}
}

func (f *fakeNotifications) InsertPending(ctx context.Context, tx *sqlx.Tx, n model.Notification) error {
	return nil
}

func (f *fakeNotifications) ClaimForBatch(ctx context.Context, ch model.Channel, limit int) ([]model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[model.Channel][]model.Notification)
	}
	rows := f.pending[ch]
	out := rows
	if len(rows) > limit {
		out = rows[:limit]
		f.pending[ch] = rows[limit:]
	} else {
		f.pending[ch] = nil
	}
	if f.claimed == nil {
		f.claimed = make(map[string]claimedRow)
	}
	for _, n := range out {
		f.claimed[n.ID] = claimedRow{n: n, at: time.Now()}
	}
	return out, nil
}

func (f *fakeNotifications) ClearBatchStamp(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if row, ok := f.claimed[id]; ok {
			delete(f.claimed, id)
			f.pending[row.n.Channel] = append(f.pending[row.n.Channel], row.n)
		}
	}
	return nil
}

func (f *fakeNotifications) ReclaimUnbatched(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, row := range f.claimed {
		if row.at.Before(cutoff) {
			delete(f.claimed, id)
			f.pending[row.n.Channel] = append(f.pending[row.n.Channel], row.n)
			n++
		}
	}
	f.reclaimed += n
	return n, nil
}

// backdateClaims makes every outstanding claim look stale.
func (f *fakeNotifications) backdateClaims(age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, row := range f.claimed {
		row.at = row.at.Add(-age)
		f.claimed[id] = row
	}
}

func (f *fakeNotifications) FetchByIDs(ctx context.Context, ids []string) ([]model.Notification, error) {
	return nil, nil
}

func (f *fakeNotifications) BatchUpdateStatus(ctx context.Context, ids []string, status model.NotificationStatus) error {
	return nil
}

// fakeBatches records inserted batches.
type fakeBatches struct {
	mu        sync.Mutex
	inserted  []model.NotificationBatch
	insertErr error // returned once, then cleared
}

func (f *fakeBatches) Insert(ctx context.Context, b model.NotificationBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		err := f.insertErr
		f.insertErr = nil
		return err
	}
	f.inserted = append(f.inserted, b)
	return nil
}

func (f *fakeBatches) ClaimDue(ctx context.Context, limit int) ([]model.NotificationBatch, error) {
	return nil, nil
}

func (f *fakeBatches) ReclaimStalled(ctx context.Context, olderThan time.Duration, limit int) ([]model.NotificationBatch, error) {
	return nil, nil
}

func (f *fakeBatches) Reschedule(ctx context.Context, id string, at time.Time) error { return nil }

func (f *fakeBatches) SetProgress(ctx context.Context, id string, processed, success, failure int) error {
	return nil
}

func (f *fakeBatches) MarkCompleted(ctx context.Context, id string) error            { return nil }
func (f *fakeBatches) MarkFailed(ctx context.Context, id string, errMsg string) error { return nil }

func (f *fakeBatches) GetByID(ctx context.Context, id string) (*model.NotificationBatch, error) {
	return nil, nil
}

func (f *fakeBatches) DeleteOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeBatches) byChannel(ch model.Channel) []model.NotificationBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.NotificationBatch
	for _, b := range f.inserted {
		if b.Channel == ch {
			out = append(out, b)
		}
	}
	return out
}

func newBatcher(n *fakeNotifications, bs *fakeBatches) *Batcher {
	b := New(n, bs, zap.NewNop())
	b.BatchSize = func(string) int { return 3 }
	return b
}

func TestBatcherGroupsPerChannel(t *testing.T) {
	notifications := &fakeNotifications{}
	notifications.seed(model.ChannelPush, 2)
	notifications.seed(model.ChannelEmail, 3)
	batches := &fakeBatches{}

	newBatcher(notifications, batches).Tick(context.Background())

	push := batches.byChannel(model.ChannelPush)
	require.Len(t, push, 1)
	assert.Equal(t, 2, push[0].TotalNotifications)
	assert.Equal(t, model.IDList{"push-0", "push-1"}, push[0].NotificationIDs)

	email := batches.byChannel(model.ChannelEmail)
	require.Len(t, email, 1)
	assert.Equal(t, 3, email[0].TotalNotifications)
}

func TestBatcherRespectsBatchSizeCap(t *testing.T) {
	notifications := &fakeNotifications{}
	notifications.seed(model.ChannelSMS, 7)
	batches := &fakeBatches{}
	b := newBatcher(notifications, batches)

	// one batch per channel per tick; the rest waits for later ticks
	b.Tick(context.Background())
	require.Len(t, batches.byChannel(model.ChannelSMS), 1)
	assert.Equal(t, 3, batches.byChannel(model.ChannelSMS)[0].TotalNotifications)

	b.Tick(context.Background())
	b.Tick(context.Background())

	all := batches.byChannel(model.ChannelSMS)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[2].TotalNotifications)
}

func TestBatcherNoPendingMeansNoBatch(t *testing.T) {
	batches := &fakeBatches{}

	newBatcher(&fakeNotifications{}, batches).Tick(context.Background())

	assert.Empty(t, batches.inserted)
}

func TestBatcherNotificationAppearsInExactlyOneBatch(t *testing.T) {
	notifications := &fakeNotifications{}
	notifications.seed(model.ChannelInApp, 6)
	batches := &fakeBatches{}
	b := newBatcher(notifications, batches)

	b.Tick(context.Background())
	b.Tick(context.Background())
	b.Tick(context.Background())

	seen := make(map[string]int)
	for _, batch := range batches.inserted {
		for _, id := range batch.NotificationIDs {
			seen[id]++
		}
	}
	require.Len(t, seen, 6)
	for id, count := range seen {
		assert.Equal(t, 1, count, "notification %s batched more than once", id)
	}
}

func TestBatcherReleasesClaimsWhenInsertFails(t *testing.T) {
	notifications := &fakeNotifications{}
	notifications.seed(model.ChannelEmail, 3)
	batches := &fakeBatches{insertErr: errors.New("mysql gone away")}
	b := newBatcher(notifications, batches)

	b.Tick(context.Background())
	require.Empty(t, batches.inserted)

	// the claim must not survive the failed insert: the same rows are
	// grouped again on the next tick instead of staying hidden forever
	b.Tick(context.Background())
	all := batches.byChannel(model.ChannelEmail)
	require.Len(t, all, 1)
	assert.Equal(t, model.IDList{"email-0", "email-1", "email-2"}, all[0].NotificationIDs)
}

func TestBatcherReclaimsClaimsOrphanedByCrash(t *testing.T) {
	notifications := &fakeNotifications{}
	notifications.seed(model.ChannelPush, 2)
	batches := &fakeBatches{}
	b := newBatcher(notifications, batches)
	b.ReclaimAfter = 15 * time.Minute

	// claim without inserting a batch, as if the process died in between
	_, err := notifications.ClaimForBatch(context.Background(), model.ChannelPush, 3)
	require.NoError(t, err)
	notifications.backdateClaims(time.Hour)

	b.Tick(context.Background())

	assert.Equal(t, int64(2), notifications.reclaimed)
	all := batches.byChannel(model.ChannelPush)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].TotalNotifications)
}

func TestBatcherAssignsUniqueBatchIDs(t *testing.T) {
	notifications := &fakeNotifications{}
	notifications.seed(model.ChannelPush, 9)
	batches := &fakeBatches{}
	b := newBatcher(notifications, batches)

	b.Tick(context.Background())
	b.Tick(context.Background())
	b.Tick(context.Background())

	ids := make(map[string]bool)
	for _, batch := range batches.inserted {
		require.NotEmpty(t, batch.ID)
		require.False(t, ids[batch.ID], "duplicate batch id %s", batch.ID)
		ids[batch.ID] = true
	}
}
