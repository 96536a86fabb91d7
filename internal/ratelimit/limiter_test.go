package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

func limits(m map[string]int) func(string) int {
	return func(channel string) int { return m[channel] }
}

func TestLocalLimiterReservesUpToLimit(t *testing.T) {
	l := NewLocalLimiter(time.Minute, limits(map[string]int{"sms": 10}))

	for i := 0; i < 10; i++ {
		ok, err := l.CheckAndReserve(context.Background(), model.ChannelSMS, 1)
		require.NoError(t, err)
		require.True(t, ok, "reservation %d should fit", i+1)
	}

	ok, err := l.CheckAndReserve(context.Background(), model.ChannelSMS, 1)
	require.NoError(t, err)
	assert.False(t, ok, "11th reservation must be denied")
}

func TestLocalLimiterBulkReservationIsAllOrNothing(t *testing.T) {
	l := NewLocalLimiter(time.Minute, limits(map[string]int{"email": 100}))

	ok, err := l.CheckAndReserve(context.Background(), model.ChannelEmail, 80)
	require.NoError(t, err)
	require.True(t, ok)

	// 80+30 > 100: denied, and the denied attempt must not consume budget
	ok, err = l.CheckAndReserve(context.Background(), model.ChannelEmail, 30)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.CheckAndReserve(context.Background(), model.ChannelEmail, 20)
	require.NoError(t, err)
	assert.True(t, ok, "remaining budget of 20 should still fit")
}

func TestLocalLimiterWindowRollover(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(time.Minute, limits(map[string]int{"push": 5}))
	l.now = func() time.Time { return now }

	ok, err := l.CheckAndReserve(context.Background(), model.ChannelPush, 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.CheckAndReserve(context.Background(), model.ChannelPush, 1)
	require.NoError(t, err)
	require.False(t, ok)

	// next window: counter resets
	now = now.Add(time.Minute)
	ok, err = l.CheckAndReserve(context.Background(), model.ChannelPush, 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLimiterChannelsAreIndependent(t *testing.T) {
	l := NewLocalLimiter(time.Minute, limits(map[string]int{"sms": 1, "push": 1}))

	ok, _ := l.CheckAndReserve(context.Background(), model.ChannelSMS, 1)
	require.True(t, ok)

	ok, _ = l.CheckAndReserve(context.Background(), model.ChannelSMS, 1)
	require.False(t, ok)

	ok, _ = l.CheckAndReserve(context.Background(), model.ChannelPush, 1)
	assert.True(t, ok, "sms exhaustion must not affect push")
}

func TestLocalLimiterUnconfiguredChannelIsUnlimited(t *testing.T) {
	l := NewLocalLimiter(time.Minute, limits(map[string]int{}))

	ok, err := l.CheckAndReserve(context.Background(), model.ChannelInApp, 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
}
