package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndConsumeAllowsUpToMax(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), map[Action]Quota{
		ActionReportUser: {Max: 3, Window: time.Hour},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.CheckAndConsume(ctx, 42, ActionReportUser)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "call %d should be allowed", i+1)
	}

	decision, err := limiter.CheckAndConsume(ctx, 42, ActionReportUser)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.Remaining)
	assert.False(t, decision.ResetAt.IsZero())
}

func TestCheckAndConsumeDenialDoesNotMutate(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, map[Action]Quota{
		ActionCreateRequest: {Max: 1, Window: time.Hour},
	})
	ctx := context.Background()

	_, err := limiter.CheckAndConsume(ctx, 7, ActionCreateRequest)
	require.NoError(t, err)

	// Denied calls must leave the counter untouched.
	for i := 0; i < 5; i++ {
		decision, err := limiter.CheckAndConsume(ctx, 7, ActionCreateRequest)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	}

	count, _, active, err := store.Get(ctx, counterKey(7, ActionCreateRequest))
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, int64(1), count)
}

func TestCheckAndConsumeSeparateUsersAndActions(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), map[Action]Quota{
		ActionCreateRequest: {Max: 1, Window: time.Hour},
		ActionSendMessage:   {Max: 1, Window: time.Hour},
	})
	ctx := context.Background()

	d1, err := limiter.CheckAndConsume(ctx, 1, ActionCreateRequest)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	// Other user, same action: independent counter.
	d2, err := limiter.CheckAndConsume(ctx, 2, ActionCreateRequest)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)

	// Same user, other action: independent counter.
	d3, err := limiter.CheckAndConsume(ctx, 1, ActionSendMessage)
	require.NoError(t, err)
	assert.True(t, d3.Allowed)

	d4, err := limiter.CheckAndConsume(ctx, 1, ActionCreateRequest)
	require.NoError(t, err)
	assert.False(t, d4.Allowed)
}

func TestCheckAndConsumeWindowRollover(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, map[Action]Quota{
		ActionSendMessage: {Max: 2, Window: 10 * time.Millisecond},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.CheckAndConsume(ctx, 9, ActionSendMessage)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
	decision, err := limiter.CheckAndConsume(ctx, 9, ActionSendMessage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	time.Sleep(15 * time.Millisecond)

	decision, err = limiter.CheckAndConsume(ctx, 9, ActionSendMessage)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Remaining)
}

func TestCheckAndConsumeUnknownActionAllowed(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), map[Action]Quota{})
	decision, err := limiter.CheckAndConsume(context.Background(), 1, Action("no_such_action"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
