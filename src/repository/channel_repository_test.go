package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/src/model"
)

func TestChannelRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := (&ChannelRepository{}).WithDB(newTestDB(t))

	req := &model.WatchdogRequest{
		RequestID: "req-1",
		Action:    model.WatchdogActionCancelOrder,
		OrderRef:  "ord-1",
		IssuedBy:  "watchdog",
		IssuedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.AppendRequest(ctx, req))

	got, err := repo.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, model.WatchdogActionCancelOrder, got.Action)

	// Unconsumed requests stay visible: delivery is at-least-once.
	again, err := repo.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "req-1", again.RequestID)

	require.NoError(t, repo.MarkConsumed(ctx, "req-1"))

	drained, err := repo.NextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, drained)
}

func TestChannelRequestsConsumedInOrder(t *testing.T) {
	ctx := context.Background()
	repo := (&ChannelRepository{}).WithDB(newTestDB(t))

	for _, id := range []string{"req-a", "req-b", "req-c"} {
		require.NoError(t, repo.AppendRequest(ctx, &model.WatchdogRequest{
			RequestID: id,
			Action:    model.WatchdogActionForceSync,
			IssuedBy:  "watchdog",
			IssuedAt:  time.Now().UTC(),
		}))
	}

	var seen []string
	for {
		req, err := repo.NextPending(ctx)
		require.NoError(t, err)
		if req == nil {
			break
		}
		seen = append(seen, req.RequestID)
		require.NoError(t, repo.MarkConsumed(ctx, req.RequestID))
	}

	assert.Equal(t, []string{"req-a", "req-b", "req-c"}, seen)
}

func TestMarkConsumedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := (&ChannelRepository{}).WithDB(newTestDB(t))

	require.NoError(t, repo.AppendRequest(ctx, &model.WatchdogRequest{
		RequestID: "req-dup",
		Action:    model.WatchdogActionQueryStatus,
		IssuedBy:  "watchdog",
		IssuedAt:  time.Now().UTC(),
	}))

	require.NoError(t, repo.MarkConsumed(ctx, "req-dup"))
	require.NoError(t, repo.MarkConsumed(ctx, "req-dup"))
}

func TestChannelResponseCorrelation(t *testing.T) {
	ctx := context.Background()
	repo := (&ChannelRepository{}).WithDB(newTestDB(t))

	// No response yet.
	resp, err := repo.FindResponse(ctx, "req-x")
	require.NoError(t, err)
	assert.Nil(t, resp)

	require.NoError(t, repo.AppendResponse(ctx, &model.WatchdogResponse{
		RequestID:   "req-x",
		Result:      model.WatchdogResultOK,
		Detail:      "cancelled",
		RespondedBy: "executor",
	}))

	// A duplicate response for the same request id: first one wins.
	require.NoError(t, repo.AppendResponse(ctx, &model.WatchdogResponse{
		RequestID:   "req-x",
		Result:      model.WatchdogResultFailed,
		RespondedBy: "executor",
	}))

	resp, err = repo.FindResponse(ctx, "req-x")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, model.WatchdogResultOK, resp.Result)
	assert.Equal(t, "cancelled", resp.Detail)
}
