package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"ordersync/src/fault"
	"ordersync/src/model"
	"ordersync/src/repository"
)

func newTestChannel(t *testing.T, identity string) *Channel {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in memory db: %v", err)
	}
	if err := db.AutoMigrate(&model.WatchdogRequest{}, &model.WatchdogResponse{}); err != nil {
		t.Fatalf("failed to automigrate: %v", err)
	}

	repo := (&repository.ChannelRepository{}).WithDB(db)
	return New(repo, identity).WithPollInterval(5 * time.Millisecond)
}

func TestSendDrainAwaitRoundTrip(t *testing.T) {
	ctx := context.Background()

	watchdogSide := newTestChannel(t, "watchdog")
	executorSide := watchdogSide.WithPollInterval(5 * time.Millisecond)

	requestID, err := watchdogSide.Send(ctx, model.WatchdogActionCancelOrder, "ord-1")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	handled, err := executorSide.Drain(ctx, func(ctx context.Context, req *model.WatchdogRequest) (model.WatchdogResult, string) {
		assert.Equal(t, model.WatchdogActionCancelOrder, req.Action)
		assert.Equal(t, "ord-1", req.OrderRef)
		return model.WatchdogResultOK, "cancelled"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	resp, err := watchdogSide.Await(ctx, requestID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.WatchdogResultOK, resp.Result)
	assert.Equal(t, "cancelled", resp.Detail)
}

func TestAwaitTimesOutAsChannelFault(t *testing.T) {
	ctx := context.Background()
	ch := newTestChannel(t, "watchdog")

	requestID, err := ch.Send(ctx, model.WatchdogActionQueryStatus, "ord-2")
	require.NoError(t, err)

	_, err = ch.Await(ctx, requestID, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.Channel, fault.KindOf(err))
}

func TestDrainConsumesInOrderAndStops(t *testing.T) {
	ctx := context.Background()
	ch := newTestChannel(t, "watchdog")

	first, err := ch.Send(ctx, model.WatchdogActionCancelOrder, "ord-a")
	require.NoError(t, err)
	second, err := ch.Send(ctx, model.WatchdogActionForceSync, "")
	require.NoError(t, err)

	var seen []string
	handled, err := ch.Drain(ctx, func(ctx context.Context, req *model.WatchdogRequest) (model.WatchdogResult, string) {
		seen = append(seen, req.RequestID)
		return model.WatchdogResultOK, ""
	})
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Equal(t, []string{first, second}, seen)

	// Queue is drained, nothing is redelivered.
	handled, err = ch.Drain(ctx, func(ctx context.Context, req *model.WatchdogRequest) (model.WatchdogResult, string) {
		t.Fatal("unexpected redelivery")
		return model.WatchdogResultFailed, ""
	})
	require.NoError(t, err)
	assert.Equal(t, 0, handled)
}
