package executors

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"ordersync/src/channel"
	"ordersync/src/config"
	"ordersync/src/exchange"
	"ordersync/src/executor"
	"ordersync/src/model"
	"ordersync/src/notify"
	"ordersync/src/repository"
	"ordersync/src/syncengine"
)

func newTestLoop(t *testing.T) (*Loop, *gorm.DB, *exchange.MockAdapter) {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in memory db: %v", err)
	}
	if err := db.AutoMigrate(
		&model.Order{},
		&model.OrderLog{},
		&model.ArchivedOrder{},
		&model.OrderIntent{},
		&model.SyncReport{},
		&model.SyncDiscrepancy{},
		&model.WatchdogRequest{},
		&model.WatchdogResponse{},
		&model.ProcessHeartbeat{},
		&model.Exception{},
	); err != nil {
		t.Fatalf("failed to automigrate: %v", err)
	}

	ledger := (&repository.LedgerRepository{}).WithDB(db)
	mock := exchange.NewMockAdapter()
	notifier := &notify.Recorder{}

	loop := &Loop{
		cfg:     Config{TargetSymbols: []string{"BTCUSDT"}, LoopPeriod: time.Second, ArchiveEvery: time.Hour},
		ledger:  ledger,
		intents: (&repository.IntentRepository{}).WithDB(db),
		heart:   (&repository.HeartbeatRepository{}).WithDB(db),
		adapter: mock,
		exec:    executor.New(ledger, mock, notifier),
		engine: syncengine.New(ledger, (&repository.SyncReportRepository{}).WithDB(db),
			mock, notifier, []string{"BTCUSDT"}),
		channel:  channel.New((&repository.ChannelRepository{}).WithDB(db), processName),
		notifier: notifier,
	}
	return loop, db, mock
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		ConcurrencyLimit: 10,
		Tolerance:        decimal.NewFromFloat(0.0001),
		CallTimeout:      time.Second,
		MaxSubmitRetries: 1,
		RetryBaseDelay:   time.Millisecond,
		RetentionWindow:  time.Hour,
	}
}

func seedIntent(t *testing.T, db *gorm.DB, token string) *model.OrderIntent {
	t.Helper()
	intent := &model.OrderIntent{
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: token,
		Status:     model.IntentStatusNew,
	}
	require.NoError(t, db.Create(intent).Error)
	return intent
}

func TestDrainIntentsSubmitsAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	loop, db, mock := newTestLoop(t)
	intent := seedIntent(t, db, "tok-1")

	loop.drainIntents(ctx, testSnapshot())

	assert.Equal(t, 1, mock.SubmitCalls)

	var reloaded model.OrderIntent
	require.NoError(t, db.First(&reloaded, intent.ID).Error)
	assert.Equal(t, model.IntentStatusProcessed, reloaded.Status)
	require.NotEmpty(t, reloaded.OrderRef)

	order, err := loop.ledger.FindByOrderID(ctx, reloaded.OrderRef)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)
}

func TestChannelCancelRequestIsHandled(t *testing.T) {
	ctx := context.Background()
	loop, _, mock := newTestLoop(t)
	snap := testSnapshot()

	// Submit an order first so there is something to cancel.
	order, err := loop.exec.Submit(ctx, &model.OrderIntent{
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: "tok-cancel-2",
	}, snap)
	require.NoError(t, err)

	requestID, err := loop.channel.Send(ctx, model.WatchdogActionCancelOrder, order.OrderID)
	require.NoError(t, err)

	loop.runBatch(ctx, snap)

	resp, err := loop.channel.Await(ctx, requestID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.WatchdogResultOK, resp.Result)
	assert.Equal(t, 1, mock.CancelCalls)

	cancelled, err := loop.ledger.FindByOrderID(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
}

func TestChannelQueryStatusReportsBothSides(t *testing.T) {
	ctx := context.Background()
	loop, _, _ := newTestLoop(t)
	snap := testSnapshot()

	order, err := loop.exec.Submit(ctx, &model.OrderIntent{
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: "tok-query",
	}, snap)
	require.NoError(t, err)

	result, detail := loop.handleQuery(ctx, order.OrderID, snap)
	assert.Equal(t, model.WatchdogResultOK, result)
	assert.Contains(t, detail, "local=SUBMITTED")
	assert.Contains(t, detail, "remote=SUBMITTED")
}

func TestChannelCancelOnTerminalOrderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	loop, _, _ := newTestLoop(t)
	snap := testSnapshot()

	order, err := loop.exec.Submit(ctx, &model.OrderIntent{
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: "tok-idem",
	}, snap)
	require.NoError(t, err)

	result, _ := loop.handleCancel(ctx, order.OrderID, snap)
	require.Equal(t, model.WatchdogResultOK, result)

	// Redelivered cancel finds the order already terminal.
	result, detail := loop.handleCancel(ctx, order.OrderID, snap)
	assert.Equal(t, model.WatchdogResultOK, result)
	assert.Equal(t, "already cancelled", detail)
}

func TestChannelCancelPendingOrderFails(t *testing.T) {
	ctx := context.Background()
	loop, _, mock := newTestLoop(t)

	require.NoError(t, loop.ledger.Create(ctx, &model.Order{
		OrderID:    "ord-pending",
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: "tok-pending",
		Status:     model.OrderStatusPending,
	}))

	// A PENDING order has no exchange id yet, so there is nothing to cancel.
	result, detail := loop.handleCancel(ctx, "ord-pending", testSnapshot())
	assert.Equal(t, model.WatchdogResultFailed, result)
	assert.Contains(t, detail, "no exchange order id")
	assert.Equal(t, 0, mock.CancelCalls)
}

// convergingAdapter fills the ledger row out from under the cancel, the way
// a concurrent watchdog correction would.
type convergingAdapter struct {
	*exchange.MockAdapter
	db *gorm.DB
}

func (a *convergingAdapter) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	if err := a.db.Model(&model.Order{}).
		Where("exchange_order_id = ?", exchangeOrderID).
		UpdateColumn("status", model.OrderStatusFilled).Error; err != nil {
		return err
	}
	return a.MockAdapter.CancelOrder(ctx, exchangeOrderID, symbol)
}

func TestChannelCancelLostRaceReportsFailure(t *testing.T) {
	ctx := context.Background()
	loop, db, mock := newTestLoop(t)
	snap := testSnapshot()

	order, err := loop.exec.Submit(ctx, &model.OrderIntent{
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: "tok-race",
	}, snap)
	require.NoError(t, err)

	loop.adapter = &convergingAdapter{MockAdapter: mock, db: db}

	result, detail := loop.handleCancel(ctx, order.OrderID, snap)
	assert.Equal(t, model.WatchdogResultFailed, result)
	assert.Contains(t, detail, "order now FILLED")

	reloaded, err := loop.ledger.FindByOrderID(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, reloaded.Status)
}

func TestChannelCancelUnknownOrder(t *testing.T) {
	ctx := context.Background()
	loop, _, _ := newTestLoop(t)

	result, _ := loop.handleCancel(ctx, "no-such-order", testSnapshot())
	assert.Equal(t, model.WatchdogResultUnknown, result)
}
