package watchdog

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
	"ordersync/src/fault"
	"ordersync/src/model"
	"ordersync/src/notify"
	"ordersync/src/repository"
)

type harness struct {
	db       *gorm.DB
	ledger   *repository.LedgerRepository
	mock     *exchange.MockAdapter
	recorder *notify.Recorder
	watchdog *Watchdog
	channel  *channel.Channel
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in memory db: %v", err)
	}
	if err := db.AutoMigrate(
		&model.Order{},
		&model.OrderLog{},
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
	ch := channel.New((&repository.ChannelRepository{}).WithDB(db), "watchdog").
		WithPollInterval(5 * time.Millisecond)
	mock := exchange.NewMockAdapter()
	recorder := &notify.Recorder{}

	wd := New(
		ledger,
		(&repository.SyncReportRepository{}).WithDB(db),
		(&repository.HeartbeatRepository{}).WithDB(db),
		mock,
		ch,
		recorder,
	)

	return &harness{db: db, ledger: ledger, mock: mock, recorder: recorder, watchdog: wd, channel: ch}
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		StuckTimeout:      time.Minute,
		CallTimeout:       time.Second,
		ChannelWait:       30 * time.Millisecond,
		FailureEscalation: 2,
	}
}

// seedOrder inserts an order and optionally backdates its updated_at.
func (h *harness) seedOrder(t *testing.T, orderID, exchangeID string, status model.OrderStatus, age time.Duration) {
	t.Helper()

	order := &model.Order{
		OrderID:         orderID,
		ExchangeOrderID: exchangeID,
		Symbol:          "BTCUSDT",
		Side:            model.OrderSideBuy,
		OrderType:       model.OrderTypeMarket,
		Quantity:        decimal.NewFromFloat(0.5),
		DedupToken:      "tok-" + orderID,
		Status:          status,
	}
	require.NoError(t, h.ledger.Create(context.Background(), order))
	if status != model.OrderStatusPending {
		require.NoError(t, h.db.Model(&model.Order{}).
			Where("order_id = ?", orderID).
			UpdateColumn("status", status).Error)
	}
	if age > 0 {
		require.NoError(t, h.db.Model(&model.Order{}).
			Where("order_id = ?", orderID).
			UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error)
	}
}

func (h *harness) orderStatus(t *testing.T, orderID string) model.OrderStatus {
	t.Helper()
	order, err := h.ledger.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order.Status
}

func TestCycleMatchesInSyncOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusSubmitted, 0)
	h.mock.SeedRemote(exchange.RemoteOrder{ExchangeOrderID: "E1", Status: model.OrderStatusSubmitted})

	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, model.OrderStatusSubmitted, h.orderStatus(t, "ord-1"))
}

func TestCycleConvergesToRemoteFill(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusSubmitted, 0)
	h.mock.SeedRemote(exchange.RemoteOrder{
		ExchangeOrderID: "E1",
		Status:          model.OrderStatusFilled,
		FilledQuantity:  decimal.NewFromFloat(0.5),
	})

	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrected)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, model.DiscrepancyStatusCorrected, report.Discrepancies[0].Kind)
	assert.Equal(t, model.OrderStatusFilled, h.orderStatus(t, "ord-1"))
}

func TestCycleMarksStuckAndCancels(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusSubmitted, 2*time.Minute)
	h.mock.SeedRemote(exchange.RemoteOrder{ExchangeOrderID: "E1", Status: model.OrderStatusSubmitted})

	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, model.DiscrepancyStuck, report.Discrepancies[0].Kind)

	// The direct cancel succeeded, so the order ends CANCELLED.
	assert.Equal(t, model.OrderStatusCancelled, h.orderStatus(t, "ord-1"))
	assert.Equal(t, 1, h.mock.CancelCalls)
}

func TestCycleStuckCancelRefusedConvergesToFill(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusStuck, 0)
	h.mock.SeedRemote(exchange.RemoteOrder{
		ExchangeOrderID: "E1",
		Status:          model.OrderStatusFilled,
		FilledQuantity:  decimal.NewFromFloat(0.5),
	})
	h.mock.CancelErr = fault.Errorf(fault.Rejection, "mock.CancelOrder", "order already filled")

	_, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, h.orderStatus(t, "ord-1"))
}

func TestCycleVanishedFreshSubmittedIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E404", model.OrderStatusSubmitted, 0)

	// The exchange may simply not expose a just-accepted order on the
	// query API yet, so nothing happens inside the grace period.
	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, model.OrderStatusSubmitted, h.orderStatus(t, "ord-1"))
	assert.Empty(t, h.recorder.Events)
}

func TestCycleVanishedAgedSubmittedResolvesViaStuck(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E404", model.OrderStatusSubmitted, 2*time.Minute)

	// Past the grace period the order goes through STUCK. The cancel is
	// refused because the exchange knows nothing about it, the requery
	// comes back empty, and the order lands in ERROR.
	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, report.IntegrityFaults)
	assert.Equal(t, model.OrderStatusError, h.orderStatus(t, "ord-1"))

	order, err := h.ledger.FindByOrderID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.True(t, order.ReviewRequired)

	require.Len(t, h.recorder.Events, 2)
	assert.Equal(t, "order_stuck", h.recorder.Events[0].Kind)
	assert.Equal(t, "stuck_unresolved", h.recorder.Events[1].Kind)
}

func TestCycleVanishedPartialFillGoesToError(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E404", model.OrderStatusPartiallyFilled, 0)

	// An order with recorded fills vanishing gets no grace period.
	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, report.IntegrityFaults)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, model.DiscrepancyOrphanedLocal, report.Discrepancies[0].Kind)
	assert.Equal(t, model.OrderStatusError, h.orderStatus(t, "ord-1"))

	require.Len(t, h.recorder.Events, 1)
	assert.Equal(t, "order_vanished", h.recorder.Events[0].Kind)
}

func TestCycleRepeatedStatusFailuresEscalateToError(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusSubmitted, 0)
	h.mock.StatusErr = fault.Errorf(fault.Transient, "mock.GetOrderStatus", "connection reset")

	snap := testSnapshot()

	// First failure stays below the escalation threshold.
	report, err := h.watchdog.RunCycle(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, model.OrderStatusSubmitted, h.orderStatus(t, "ord-1"))

	// Second consecutive failure reaches it and terminalizes the order.
	report, err = h.watchdog.RunCycle(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IntegrityFaults)
	assert.Equal(t, model.OrderStatusError, h.orderStatus(t, "ord-1"))

	order, err := h.ledger.FindByOrderID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.True(t, order.ReviewRequired)

	require.Len(t, h.recorder.Events, 1)
	assert.Equal(t, "status_unobservable", h.recorder.Events[0].Kind)
}

func TestCyclePendingTimeoutGoesToError(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "", model.OrderStatusPending, 2*time.Minute)

	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, report.IntegrityFaults)
	assert.Equal(t, model.OrderStatusError, h.orderStatus(t, "ord-1"))
}

func TestCycleFreshPendingIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "", model.OrderStatusPending, 0)

	report, err := h.watchdog.RunCycle(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, model.OrderStatusPending, h.orderStatus(t, "ord-1"))
}

func TestStuckEscalatesOverChannelAfterSustainedFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusStuck, 0)
	h.mock.SeedRemote(exchange.RemoteOrder{ExchangeOrderID: "E1", Status: model.OrderStatusSubmitted})
	h.mock.CancelErr = fault.Errorf(fault.Transient, "mock.CancelOrder", "connection reset")

	snap := testSnapshot()
	snap.ChannelWait = time.Second

	// First cycle fails transiently, below the escalation threshold.
	_, err := h.watchdog.RunCycle(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusStuck, h.orderStatus(t, "ord-1"))

	// Second cycle reaches the threshold and delegates the cancel. The
	// executor side answers OK while the watchdog waits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			handled, err := h.channel.Drain(ctx, func(ctx context.Context, req *model.WatchdogRequest) (model.WatchdogResult, string) {
				assert.Equal(t, model.WatchdogActionCancelOrder, req.Action)
				return model.WatchdogResultOK, "cancelled by executor"
			})
			if err == nil && handled > 0 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err = h.watchdog.RunCycle(ctx, snap)
	require.NoError(t, err)
	<-done

	assert.Equal(t, model.OrderStatusCancelled, h.orderStatus(t, "ord-1"))
}

func TestStuckUnansweredDelegationGoesToError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "ord-1", "E1", model.OrderStatusStuck, 0)
	h.mock.CancelErr = fault.Errorf(fault.Transient, "mock.CancelOrder", "connection reset")

	snap := testSnapshot()
	snap.FailureEscalation = 1

	report, err := h.watchdog.RunCycle(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IntegrityFaults)
	assert.Equal(t, model.OrderStatusError, h.orderStatus(t, "ord-1"))
}
