package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"ordersync/src/model"
	"ordersync/src/repository"
)

func newTestRouter(t *testing.T) (*gorm.DB, http.Handler) {
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
		&model.ProcessHeartbeat{},
	); err != nil {
		t.Fatalf("failed to automigrate: %v", err)
	}

	router := NewRouter(
		(&repository.LedgerRepository{}).WithDB(db),
		(&repository.SyncReportRepository{}).WithDB(db),
		(&repository.HeartbeatRepository{}).WithDB(db),
	)
	return db, router
}

func TestHealthcheck(t *testing.T) {
	_, router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStatusListsOpenOrdersAndHeartbeats(t *testing.T) {
	db, router := newTestRouter(t)

	require.NoError(t, db.Create(&model.Order{
		OrderID:    "ord-1",
		Symbol:     "BTCUSDT",
		Side:       model.OrderSideBuy,
		OrderType:  model.OrderTypeMarket,
		Quantity:   decimal.NewFromFloat(0.5),
		DedupToken: "tok-1",
		Status:     model.OrderStatusSubmitted,
	}).Error)
	require.NoError(t, (&repository.HeartbeatRepository{}).WithDB(db).
		Beat(context.Background(), "watchdog", ""))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.NonTerminal, 1)
	assert.Equal(t, "ord-1", view.NonTerminal[0].OrderID)
	assert.Equal(t, "SUBMITTED", view.NonTerminal[0].Status)
	assert.Contains(t, view.Heartbeats, "watchdog")
	assert.Nil(t, view.LastReport)
}

func TestSyncReportEndpoint(t *testing.T) {
	db, router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync-report", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, (&repository.SyncReportRepository{}).WithDB(db).
		Create(context.Background(), &model.SyncReport{
			Trigger: "startup",
			RanAt:   time.Now().UTC(),
			Matched: 3,
		}))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync-report", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report model.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "startup", report.Trigger)
	assert.Equal(t, 3, report.Matched)
}
