// Package server exposes the read-only status surface of the engine over
// HTTP. It never mutates the ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"ordersync/src/repository"
)

// StatusView is the payload served on /status.
type StatusView struct {
	NonTerminal []OrderView          `json:"non_terminal_orders"`
	Heartbeats  map[string]time.Time `json:"heartbeats"`
	LastReport  *ReportView          `json:"last_sync_report,omitempty"`
}

type OrderView struct {
	OrderID         string `json:"order_id"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Status          string `json:"status"`
	Quantity        string `json:"quantity"`
	FilledQuantity  string `json:"filled_quantity"`
	ReviewRequired  bool   `json:"review_required,omitempty"`
}

type ReportView struct {
	Trigger         string    `json:"trigger"`
	RanAt           time.Time `json:"ran_at"`
	Matched         int       `json:"matched"`
	Corrected       int       `json:"corrected"`
	OrphanedRemote  int       `json:"orphaned_remote"`
	OrphanedLocal   int       `json:"orphaned_local"`
	IntegrityFaults int       `json:"integrity_faults"`
}

// NewRouter builds the status routes on top of the given repositories.
func NewRouter(
	ledger *repository.LedgerRepository,
	reports *repository.SyncReportRepository,
	heartbeats *repository.HeartbeatRepository,
) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("\"/healthcheck\" error")
		}
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		orders, err := ledger.FindNonTerminal(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		view := StatusView{Heartbeats: map[string]time.Time{}}
		for _, o := range orders {
			view.NonTerminal = append(view.NonTerminal, OrderView{
				OrderID:         o.OrderID,
				ExchangeOrderID: o.ExchangeOrderID,
				Symbol:          o.Symbol,
				Side:            o.Side,
				Status:          string(o.Status),
				Quantity:        o.Quantity.String(),
				FilledQuantity:  o.FilledQuantity.String(),
				ReviewRequired:  o.ReviewRequired,
			})
		}

		beats, err := heartbeats.FindAll(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, b := range beats {
			view.Heartbeats[b.Process] = b.BeatAt
		}

		if latest, err := reports.FindLatest(ctx); err == nil && latest != nil {
			view.LastReport = &ReportView{
				Trigger:         latest.Trigger,
				RanAt:           latest.RanAt,
				Matched:         latest.Matched,
				Corrected:       latest.Corrected,
				OrphanedRemote:  latest.OrphanedRemote,
				OrphanedLocal:   latest.OrphanedLocal,
				IntegrityFaults: latest.IntegrityFaults,
			}
		}

		writeJSON(w, view)
	})

	r.Get("/sync-report", func(w http.ResponseWriter, req *http.Request) {
		latest, err := reports.FindLatest(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if latest == nil {
			http.Error(w, "no sync report yet", http.StatusNotFound)
			return
		}
		writeJSON(w, latest)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("Failed to encode response")
	}
}

// StartServer serves the status routes until SIGINT or SIGTERM.
func StartServer(port string) {
	r := NewRouter(
		repository.NewLedgerRepository(),
		repository.NewSyncReportRepository(),
		repository.NewHeartbeatRepository(),
	)

	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
