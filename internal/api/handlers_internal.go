package api

import (
	"log"
	"net/http"
	"time"
)

type sweepResponse struct {
	Processed int       `json:"processed"`
	RanAt     time.Time `json:"ran_at"`
}

// ListReconciliationHandler lists orders flagged for manual review.
func (h *OrderHandlers) ListReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders, err := h.orders.ListReconciliationOrders(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api op=list_reconciliation err=%v", err)
		writeError(w, http.StatusInternalServerError, "Could not list orders")
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(orders, opts.Normalize()))
}

// ExpireOrdersHandler runs the expiry sweep on demand.
func (h *OrderHandlers) ExpireOrdersHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	expired, err := h.sweeps.ExpireStaleOrders(r.Context(), now)
	if err != nil {
		log.Printf("level=error component=api op=expire_orders err=%v", err)
		writeError(w, http.StatusInternalServerError, "Expiry sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Processed: expired, RanAt: now})
}

// RecoverSettlementsHandler runs the settlement recovery sweep on demand.
func (h *OrderHandlers) RecoverSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	enqueued, err := h.sweeps.RecoverStuckSettlements(r.Context(), now)
	if err != nil {
		log.Printf("level=error component=api op=recover_settlements err=%v", err)
		writeError(w, http.StatusInternalServerError, "Recovery sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Processed: enqueued, RanAt: now})
}
