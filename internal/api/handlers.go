/**
 * @description
 * This file contains the HTTP handlers for the investor order API. Handlers decode and
 * validate the request, call the OrderService, and map domain errors onto status codes.
 *
 * @dependencies
 * - internal/app: OrderService and settlement sweeps.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/split"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chargeclient"
)

const maxRequestBodyBytes = 1 << 20

// OrderHandlers holds the dependencies for the order endpoints.
type OrderHandlers struct {
	orders *app.OrderService
	sweeps app.SweepRunner
}

func NewOrderHandlers(orders *app.OrderService, sweeps app.SweepRunner) *OrderHandlers {
	return &OrderHandlers{orders: orders, sweeps: sweeps}
}

type createOrderResponse struct {
	Order          domain.OrderResponse `json:"order"`
	PayablePayload string               `json:"payable_payload,omitempty"`
}

type listOrdersResponse struct {
	Orders []domain.OrderResponse `json:"orders"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// mapOrderError translates service errors into an HTTP status and a client-safe message.
func mapOrderError(err error) (int, string) {
	switch {
	case errors.Is(err, split.ErrInvalidSplit):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, app.ErrInvalidOrderRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrIdempotencyKeyReused):
		return http.StatusConflict, "Idempotency key was already used for a different order."
	case errors.Is(err, app.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrConcurrentUpdate):
		return http.StatusConflict, "Order is being updated; retry the request."
	case errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound, "Order not found."
	case errors.Is(err, chargeclient.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "Payment provider is unavailable; retry with the same idempotency key."
	case errors.Is(err, chargeclient.ErrGatewayRejected):
		return http.StatusUnprocessableEntity, "Payment provider rejected the charge."
	}
	return http.StatusInternalServerError, "Could not process order request."
}

func (h *OrderHandlers) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}

	var req domain.CreateOrderRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	headerKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyKey := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case headerKey != "" && bodyKey != "" && headerKey != bodyKey:
		writeError(w, http.StatusBadRequest, "Idempotency-Key header and body field disagree")
		return
	case bodyKey == "":
		req.IdempotencyKey = headerKey
	}

	result, err := h.orders.CreateOrder(r.Context(), userID, req)
	if err != nil {
		status, message := mapOrderError(err)
		if status >= http.StatusInternalServerError {
			log.Printf("level=error component=api op=create_order user_id=%s err=%v", userID, err)
		}
		writeError(w, status, message)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createOrderResponse{
		Order:          domain.NewOrderResponse(result.Order),
		PayablePayload: result.PayablePayload,
	})
}

func (h *OrderHandlers) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := h.orders.ListOrders(r.Context(), userID, opts)
	if err != nil {
		status, message := mapOrderError(err)
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(orders, opts.Normalize()))
}

func (h *OrderHandlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		status, message := mapOrderError(err)
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewOrderResponse(order))
}

func (h *OrderHandlers) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.orders.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		status, message := mapOrderError(err)
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewOrderResponse(order))
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

func parseListOptions(r *http.Request) (domain.ListOptions, error) {
	query := r.URL.Query()
	limit, err := parseOptionalPositiveInt(query.Get("limit"), 20)
	if err != nil {
		return domain.ListOptions{}, errors.New("invalid limit")
	}
	offset, err := parseOptionalPositiveInt(query.Get("offset"), 0)
	if err != nil {
		return domain.ListOptions{}, errors.New("invalid offset")
	}
	opts := domain.ListOptions{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.OrderStatus(strings.ToUpper(raw))
		if !status.Valid() {
			return domain.ListOptions{}, errors.New("invalid status filter")
		}
		opts.Status = &status
	}
	return opts, nil
}

func newListResponse(orders []domain.InvestmentOrder, opts domain.ListOptions) listOrdersResponse {
	resp := listOrdersResponse{
		Orders: make([]domain.OrderResponse, 0, len(orders)),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range orders {
		resp.Orders = append(resp.Orders, domain.NewOrderResponse(&orders[i]))
	}
	return resp
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
