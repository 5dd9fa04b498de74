/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the investment order lifecycle, its closed status enum and the
 * data transfer objects (DTOs) used by the API, the store and the settlement pipeline.
 *
 * @notes
 * - Amounts are stored as `int64` minor units (centavos) to avoid floating-point inaccuracies.
 * - Split percentages are fixed-point decimals; they are never converted to float.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the closed set of lifecycle states of an investment order.
type OrderStatus string

const (
	OrderStatusCreated          OrderStatus = "CREATED"
	OrderStatusPendingPayment   OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaid             OrderStatus = "PAID"
	OrderStatusSettling         OrderStatus = "SETTLING"
	OrderStatusSettled          OrderStatus = "SETTLED"
	OrderStatusExpired          OrderStatus = "EXPIRED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"
	OrderStatusSettlementFailed OrderStatus = "SETTLEMENT_FAILED"
)

// transitions lists, for each status, the statuses it may move to.
// CREATED -> CANCELLED covers a charge rejected by the processor and
// CREATED -> EXPIRED covers a charge that was never created inside the expiry window.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:        {OrderStatusPendingPayment, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPaid:           {OrderStatusSettling, OrderStatusSettlementFailed},
	OrderStatusSettling:       {OrderStatusSettling, OrderStatusSettled, OrderStatusSettlementFailed},
}

// AllOrderStatuses returns every status in lifecycle order.
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusCreated,
		OrderStatusPendingPayment,
		OrderStatusPaid,
		OrderStatusSettling,
		OrderStatusSettled,
		OrderStatusExpired,
		OrderStatusCancelled,
		OrderStatusSettlementFailed,
	}
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPendingPayment, OrderStatusPaid, OrderStatusSettling,
		OrderStatusSettled, OrderStatusExpired, OrderStatusCancelled, OrderStatusSettlementFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// PaymentReceived reports whether the processor has confirmed payment for an order in s.
func (s OrderStatus) PaymentReceived() bool {
	switch s {
	case OrderStatusPaid, OrderStatusSettling, OrderStatusSettled, OrderStatusSettlementFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle graph allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which to may be entered.
func Predecessors(to OrderStatus) []OrderStatus {
	var from []OrderStatus
	for _, status := range AllOrderStatuses() {
		if CanTransition(status, to) {
			from = append(from, status)
		}
	}
	return from
}

// DisplayStatus is the investor-facing rendering of a status.
func (s OrderStatus) DisplayStatus() string {
	switch s {
	case OrderStatusCreated:
		return "creating payment"
	case OrderStatusPendingPayment:
		return "awaiting payment"
	case OrderStatusPaid, OrderStatusSettling:
		return "payment received, settling"
	case OrderStatusSettled:
		return "settled"
	case OrderStatusExpired:
		return "expired"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusSettlementFailed:
		return "payment received, settlement pending manual review"
	}
	return "unknown"
}

// SplitAllocation assigns a percentage of the charge to one receiver.
type SplitAllocation struct {
	ReceiverID string          `json:"receiver_id"`
	Percentage decimal.Decimal `json:"percentage"`
}

// InvestmentOrder is the durable record of one investor order against a receivable.
// This struct maps directly to the `investment_orders` table in the database.
type InvestmentOrder struct {
	ID                     uuid.UUID         `json:"id"`
	InvestorID             string            `json:"investor_id"`
	ReceivableRef          string            `json:"receivable_ref"`
	IdempotencyKey         string            `json:"idempotency_key"`
	Amount                 int64             `json:"amount"` // in minor units
	Currency               string            `json:"currency"`
	SplitAllocations       []SplitAllocation `json:"split_allocations"`
	ExternalPaymentRef     *string           `json:"external_payment_ref,omitempty"`
	PayablePayload         *string           `json:"payable_payload,omitempty"`
	Status                 OrderStatus       `json:"status"`
	BlockchainAnchorRef    *string           `json:"blockchain_anchor_ref,omitempty"`
	FailureReason          *string           `json:"failure_reason,omitempty"`
	ReconciliationRequired bool              `json:"reconciliation_required"`
	SettlementAttempts     int               `json:"settlement_attempts"`
	CreatedAt              time.Time         `json:"created_at"`
	PaidAt                 *time.Time        `json:"paid_at,omitempty"`
	SettledAt              *time.Time        `json:"settled_at,omitempty"`
	UpdatedAt              time.Time         `json:"updated_at"`
	Version                int64             `json:"version"`
}

// Clone returns a deep copy so callers can hand orders across goroutines.
func (o *InvestmentOrder) Clone() *InvestmentOrder {
	if o == nil {
		return nil
	}
	cp := *o
	cp.SplitAllocations = append([]SplitAllocation(nil), o.SplitAllocations...)
	cp.ExternalPaymentRef = cloneString(o.ExternalPaymentRef)
	cp.PayablePayload = cloneString(o.PayablePayload)
	cp.BlockchainAnchorRef = cloneString(o.BlockchainAnchorRef)
	cp.FailureReason = cloneString(o.FailureReason)
	cp.PaidAt = cloneTime(o.PaidAt)
	cp.SettledAt = cloneTime(o.SettledAt)
	return &cp
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

// CreateOrderRequest is the DTO for incoming create-order API requests.
type CreateOrderRequest struct {
	Amount           int64             `json:"amount"` // in minor units
	Currency         string            `json:"currency"`
	ReceivableRef    string            `json:"receivable_ref"`
	SplitAllocations []SplitAllocation `json:"split_allocations"`
	IdempotencyKey   string            `json:"idempotency_key"`
	Description      string            `json:"description"`
}

// CreateOrderResult is returned by order creation. Created is false when an
// earlier request with the same idempotency key already produced the order.
type CreateOrderResult struct {
	Order          *InvestmentOrder
	PayablePayload string
	Created        bool
}

// ListOptions paginates order listings.
type ListOptions struct {
	Limit  int
	Offset int
	Status *OrderStatus
}

// Normalize clamps pagination values to sane bounds.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// OrderResponse is the API rendering of an order.
type OrderResponse struct {
	*InvestmentOrder
	DisplayStatus string `json:"display_status"`
}

func NewOrderResponse(order *InvestmentOrder) OrderResponse {
	return OrderResponse{InvestmentOrder: order, DisplayStatus: order.Status.DisplayStatus()}
}
