/**
 * @description
 * This file defines the `OrderRepository` interface, which specifies the contract for all
 * data access operations required by the settlement-service. Every status change in the
 * service goes through `TransitionOrder`, an optimistic compare-and-swap on the order version.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("order with this idempotency key already exists")
	ErrDuplicateExternalRef = errors.New("external payment reference already assigned")
	ErrVersionConflict      = errors.New("order version conflict")
	ErrInvalidTransition    = errors.New("order status transition not allowed")
	ErrInvalidFields        = errors.New("transition fields violate order invariants")
)

// OrderRepository defines the set of methods for persisting investment orders.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.InvestmentOrder) (*domain.InvestmentOrder, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.InvestmentOrder, error)
	GetOrderByExternalRef(ctx context.Context, externalPaymentRef string) (*domain.InvestmentOrder, error)
	GetOrderByIdempotencyKey(ctx context.Context, investorID, idempotencyKey string) (*domain.InvestmentOrder, error)

	// TransitionOrder moves the order to newStatus only if its stored version still equals
	// expectedVersion. The returned order carries the incremented version.
	TransitionOrder(ctx context.Context, id uuid.UUID, expectedVersion int64, newStatus domain.OrderStatus, fields TransitionFields) (*domain.InvestmentOrder, error)
	// FlagForReconciliation marks an order for manual review without changing its status.
	// The reason is appended to the stored failure reason, never replacing it.
	FlagForReconciliation(ctx context.Context, id uuid.UUID, expectedVersion int64, reason string) (*domain.InvestmentOrder, error)

	ListOrdersByInvestor(ctx context.Context, investorID string, opts domain.ListOptions) ([]domain.InvestmentOrder, error)
	ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.InvestmentOrder, error)
	ListOrdersForSettlementRecovery(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.InvestmentOrder, error)
	ListReconciliationOrders(ctx context.Context, opts domain.ListOptions) ([]domain.InvestmentOrder, error)
}

// TransitionFields carries the optional column writes that accompany a transition.
// Nil pointers leave the stored value untouched. ExternalPaymentRef, PaidAt and
// SettledAt are write-once: a stored value is never replaced.
type TransitionFields struct {
	ExternalPaymentRef     *string
	PayablePayload         *string
	BlockchainAnchorRef    *string
	FailureReason          *string
	ReconciliationRequired *bool
	SettlementAttempts     *int
	PaidAt                 *time.Time
	SettledAt              *time.Time
}

// CheckTransitionFields enforces the invariants that do not depend on stored state:
// the anchor reference and settledAt accompany SETTLED and nothing else, and
// paidAt accompanies PAID only.
func CheckTransitionFields(newStatus domain.OrderStatus, fields TransitionFields) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}
	settled := newStatus == domain.OrderStatusSettled
	if settled && (fields.BlockchainAnchorRef == nil || *fields.BlockchainAnchorRef == "") {
		return fmt.Errorf("%w: SETTLED requires a blockchain anchor reference", ErrInvalidFields)
	}
	if !settled && fields.BlockchainAnchorRef != nil {
		return fmt.Errorf("%w: anchor reference only allowed on SETTLED", ErrInvalidFields)
	}
	if settled && fields.SettledAt == nil {
		return fmt.Errorf("%w: SETTLED requires settledAt", ErrInvalidFields)
	}
	if !settled && fields.SettledAt != nil {
		return fmt.Errorf("%w: settledAt only allowed on SETTLED", ErrInvalidFields)
	}
	if newStatus == domain.OrderStatusPaid && fields.PaidAt == nil {
		return fmt.Errorf("%w: PAID requires paidAt", ErrInvalidFields)
	}
	if newStatus != domain.OrderStatusPaid && fields.PaidAt != nil {
		return fmt.Errorf("%w: paidAt only allowed on PAID", ErrInvalidFields)
	}
	if newStatus == domain.OrderStatusPendingPayment && (fields.ExternalPaymentRef == nil || *fields.ExternalPaymentRef == "") {
		return fmt.Errorf("%w: PENDING_PAYMENT requires an external payment reference", ErrInvalidFields)
	}
	return nil
}

// AppendFailureReason joins a new reason onto a stored one with "; ".
func AppendFailureReason(existing *string, reason string) string {
	if existing == nil || strings.TrimSpace(*existing) == "" {
		return reason
	}
	return *existing + "; " + reason
}
