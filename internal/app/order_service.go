/**
 * @description
 * OrderService implements the investor-facing operations: creating an order together
 * with its split charge, and reading or cancelling the investor's own orders.
 *
 * @notes
 * - Creation is idempotent per (investor, idempotency key). A replay returns the stored
 *   order; a replay of an order stuck in CREATED resumes charge creation.
 * - Split validation runs before anything is persisted.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/split"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chargeclient"
)

const maxIdempotencyKeyLength = 128

// ChargeGateway creates split charges at the payment processor. FindCharge returns
// chargeclient.ErrChargeNotFound when no charge exists for the order yet.
type ChargeGateway interface {
	CreateCharge(ctx context.Context, req chargeclient.ChargeRequest) (*chargeclient.ChargeResponse, error)
	FindCharge(ctx context.Context, orderID string) (*chargeclient.ChargeResponse, error)
}

type OrderServiceOptions struct {
	SplitRules      split.Rules
	ChargeRetry     RetryPolicy
	DefaultCurrency string
}

type OrderService struct {
	repo    store.OrderRepository
	charges ChargeGateway
	opts    OrderServiceOptions
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

func NewOrderService(repo store.OrderRepository, charges ChargeGateway, opts OrderServiceOptions) *OrderService {
	if opts.SplitRules.MaxReceivers <= 0 {
		opts.SplitRules = split.DefaultRules()
	}
	if strings.TrimSpace(opts.DefaultCurrency) == "" {
		opts.DefaultCurrency = "BRL"
	}
	return &OrderService{
		repo:    repo,
		charges: charges,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (s *OrderService) validateRequest(investorID string, req *domain.CreateOrderRequest) error {
	if strings.TrimSpace(investorID) == "" {
		return fmt.Errorf("%w: investor is required", ErrInvalidOrderRequest)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidOrderRequest)
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key longer than %d characters", ErrInvalidOrderRequest, maxIdempotencyKeyLength)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrderRequest)
	}
	req.ReceivableRef = strings.TrimSpace(req.ReceivableRef)
	if req.ReceivableRef == "" {
		return fmt.Errorf("%w: receivable reference is required", ErrInvalidOrderRequest)
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.opts.DefaultCurrency
	}
	if len(req.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a three-letter code", ErrInvalidOrderRequest)
	}
	return nil
}

// CreateOrder validates the request, persists the order and opens its charge.
func (s *OrderService) CreateOrder(ctx context.Context, investorID string, req domain.CreateOrderRequest) (*domain.CreateOrderResult, error) {
	if err := s.validateRequest(investorID, &req); err != nil {
		return nil, err
	}
	if err := s.opts.SplitRules.Validate(req.SplitAllocations); err != nil {
		return nil, err
	}
	allocations := split.Normalize(req.SplitAllocations)

	existing, err := s.repo.GetOrderByIdempotencyKey(ctx, investorID, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(ctx, existing, req, allocations)
	case !errors.Is(err, store.ErrOrderNotFound):
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	now := s.now().UTC()
	order, err := s.repo.CreateOrder(ctx, &domain.InvestmentOrder{
		ID:               uuid.New(),
		InvestorID:       investorID,
		ReceivableRef:    req.ReceivableRef,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		Currency:         req.Currency,
		SplitAllocations: allocations,
		Status:           domain.OrderStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			// A concurrent request with the same key won the insert.
			existing, getErr := s.repo.GetOrderByIdempotencyKey(ctx, investorID, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("lookup idempotency key: %w", getErr)
			}
			return s.replay(ctx, existing, req, allocations)
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}
	log.Printf("level=info component=order_service msg=\"order created\" order_id=%s investor_id=%s amount=%d", order.ID, investorID, order.Amount)

	result, err := s.openCharge(ctx, order, req.Description, false)
	if err != nil {
		return nil, err
	}
	result.Created = true
	return result, nil
}

func (s *OrderService) replay(ctx context.Context, existing *domain.InvestmentOrder, req domain.CreateOrderRequest, allocations []domain.SplitAllocation) (*domain.CreateOrderResult, error) {
	if !sameOrder(existing, req, allocations) {
		return nil, ErrIdempotencyKeyReused
	}
	if existing.Status == domain.OrderStatusCreated {
		log.Printf("level=info component=order_service msg=\"resuming charge creation\" order_id=%s", existing.ID)
		return s.openCharge(ctx, existing, req.Description, true)
	}
	return resultFor(existing, false), nil
}

func sameOrder(order *domain.InvestmentOrder, req domain.CreateOrderRequest, allocations []domain.SplitAllocation) bool {
	if order.Amount != req.Amount || order.ReceivableRef != req.ReceivableRef || order.Currency != req.Currency {
		return false
	}
	if len(order.SplitAllocations) != len(allocations) {
		return false
	}
	for i := range allocations {
		if order.SplitAllocations[i].ReceiverID != allocations[i].ReceiverID ||
			!order.SplitAllocations[i].Percentage.Equal(allocations[i].Percentage) {
			return false
		}
	}
	return true
}

func resultFor(order *domain.InvestmentOrder, created bool) *domain.CreateOrderResult {
	result := &domain.CreateOrderResult{Order: order, Created: created}
	if order.PayablePayload != nil {
		result.PayablePayload = *order.PayablePayload
	}
	return result
}

// openCharge creates the processor charge for a CREATED order and records it. Once a
// create has been attempted, or when resuming, the processor is asked for an existing
// charge first: a create that failed after the charge was made must not open another.
func (s *OrderService) openCharge(ctx context.Context, order *domain.InvestmentOrder, description string, resuming bool) (*domain.CreateOrderResult, error) {
	chargeReq := chargeclient.ChargeRequest{
		OrderID:     order.ID.String(),
		CustomerRef: order.InvestorID,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Description: description,
	}
	for _, allocation := range order.SplitAllocations {
		chargeReq.Splits = append(chargeReq.Splits, chargeclient.SplitInstruction{
			ReceiverID: allocation.ReceiverID,
			Percentage: allocation.Percentage,
		})
	}

	var charge *chargeclient.ChargeResponse
	lookupFirst := resuming
	err := retry(ctx, s.opts.ChargeRetry, s.sleep,
		func(err error) bool { return errors.Is(err, chargeclient.ErrGatewayUnavailable) },
		func(attempt int) error {
			if lookupFirst {
				found, lookupErr := s.findCharge(ctx, order, attempt)
				if lookupErr != nil {
					return lookupErr
				}
				if found != nil {
					charge = found
					return nil
				}
			}
			lookupFirst = true
			var chargeErr error
			charge, chargeErr = s.charges.CreateCharge(ctx, chargeReq)
			if chargeErr != nil {
				log.Printf("level=warn component=order_service msg=\"charge creation failed\" order_id=%s attempt=%d err=%v", order.ID, attempt, chargeErr)
			}
			return chargeErr
		})
	if err != nil {
		if errors.Is(err, chargeclient.ErrGatewayRejected) {
			return nil, s.rejectOrder(ctx, order, err)
		}
		// The order stays CREATED; a retry with the same key resumes here.
		return nil, err
	}

	updated, _, err := applyWithCAS(ctx, s.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		if current.Status != domain.OrderStatusCreated {
			return nil, nil
		}
		return &orderChange{
			Status: domain.OrderStatusPendingPayment,
			Fields: store.TransitionFields{
				ExternalPaymentRef: ptrString(charge.ExternalPaymentRef),
				PayablePayload:     ptrString(charge.PayablePayload),
			},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record charge: %w", err)
	}
	if updated.ExternalPaymentRef == nil || *updated.ExternalPaymentRef != charge.ExternalPaymentRef {
		log.Printf("level=warn component=order_service msg=\"order moved on while charge was created; discarding charge\" order_id=%s status=%s payment_ref=%s", updated.ID, updated.Status, charge.ExternalPaymentRef)
	}
	log.Printf("level=info component=order_service msg=\"charge opened\" order_id=%s payment_ref=%s", updated.ID, charge.ExternalPaymentRef)
	return resultFor(updated, false), nil
}

// findCharge returns nil without error when the processor holds no charge for the order.
// Lookup failures are transient: they must never cancel the order.
func (s *OrderService) findCharge(ctx context.Context, order *domain.InvestmentOrder, attempt int) (*chargeclient.ChargeResponse, error) {
	found, err := s.charges.FindCharge(ctx, order.ID.String())
	switch {
	case err == nil:
		log.Printf("level=info component=order_service msg=\"reusing existing charge\" order_id=%s payment_ref=%s attempt=%d", order.ID, found.ExternalPaymentRef, attempt)
		return found, nil
	case errors.Is(err, chargeclient.ErrChargeNotFound):
		return nil, nil
	case errors.Is(err, chargeclient.ErrGatewayUnavailable):
		log.Printf("level=warn component=order_service msg=\"charge lookup failed\" order_id=%s attempt=%d err=%v", order.ID, attempt, err)
		return nil, err
	default:
		log.Printf("level=warn component=order_service msg=\"charge lookup failed\" order_id=%s attempt=%d err=%v", order.ID, attempt, err)
		return nil, fmt.Errorf("%w: charge lookup: %v", chargeclient.ErrGatewayUnavailable, err)
	}
}

func (s *OrderService) rejectOrder(ctx context.Context, order *domain.InvestmentOrder, cause error) error {
	reason := "charge_rejected: " + cause.Error()
	_, _, err := applyWithCAS(ctx, s.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		if current.Status != domain.OrderStatusCreated {
			return nil, nil
		}
		return &orderChange{
			Status: domain.OrderStatusCancelled,
			Fields: store.TransitionFields{FailureReason: &reason},
		}, nil
	})
	if err != nil {
		log.Printf("level=error component=order_service msg=\"failed to cancel rejected order\" order_id=%s err=%v", order.ID, err)
	}

	var rejected *chargeclient.RejectedError
	if errors.As(cause, &rejected) && rejected.SplitRelated() {
		return errors.Join(&split.InvalidSplitError{Index: -1, Reason: "rejected by payment processor"}, cause)
	}
	return cause
}

// GetOrder returns the order if it belongs to investorID.
func (s *OrderService) GetOrder(ctx context.Context, investorID string, orderID uuid.UUID) (*domain.InvestmentOrder, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.InvestorID != investorID {
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, investorID string, opts domain.ListOptions) ([]domain.InvestmentOrder, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOrderRequest, *opts.Status)
	}
	return s.repo.ListOrdersByInvestor(ctx, investorID, opts.Normalize())
}

// ListReconciliationOrders lists orders flagged for manual review.
func (s *OrderService) ListReconciliationOrders(ctx context.Context, opts domain.ListOptions) ([]domain.InvestmentOrder, error) {
	return s.repo.ListReconciliationOrders(ctx, opts.Normalize())
}

// CancelOrder cancels an unpaid order. Anything but PENDING_PAYMENT is ErrInvalidState.
func (s *OrderService) CancelOrder(ctx context.Context, investorID string, orderID uuid.UUID) (*domain.InvestmentOrder, error) {
	order, err := s.GetOrder(ctx, investorID, orderID)
	if err != nil {
		return nil, err
	}
	updated, _, err := applyWithCAS(ctx, s.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		if current.Status != domain.OrderStatusPendingPayment {
			return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, current.Status)
		}
		return &orderChange{
			Status: domain.OrderStatusCancelled,
			Fields: store.TransitionFields{FailureReason: ptrString("cancelled_by_investor")},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=order_service msg=\"order cancelled\" order_id=%s", updated.ID)
	return updated, nil
}
