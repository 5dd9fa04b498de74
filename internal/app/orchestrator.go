/**
 * @description
 * The SettlementOrchestrator drives investment orders from confirmed payment to an
 * anchored, settled record. Webhooks and workers may deliver the same fact many times
 * and in any order; every state change is a compare-and-swap on the order version, so
 * exactly one caller wins each transition and the losers re-read and re-decide.
 *
 * @dependencies
 * - internal/store: CAS transitions on investment orders.
 * - pkg/anchorclient: on-chain anchoring of settled payments.
 * - internal/split: per-receiver amounts recorded in the anchor payload.
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
	"github.com/transfa/settlement-service/pkg/anchorclient"
)

// Anchorer records a settled payment on chain.
type Anchorer interface {
	Anchor(ctx context.Context, req anchorclient.AnchorRequest) (*anchorclient.AnchorReceipt, error)
}

// EventOutcome reports what handling a payment event did.
type EventOutcome string

const (
	OutcomeApplied        EventOutcome = "applied"
	OutcomeNoop           EventOutcome = "noop"
	OutcomeReconciliation EventOutcome = "reconciliation_flagged"
	OutcomeUnknownOrder   EventOutcome = "unknown_order"
)

const (
	reasonPaymentRefunded       = "payment_refunded"
	reasonRefundAfterSettlement = "refund_after_settlement"
	reasonAnchorRejected        = "anchor_rejected"
	reasonAnchorExhausted       = "anchor_retries_exhausted"
)

// OrchestratorOptions tune settlement and the background sweeps.
type OrchestratorOptions struct {
	AnchorRetry     RetryPolicy
	OrderExpiry     time.Duration
	StaleSettlement time.Duration
	SweepBatchSize  int
}

type SettlementOrchestrator struct {
	repo   store.OrderRepository
	anchor Anchorer
	queue  SettlementQueue
	opts   OrchestratorOptions
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

func NewSettlementOrchestrator(repo store.OrderRepository, anchor Anchorer, queue SettlementQueue, opts OrchestratorOptions) *SettlementOrchestrator {
	if opts.AnchorRetry.MaxAttempts <= 0 {
		opts.AnchorRetry.MaxAttempts = 5
	}
	if opts.OrderExpiry <= 0 {
		opts.OrderExpiry = 30 * time.Minute
	}
	if opts.StaleSettlement <= 0 {
		opts.StaleSettlement = 10 * time.Minute
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 200
	}
	return &SettlementOrchestrator{
		repo:   repo,
		anchor: anchor,
		queue:  queue,
		opts:   opts,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// findOrder resolves the order a payment event refers to: by the processor's payment
// id first, then by the order id we sent as the charge's external reference.
func (o *SettlementOrchestrator) findOrder(ctx context.Context, event domain.WebhookEvent) (*domain.InvestmentOrder, error) {
	order, err := o.repo.GetOrderByExternalRef(ctx, event.ExternalPaymentRef)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, store.ErrOrderNotFound) {
		return nil, err
	}
	orderID, parseErr := uuid.Parse(strings.TrimSpace(event.OrderReference))
	if parseErr != nil {
		return nil, store.ErrOrderNotFound
	}
	order, err = o.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ExternalPaymentRef != nil && *order.ExternalPaymentRef != event.ExternalPaymentRef {
		log.Printf("level=warn component=settlement_orchestrator msg=\"payment ref does not match order charge\" order_id=%s stored_ref=%s event_ref=%s", order.ID, *order.ExternalPaymentRef, event.ExternalPaymentRef)
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

// HandlePaymentConfirmed applies a payment confirmation. Only the caller whose CAS moves
// the order to PAID enqueues the settlement task; every other delivery is a no-op.
func (o *SettlementOrchestrator) HandlePaymentConfirmed(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error) {
	order, err := o.findOrder(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			log.Printf("level=warn component=settlement_orchestrator msg=\"confirmation for unknown order; acknowledging\" payment_ref=%s", event.ExternalPaymentRef)
			return OutcomeUnknownOrder, nil
		}
		return "", fmt.Errorf("lookup order: %w", err)
	}

	paidAt := o.now().UTC()
	var flagged bool
	updated, applied, err := applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		flagged = false
		switch current.Status {
		case domain.OrderStatusPendingPayment:
			return &orderChange{
				Status: domain.OrderStatusPaid,
				Fields: store.TransitionFields{PaidAt: &paidAt},
			}, nil
		case domain.OrderStatusCreated:
			return nil, ErrOrderNotReady
		case domain.OrderStatusExpired, domain.OrderStatusCancelled:
			if current.ReconciliationRequired {
				return nil, nil
			}
			flagged = true
			return &orderChange{FlagReason: "late_payment_after_" + strings.ToLower(string(current.Status))}, nil
		default:
			return nil, nil
		}
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}
	if flagged {
		log.Printf("level=warn component=settlement_orchestrator msg=\"late payment on closed order; flagged for reconciliation\" order_id=%s status=%s payment_ref=%s", updated.ID, updated.Status, event.ExternalPaymentRef)
		return OutcomeReconciliation, nil
	}

	log.Printf("level=info component=settlement_orchestrator msg=\"order paid\" order_id=%s version=%d", updated.ID, updated.Version)
	o.enqueue(ctx, updated.ID, domain.SettlementReasonPaymentConfirmed)
	return OutcomeApplied, nil
}

// enqueue failures are logged only: the order is durably PAID and the recovery job
// re-enqueues it once it goes stale.
func (o *SettlementOrchestrator) enqueue(ctx context.Context, orderID uuid.UUID, reason string) bool {
	task := domain.SettlementTask{OrderID: orderID, Reason: reason, EnqueuedAt: o.now().UTC()}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		log.Printf("level=error component=settlement_orchestrator msg=\"failed to enqueue settlement task\" order_id=%s reason=%s err=%v", orderID, reason, err)
		return false
	}
	return true
}

// HandlePaymentRefunded stops settlement of a refunded order. A settled order is only
// flagged: the anchor is append-only.
func (o *SettlementOrchestrator) HandlePaymentRefunded(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error) {
	order, err := o.findOrder(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			log.Printf("level=warn component=settlement_orchestrator msg=\"refund for unknown order; acknowledging\" payment_ref=%s", event.ExternalPaymentRef)
			return OutcomeUnknownOrder, nil
		}
		return "", fmt.Errorf("lookup order: %w", err)
	}

	var failed bool
	updated, applied, err := applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		failed = false
		switch current.Status {
		case domain.OrderStatusPaid, domain.OrderStatusSettling:
			failed = true
			return &orderChange{
				Status: domain.OrderStatusSettlementFailed,
				Fields: store.TransitionFields{
					FailureReason:          ptrString(reasonPaymentRefunded),
					ReconciliationRequired: ptrBool(true),
				},
			}, nil
		case domain.OrderStatusSettled:
			if current.ReconciliationRequired {
				return nil, nil
			}
			return &orderChange{FlagReason: reasonRefundAfterSettlement}, nil
		default:
			if current.ReconciliationRequired {
				return nil, nil
			}
			return &orderChange{FlagReason: "refund_on_" + strings.ToLower(string(current.Status))}, nil
		}
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}
	if failed {
		log.Printf("level=warn component=settlement_orchestrator msg=\"payment refunded before settlement completed\" order_id=%s", updated.ID)
		return OutcomeApplied, nil
	}
	log.Printf("level=warn component=settlement_orchestrator msg=\"refund flagged for reconciliation\" order_id=%s status=%s", updated.ID, updated.Status)
	return OutcomeReconciliation, nil
}

// HandlePaymentFailed is informational. A failed attempt does not close the charge;
// the expiry sweep handles orders that are never paid.
func (o *SettlementOrchestrator) HandlePaymentFailed(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error) {
	order, err := o.findOrder(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return OutcomeUnknownOrder, nil
		}
		return "", fmt.Errorf("lookup order: %w", err)
	}
	log.Printf("level=info component=settlement_orchestrator msg=\"payment failure reported\" order_id=%s status=%s raw_event=%s", order.ID, order.Status, event.RawEventType)
	return OutcomeNoop, nil
}

// ExecuteSettlement drives a PAID order to SETTLED or SETTLEMENT_FAILED. It is safe to
// run concurrently and repeatedly for the same order: a worker that finds the order
// already terminal returns nil.
func (o *SettlementOrchestrator) ExecuteSettlement(ctx context.Context, orderID uuid.UUID) error {
	order, err := o.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			log.Printf("level=warn component=settlement_orchestrator msg=\"settlement task for unknown order; dropping\" order_id=%s", orderID)
			return nil
		}
		return fmt.Errorf("load order: %w", err)
	}

	order, _, err = applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		if current.Status != domain.OrderStatusPaid {
			return nil, nil
		}
		return &orderChange{Status: domain.OrderStatusSettling}, nil
	})
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusSettling {
		log.Printf("level=info component=settlement_orchestrator msg=\"nothing to settle\" order_id=%s status=%s", order.ID, order.Status)
		return nil
	}

	req := anchorRequest(order)
	policy := o.opts.AnchorRetry
	for order.SettlementAttempts < policy.attempts() {
		attempt := order.SettlementAttempts + 1
		receipt, anchorErr := o.anchor.Anchor(ctx, req)
		if anchorErr == nil {
			return o.markSettled(ctx, order, receipt, attempt)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(anchorErr, anchorclient.ErrAnchorRejected) {
			log.Printf("level=error component=settlement_orchestrator msg=\"anchor rejected\" order_id=%s attempt=%d err=%v", order.ID, attempt, anchorErr)
			return o.markFailed(ctx, order, fmt.Sprintf("%s: %v", reasonAnchorRejected, anchorErr), attempt)
		}

		log.Printf("level=warn component=settlement_orchestrator msg=\"anchor attempt failed\" order_id=%s attempt=%d max_attempts=%d err=%v", order.ID, attempt, policy.attempts(), anchorErr)
		if attempt >= policy.attempts() {
			return o.markFailed(ctx, order, fmt.Sprintf("%s: %v", reasonAnchorExhausted, anchorErr), attempt)
		}

		lastErr := anchorErr.Error()
		var recorded bool
		order, recorded, err = applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
			if current.Status != domain.OrderStatusSettling {
				return nil, nil
			}
			return &orderChange{
				Status: domain.OrderStatusSettling,
				Fields: store.TransitionFields{
					SettlementAttempts: ptrInt(attempt),
					FailureReason:      &lastErr,
				},
			}, nil
		})
		if err != nil {
			return err
		}
		if !recorded {
			log.Printf("level=info component=settlement_orchestrator msg=\"order left SETTLING during retries; stopping\" order_id=%s status=%s", order.ID, order.Status)
			return nil
		}

		if err := o.sleep(ctx, policy.Backoff(attempt)); err != nil {
			return err
		}
	}

	// Attempts were exhausted by an earlier worker that crashed before failing the order.
	return o.markFailed(ctx, order, reasonAnchorExhausted, order.SettlementAttempts)
}

func (o *SettlementOrchestrator) markSettled(ctx context.Context, order *domain.InvestmentOrder, receipt *anchorclient.AnchorReceipt, attempt int) error {
	settledAt := o.now().UTC()
	anchorRef := receipt.AnchorRef
	updated, applied, err := applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		if current.Status != domain.OrderStatusSettling {
			return nil, nil
		}
		return &orderChange{
			Status: domain.OrderStatusSettled,
			Fields: store.TransitionFields{
				BlockchainAnchorRef: &anchorRef,
				SettledAt:           &settledAt,
				SettlementAttempts:  ptrInt(attempt),
			},
		}, nil
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=warn component=settlement_orchestrator msg=\"anchored but order no longer settling\" order_id=%s status=%s anchor_ref=%s", updated.ID, updated.Status, anchorRef)
		return nil
	}
	log.Printf("level=info component=settlement_orchestrator msg=\"order settled\" order_id=%s anchor_ref=%s block=%d attempts=%d", updated.ID, anchorRef, receipt.BlockNumber, attempt)
	return nil
}

func (o *SettlementOrchestrator) markFailed(ctx context.Context, order *domain.InvestmentOrder, reason string, attempts int) error {
	updated, applied, err := applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
		if current.Status != domain.OrderStatusSettling {
			return nil, nil
		}
		return &orderChange{
			Status: domain.OrderStatusSettlementFailed,
			Fields: store.TransitionFields{
				FailureReason:          &reason,
				ReconciliationRequired: ptrBool(true),
				SettlementAttempts:     ptrInt(attempts),
			},
		}, nil
	})
	if err != nil {
		return err
	}
	if applied {
		log.Printf("level=error component=settlement_orchestrator msg=\"settlement failed; manual review required\" order_id=%s attempts=%d reason=%q", updated.ID, attempts, reason)
	}
	return nil
}

func anchorRequest(order *domain.InvestmentOrder) anchorclient.AnchorRequest {
	req := anchorclient.AnchorRequest{
		OrderID:  order.ID.String(),
		Amount:   order.Amount,
		Currency: order.Currency,
	}
	if order.ExternalPaymentRef != nil {
		req.PaymentRef = *order.ExternalPaymentRef
	}
	if order.PaidAt != nil {
		req.PaidAt = *order.PaidAt
	}
	for _, share := range split.Shares(order.Amount, order.SplitAllocations) {
		req.Splits = append(req.Splits, anchorclient.AnchorSplit{
			ReceiverID: share.ReceiverID,
			Percentage: share.Percentage.String(),
			Amount:     share.Amount,
		})
	}
	return req
}

// ExpireStaleOrders expires unpaid orders created before now minus the expiry window.
// A confirmation that wins the race keeps the order; the sweep skips it.
func (o *SettlementOrchestrator) ExpireStaleOrders(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-o.opts.OrderExpiry)
	orders, err := o.repo.ListStalePendingOrders(ctx, cutoff, o.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale orders: %w", err)
	}

	expired := 0
	for i := range orders {
		order := &orders[i]
		_, applied, err := applyWithCAS(ctx, o.repo, order, func(current *domain.InvestmentOrder) (*orderChange, error) {
			if current.Status != domain.OrderStatusPendingPayment && current.Status != domain.OrderStatusCreated {
				return nil, nil
			}
			return &orderChange{
				Status: domain.OrderStatusExpired,
				Fields: store.TransitionFields{FailureReason: ptrString("payment_window_elapsed")},
			}, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			log.Printf("level=warn component=settlement_orchestrator msg=\"failed to expire order\" order_id=%s err=%v", order.ID, err)
			continue
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

// RecoverStuckSettlements re-enqueues PAID and SETTLING orders that have not moved for
// the stale window, covering lost tasks and crashed workers.
func (o *SettlementOrchestrator) RecoverStuckSettlements(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-o.opts.StaleSettlement)
	orders, err := o.repo.ListOrdersForSettlementRecovery(ctx, cutoff, o.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck settlements: %w", err)
	}
	enqueued := 0
	for _, order := range orders {
		if o.enqueue(ctx, order.ID, domain.SettlementReasonRecovery) {
			enqueued++
		}
	}
	return enqueued, nil
}
