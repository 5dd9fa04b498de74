package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
)

var (
	ErrInvalidState         = errors.New("order is not in a state that allows this operation")
	ErrInvalidOrderRequest  = errors.New("invalid order request")
	ErrOrderNotReady        = errors.New("order has no charge yet")
	ErrIdempotencyKeyReused = errors.New("idempotency key already used for a different order")
	ErrConcurrentUpdate     = errors.New("order kept changing while being updated")
)

// maxCASAttempts bounds the re-read loop when another writer keeps winning.
const maxCASAttempts = 5

// orderChange is what a decider wants applied to the order it was shown. A change
// with an empty Status only flags the order for reconciliation.
type orderChange struct {
	Status     domain.OrderStatus
	Fields     store.TransitionFields
	FlagReason string
}

// decider inspects the latest stored order and returns the change to apply, nil when
// nothing needs to change, or an error that aborts the loop.
type decider func(current *domain.InvestmentOrder) (*orderChange, error)

// applyWithCAS runs decide against order and applies its change with a version CAS.
// Losing the race re-reads the order and asks decide again, so every writer acts on the
// state it actually observed. It returns the latest order and whether a change landed.
func applyWithCAS(ctx context.Context, repo store.OrderRepository, order *domain.InvestmentOrder, decide decider) (*domain.InvestmentOrder, bool, error) {
	current := order
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		change, err := decide(current)
		if err != nil {
			return current, false, err
		}
		if change == nil {
			return current, false, nil
		}

		var updated *domain.InvestmentOrder
		if change.Status == "" {
			updated, err = repo.FlagForReconciliation(ctx, current.ID, current.Version, change.FlagReason)
		} else {
			updated, err = repo.TransitionOrder(ctx, current.ID, current.Version, change.Status, change.Fields)
		}
		if err == nil {
			return updated, true, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return current, false, err
		}

		log.Printf("level=info component=order_cas msg=\"lost update race; re-reading\" order_id=%s version=%d attempt=%d", current.ID, current.Version, attempt)
		reread, getErr := repo.GetOrderByID(ctx, current.ID)
		if getErr != nil {
			return current, false, fmt.Errorf("re-read order %s: %w", current.ID, getErr)
		}
		current = reread
	}
	return current, false, fmt.Errorf("%w: order %s", ErrConcurrentUpdate, current.ID)
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrInt(v int) *int          { return &v }
