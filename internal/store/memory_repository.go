package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
)

// MemoryRepository is an in-process OrderRepository with the same compare-and-swap
// semantics as PostgresRepository. It backs local runs and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*domain.InvestmentOrder
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[uuid.UUID]*domain.InvestmentOrder),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) CreateOrder(ctx context.Context, order *domain.InvestmentOrder) (*domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.orders {
		if existing.InvestorID == order.InvestorID && existing.IdempotencyKey == order.IdempotencyKey {
			return nil, ErrDuplicateOrder
		}
		if order.ExternalPaymentRef != nil && existing.ExternalPaymentRef != nil && *existing.ExternalPaymentRef == *order.ExternalPaymentRef {
			return nil, ErrDuplicateExternalRef
		}
	}

	stored := order.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = domain.OrderStatusCreated
	}
	stored.Version = 1
	r.orders[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *MemoryRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (r *MemoryRepository) GetOrderByExternalRef(ctx context.Context, externalPaymentRef string) (*domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, order := range r.orders {
		if order.ExternalPaymentRef != nil && *order.ExternalPaymentRef == externalPaymentRef {
			return order.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *MemoryRepository) GetOrderByIdempotencyKey(ctx context.Context, investorID, idempotencyKey string) (*domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, order := range r.orders {
		if order.InvestorID == investorID && order.IdempotencyKey == idempotencyKey {
			return order.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *MemoryRepository) TransitionOrder(ctx context.Context, id uuid.UUID, expectedVersion int64, newStatus domain.OrderStatus, fields TransitionFields) (*domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckTransitionFields(newStatus, fields); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if !domain.CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, newStatus)
	}
	if fields.ExternalPaymentRef != nil {
		for otherID, other := range r.orders {
			if otherID != id && other.ExternalPaymentRef != nil && *other.ExternalPaymentRef == *fields.ExternalPaymentRef {
				return nil, ErrDuplicateExternalRef
			}
		}
	}

	updated := order.Clone()
	applyTransitionFields(updated, fields)
	updated = updated.Clone()
	updated.Status = newStatus
	updated.Version++
	updated.UpdatedAt = r.now()
	r.orders[id] = updated
	return updated.Clone(), nil
}

func (r *MemoryRepository) FlagForReconciliation(ctx context.Context, id uuid.UUID, expectedVersion int64, reason string) (*domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	updated := order.Clone()
	updated.ReconciliationRequired = true
	combined := AppendFailureReason(order.FailureReason, reason)
	updated.FailureReason = &combined
	updated.Version++
	updated.UpdatedAt = r.now()
	r.orders[id] = updated
	return updated.Clone(), nil
}

func (r *MemoryRepository) ListOrdersByInvestor(ctx context.Context, investorID string, opts domain.ListOptions) ([]domain.InvestmentOrder, error) {
	return r.list(ctx, opts.Normalize(), func(order *domain.InvestmentOrder) bool {
		return order.InvestorID == investorID
	}, newestFirst)
}

func (r *MemoryRepository) ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.InvestmentOrder, error) {
	return r.list(ctx, domain.ListOptions{Limit: limit}, func(order *domain.InvestmentOrder) bool {
		return (order.Status == domain.OrderStatusPendingPayment || order.Status == domain.OrderStatusCreated) &&
			order.CreatedAt.Before(createdBefore)
	}, oldestFirst)
}

func (r *MemoryRepository) ListOrdersForSettlementRecovery(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.InvestmentOrder, error) {
	return r.list(ctx, domain.ListOptions{Limit: limit}, func(order *domain.InvestmentOrder) bool {
		return (order.Status == domain.OrderStatusPaid || order.Status == domain.OrderStatusSettling) &&
			order.UpdatedAt.Before(updatedBefore)
	}, oldestFirst)
}

func (r *MemoryRepository) ListReconciliationOrders(ctx context.Context, opts domain.ListOptions) ([]domain.InvestmentOrder, error) {
	return r.list(ctx, opts.Normalize(), func(order *domain.InvestmentOrder) bool {
		return order.ReconciliationRequired
	}, newestFirst)
}

func newestFirst(a, b *domain.InvestmentOrder) bool { return a.CreatedAt.After(b.CreatedAt) }
func oldestFirst(a, b *domain.InvestmentOrder) bool  { return a.CreatedAt.Before(b.CreatedAt) }

func (r *MemoryRepository) list(ctx context.Context, opts domain.ListOptions, match func(*domain.InvestmentOrder) bool, less func(a, b *domain.InvestmentOrder) bool) ([]domain.InvestmentOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	matched := make([]*domain.InvestmentOrder, 0)
	for _, order := range r.orders {
		if !match(order) {
			continue
		}
		if opts.Status != nil && order.Status != *opts.Status {
			continue
		}
		matched = append(matched, order.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if opts.Offset > 0 && opts.Offset >= len(matched) {
		return []domain.InvestmentOrder{}, nil
	}
	if opts.Offset > 0 {
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]domain.InvestmentOrder, len(matched))
	for i, order := range matched {
		out[i] = *order
	}
	return out, nil
}

// applyTransitionFields mirrors the COALESCE rules of the SQL update.
func applyTransitionFields(order *domain.InvestmentOrder, fields TransitionFields) {
	if fields.ExternalPaymentRef != nil && order.ExternalPaymentRef == nil {
		order.ExternalPaymentRef = fields.ExternalPaymentRef
	}
	if fields.PayablePayload != nil {
		order.PayablePayload = fields.PayablePayload
	}
	if fields.BlockchainAnchorRef != nil {
		order.BlockchainAnchorRef = fields.BlockchainAnchorRef
	}
	if fields.FailureReason != nil {
		order.FailureReason = fields.FailureReason
	}
	if fields.ReconciliationRequired != nil {
		order.ReconciliationRequired = *fields.ReconciliationRequired
	}
	if fields.SettlementAttempts != nil {
		order.SettlementAttempts = *fields.SettlementAttempts
	}
	if fields.PaidAt != nil && order.PaidAt == nil {
		order.PaidAt = fields.PaidAt
	}
	if fields.SettledAt != nil && order.SettledAt == nil {
		order.SettledAt = fields.SettledAt
	}
}
