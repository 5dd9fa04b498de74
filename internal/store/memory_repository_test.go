package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
)

func newTestOrder(investor, key string) *domain.InvestmentOrder {
	return &domain.InvestmentOrder{
		InvestorID:     investor,
		ReceivableRef:  "receivable-1",
		IdempotencyKey: key,
		Amount:         1000,
		Currency:       "BRL",
		SplitAllocations: []domain.SplitAllocation{
			{ReceiverID: "A", Percentage: decimal.NewFromInt(100)},
		},
		Status: domain.OrderStatusCreated,
	}
}

func ptrString(v string) *string { return &v }

func ptrTime(v time.Time) *time.Time { return &v }

func TestMemoryRepository_CreateOrderRejectsDuplicateIdempotencyKey(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if _, err := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1")); err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if _, err := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1")); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if _, err := repo.CreateOrder(ctx, newTestOrder("inv-2", "key-1")); err != nil {
		t.Fatalf("same key for another investor must be allowed, got %v", err)
	}
}

func TestMemoryRepository_TransitionOrderCompareAndSwap(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	order, err := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1"))
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	pending, err := repo.TransitionOrder(ctx, order.ID, order.Version, domain.OrderStatusPendingPayment, TransitionFields{
		ExternalPaymentRef: ptrString("pay_1"),
		PayablePayload:     ptrString("qr"),
	})
	if err != nil {
		t.Fatalf("TransitionOrder returned error: %v", err)
	}
	if pending.Version != order.Version+1 {
		t.Fatalf("expected version bump, got %d", pending.Version)
	}

	// Stale version loses.
	_, err = repo.TransitionOrder(ctx, order.ID, order.Version, domain.OrderStatusCancelled, TransitionFields{})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Graph violation with a fresh version.
	_, err = repo.TransitionOrder(ctx, order.ID, pending.Version, domain.OrderStatusSettling, TransitionFields{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	byRef, err := repo.GetOrderByExternalRef(ctx, "pay_1")
	if err != nil || byRef.ID != order.ID {
		t.Fatalf("expected lookup by external ref to find order, got %v", err)
	}
}

func TestMemoryRepository_ExternalRefIsWriteOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	order, _ := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1"))
	pending, err := repo.TransitionOrder(ctx, order.ID, order.Version, domain.OrderStatusPendingPayment, TransitionFields{
		ExternalPaymentRef: ptrString("pay_1"),
	})
	if err != nil {
		t.Fatalf("TransitionOrder returned error: %v", err)
	}
	paid, err := repo.TransitionOrder(ctx, order.ID, pending.Version, domain.OrderStatusPaid, TransitionFields{
		ExternalPaymentRef: ptrString("pay_other"),
		PaidAt:             ptrTime(time.Now()),
	})
	if err != nil {
		t.Fatalf("TransitionOrder returned error: %v", err)
	}
	if *paid.ExternalPaymentRef != "pay_1" {
		t.Fatalf("external ref must never change, got %q", *paid.ExternalPaymentRef)
	}
}

func TestMemoryRepository_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	order, _ := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1"))
	pending, _ := repo.TransitionOrder(ctx, order.ID, order.Version, domain.OrderStatusPendingPayment, TransitionFields{
		ExternalPaymentRef: ptrString("pay_1"),
	})

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.TransitionOrder(ctx, order.ID, pending.Version, domain.OrderStatusPaid, TransitionFields{PaidAt: ptrTime(time.Now())})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 || conflicts != racers-1 {
		t.Fatalf("expected exactly one winner, got winners=%d conflicts=%d", winners, conflicts)
	}
}

func TestMemoryRepository_FlagForReconciliation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	order, _ := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1"))

	flagged, err := repo.FlagForReconciliation(ctx, order.ID, order.Version, "late_payment_after_EXPIRED")
	if err != nil {
		t.Fatalf("FlagForReconciliation returned error: %v", err)
	}
	if !flagged.ReconciliationRequired || flagged.Status != order.Status {
		t.Fatalf("expected flag without status change, got %+v", flagged)
	}
	if _, err := repo.FlagForReconciliation(ctx, order.ID, order.Version, "again"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	listed, err := repo.ListReconciliationOrders(ctx, domain.ListOptions{})
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one reconciliation order, got %d (%v)", len(listed), err)
	}
}

func TestMemoryRepository_FlagForReconciliationKeepsEarlierReason(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	order, _ := repo.CreateOrder(ctx, newTestOrder("inv-1", "key-1"))
	expired, err := repo.TransitionOrder(ctx, order.ID, order.Version, domain.OrderStatusExpired, TransitionFields{
		FailureReason: ptrString("payment_window_elapsed"),
	})
	if err != nil {
		t.Fatalf("TransitionOrder returned error: %v", err)
	}

	flagged, err := repo.FlagForReconciliation(ctx, expired.ID, expired.Version, "late_payment_after_expired")
	if err != nil {
		t.Fatalf("FlagForReconciliation returned error: %v", err)
	}
	if flagged.FailureReason == nil || *flagged.FailureReason != "payment_window_elapsed; late_payment_after_expired" {
		t.Fatalf("expected both reasons, got %v", flagged.FailureReason)
	}
	if got := AppendFailureReason(nil, "refund_on_paid"); got != "refund_on_paid" {
		t.Fatalf("unexpected reason without a prior one: %q", got)
	}
}

func TestMemoryRepository_ListOrdersByInvestorPaginates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		order := newTestOrder("inv-1", uuid.NewString())
		order.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := repo.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder returned error: %v", err)
		}
	}
	if _, err := repo.CreateOrder(ctx, newTestOrder("inv-2", "other")); err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	page, err := repo.ListOrdersByInvestor(ctx, "inv-1", domain.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListOrdersByInvestor returned error: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(page))
	}
	if !page[0].CreatedAt.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("expected newest-first ordering, got %s", page[0].CreatedAt)
	}
}

func TestMemoryRepository_ListStalePendingOrders(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	old := newTestOrder("inv-1", "old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	created, _ := repo.CreateOrder(ctx, old)
	_, _ = repo.TransitionOrder(ctx, created.ID, created.Version, domain.OrderStatusPendingPayment, TransitionFields{ExternalPaymentRef: ptrString("pay_old")})
	_, _ = repo.CreateOrder(ctx, newTestOrder("inv-1", "fresh"))

	stale, err := repo.ListStalePendingOrders(ctx, time.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePendingOrders returned error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != created.ID {
		t.Fatalf("expected only the old order, got %d", len(stale))
	}
}

func TestCheckTransitionFields(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		status  domain.OrderStatus
		fields  TransitionFields
		wantErr bool
	}{
		{name: "settled with anchor", status: domain.OrderStatusSettled, fields: TransitionFields{BlockchainAnchorRef: ptrString("0xabc"), SettledAt: &now}},
		{name: "settled without anchor", status: domain.OrderStatusSettled, fields: TransitionFields{SettledAt: &now}, wantErr: true},
		{name: "failed with anchor", status: domain.OrderStatusSettlementFailed, fields: TransitionFields{BlockchainAnchorRef: ptrString("0xabc")}, wantErr: true},
		{name: "paid without paidAt", status: domain.OrderStatusPaid, wantErr: true},
		{name: "pending without ref", status: domain.OrderStatusPendingPayment, wantErr: true},
		{name: "unknown status", status: "BOGUS", wantErr: true},
		{name: "cancel", status: domain.OrderStatusCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTransitionFields(tc.status, tc.fields)
			if (err != nil) != tc.wantErr {
				t.Fatalf("wantErr=%t, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestMapUniqueViolation(t *testing.T) {
	dupKey := &pgconn.PgError{Code: "23505", ConstraintName: idempotencyKeyConstraint}
	if !errors.Is(mapUniqueViolation(dupKey), ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder")
	}
	dupRef := &pgconn.PgError{Code: "23505", ConstraintName: externalPaymentRefConstraint}
	if !errors.Is(mapUniqueViolation(dupRef), ErrDuplicateExternalRef) {
		t.Fatalf("expected ErrDuplicateExternalRef")
	}
	other := errors.New("boom")
	if mapUniqueViolation(other) != other {
		t.Fatalf("expected unrelated errors to pass through")
	}
}
