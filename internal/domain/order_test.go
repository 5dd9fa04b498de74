package domain

import "testing"

func TestCanTransition_LifecycleGraph(t *testing.T) {
	allowed := []struct {
		from OrderStatus
		to   OrderStatus
	}{
		{OrderStatusCreated, OrderStatusPendingPayment},
		{OrderStatusCreated, OrderStatusCancelled},
		{OrderStatusCreated, OrderStatusExpired},
		{OrderStatusPendingPayment, OrderStatusPaid},
		{OrderStatusPendingPayment, OrderStatusCancelled},
		{OrderStatusPendingPayment, OrderStatusExpired},
		{OrderStatusPaid, OrderStatusSettling},
		{OrderStatusPaid, OrderStatusSettlementFailed},
		{OrderStatusSettling, OrderStatusSettling},
		{OrderStatusSettling, OrderStatusSettled},
		{OrderStatusSettling, OrderStatusSettlementFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from OrderStatus
		to   OrderStatus
	}{
		{OrderStatusCreated, OrderStatusPaid},
		{OrderStatusPendingPayment, OrderStatusSettled},
		{OrderStatusPaid, OrderStatusSettled},
		{OrderStatusPaid, OrderStatusCancelled},
		{OrderStatusExpired, OrderStatusPaid},
		{OrderStatusSettled, OrderStatusSettlementFailed},
		{OrderStatusSettlementFailed, OrderStatusSettling},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	terminal := map[OrderStatus]bool{
		OrderStatusSettled:          true,
		OrderStatusExpired:          true,
		OrderStatusCancelled:        true,
		OrderStatusSettlementFailed: true,
	}
	for _, status := range AllOrderStatuses() {
		if status.IsTerminal() != terminal[status] {
			t.Fatalf("unexpected terminal flag for %s", status)
		}
	}
	if OrderStatus("BOGUS").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}

func TestPredecessors(t *testing.T) {
	from := Predecessors(OrderStatusSettlementFailed)
	if len(from) != 2 || from[0] != OrderStatusPaid || from[1] != OrderStatusSettling {
		t.Fatalf("unexpected predecessors for SETTLEMENT_FAILED: %v", from)
	}
	if len(Predecessors(OrderStatusCreated)) != 0 {
		t.Fatalf("CREATED must not be re-entered")
	}
}

func TestSettlementFailedDisplayStatus(t *testing.T) {
	if got := OrderStatusSettlementFailed.DisplayStatus(); got != "payment received, settlement pending manual review" {
		t.Fatalf("unexpected display status %q", got)
	}
}
