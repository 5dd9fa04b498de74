package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/split"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chargeclient"
)

func newTestOrderService(repo store.OrderRepository, charges ChargeGateway) *OrderService {
	s := NewOrderService(repo, charges, OrderServiceOptions{
		SplitRules:  split.DefaultRules(),
		ChargeRetry: RetryPolicy{MaxAttempts: 3},
	})
	s.sleep = noSleep
	return s
}

func createRequest(key string) domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		Amount:           1000,
		ReceivableRef:    "rcv-42",
		SplitAllocations: allocations("A", "85", "B", "5", "C", "5", "D", "5"),
		IdempotencyKey:   key,
	}
}

func TestCreateOrder_OpensChargeAndReturnsPayload(t *testing.T) {
	repo := store.NewMemoryRepository()
	charges := &fakeChargeGateway{}
	svc := newTestOrderService(repo, charges)

	result, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-1"))
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a new order")
	}
	order := result.Order
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", order.Status)
	}
	if order.Currency != "BRL" {
		t.Fatalf("expected default currency, got %s", order.Currency)
	}
	if result.PayablePayload != "pix-payload-"+order.ID.String() {
		t.Fatalf("unexpected payload %q", result.PayablePayload)
	}
	if order.ExternalPaymentRef == nil || *order.ExternalPaymentRef != "pay_"+order.ID.String() {
		t.Fatalf("unexpected external ref %v", order.ExternalPaymentRef)
	}

	call := charges.calls[0]
	if call.OrderID != order.ID.String() || call.Amount != 1000 || len(call.Splits) != 4 {
		t.Fatalf("unexpected charge request: %+v", call)
	}
	if call.Splits[0].ReceiverID != "A" || call.Splits[0].Percentage.String() != "85" {
		t.Fatalf("unexpected first split: %+v", call.Splits[0])
	}
}

func TestCreateOrder_InvalidSplitPersistsNothing(t *testing.T) {
	repo := store.NewMemoryRepository()
	charges := &fakeChargeGateway{}
	svc := newTestOrderService(repo, charges)

	req := createRequest("key-bad-split")
	req.SplitAllocations = allocations("A", "85", "B", "5", "C", "5", "D", "4")
	_, err := svc.CreateOrder(context.Background(), "user_1", req)
	if !errors.Is(err, split.ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}

	orders, err := repo.ListOrdersByInvestor(context.Background(), "user_1", domain.ListOptions{})
	if err != nil {
		t.Fatalf("ListOrdersByInvestor returned error: %v", err)
	}
	if len(orders) != 0 || charges.callCount() != 0 {
		t.Fatalf("expected nothing persisted or charged, got %d orders and %d charges", len(orders), charges.callCount())
	}
}

func TestCreateOrder_RejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CreateOrderRequest)
	}{
		{name: "zero amount", mutate: func(r *domain.CreateOrderRequest) { r.Amount = 0 }},
		{name: "missing receivable", mutate: func(r *domain.CreateOrderRequest) { r.ReceivableRef = " " }},
		{name: "missing idempotency key", mutate: func(r *domain.CreateOrderRequest) { r.IdempotencyKey = "" }},
		{name: "bad currency", mutate: func(r *domain.CreateOrderRequest) { r.Currency = "REAL" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestOrderService(store.NewMemoryRepository(), &fakeChargeGateway{})
			req := createRequest("key-x")
			tc.mutate(&req)
			if _, err := svc.CreateOrder(context.Background(), "user_1", req); !errors.Is(err, ErrInvalidOrderRequest) {
				t.Fatalf("expected ErrInvalidOrderRequest, got %v", err)
			}
		})
	}
}

func TestCreateOrder_ReplayReturnsSameOrder(t *testing.T) {
	repo := store.NewMemoryRepository()
	charges := &fakeChargeGateway{}
	svc := newTestOrderService(repo, charges)

	first, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-replay"))
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	second, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-replay"))
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if second.Created || second.Order.ID != first.Order.ID || second.PayablePayload != first.PayablePayload {
		t.Fatalf("expected replay of %s, got %+v", first.Order.ID, second)
	}
	if charges.callCount() != 1 {
		t.Fatalf("expected a single charge, got %d", charges.callCount())
	}

	changed := createRequest("key-replay")
	changed.Amount = 2000
	if _, err := svc.CreateOrder(context.Background(), "user_1", changed); !errors.Is(err, ErrIdempotencyKeyReused) {
		t.Fatalf("expected ErrIdempotencyKeyReused, got %v", err)
	}
}

func TestCreateOrder_UnavailableGatewayLeavesOrderResumable(t *testing.T) {
	repo := store.NewMemoryRepository()
	unavailable := fmt.Errorf("%w: status 503", chargeclient.ErrGatewayUnavailable)
	charges := &fakeChargeGateway{errs: []error{unavailable, unavailable, unavailable}}
	svc := newTestOrderService(repo, charges)

	_, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-retry"))
	if !errors.Is(err, chargeclient.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if charges.callCount() != 3 {
		t.Fatalf("expected 3 charge attempts, got %d", charges.callCount())
	}
	stored, err := repo.GetOrderByIdempotencyKey(context.Background(), "user_1", "key-retry")
	if err != nil || stored.Status != domain.OrderStatusCreated {
		t.Fatalf("expected CREATED order to remain, got %+v err=%v", stored, err)
	}

	result, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-retry"))
	if err != nil {
		t.Fatalf("resume returned error: %v", err)
	}
	if result.Order.ID != stored.ID || result.Order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected resumed order %s to be pending, got %+v", stored.ID, result.Order)
	}
}

func TestCreateOrder_FailedQRFetchReusesCreatedCharge(t *testing.T) {
	var (
		mu          sync.Mutex
		posts       int
		qrFetches   int
		paymentID   string
		externalRef string
	)
	processor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v3/payments":
			var body struct {
				ExternalReference string `json:"externalReference"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("invalid charge body: %v", err)
			}
			posts++
			paymentID = fmt.Sprintf("pay_%d", posts)
			externalRef = body.ExternalReference
			fmt.Fprintf(w, `{"id":%q,"status":"PENDING","externalReference":%q}`, paymentID, externalRef)
		case r.Method == http.MethodGet && r.URL.Path == "/v3/payments":
			if paymentID == "" || r.URL.Query().Get("externalReference") != externalRef {
				fmt.Fprint(w, `{"data":[],"hasMore":false}`)
				return
			}
			fmt.Fprintf(w, `{"data":[{"id":%q,"status":"PENDING","externalReference":%q}],"hasMore":false}`, paymentID, externalRef)
		case r.Method == http.MethodGet && r.URL.Path == "/v3/payments/"+paymentID+"/pixQrCode":
			qrFetches++
			if qrFetches == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprintf(w, `{"payload":"00020126pix-%s","encodedImage":"img"}`, paymentID)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer processor.Close()

	repo := store.NewMemoryRepository()
	svc := newTestOrderService(repo, chargeclient.NewClient(processor.URL, "key"))

	result, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-qr"))
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Fatalf("expected exactly one charge at the processor, got %d", posts)
	}
	order := result.Order
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", order.Status)
	}
	if order.ExternalPaymentRef == nil || *order.ExternalPaymentRef != "pay_1" {
		t.Fatalf("expected the first charge to be recorded, got %v", order.ExternalPaymentRef)
	}
	if result.PayablePayload != "00020126pix-pay_1" {
		t.Fatalf("unexpected payload %q", result.PayablePayload)
	}
	if externalRef != order.ID.String() {
		t.Fatalf("charge must carry the order id, got %q", externalRef)
	}
}

func TestCreateOrder_ResumeLooksUpChargeBeforeCreating(t *testing.T) {
	repo := store.NewMemoryRepository()
	charges := &fakeChargeGateway{}
	svc := newTestOrderService(repo, charges)

	order, err := repo.CreateOrder(context.Background(), &domain.InvestmentOrder{
		ID:               uuid.New(),
		InvestorID:       "user_1",
		ReceivableRef:    "rcv-42",
		IdempotencyKey:   "key-stuck",
		Amount:           1000,
		Currency:         "BRL",
		SplitAllocations: createRequest("key-stuck").SplitAllocations,
		Status:           domain.OrderStatusCreated,
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	existing := &chargeclient.ChargeResponse{ExternalPaymentRef: "pay_earlier", PayablePayload: "pix-earlier"}
	charges.created = map[string]*chargeclient.ChargeResponse{order.ID.String(): existing}

	result, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-stuck"))
	if err != nil {
		t.Fatalf("resume returned error: %v", err)
	}
	if charges.callCount() != 0 || charges.lookups != 1 {
		t.Fatalf("expected one lookup and no new charge, got %d creates and %d lookups", charges.callCount(), charges.lookups)
	}
	if result.Order.ExternalPaymentRef == nil || *result.Order.ExternalPaymentRef != "pay_earlier" || result.PayablePayload != "pix-earlier" {
		t.Fatalf("expected existing charge to be recorded, got %+v", result)
	}
}

func TestCreateOrder_RejectedChargeCancelsOrder(t *testing.T) {
	repo := store.NewMemoryRepository()
	rejected := &chargeclient.RejectedError{StatusCode: 400, Errors: []chargeclient.APIError{{Code: "invalid_split", Description: "walletId not found"}}}
	svc := newTestOrderService(repo, &fakeChargeGateway{errs: []error{rejected}})

	_, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-rejected"))
	if !errors.Is(err, chargeclient.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if !errors.Is(err, split.ErrInvalidSplit) {
		t.Fatalf("expected split-related rejection to match ErrInvalidSplit, got %v", err)
	}
	stored, err := repo.GetOrderByIdempotencyKey(context.Background(), "user_1", "key-rejected")
	if err != nil || stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED order, got %+v err=%v", stored, err)
	}
}

func TestGetOrder_IsScopedToInvestor(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestOrderService(repo, &fakeChargeGateway{})
	result, err := svc.CreateOrder(context.Background(), "user_1", createRequest("key-owner"))
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	if _, err := svc.GetOrder(context.Background(), "user_1", result.Order.ID); err != nil {
		t.Fatalf("owner lookup returned error: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "user_2", result.Order.ID); !errors.Is(err, store.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for another investor, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "user_1", uuid.New()); !errors.Is(err, store.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for unknown id, got %v", err)
	}
}

func TestCancelOrder_OnlyPendingOrders(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestOrderService(repo, &fakeChargeGateway{})
	o := newTestOrchestrator(repo, &fakeAnchorer{}, &recordingQueue{}, 3)

	pending := seedOrder(t, repo, 1000, allocations("A", "100"), true)
	cancelled, err := svc.CancelOrder(context.Background(), pending.InvestorID, pending.ID)
	if err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	created := seedOrder(t, repo, 1000, allocations("A", "100"), false)
	paid := seedOrder(t, repo, 1000, allocations("A", "100"), true)
	if _, err := o.HandlePaymentConfirmed(context.Background(), confirmEvent(paid)); err != nil {
		t.Fatalf("HandlePaymentConfirmed returned error: %v", err)
	}
	settled := seedOrder(t, repo, 1000, allocations("A", "100"), true)
	if _, err := o.HandlePaymentConfirmed(context.Background(), confirmEvent(settled)); err != nil {
		t.Fatalf("HandlePaymentConfirmed returned error: %v", err)
	}
	if err := o.ExecuteSettlement(context.Background(), settled.ID); err != nil {
		t.Fatalf("ExecuteSettlement returned error: %v", err)
	}

	for name, id := range map[string]uuid.UUID{
		"created":   created.ID,
		"cancelled": pending.ID,
		"paid":      paid.ID,
		"settled":   settled.ID,
	} {
		t.Run(name, func(t *testing.T) {
			before := reload(t, repo, id)
			if _, err := svc.CancelOrder(context.Background(), before.InvestorID, id); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			if after := reload(t, repo, id); after.Version != before.Version || after.Status != before.Status {
				t.Fatalf("rejected cancel must not change the order")
			}
		})
	}
}

func TestListOrders_RejectsUnknownStatusFilter(t *testing.T) {
	svc := newTestOrderService(store.NewMemoryRepository(), &fakeChargeGateway{})
	status := domain.OrderStatus("LOST")
	if _, err := svc.ListOrders(context.Background(), "user_1", domain.ListOptions{Status: &status}); !errors.Is(err, ErrInvalidOrderRequest) {
		t.Fatalf("expected ErrInvalidOrderRequest, got %v", err)
	}
}
