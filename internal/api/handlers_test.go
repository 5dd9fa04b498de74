package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/split"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chargeclient"
)

func TestMapOrderError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&split.InvalidSplitError{Index: 0, Reason: "percentage must be positive"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: amount must be positive", app.ErrInvalidOrderRequest), http.StatusBadRequest},
		{app.ErrIdempotencyKeyReused, http.StatusConflict},
		{fmt.Errorf("%w: order is SETTLED", app.ErrInvalidState), http.StatusConflict},
		{app.ErrConcurrentUpdate, http.StatusConflict},
		{store.ErrOrderNotFound, http.StatusNotFound},
		{fmt.Errorf("create charge: %w", chargeclient.ErrGatewayUnavailable), http.StatusServiceUnavailable},
		{&chargeclient.RejectedError{StatusCode: http.StatusBadRequest}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got, _ := mapOrderError(tc.err); got != tc.want {
			t.Fatalf("mapOrderError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestParseListOptions(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orders?limit=500&offset=3&status=settled", nil)
	opts, err := parseListOptions(req)
	if err != nil {
		t.Fatalf("parseListOptions returned error: %v", err)
	}
	if opts.Offset != 3 || opts.Status == nil || *opts.Status != "SETTLED" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.Normalize().Limit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", opts.Normalize().Limit)
	}

	req = httptest.NewRequest(http.MethodGet, "/orders?offset=abc", nil)
	if _, err := parseListOptions(req); err == nil {
		t.Fatalf("expected error for non-numeric offset")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	n := base64.RawURLEncoding.EncodeToString(priv.N.Bytes())
	key, err := parseRSAPublicKey(n, "AQAB")
	if err != nil {
		t.Fatalf("parseRSAPublicKey returned error: %v", err)
	}
	if key.E != 65537 || key.N.Cmp(priv.N) != 0 {
		t.Fatalf("unexpected key: e=%d", key.E)
	}
	if _, err := parseRSAPublicKey("***", "AQAB"); err == nil {
		t.Fatalf("expected error for invalid modulus encoding")
	}
	if _, err := parseRSAPublicKey(n, ""); err == nil {
		t.Fatalf("expected error for empty exponent")
	}
}

func TestJWKSCache_UnknownKidRefetchIsRateLimited(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "current",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			}},
		})
	}))
	defer server.Close()

	cache := newJWKSCache(server.URL)
	if _, err := cache.key("current"); err != nil {
		t.Fatalf("key returned error: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := cache.key(fmt.Sprintf("forged-%d", i)); err == nil {
			t.Fatalf("expected unknown kid to be rejected")
		}
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Fatalf("expected initial fetch plus one refetch, got %d fetches", got)
	}
	if key, err := cache.key("current"); err != nil || key.N.Cmp(priv.N) != 0 {
		t.Fatalf("known kid must still resolve from cache, err=%v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Fatalf("known kid must not refetch, got %d fetches", got)
	}
}

func TestInternalAuthMiddleware_ClosedWithoutKey(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/orders/expire", nil)
	req.Header.Set("X-Internal-API-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without configured key, got %d", rec.Code)
	}
}
