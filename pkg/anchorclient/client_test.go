package anchorclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

type relayerError struct {
	code int
	msg  string
}

func (e *relayerError) Error() string  { return e.msg }
func (e *relayerError) ErrorCode() int { return e.code }

type SubmitArgs struct {
	AnchorKey string          `json:"anchorKey"`
	Contract  common.Address  `json:"contract"`
	Digest    common.Hash     `json:"digest"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitReply struct {
	TxHash common.Hash `json:"txHash"`
}

type fakeOracle struct {
	mu        sync.Mutex
	submitErr error
	calls     []SubmitArgs
}

func (o *fakeOracle) SubmitPaymentAnchor(ctx context.Context, args SubmitArgs) (*SubmitReply, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, args)
	if o.submitErr != nil {
		return nil, o.submitErr
	}
	return &SubmitReply{TxHash: crypto.Keccak256Hash([]byte(args.AnchorKey))}, nil
}

type fakeEth struct {
	mu           sync.Mutex
	pendingPolls int
	status       string
	head         uint64
}

func (e *fakeEth) GetTransactionReceipt(hash common.Hash) (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingPolls > 0 {
		e.pendingPolls--
		return nil, nil
	}
	return map[string]interface{}{
		"transactionHash": hash,
		"blockNumber":     "0x10",
		"status":          e.status,
	}, nil
}

func (e *fakeEth) BlockNumber() (hexutil.Uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.head++
	return hexutil.Uint64(e.head), nil
}

func newTestClient(t *testing.T, oracle *fakeOracle, eth *fakeEth, opts Options) *Client {
	t.Helper()
	server := rpc.NewServer()
	if err := server.RegisterName("oracle", oracle); err != nil {
		t.Fatalf("register oracle: %v", err)
	}
	if err := server.RegisterName("eth", eth); err != nil {
		t.Fatalf("register eth: %v", err)
	}
	rpcClient := rpc.DialInProc(server)
	t.Cleanup(func() {
		rpcClient.Close()
		server.Stop()
	})

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.ConfirmationTimeout == 0 {
		opts.ConfirmationTimeout = time.Second
	}
	client, err := NewClient(rpcClient, opts)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func sampleRequest() AnchorRequest {
	return AnchorRequest{
		OrderID:    "3f0c6a52-0000-4000-8000-000000000001",
		Amount:     1000,
		Currency:   "BRL",
		PaymentRef: "pay_123",
		PaidAt:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Splits: []AnchorSplit{
			{ReceiverID: "A", Percentage: "85", Amount: 850},
			{ReceiverID: "B", Percentage: "15", Amount: 150},
		},
	}
}

func TestAnchor_SubmitsAndAwaitsReceipt(t *testing.T) {
	oracle := &fakeOracle{}
	eth := &fakeEth{pendingPolls: 2, status: "0x1"}
	client := newTestClient(t, oracle, eth, Options{ContractAddress: "0x00000000000000000000000000000000000000aa"})

	receipt, err := client.Anchor(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Anchor returned error: %v", err)
	}
	wantTx := crypto.Keccak256Hash([]byte(sampleRequest().OrderID)).Hex()
	if receipt.AnchorRef != wantTx {
		t.Fatalf("expected anchor ref %s, got %s", wantTx, receipt.AnchorRef)
	}
	if receipt.BlockNumber != 16 {
		t.Fatalf("expected block 16, got %d", receipt.BlockNumber)
	}

	_, digest, err := Payload(sampleRequest())
	if err != nil {
		t.Fatalf("Payload returned error: %v", err)
	}
	if len(oracle.calls) != 1 || oracle.calls[0].Digest != digest || oracle.calls[0].AnchorKey != sampleRequest().OrderID {
		t.Fatalf("unexpected relayer submission: %+v", oracle.calls)
	}
	if oracle.calls[0].Contract != common.HexToAddress("0x00000000000000000000000000000000000000aa") {
		t.Fatalf("contract address not forwarded")
	}
}

func TestAnchor_WaitsForConfirmations(t *testing.T) {
	eth := &fakeEth{status: "0x1", head: 0x10}
	client := newTestClient(t, &fakeOracle{}, eth, Options{MinConfirmations: 3})

	if _, err := client.Anchor(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("Anchor returned error: %v", err)
	}
	if eth.head < 0x12 {
		t.Fatalf("expected head to advance to at least 0x12, got %#x", eth.head)
	}
}

func TestAnchor_RevertedReceiptIsRejected(t *testing.T) {
	client := newTestClient(t, &fakeOracle{}, &fakeEth{status: "0x0"}, Options{})

	_, err := client.Anchor(context.Background(), sampleRequest())
	if !errors.Is(err, ErrAnchorRejected) {
		t.Fatalf("expected ErrAnchorRejected, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.TxHash == "" {
		t.Fatalf("expected rejection to carry tx hash, got %v", err)
	}
}

func TestAnchor_ClassifiesRelayerErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantRejected bool
	}{
		{name: "nonce too low", err: &relayerError{code: -32000, msg: "nonce too low"}},
		{name: "limit exceeded", err: &relayerError{code: -32005, msg: "request limit exceeded"}},
		{name: "invalid params", err: &relayerError{code: -32602, msg: "invalid digest"}, wantRejected: true},
		{name: "execution reverted", err: &relayerError{code: 3, msg: "execution reverted: duplicate anchor"}, wantRejected: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, &fakeOracle{submitErr: tc.err}, &fakeEth{status: "0x1"}, Options{})
			_, err := client.Anchor(context.Background(), sampleRequest())
			if tc.wantRejected {
				if !errors.Is(err, ErrAnchorRejected) {
					t.Fatalf("expected ErrAnchorRejected, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrAnchorTransient) {
				t.Fatalf("expected ErrAnchorTransient, got %v", err)
			}
		})
	}
}

func TestAnchor_ConfirmationTimeoutIsTransient(t *testing.T) {
	eth := &fakeEth{pendingPolls: 1 << 20, status: "0x1"}
	client := newTestClient(t, &fakeOracle{}, eth, Options{ConfirmationTimeout: 30 * time.Millisecond})

	_, err := client.Anchor(context.Background(), sampleRequest())
	if !errors.Is(err, ErrAnchorTransient) {
		t.Fatalf("expected ErrAnchorTransient on timeout, got %v", err)
	}
}

func TestPayload_DigestIsStable(t *testing.T) {
	first, digestA, err := Payload(sampleRequest())
	if err != nil {
		t.Fatalf("Payload returned error: %v", err)
	}
	_, digestB, _ := Payload(sampleRequest())
	if digestA != digestB {
		t.Fatalf("expected deterministic digest")
	}
	if crypto.Keccak256Hash(first) != digestA {
		t.Fatalf("digest must be keccak256 of payload bytes")
	}

	changed := sampleRequest()
	changed.Amount = 1001
	_, digestC, _ := Payload(changed)
	if digestC == digestA {
		t.Fatalf("expected digest to change with amount")
	}
}

func TestNewClient_RejectsMalformedContract(t *testing.T) {
	if _, err := NewClient(nil, Options{ContractAddress: "not-an-address"}); err == nil {
		t.Fatalf("expected malformed contract address to fail")
	}
}
