/**
 * @description
 * This package provides a client for the oracle relayer that anchors settled payments on
 * chain. The relayer owns the signing keys; this client builds the auditable payload,
 * submits it over JSON-RPC keyed by order id, and polls the chain for the receipt.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/rpc: JSON-RPC transport to the relayer and node.
 * - github.com/ethereum/go-ethereum/crypto: Keccak-256 payload digest.
 * - golang.org/x/time/rate: caps submission throughput toward the relayer.
 */
package anchorclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

const (
	submitMethod  = "oracle_submitPaymentAnchor"
	receiptMethod = "eth_getTransactionReceipt"
	headMethod    = "eth_blockNumber"
)

var (
	// ErrAnchorTransient marks failures worth retrying: transport errors, congestion,
	// nonce conflicts and confirmation timeouts.
	ErrAnchorTransient = errors.New("anchor submission failed transiently")
	// ErrAnchorRejected is matched by every *RejectedError.
	ErrAnchorRejected = errors.New("anchor submission rejected")
)

// RejectedError is a permanent, contract-level rejection.
type RejectedError struct {
	Code   int
	Reason string
	TxHash string
}

func (e *RejectedError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("anchor rejected (tx %s): %s", e.TxHash, e.Reason)
	}
	return fmt.Sprintf("anchor rejected (code %d): %s", e.Code, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrAnchorRejected
}

// Caller is the subset of *rpc.Client the anchor client needs.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Options tune confirmation polling and submission throughput.
type Options struct {
	ContractAddress     string
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	MinConfirmations    uint64
	SubmissionsPerSec   float64
}

// Client anchors payment events through the relayer.
type Client struct {
	rpc                 Caller
	contract            common.Address
	limiter             *rate.Limiter
	pollInterval        time.Duration
	confirmationTimeout time.Duration
	minConfirmations    uint64
}

// Dial connects to the relayer endpoint (http(s) or ws(s)).
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, *rpc.Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to anchor relayer: %w", err)
	}
	client, err := NewClient(rpcClient, opts)
	if err != nil {
		rpcClient.Close()
		return nil, nil, err
	}
	return client, rpcClient, nil
}

// NewClient wraps an RPC caller.
func NewClient(caller Caller, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ContractAddress) != "" && !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid anchor contract address %q", opts.ContractAddress)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 2 * time.Minute
	}
	if opts.MinConfirmations == 0 {
		opts.MinConfirmations = 1
	}
	limit := rate.Inf
	burst := 1
	if opts.SubmissionsPerSec > 0 {
		limit = rate.Limit(opts.SubmissionsPerSec)
		burst = int(opts.SubmissionsPerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		rpc:                 caller,
		contract:            common.HexToAddress(opts.ContractAddress),
		limiter:             rate.NewLimiter(limit, burst),
		pollInterval:        opts.PollInterval,
		confirmationTimeout: opts.ConfirmationTimeout,
		minConfirmations:    opts.MinConfirmations,
	}, nil
}

// AnchorSplit is one receiver's share as recorded on chain.
type AnchorSplit struct {
	ReceiverID string `json:"receiverId"`
	Percentage string `json:"percentage"`
	Amount     int64  `json:"amount"`
}

// AnchorRequest is the auditable metadata of one settled payment.
type AnchorRequest struct {
	OrderID    string
	Amount     int64
	Currency   string
	PaymentRef string
	PaidAt     time.Time
	Splits     []AnchorSplit
}

// AnchorReceipt identifies the confirmed anchoring transaction.
type AnchorReceipt struct {
	AnchorRef   string
	Digest      string
	BlockNumber uint64
}

type anchorPayload struct {
	OrderID    string        `json:"orderId"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	PaymentRef string        `json:"paymentRef"`
	PaidAt     int64         `json:"paidAt"`
	Splits     []AnchorSplit `json:"splits"`
}

type submitParams struct {
	AnchorKey string          `json:"anchorKey"`
	Contract  common.Address  `json:"contract"`
	Digest    common.Hash     `json:"digest"`
	Payload   json.RawMessage `json:"payload"`
}

type submitResult struct {
	TxHash common.Hash `json:"txHash"`
}

type txReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	Status      hexutil.Uint64 `json:"status"`
}

// Payload returns the canonical payload bytes and their Keccak-256 digest.
func Payload(req AnchorRequest) ([]byte, common.Hash, error) {
	payload := anchorPayload{
		OrderID:    req.OrderID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		PaymentRef: req.PaymentRef,
		PaidAt:     req.PaidAt.UTC().Unix(),
		Splits:     req.Splits,
	}
	if payload.Splits == nil {
		payload.Splits = []AnchorSplit{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to encode anchor payload: %w", err)
	}
	return encoded, crypto.Keccak256Hash(encoded), nil
}

// Anchor submits the payment event and blocks until the transaction is confirmed,
// rejected, or the confirmation timeout elapses. The relayer deduplicates by order id,
// so resubmitting after a transient failure returns the original transaction.
func (c *Client) Anchor(ctx context.Context, req AnchorRequest) (*AnchorReceipt, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, &RejectedError{Code: -32602, Reason: "order id is required"}
	}
	encoded, digest, err := Payload(req)
	if err != nil {
		return nil, &RejectedError{Code: -32602, Reason: err.Error()}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrAnchorTransient, err)
	}

	var result submitResult
	err = c.rpc.CallContext(ctx, &result, submitMethod, submitParams{
		AnchorKey: req.OrderID,
		Contract:  c.contract,
		Digest:    digest,
		Payload:   encoded,
	})
	if err != nil {
		classified := classify(err)
		log.Printf("level=warn component=anchor_client op=submit order_id=%s err=%v", req.OrderID, classified)
		return nil, classified
	}
	if result.TxHash == (common.Hash{}) {
		return nil, fmt.Errorf("%w: relayer returned empty transaction hash", ErrAnchorTransient)
	}

	block, err := c.awaitConfirmation(ctx, result.TxHash)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=anchor_client op=confirmed order_id=%s tx_hash=%s block=%d", req.OrderID, result.TxHash.Hex(), block)
	return &AnchorReceipt{
		AnchorRef:   result.TxHash.Hex(),
		Digest:      digest.Hex(),
		BlockNumber: block,
	}, nil
}

func (c *Client) awaitConfirmation(ctx context.Context, txHash common.Hash) (uint64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		block, done, err := c.checkReceipt(waitCtx, txHash)
		if err != nil || done {
			return block, err
		}
		select {
		case <-waitCtx.Done():
			return 0, fmt.Errorf("%w: confirmation of %s not observed: %v", ErrAnchorTransient, txHash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) checkReceipt(ctx context.Context, txHash common.Hash) (uint64, bool, error) {
	var receipt *txReceipt
	if err := c.rpc.CallContext(ctx, &receipt, receiptMethod, txHash); err != nil {
		if ctx.Err() != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrAnchorTransient, ctx.Err())
		}
		// Node hiccups while polling are retried on the next tick.
		log.Printf("level=warn component=anchor_client op=receipt tx_hash=%s err=%v", txHash.Hex(), err)
		return 0, false, nil
	}
	if receipt == nil {
		return 0, false, nil
	}
	if receipt.Status == 0 {
		return 0, false, &RejectedError{Reason: "anchor transaction reverted", TxHash: txHash.Hex()}
	}

	block := uint64(receipt.BlockNumber)
	if c.minConfirmations <= 1 {
		return block, true, nil
	}
	var head hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &head, headMethod); err != nil {
		log.Printf("level=warn component=anchor_client op=block_number err=%v", err)
		return 0, false, nil
	}
	if uint64(head) >= block && uint64(head)-block+1 >= c.minConfirmations {
		return block, true, nil
	}
	return 0, false, nil
}

// classify maps relayer/transport failures onto the transient/rejected taxonomy.
func classify(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		message := strings.ToLower(rpcErr.Error())
		switch {
		case code == -32602 || code == 3:
			return &RejectedError{Code: code, Reason: rpcErr.Error()}
		case strings.Contains(message, "execution reverted"), strings.Contains(message, "invalid payload"):
			return &RejectedError{Code: code, Reason: rpcErr.Error()}
		}
		return fmt.Errorf("%w: rpc error %d: %s", ErrAnchorTransient, code, rpcErr.Error())
	}
	return fmt.Errorf("%w: %v", ErrAnchorTransient, err)
}
