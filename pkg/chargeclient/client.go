/**
 * @description
 * This package provides a client for the payment processor's charge API. It creates
 * instant-payment (Pix) charges with a native split between receivers and fetches the
 * QR copy-paste payload the investor pays with. It also verifies webhook authenticity.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact minor-unit to major-unit conversion.
 */
package chargeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayUnavailable marks transient failures: network errors, timeouts, 5xx and 429.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is matched by every *RejectedError.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrChargeNotFound means no live charge carries the order id as externalReference.
	ErrChargeNotFound = errors.New("no charge found for order")
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// DueIn is how far ahead the charge due date is set.
	DueIn time.Duration
	now   func() time.Time
}

// NewClient creates a new payment processor client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		DueIn: 24 * time.Hour,
		now:   time.Now,
	}
}

// SplitInstruction routes a percentage of the charge to one receiver wallet.
type SplitInstruction struct {
	ReceiverID string
	Percentage decimal.Decimal
}

// ChargeRequest describes one charge. Amount is in minor units.
type ChargeRequest struct {
	OrderID     string
	CustomerRef string
	Amount      int64
	Currency    string
	Description string
	Splits      []SplitInstruction
}

// ChargeResponse carries what the caller persists on the order.
type ChargeResponse struct {
	ExternalPaymentRef string
	PayablePayload     string
	QRImage            string
	ExpiresAt          string
	Status             string
}

type paymentSplit struct {
	WalletID        string      `json:"walletId"`
	PercentualValue json.Number `json:"percentualValue"`
}

type createPaymentRequest struct {
	Customer          string         `json:"customer,omitempty"`
	BillingType       string         `json:"billingType"`
	Value             json.Number    `json:"value"`
	DueDate           string         `json:"dueDate"`
	Description       string         `json:"description,omitempty"`
	ExternalReference string         `json:"externalReference"`
	Split             []paymentSplit `json:"split"`
}

type paymentResponse struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"externalReference"`
	Deleted           bool   `json:"deleted"`
}

type paymentListResponse struct {
	Data    []paymentResponse `json:"data"`
	HasMore bool              `json:"hasMore"`
}

type pixQRCodeResponse struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}

// APIError is one entry of the processor's error envelope.
type APIError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// RejectedError is a permanent rejection (4xx other than 429).
type RejectedError struct {
	StatusCode int
	Errors     []APIError `json:"errors"`
}

func (e *RejectedError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payment gateway rejected request (status %d): %s - %s", e.StatusCode, e.Errors[0].Code, e.Errors[0].Description)
	}
	return fmt.Sprintf("payment gateway rejected request (status %d)", e.StatusCode)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}

// SplitRelated reports whether the processor blamed the split instructions.
func (e *RejectedError) SplitRelated() bool {
	for _, apiErr := range e.Errors {
		if strings.Contains(strings.ToLower(apiErr.Code), "split") || strings.Contains(strings.ToLower(apiErr.Description), "split") {
			return true
		}
	}
	return false
}

// CreateCharge creates a Pix charge carrying the split and returns its reference and QR payload.
// The order id travels as externalReference so webhooks can be traced back to the order.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	if req.Amount <= 0 {
		return nil, &RejectedError{StatusCode: http.StatusBadRequest, Errors: []APIError{{Code: "invalid_value", Description: "amount must be positive"}}}
	}

	payload := createPaymentRequest{
		Customer:          req.CustomerRef,
		BillingType:       "PIX",
		Value:             json.Number(MajorUnits(req.Amount)),
		DueDate:           c.now().Add(c.DueIn).Format("2006-01-02"),
		Description:       req.Description,
		ExternalReference: req.OrderID,
		Split:             make([]paymentSplit, 0, len(req.Splits)),
	}
	for _, s := range req.Splits {
		payload.Split = append(payload.Split, paymentSplit{
			WalletID:        s.ReceiverID,
			PercentualValue: json.Number(s.Percentage.String()),
		})
	}

	var payment paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v3/payments", payload, &payment, "create_charge"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payment.ID) == "" {
		return nil, fmt.Errorf("%w: create charge response missing payment id", ErrGatewayUnavailable)
	}

	return c.withPixPayload(ctx, payment)
}

// FindCharge returns the charge previously created for orderID, looked up by its
// externalReference. It lets a caller that lost a create response pick the charge up
// instead of opening a second one.
func (c *Client) FindCharge(ctx context.Context, orderID string) (*ChargeResponse, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, ErrChargeNotFound
	}
	var list paymentListResponse
	path := "/v3/payments?externalReference=" + url.QueryEscape(orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &list, "find_charge"); err != nil {
		return nil, err
	}
	for _, payment := range list.Data {
		if payment.Deleted || payment.ExternalReference != orderID || strings.TrimSpace(payment.ID) == "" {
			continue
		}
		return c.withPixPayload(ctx, payment)
	}
	return nil, ErrChargeNotFound
}

func (c *Client) withPixPayload(ctx context.Context, payment paymentResponse) (*ChargeResponse, error) {
	var qr pixQRCodeResponse
	if err := c.do(ctx, http.MethodGet, "/v3/payments/"+url.PathEscape(payment.ID)+"/pixQrCode", nil, &qr, "pix_qr_code"); err != nil {
		return nil, err
	}

	return &ChargeResponse{
		ExternalPaymentRef: payment.ID,
		PayablePayload:     qr.Payload,
		QRImage:            qr.EncodedImage,
		ExpiresAt:          qr.ExpirationDate,
		Status:             payment.Status,
	}, nil
}

// MajorUnits renders minor units as a fixed two-decimal amount.
func MajorUnits(amount int64) string {
	return decimal.NewFromInt(amount).Shift(-2).StringFixed(2)
}

// do is a generic helper function to execute processor requests.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}, op string) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access_token", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=charge_client op=%s msg=\"request failed\" err=%v", op, err)
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrGatewayUnavailable, op, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		log.Printf("level=warn component=charge_client op=%s status=%d msg=\"transient processor error\"", op, resp.StatusCode)
		return fmt.Errorf("%w: %s returned status %d", ErrGatewayUnavailable, op, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rejected := &RejectedError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, rejected); err != nil {
			log.Printf("level=warn component=charge_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		} else {
			log.Printf("level=warn component=charge_client op=%s status=%d code=%q description=%q", op, resp.StatusCode, firstErrorCode(rejected), firstErrorDescription(rejected))
		}
		return rejected
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func firstErrorCode(resp *RejectedError) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Code
}

func firstErrorDescription(resp *RejectedError) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Description
}
