package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType is the normalized kind of a processor webhook.
type PaymentEventType string

const (
	PaymentEventConfirmed PaymentEventType = "PAYMENT_CONFIRMED"
	PaymentEventFailed    PaymentEventType = "PAYMENT_FAILED"
	PaymentEventRefunded  PaymentEventType = "PAYMENT_REFUNDED"
	PaymentEventIgnored   PaymentEventType = "IGNORED"
)

// WebhookEvent is a verified processor notification. It is never persisted;
// only its dedup key lives for the redelivery window.
type WebhookEvent struct {
	EventID            string           `json:"event_id"`
	ExternalPaymentRef string           `json:"external_payment_ref"`
	OrderReference     string           `json:"order_reference"`
	EventType          PaymentEventType `json:"event_type"`
	RawEventType       string           `json:"raw_event_type"`
	ReceivedAt         time.Time        `json:"received_at"`
	RawPayloadHash     string           `json:"raw_payload_hash"`
}

const (
	SettlementReasonPaymentConfirmed = "payment_confirmed"
	SettlementReasonRecovery         = "recovery"
)

// SettlementTask asks a settlement worker to drive a PAID order to a terminal state.
type SettlementTask struct {
	OrderID    uuid.UUID `json:"order_id"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
