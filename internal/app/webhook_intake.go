package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/chargeclient"
)

var (
	ErrWebhookUnauthorized = errors.New("webhook authentication failed")
	ErrMalformedWebhook    = errors.New("malformed webhook payload")
	// ErrWebhookInFlight is transient: the same event is being applied by another delivery.
	ErrWebhookInFlight = errors.New("webhook event is already being processed")
)

// WebhookVerifier authenticates a raw webhook delivery.
type WebhookVerifier interface {
	Verify(header http.Header, body []byte) error
}

// PaymentEventHandler applies normalized payment events to orders.
type PaymentEventHandler interface {
	HandlePaymentConfirmed(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error)
	HandlePaymentRefunded(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error)
	HandlePaymentFailed(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error)
}

// WebhookResult is what the HTTP layer reports back to the processor.
type WebhookResult struct {
	EventType domain.PaymentEventType `json:"event_type"`
	Outcome   string                  `json:"outcome"`
}

const (
	webhookOutcomeDuplicate = "duplicate"
	webhookOutcomeIgnored   = "ignored"
)

// webhookProcessingLease bounds how long a crashed delivery blocks redeliveries.
const webhookProcessingLease = 2 * time.Minute

// WebhookIntake turns processor notifications into order events. Verified deliveries are
// deduplicated by (payment ref, event type) before they reach the orchestrator; the CAS
// in the orchestrator remains the guarantee when the dedup store is unavailable.
type WebhookIntake struct {
	verifier WebhookVerifier
	dedup    WebhookDeduper
	dedupTTL time.Duration
	lease    time.Duration
	handler  PaymentEventHandler
	now      func() time.Time
}

func NewWebhookIntake(verifier WebhookVerifier, dedup WebhookDeduper, dedupTTL time.Duration, handler PaymentEventHandler) *WebhookIntake {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &WebhookIntake{
		verifier: verifier,
		dedup:    dedup,
		dedupTTL: dedupTTL,
		lease:    webhookProcessingLease,
		handler:  handler,
		now:      time.Now,
	}
}

// NormalizeEventType maps the processor's event names onto the closed event set.
func NormalizeEventType(raw string) domain.PaymentEventType {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(".", "_", "-", "_").Replace(normalized)
	switch normalized {
	case "PAYMENT_CONFIRMED", "PAYMENT_RECEIVED":
		return domain.PaymentEventConfirmed
	case "PAYMENT_REFUNDED", "PAYMENT_PARTIALLY_REFUNDED", "PAYMENT_CHARGEBACK_REQUESTED", "PAYMENT_CHARGEBACK_DISPUTE":
		return domain.PaymentEventRefunded
	case "PAYMENT_FAILED", "PAYMENT_OVERDUE", "PAYMENT_DELETED", "PAYMENT_REPROVED_BY_RISK_ANALYSIS", "PAYMENT_CREDIT_CARD_CAPTURE_REFUSED":
		return domain.PaymentEventFailed
	default:
		return domain.PaymentEventIgnored
	}
}

// Handle authenticates, parses and applies one delivery. A nil error means the delivery
// may be acknowledged; any other error except the two sentinels is transient.
func (w *WebhookIntake) Handle(ctx context.Context, header http.Header, body []byte) (*WebhookResult, error) {
	if err := w.verifier.Verify(header, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookUnauthorized, err)
	}
	notification, err := chargeclient.ParseWebhook(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	sum := sha256.Sum256(body)
	event := domain.WebhookEvent{
		EventID:            notification.ID,
		ExternalPaymentRef: strings.TrimSpace(notification.Payment.ID),
		OrderReference:     strings.TrimSpace(notification.Payment.ExternalReference),
		EventType:          NormalizeEventType(notification.Event),
		RawEventType:       notification.Event,
		ReceivedAt:         w.now().UTC(),
		RawPayloadHash:     hex.EncodeToString(sum[:]),
	}
	if event.EventType == domain.PaymentEventIgnored {
		log.Printf("level=info component=webhook_intake msg=\"ignoring event\" raw_event=%s payment_ref=%s", event.RawEventType, event.ExternalPaymentRef)
		return &WebhookResult{EventType: event.EventType, Outcome: webhookOutcomeIgnored}, nil
	}

	key := WebhookDedupKey(event.ExternalPaymentRef, event.EventType)
	token, state, err := w.dedup.Claim(ctx, key, w.lease)
	if err != nil {
		log.Printf("level=warn component=webhook_intake msg=\"dedup store unavailable; processing without it\" payment_ref=%s err=%v", event.ExternalPaymentRef, err)
		token, state = "", ClaimAcquired
	}
	switch state {
	case ClaimDone:
		log.Printf("level=info component=webhook_intake msg=\"duplicate delivery\" payment_ref=%s event_type=%s", event.ExternalPaymentRef, event.EventType)
		return &WebhookResult{EventType: event.EventType, Outcome: webhookOutcomeDuplicate}, nil
	case ClaimInFlight:
		log.Printf("level=info component=webhook_intake msg=\"delivery overlaps one in progress; asking for redelivery\" payment_ref=%s event_type=%s", event.ExternalPaymentRef, event.EventType)
		return nil, ErrWebhookInFlight
	}

	outcome, err := w.dispatch(ctx, event)
	if err != nil {
		if releaseErr := w.dedup.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			log.Printf("level=warn component=webhook_intake msg=\"failed to release dedup claim\" payment_ref=%s err=%v", event.ExternalPaymentRef, releaseErr)
		}
		log.Printf("level=warn component=webhook_intake msg=\"event processing failed; processor will redeliver\" payment_ref=%s event_type=%s err=%v", event.ExternalPaymentRef, event.EventType, err)
		return nil, err
	}
	if completeErr := w.dedup.Complete(context.WithoutCancel(ctx), key, token, w.dedupTTL); completeErr != nil {
		log.Printf("level=warn component=webhook_intake msg=\"failed to mark dedup claim done\" payment_ref=%s err=%v", event.ExternalPaymentRef, completeErr)
	}
	log.Printf("level=info component=webhook_intake msg=\"event processed\" event_id=%s payment_ref=%s event_type=%s outcome=%s", event.EventID, event.ExternalPaymentRef, event.EventType, outcome)
	return &WebhookResult{EventType: event.EventType, Outcome: string(outcome)}, nil
}

func (w *WebhookIntake) dispatch(ctx context.Context, event domain.WebhookEvent) (EventOutcome, error) {
	switch event.EventType {
	case domain.PaymentEventConfirmed:
		return w.handler.HandlePaymentConfirmed(ctx, event)
	case domain.PaymentEventRefunded:
		return w.handler.HandlePaymentRefunded(ctx, event)
	case domain.PaymentEventFailed:
		return w.handler.HandlePaymentFailed(ctx, event)
	}
	return OutcomeNoop, nil
}
