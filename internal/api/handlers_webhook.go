package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/transfa/settlement-service/internal/app"
)

// WebhookHandler receives payment processor notifications.
type WebhookHandler struct {
	intake *app.WebhookIntake
}

func NewWebhookHandler(intake *app.WebhookIntake) *WebhookHandler {
	return &WebhookHandler{intake: intake}
}

// PaymentWebhookHandler answers 200 for anything that must not be redelivered and 503
// for transient failures so the processor retries.
func (h *WebhookHandler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	result, err := h.intake.Handle(r.Context(), r.Header, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, app.ErrWebhookUnauthorized):
		log.Printf("level=warn component=api op=payment_webhook msg=\"rejected unauthenticated webhook\" remote=%s err=%v", r.RemoteAddr, err)
		writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
	case errors.Is(err, app.ErrMalformedWebhook):
		writeError(w, http.StatusBadRequest, "Malformed webhook payload")
	default:
		writeError(w, http.StatusServiceUnavailable, "Temporarily unable to process webhook")
	}
}
