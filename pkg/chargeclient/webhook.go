package chargeclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Payment-Signature"
	TokenHeader     = "X-Payment-Webhook-Token"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookVerifier authenticates processor notifications. With a secret configured the
// body must carry an HMAC-SHA256 signature (hex or base64); with a token configured the
// static token header must match. Both may be required at once.
type WebhookVerifier struct {
	Secret        string
	Token         string
	AllowUnsigned bool
}

func (v WebhookVerifier) Verify(header http.Header, body []byte) error {
	secret := strings.TrimSpace(v.Secret)
	token := strings.TrimSpace(v.Token)
	if secret == "" && token == "" {
		if v.AllowUnsigned {
			return nil
		}
		return fmt.Errorf("%w: no webhook secret or token configured", ErrInvalidSignature)
	}

	if token != "" {
		provided := strings.TrimSpace(header.Get(TokenHeader))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			return fmt.Errorf("%w: token mismatch", ErrInvalidSignature)
		}
	}

	if secret != "" {
		provided := strings.TrimSpace(header.Get(SignatureHeader))
		provided = strings.TrimPrefix(provided, "sha256=")
		if provided == "" {
			return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
		}
		expected := Sign(secret, body)
		if decoded, err := hex.DecodeString(provided); err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
		if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// WebhookNotification is the processor's webhook envelope.
type WebhookNotification struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payment struct {
		ID                string      `json:"id"`
		ExternalReference string      `json:"externalReference"`
		Status            string      `json:"status"`
		Value             json.Number `json:"value"`
	} `json:"payment"`
}

// ParseWebhook decodes a notification body.
func ParseWebhook(body []byte) (*WebhookNotification, error) {
	var notification WebhookNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if strings.TrimSpace(notification.Event) == "" {
		return nil, errors.New("decode webhook: missing event")
	}
	if strings.TrimSpace(notification.Payment.ID) == "" {
		return nil, errors.New("decode webhook: missing payment id")
	}
	return &notification, nil
}
