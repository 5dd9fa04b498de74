package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/settlement-service/internal/domain"
)

// ClaimState is what a delivery finds when it tries to claim its dedup key.
type ClaimState int

const (
	// ClaimAcquired means this delivery owns the key and must process the event.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another delivery is processing the event right now.
	ClaimInFlight
	// ClaimDone means the event was already applied.
	ClaimDone
)

// WebhookDeduper remembers which (payment ref, event type) pairs were handled.
// A claim starts as a short processing lease. Complete turns it into a done marker;
// Release drops it so a redelivery after a failed attempt is processed again.
type WebhookDeduper interface {
	Claim(ctx context.Context, key string, lease time.Duration) (token string, state ClaimState, err error)
	Complete(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// WebhookDedupKey hashes the identifying pair so raw processor refs never reach Redis.
func WebhookDedupKey(externalPaymentRef string, eventType domain.PaymentEventType) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(externalPaymentRef) + "|" + string(eventType)))
	return hex.EncodeToString(sum[:])
}

// doneMarker replaces the processing token once the event is applied. Tokens are
// UUIDs so they never collide with it.
const doneMarker = "done"

// claimScript returns 0 when the key was set, 1 while a token holds it, 2 once done.
var claimScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 0
end
if redis.call("GET", KEYS[1]) == ARGV[3] then
  return 2
end
return 1
`)

var completeClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisWebhookDeduper keeps claims in Redis so every replica sees them.
type RedisWebhookDeduper struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWebhookDeduper(client redis.UniversalClient, prefix string) *RedisWebhookDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement:webhook_dedup"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisWebhookDeduper{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisWebhookDeduper) key(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func (r *RedisWebhookDeduper) Claim(ctx context.Context, key string, lease time.Duration) (string, ClaimState, error) {
	token := uuid.NewString()
	code, err := claimScript.Run(ctx, r.client, []string{r.key(key)}, token, atLeastSecond(lease).Milliseconds(), doneMarker).Int()
	if err != nil {
		return "", ClaimInFlight, err
	}
	switch code {
	case 0:
		return token, ClaimAcquired, nil
	case 2:
		return "", ClaimDone, nil
	default:
		return "", ClaimInFlight, nil
	}
}

func (r *RedisWebhookDeduper) Complete(ctx context.Context, key, token string, ttl time.Duration) error {
	if token == "" {
		return nil
	}
	return completeClaimScript.Run(ctx, r.client, []string{r.key(key)}, token, doneMarker, atLeastSecond(ttl).Milliseconds()).Err()
}

func (r *RedisWebhookDeduper) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	return releaseClaimScript.Run(ctx, r.client, []string{r.key(key)}, token).Err()
}

func atLeastSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

type memoryClaim struct {
	token     string
	done      bool
	expiresAt time.Time
}

// MemoryWebhookDeduper keeps claims in process. Used when Redis is not configured.
type MemoryWebhookDeduper struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	now    func() time.Time
}

func NewMemoryWebhookDeduper() *MemoryWebhookDeduper {
	return &MemoryWebhookDeduper{
		claims: make(map[string]memoryClaim),
		now:    time.Now,
	}
}

func (m *MemoryWebhookDeduper) Claim(ctx context.Context, key string, lease time.Duration) (string, ClaimState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, claim := range m.claims {
		if now.After(claim.expiresAt) {
			delete(m.claims, k)
		}
	}
	if existing, exists := m.claims[key]; exists {
		if existing.done {
			return "", ClaimDone, nil
		}
		return "", ClaimInFlight, nil
	}
	token := uuid.NewString()
	m.claims[key] = memoryClaim{token: token, expiresAt: now.Add(lease)}
	return token, ClaimAcquired, nil
}

func (m *MemoryWebhookDeduper) Complete(ctx context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim, ok := m.claims[key]; ok && claim.token == token && !claim.done {
		m.claims[key] = memoryClaim{done: true, expiresAt: m.now().Add(ttl)}
	}
	return nil
}

func (m *MemoryWebhookDeduper) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim, ok := m.claims[key]; ok && claim.token == token && !claim.done {
		delete(m.claims, key)
	}
	return nil
}
