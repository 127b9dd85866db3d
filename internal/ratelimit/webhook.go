package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/cloudact/quotagate/internal/config"
)

const (
	keyWebhookOrg       = "billing:webhook:org:%s"
	keyWebhookEventLock = "billing:webhook:lock:%s:%s"

	webhookEventLockTTL = 30 * time.Second
)

// WebhookLimiter throttles inbound billing webhooks per organization and
// serializes concurrent deliveries of the same provider event.
type WebhookLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	orgRate  float64
	orgBurst int
}

func NewWebhookLimiter(cfg config.Config) (*WebhookLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.WebhookOrgRate <= 0 || limitCfg.WebhookOrgBurst <= 0 {
		return nil, errors.New("webhook org rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &WebhookLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		locker:   NewLocker(client),
		orgRate:  limitCfg.WebhookOrgRate,
		orgBurst: limitCfg.WebhookOrgBurst,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowOrg consumes one webhook token for the organization bucket.
func (l *WebhookLimiter) AllowOrg(ctx context.Context, orgID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookOrg, strings.TrimSpace(orgID)), l.orgRate, l.orgBurst)
}

// TryLockEvent takes a short lease on one provider event so overlapping
// deliveries of the same event do not race through verification.
func (l *WebhookLimiter) TryLockEvent(ctx context.Context, provider, eventID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyWebhookEventLock, strings.TrimSpace(provider), strings.TrimSpace(eventID))
	return l.locker.TryLock(ctx, key, webhookEventLockTTL)
}

// ReleaseEvent releases the event lease taken with TryLockEvent.
func (l *WebhookLimiter) ReleaseEvent(ctx context.Context, provider, eventID, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyWebhookEventLock, strings.TrimSpace(provider), strings.TrimSpace(eventID))
	return l.locker.Release(ctx, key, token)
}
