package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/cloudact/quotagate/internal/billingsync/domain"
	"github.com/cloudact/quotagate/internal/clock"
	"github.com/cloudact/quotagate/internal/plan"
)

// Stripe's documented default tolerance for the signed timestamp. The
// event log dedupes but never expires, so a replayed old delivery has to
// be stopped here.
const signatureTolerance = 5 * time.Minute

type Factory struct {
	clk clock.Clock
}

func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clk: clk}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{webhookSecret: secret, clk: f.clk}, nil
}

type Adapter struct {
	webhookSecret string
	clk           clock.Clock
}

func (a *Adapter) now() time.Time {
	if a.clk == nil {
		return time.Now()
	}
	return a.clk.Now()
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || signedAt <= 0 {
		return domain.ErrInvalidSignature
	}
	skew := a.now().Sub(time.Unix(signedAt, 0))
	if skew > signatureTolerance || skew < -signatureTolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.BillingEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseObject(event, payload, domain.EventTypeCheckoutCompleted)
	case "customer.subscription.updated":
		return a.parseObject(event, payload, domain.EventTypeSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseObject(event, payload, domain.EventTypeSubscriptionDeleted)
	default:
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeObject struct {
	ID       string            `json:"id"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) parseObject(event stripeEvent, payload []byte, eventType string) (*domain.BillingEvent, error) {
	var object stripeObject
	if err := json.Unmarshal(event.Data.Object, &object); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(object.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	orgID, err := parseOrgID(object.Metadata)
	if err != nil {
		return nil, err
	}

	parsed := &domain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            eventType,
		OrgID:           orgID,
		OccurredAt:      timestamp(object.Created, event.Created),
		RawPayload:      payload,
	}

	// Deletions do not carry tier or override metadata.
	if eventType == domain.EventTypeSubscriptionDeleted {
		return parsed, nil
	}

	tier, err := parseTier(object.Metadata)
	if err != nil {
		return nil, err
	}
	parsed.Tier = tier

	parsed.SeatLimit, err = parseLimit(object.Metadata, "seat_limit")
	if err != nil {
		return nil, err
	}
	parsed.ProvidersLimit, err = parseLimit(object.Metadata, "providers_limit")
	if err != nil {
		return nil, err
	}
	parsed.DailyLimit, err = parseLimit(object.Metadata, "daily_limit")
	if err != nil {
		return nil, err
	}
	parsed.MonthlyLimit, err = parseLimit(object.Metadata, "monthly_limit")
	if err != nil {
		return nil, err
	}
	parsed.ConcurrentLimit, err = parseLimit(object.Metadata, "concurrent_limit")
	if err != nil {
		return nil, err
	}

	return parsed, nil
}

func parseOrgID(metadata map[string]string) (snowflake.ID, error) {
	raw := strings.TrimSpace(metadata["org_id"])
	if raw == "" {
		return 0, domain.ErrMissingOrgReference
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, domain.ErrMissingOrgReference
	}
	return snowflake.ID(value), nil
}

func parseTier(metadata map[string]string) (plan.Tier, error) {
	raw := strings.TrimSpace(metadata["tier"])
	if raw == "" {
		return "", domain.ErrInvalidEvent
	}
	tier, err := plan.ParseTier(raw)
	if err != nil {
		return "", domain.ErrInvalidEvent
	}
	return tier, nil
}

func parseLimit(metadata map[string]string, key string) (*int64, error) {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return nil, domain.ErrInvalidEvent
	}
	return &value, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readString(values map[string]any, key string) (string, bool) {
	if values == nil {
		return "", false
	}
	raw, ok := values[key]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}
