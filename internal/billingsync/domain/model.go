package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/plan"
)

// EventState tracks the lifecycle of a stored billing event. Records only
// move forward: RECEIVED -> VERIFIED -> APPLIED or REJECTED.
type EventState string

const (
	EventStateReceived EventState = "RECEIVED"
	EventStateVerified EventState = "VERIFIED"
	EventStateApplied  EventState = "APPLIED"
	EventStateRejected EventState = "REJECTED"
)

const (
	EventTypeCheckoutCompleted   = "checkout_completed"
	EventTypeSubscriptionUpdated = "subscription_updated"
	EventTypeSubscriptionDeleted = "subscription_deleted"
)

var (
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrProviderNotFound    = errors.New("provider_not_found")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrEventIgnored        = errors.New("event_ignored")
	ErrRateLimited         = errors.New("webhook_rate_limited")
	ErrEventAlreadyApplied = errors.New("event_already_applied")
	ErrInvalidConfig       = errors.New("invalid_adapter_config")
	ErrMissingOrgReference = errors.New("missing_org_reference")
)

// EventRecord is the append-only webhook ledger row. Uniqueness on
// (provider, provider_event_id) is the dedupe key for redeliveries.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID           snowflake.ID   `json:"org_id" gorm:"not null;index"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:idx_billing_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:idx_billing_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	State           EventState     `json:"state" gorm:"type:text;not null"`
	RejectReason    string         `json:"reject_reason" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	AppliedAt       *time.Time     `json:"applied_at"`
}

func (EventRecord) TableName() string { return "billing_events" }

// BillingEvent is the canonical subscription event parsed by adapters.
type BillingEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	OrgID           snowflake.ID
	Tier            plan.Tier

	SeatLimit       *int64
	ProvidersLimit  *int64
	DailyLimit      *int64
	MonthlyLimit    *int64
	ConcurrentLimit *int64

	OccurredAt time.Time
	RawPayload []byte
}

// Adapter verifies and parses one provider's webhook deliveries.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*BillingEvent, error)
}

// AdapterConfig carries per-provider credentials.
type AdapterConfig struct {
	Config map[string]any
}

// AdapterFactory builds adapters for one provider name.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkState(ctx context.Context, db *gorm.DB, id snowflake.ID, state EventState, reason string, appliedAt *time.Time) error
}

type Service interface {
	// IngestWebhook runs the full pipeline for one delivery: verify
	// signature, parse, dedupe, apply, mark applied.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
