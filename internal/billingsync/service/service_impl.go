package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/billingsync/adapters"
	"github.com/cloudact/quotagate/internal/billingsync/domain"
	"github.com/cloudact/quotagate/internal/config"
	obsmetrics "github.com/cloudact/quotagate/internal/observability/metrics"
	"github.com/cloudact/quotagate/internal/plan"
	"github.com/cloudact/quotagate/internal/ratelimit"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	QuotaSvc   quotadomain.Service
	Repo       domain.Repository
	Adapters   *adapters.Registry
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
	Limiter    *ratelimit.WebhookLimiter `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	quotaSvc   quotadomain.Service
	repo       domain.Repository
	adapters   *adapters.Registry
	secrets    map[string]string
	obsMetrics *obsmetrics.Metrics
	limiter    *ratelimit.WebhookLimiter
}

func NewService(p Params) domain.Service {
	secrets := map[string]string{}
	if secret := strings.TrimSpace(p.Cfg.Webhook.StripeSecret); secret != "" {
		secrets["stripe"] = secret
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billingsync.service"),
		genID:      p.GenID,
		quotaSvc:   p.QuotaSvc,
		repo:       p.Repo,
		adapters:   p.Adapters,
		secrets:    secrets,
		obsMetrics: p.ObsMetrics,
		limiter:    p.Limiter,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return domain.ErrProviderNotFound
	}

	secret, ok := s.secrets[provider]
	if !ok {
		return domain.ErrProviderNotFound
	}
	adapter, err := s.adapters.NewAdapter(provider, domain.AdapterConfig{
		Config: map[string]any{"webhook_secret": secret},
	})
	if err != nil {
		return err
	}

	// Signature check runs before anything else touches the payload.
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.recordOutcome(ctx, provider, "unknown", "bad_signature")
		return err
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			return nil
		}
		s.recordOutcome(ctx, provider, "unknown", "malformed")
		s.storeRejected(ctx, provider, payload, err)
		return err
	}

	if s.limiter.Enabled() {
		result, limitErr := s.limiter.AllowOrg(ctx, event.OrgID.String())
		if limitErr != nil {
			s.log.Warn("webhook rate limiter unavailable", zap.Error(limitErr))
		} else if !result.Allowed {
			s.recordOutcome(ctx, provider, event.Type, "rate_limited")
			return domain.ErrRateLimited
		}

		token, locked, lockErr := s.limiter.TryLockEvent(ctx, provider, event.ProviderEventID)
		if lockErr != nil {
			s.log.Warn("webhook event lock unavailable", zap.Error(lockErr))
		} else if !locked {
			// A concurrent delivery of the same event is in flight; the
			// provider will redeliver if that one fails.
			return nil
		} else {
			defer func() {
				if releaseErr := s.limiter.ReleaseEvent(ctx, provider, event.ProviderEventID, token); releaseErr != nil {
					s.log.Warn("webhook event lock release failed", zap.Error(releaseErr))
				}
			}()
		}
	}

	return s.processEvent(ctx, event, payload)
}

func (s *Service) processEvent(ctx context.Context, event *domain.BillingEvent, payload []byte) error {
	if err := validateEvent(event); err != nil {
		s.storeRejected(ctx, eventProvider(event), payload, err)
		return err
	}

	now := time.Now().UTC()
	received := domain.EventRecord{
		ID:              s.genID.Generate(),
		OrgID:           event.OrgID,
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		State:           domain.EventStateReceived,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrInvalidEvent
		}
		if stored.State == domain.EventStateApplied {
			return domain.ErrEventAlreadyApplied
		}
	}

	if err := s.repo.MarkState(ctx, s.db, stored.ID, domain.EventStateVerified, "", nil); err != nil {
		return err
	}

	if err := s.applyEvent(ctx, event); err != nil {
		if isPermanentApplyError(err) {
			s.recordOutcome(ctx, event.Provider, event.Type, "rejected")
			if markErr := s.repo.MarkState(ctx, s.db, stored.ID, domain.EventStateRejected, err.Error(), nil); markErr != nil {
				s.log.Warn("failed to mark event rejected",
					zap.String("provider_event_id", event.ProviderEventID), zap.Error(markErr))
			}
			return err
		}
		// The record stays VERIFIED so provider redelivery retries the
		// apply step.
		s.recordOutcome(ctx, event.Provider, event.Type, "apply_failed")
		return err
	}

	appliedAt := time.Now().UTC()
	if err := s.repo.MarkState(ctx, s.db, stored.ID, domain.EventStateApplied, "", &appliedAt); err != nil {
		return err
	}

	if inserted {
		s.recordOutcome(ctx, event.Provider, event.Type, "applied")
	}
	return nil
}

func (s *Service) applyEvent(ctx context.Context, event *domain.BillingEvent) error {
	switch event.Type {
	case domain.EventTypeCheckoutCompleted:
		return s.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
			OrgID:           event.OrgID,
			Tier:            event.Tier,
			Status:          quotadomain.BillingStatusActive,
			SeatLimit:       event.SeatLimit,
			ProvidersLimit:  event.ProvidersLimit,
			DailyLimit:      event.DailyLimit,
			MonthlyLimit:    event.MonthlyLimit,
			ConcurrentLimit: event.ConcurrentLimit,
			EventID:         event.ProviderEventID,
		})
	case domain.EventTypeSubscriptionUpdated:
		record, err := s.quotaSvc.GetQuota(ctx, event.OrgID)
		if err != nil {
			return err
		}
		// Update events move tier and limits only. Status transitions
		// arrive on their own events, so a late update delivery must not
		// reactivate a cancelled or suspended org.
		return s.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
			OrgID:           event.OrgID,
			Tier:            event.Tier,
			Status:          record.BillingStatus,
			SeatLimit:       event.SeatLimit,
			ProvidersLimit:  event.ProvidersLimit,
			DailyLimit:      event.DailyLimit,
			MonthlyLimit:    event.MonthlyLimit,
			ConcurrentLimit: event.ConcurrentLimit,
			EventID:         event.ProviderEventID,
		})
	case domain.EventTypeSubscriptionDeleted:
		record, err := s.quotaSvc.GetQuota(ctx, event.OrgID)
		if err != nil {
			return err
		}
		return s.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
			OrgID:           event.OrgID,
			Tier:            record.PlanTier,
			Status:          quotadomain.BillingStatusCancelled,
			SeatLimit:       record.SeatLimit,
			ProvidersLimit:  record.ProvidersLimit,
			DailyLimit:      record.DailyLimit,
			MonthlyLimit:    record.MonthlyLimit,
			ConcurrentLimit: record.ConcurrentLimit,
			EventID:         event.ProviderEventID,
		})
	default:
		return domain.ErrInvalidEvent
	}
}

// storeRejected keeps an audit row for authentic deliveries that cannot be
// applied, so malformed payloads are diagnosable after the fact. Best
// effort: the error returned to the provider drives redelivery either way.
func (s *Service) storeRejected(ctx context.Context, provider string, payload []byte, cause error) {
	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}
	envelope.ID = strings.TrimSpace(envelope.ID)
	if envelope.ID == "" {
		return
	}
	eventType := strings.TrimSpace(envelope.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	record := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: envelope.ID,
		EventType:       eventType,
		State:           domain.EventStateRejected,
		RejectReason:    cause.Error(),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      time.Now().UTC(),
	}
	if _, err := s.repo.InsertEvent(ctx, s.db, &record); err != nil {
		s.log.Warn("failed to store rejected event",
			zap.String("provider_event_id", envelope.ID), zap.Error(err))
	}
}

// isPermanentApplyError separates payload problems, which redelivery can
// never fix, from transient store failures, which it can.
func isPermanentApplyError(err error) bool {
	return errors.Is(err, domain.ErrInvalidEvent) ||
		errors.Is(err, plan.ErrUnknownTier) ||
		errors.Is(err, quotadomain.ErrInvalidOrganization)
}

func eventProvider(event *domain.BillingEvent) string {
	if event == nil {
		return "unknown"
	}
	return event.Provider
}

func validateEvent(event *domain.BillingEvent) error {
	if event == nil {
		return domain.ErrInvalidEvent
	}
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return domain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return domain.ErrInvalidEvent
	}
	if event.OrgID == 0 {
		return domain.ErrMissingOrgReference
	}
	if event.OccurredAt.IsZero() {
		return domain.ErrInvalidEvent
	}
	switch event.Type {
	case domain.EventTypeCheckoutCompleted, domain.EventTypeSubscriptionUpdated:
		if event.Tier == "" {
			return domain.ErrInvalidEvent
		}
	case domain.EventTypeSubscriptionDeleted:
	default:
		return domain.ErrInvalidEvent
	}
	return nil
}

func (s *Service) recordOutcome(ctx context.Context, provider, eventType, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordBillingEvent(ctx, provider, eventType, outcome)
}
