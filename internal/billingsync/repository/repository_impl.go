package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/billingsync/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, provider, provider_event_id, event_type, state,
			reject_reason, payload, received_at, applied_at
		 FROM billing_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (
			id, org_id, provider, provider_event_id, event_type, state,
			reject_reason, payload, received_at, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.OrgID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.State,
		event.RejectReason,
		event.Payload,
		event.ReceivedAt,
		event.AppliedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkState(ctx context.Context, db *gorm.DB, id snowflake.ID, state domain.EventState, reason string, appliedAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET state = ?, reject_reason = ?, applied_at = ?
		 WHERE id = ?`,
		state,
		reason,
		appliedAt,
		id,
	).Error
}
