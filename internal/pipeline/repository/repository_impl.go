package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/pipeline/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) OpenRun(ctx context.Context, conn *gorm.DB, run *domain.PipelineRun) error {
	if run == nil || run.ID == 0 || run.OrgID == 0 {
		return domain.ErrInvalidRun
	}
	return conn.WithContext(ctx).Exec(
		`INSERT INTO pipeline_runs (id, org_id, state, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID,
		run.OrgID,
		run.State,
		run.StartedAt,
		run.EndedAt,
	).Error
}

func (r *repo) CloseRun(ctx context.Context, conn *gorm.DB, orgID, runID snowflake.ID, state domain.RunState, endedAt time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE pipeline_runs
		 SET state = ?, ended_at = ?
		 WHERE id = ? AND org_id = ? AND state = ?`,
		state,
		endedAt,
		runID,
		orgID,
		domain.RunStateRunning,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CountRunning(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM pipeline_runs WHERE org_id = ? AND state = ?`,
		orgID,
		domain.RunStateRunning,
	).Scan(&count).Error
	return count, err
}

func (r *repo) AbandonStale(ctx context.Context, conn *gorm.DB, cutoff, now time.Time) (int64, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE pipeline_runs
		 SET state = ?, ended_at = ?
		 WHERE state = ? AND started_at < ?`,
		domain.RunStateAbandoned,
		now,
		domain.RunStateRunning,
		cutoff,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) OrgsToReconcile(ctx context.Context, conn *gorm.DB) ([]snowflake.ID, error) {
	var orgIDs []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT org_id FROM org_quotas WHERE pipelines_running_concurrent > 0
		 UNION
		 SELECT DISTINCT org_id FROM pipeline_runs WHERE state = ?`,
		domain.RunStateRunning,
	).Scan(&orgIDs).Error
	if err != nil {
		return nil, err
	}
	return orgIDs, nil
}
