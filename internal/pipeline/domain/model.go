package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RunState is the lifecycle of one pipeline run ledger row.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateAbandoned RunState = "ABANDONED"
)

var (
	ErrRunNotFound = errors.New("run_not_found")
	ErrInvalidRun  = errors.New("invalid_run")
)

// PipelineRun records one admitted pipeline execution. The concurrent gauge
// on org_quotas is reconciled against open rows by the sweep.
type PipelineRun struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID     snowflake.ID `json:"org_id" gorm:"not null;index"`
	State     RunState     `json:"state" gorm:"type:text;not null;index"`
	StartedAt time.Time    `json:"started_at" gorm:"not null"`
	EndedAt   *time.Time   `json:"ended_at"`
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

type Repository interface {
	OpenRun(ctx context.Context, conn *gorm.DB, run *PipelineRun) error
	// CloseRun moves a RUNNING row to a terminal state. Returns false when
	// the row is missing or already closed.
	CloseRun(ctx context.Context, conn *gorm.DB, orgID, runID snowflake.ID, state RunState, endedAt time.Time) (bool, error)
	CountRunning(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (int64, error)
	// AbandonStale closes RUNNING rows older than cutoff and returns how
	// many were closed.
	AbandonStale(ctx context.Context, conn *gorm.DB, cutoff, now time.Time) (int64, error)
	// OrgsToReconcile lists orgs that hold a nonzero concurrent gauge or an
	// open run row.
	OrgsToReconcile(ctx context.Context, conn *gorm.DB) ([]snowflake.ID, error)
}
