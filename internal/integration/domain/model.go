package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrCredentialNotFound   = errors.New("credential_not_found")
	ErrCredentialExists     = errors.New("credential_exists")
	ErrInvalidCredential    = errors.New("invalid_credential")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
)

// Credential is one stored integration credential. Config is an AES-GCM
// envelope; plaintext secrets never reach the table.
type Credential struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID     snowflake.ID   `json:"org_id" gorm:"not null;uniqueIndex:idx_integration_credentials_org_provider_name"`
	Provider  string         `json:"provider" gorm:"type:text;not null;uniqueIndex:idx_integration_credentials_org_provider_name"`
	Name      string         `json:"name" gorm:"type:text;not null;uniqueIndex:idx_integration_credentials_org_provider_name"`
	Config    datatypes.JSON `json:"-" gorm:"not null"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"not null"`
}

func (Credential) TableName() string { return "integration_credentials" }

// CredentialSummary is the list representation; no secret material.
type CredentialSummary struct {
	ID        snowflake.ID `json:"id"`
	Provider  string       `json:"provider"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
}

type RegisterRequest struct {
	OrgID    snowflake.ID
	Provider string
	Name     string
	Config   map[string]any
}

type Repository interface {
	Insert(ctx context.Context, conn *gorm.DB, credential *Credential) error
	Delete(ctx context.Context, conn *gorm.DB, orgID, credentialID snowflake.ID) (bool, error)
	ListByOrg(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) ([]Credential, error)
	CountByOrg(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (int64, error)
}

type Service interface {
	// Register stores a credential after the enforcement gate admits it.
	Register(ctx context.Context, req RegisterRequest) (CredentialSummary, error)
	List(ctx context.Context, orgID snowflake.ID) ([]CredentialSummary, error)
	Remove(ctx context.Context, orgID, credentialID snowflake.ID) error
}
