package model

import (
	"time"

	"gorm.io/gorm"
)

// ProviderCredential stores a generation-provider API key encrypted at rest.
// The key is AES-256-GCM encrypted with a key derived (argon2id) from the
// server's credential master key and the per-row salt.
type ProviderCredential struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Provider     string         `gorm:"type:varchar(50);not null;uniqueIndex" json:"provider"`
	EncryptedKey string         `gorm:"type:text;not null" json:"-"` // base64
	Nonce        string         `gorm:"type:varchar(64);not null" json:"-"`
	Salt         string         `gorm:"type:varchar(128);not null" json:"-"`
	LastVerified *time.Time     `json:"last_verified,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for ProviderCredential
func (ProviderCredential) TableName() string {
	return "provider_credentials"
}
