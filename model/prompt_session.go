package model

import (
	"time"

	"gorm.io/gorm"
)

// MaxSessionTitleLength bounds the derived session title
const MaxSessionTitleLength = 80

// MaxSessions is the capacity of the session index. When a flush would push
// the index beyond this, the oldest sessions by updated_at are purged
// together with their messages and coaching state.
const MaxSessions = 50

// PromptSession represents one prompt-optimization conversation
type PromptSession struct {
	ID           string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	Title        string         `gorm:"type:varchar(80)" json:"title"`
	MessageCount int            `gorm:"default:0" json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `gorm:"index" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Messages []PromptMessage `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName specifies the table name for PromptSession
func (PromptSession) TableName() string {
	return "prompt_sessions"
}
