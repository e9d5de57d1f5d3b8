package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageRole represents the role of the message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// StringArray is a custom type for storing string lists as JSONB
type StringArray []string

func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to unmarshal StringArray value")
	}

	if len(bytes) == 0 {
		*s = StringArray{}
		return nil
	}

	return json.Unmarshal(bytes, s)
}

func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// PromptMessage represents a single message in an optimization conversation.
// The message list of a session is chronological and append-only; Seq is the
// position assigned by the session store at append time.
type PromptMessage struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	SessionID      string         `gorm:"type:varchar(64);not null;index" json:"session_id"`
	Seq            int            `gorm:"not null" json:"seq"`
	Role           MessageRole    `gorm:"type:varchar(20);not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Explanations   StringArray    `gorm:"type:jsonb" json:"explanations,omitempty"`
	Suggestions    StringArray    `gorm:"type:jsonb" json:"suggestions,omitempty"`
	ModelUsed      string         `gorm:"type:varchar(100)" json:"model_used,omitempty"`
	ResponseTimeMs int            `gorm:"default:0" json:"response_time_ms,omitempty"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for PromptMessage
func (PromptMessage) TableName() string {
	return "prompt_messages"
}
