package model

import (
	"time"

	"gorm.io/gorm"
)

// MaxCoachingQuestions caps how many clarifying questions one flow may carry
const MaxCoachingQuestions = 4

// CoachingState represents an in-progress clarify/refine sub-flow for a
// session. At most one row exists per session; completing or cancelling the
// flow deletes it. Answers is kept parallel to Questions (same length).
type CoachingState struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	SessionID  string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"session_id"`
	Active     bool           `gorm:"default:true" json:"active"`
	Questions  StringArray    `gorm:"type:jsonb" json:"questions"`
	Answers    StringArray    `gorm:"type:jsonb" json:"answers"`
	Suggestion string         `gorm:"type:text" json:"suggestion"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for CoachingState
func (CoachingState) TableName() string {
	return "coaching_states"
}
