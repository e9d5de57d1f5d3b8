package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptpilot/api/model"
)

// SessionPersistence is the durable side of the session store. The store
// buffers sessions in memory and writes through this interface on flush.
type SessionPersistence interface {
	// LoadIndex returns all live sessions without their messages,
	// newest activity first.
	LoadIndex() ([]model.PromptSession, error)

	// LoadSession returns one session with its messages in seq order and
	// its coaching state (nil when no coaching flow is in progress).
	LoadSession(id string) (*model.PromptSession, []model.PromptMessage, *model.CoachingState, error)

	// SaveSession writes the full session snapshot atomically.
	SaveSession(session *model.PromptSession, messages []model.PromptMessage, coaching *model.CoachingState) error

	// DeleteCoaching removes the coaching state of a session.
	DeleteCoaching(sessionID string) error

	// DeleteStaleCoaching removes coaching states idle since before cutoff,
	// returning how many rows were removed.
	DeleteStaleCoaching(cutoff time.Time) (int64, error)

	// PurgeSessions removes the given sessions together with their
	// messages and coaching state, as one unit.
	PurgeSessions(ids []string) error
}

// ErrSessionNotFound is returned when a session id has no live row.
var ErrSessionNotFound = errors.New("session not found")

// GormSessionPersistence stores sessions in Postgres through GORM.
type GormSessionPersistence struct {
	db *gorm.DB
}

func NewGormSessionPersistence(db *gorm.DB) *GormSessionPersistence {
	return &GormSessionPersistence{db: db}
}

func (p *GormSessionPersistence) LoadIndex() ([]model.PromptSession, error) {
	var sessions []model.PromptSession
	if err := p.db.Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to load session index: %w", err)
	}
	return sessions, nil
}

func (p *GormSessionPersistence) LoadSession(id string) (*model.PromptSession, []model.PromptMessage, *model.CoachingState, error) {
	var session model.PromptSession
	if err := p.db.First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrSessionNotFound
		}
		return nil, nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	var messages []model.PromptMessage
	if err := p.db.Where("session_id = ?", id).Order("seq ASC").Find(&messages).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load session messages: %w", err)
	}

	var coaching model.CoachingState
	err := p.db.First(&coaching, "session_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &session, messages, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load coaching state: %w", err)
	}
	return &session, messages, &coaching, nil
}

// SaveSession replaces the stored snapshot of a session in one transaction.
func (p *GormSessionPersistence) SaveSession(session *model.PromptSession, messages []model.PromptMessage, coaching *model.CoachingState) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(session).Error; err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		if err := tx.Unscoped().Where("session_id = ?", session.ID).Delete(&model.PromptMessage{}).Error; err != nil {
			return fmt.Errorf("failed to clear session messages: %w", err)
		}
		if len(messages) > 0 {
			// IDs are reassigned on every flush; clear them so Create inserts.
			for i := range messages {
				messages[i].ID = 0
				messages[i].SessionID = session.ID
			}
			if err := tx.Create(&messages).Error; err != nil {
				return fmt.Errorf("failed to save session messages: %w", err)
			}
		}

		if err := tx.Unscoped().Where("session_id = ?", session.ID).Delete(&model.CoachingState{}).Error; err != nil {
			return fmt.Errorf("failed to clear coaching state: %w", err)
		}
		if coaching != nil {
			coaching.ID = 0
			coaching.SessionID = session.ID
			if err := tx.Create(coaching).Error; err != nil {
				return fmt.Errorf("failed to save coaching state: %w", err)
			}
		}
		return nil
	})
}

func (p *GormSessionPersistence) DeleteCoaching(sessionID string) error {
	if err := p.db.Unscoped().Where("session_id = ?", sessionID).Delete(&model.CoachingState{}).Error; err != nil {
		return fmt.Errorf("failed to delete coaching state: %w", err)
	}
	return nil
}

func (p *GormSessionPersistence) DeleteStaleCoaching(cutoff time.Time) (int64, error) {
	result := p.db.Where("updated_at < ?", cutoff).Delete(&model.CoachingState{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete stale coaching states: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeSessions soft-deletes sessions with everything attached to them in
// one transaction. Hard removal of soft-deleted rows is left to the
// maintenance jobs.
func (p *GormSessionPersistence) PurgeSessions(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", ids).Delete(&model.CoachingState{}).Error; err != nil {
			return fmt.Errorf("failed to purge coaching state: %w", err)
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&model.PromptMessage{}).Error; err != nil {
			return fmt.Errorf("failed to purge session messages: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&model.PromptSession{}).Error; err != nil {
			return fmt.Errorf("failed to purge sessions: %w", err)
		}
		return nil
	})
}
