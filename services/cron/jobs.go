package cron

import (
	"fmt"
	"time"

	"github.com/promptpilot/api/model"
)

// FlushStragglers writes through any session whose debounce timer never
// fired, for example after a timer was lost to a panic, and drops minted
// sessions that never received a message. Runs every minute; not logged to
// the job table to keep it from flooding cron_job_logs.
func (m *CronManager) FlushStragglers() {
	m.sessions.FlushAll()
	m.sessions.ReapEmptyBuffers(time.Hour)
}

// CleanupStaleCoaching removes coaching flows that have not moved in over a
// day. An abandoned flow otherwise blocks starting a new one for its
// session. The sweep goes through the session service so buffered sessions
// cannot flush a swept flow back.
func (m *CronManager) CleanupStaleCoaching() {
	jobName := "cleanup_stale_coaching"
	cutoff := time.Now().Add(-24 * time.Hour)

	cleared, err := m.sessions.ClearStaleCoaching(cutoff)
	if err != nil {
		m.logJobError(jobName, err)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Removed %d stale coaching flows", cleared))
}

// CleanupOldData hard-removes soft-deleted rows past their grace period and
// trims old cron job logs.
func (m *CronManager) CleanupOldData() {
	jobName := "cleanup_old_data"
	graceCutoff := time.Now().Add(-7 * 24 * time.Hour)
	logCutoff := time.Now().Add(-30 * 24 * time.Hour)

	var purged int64

	result := m.db.Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", graceCutoff).
		Delete(&model.PromptMessage{})
	if result.Error != nil {
		m.logJobError(jobName, result.Error)
		return
	}
	purged += result.RowsAffected

	result = m.db.Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", graceCutoff).
		Delete(&model.CoachingState{})
	if result.Error != nil {
		m.logJobError(jobName, result.Error)
		return
	}
	purged += result.RowsAffected

	result = m.db.Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", graceCutoff).
		Delete(&model.PromptSession{})
	if result.Error != nil {
		m.logJobError(jobName, result.Error)
		return
	}
	purged += result.RowsAffected

	result = m.db.Unscoped().
		Where("created_at < ?", logCutoff).
		Delete(&model.CronJobLog{})
	if result.Error != nil {
		m.logJobError(jobName, result.Error)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Hard-removed %d rows, trimmed %d job logs", purged, result.RowsAffected))
}
