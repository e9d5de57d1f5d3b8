package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptpilot/api/model"
)

// FlushDebounce is how long the store waits after the last mutation before
// writing a session through to persistence. Every mutation restarts the
// window, so a burst of changes produces a single write.
const FlushDebounce = 500 * time.Millisecond

// SessionArchiver exports a purged session before it is removed. Archival
// is best effort: failures are logged, never block eviction.
type SessionArchiver interface {
	ArchiveSession(session model.PromptSession, messages []model.PromptMessage) error
}

// sessionBuffer is the in-memory working copy of one session.
type sessionBuffer struct {
	session  model.PromptSession
	messages []model.PromptMessage
	coaching *model.CoachingState
	dirty    bool
	timer    *time.Timer
}

// flushSnapshot is the canonical serialization used to detect no-op
// flushes. Volatile fields (timestamps, row ids) stay out so a flush is
// skipped exactly when nothing the user can observe has changed.
type flushSnapshot struct {
	Title    string            `json:"title"`
	Messages []messageSnapshot `json:"messages"`
	Coaching *coachingSnapshot `json:"coaching,omitempty"`
}

type messageSnapshot struct {
	Role         model.MessageRole `json:"role"`
	Content      string            `json:"content"`
	Explanations []string          `json:"explanations,omitempty"`
	Suggestions  []string          `json:"suggestions,omitempty"`
	ModelUsed    string            `json:"model_used,omitempty"`
}

type coachingSnapshot struct {
	Active     bool     `json:"active"`
	Suggestion string   `json:"suggestion"`
	Questions  []string `json:"questions"`
	Answers    []string `json:"answers"`
}

// SessionService owns the session lifecycle: in-memory buffers, debounced
// write-through to persistence, the bounded most-recent-first index, and
// per-session serialization of orchestrated work.
type SessionService struct {
	mu          sync.Mutex
	persistence SessionPersistence
	archiver    SessionArchiver
	debounce    time.Duration
	buffers     map[string]*sessionBuffer
	index       map[string]model.PromptSession
	lastFlushed map[string][]byte
	runLocks    map[string]*sync.Mutex
}

// NewSessionService builds the store and hydrates the index from
// persistence. archiver may be nil.
func NewSessionService(persistence SessionPersistence, archiver SessionArchiver) (*SessionService, error) {
	s := &SessionService{
		persistence: persistence,
		archiver:    archiver,
		debounce:    FlushDebounce,
		buffers:     make(map[string]*sessionBuffer),
		index:       make(map[string]model.PromptSession),
		lastFlushed: make(map[string][]byte),
		runLocks:    make(map[string]*sync.Mutex),
	}
	sessions, err := persistence.LoadIndex()
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		s.index[session.ID] = session
	}
	log.Printf("Session store hydrated with %d sessions", len(sessions))
	return s, nil
}

// SessionLock returns the mutex serializing orchestrated work for one
// session. Callers hold it across the whole task so messages land in the
// order requests were issued.
func (s *SessionService) SessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.runLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[sessionID] = lock
	}
	return lock
}

// EnsureSession resolves a session id: an empty id mints a new session,
// a known id loads it into the buffer, an unknown non-empty id is an error.
func (s *SessionService) EnsureSession(sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
		s.mu.Lock()
		now := time.Now()
		s.buffers[sessionID] = &sessionBuffer{
			session: model.PromptSession{ID: sessionID, CreatedAt: now, UpdatedAt: now},
		}
		s.mu.Unlock()
		return sessionID, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.bufferLocked(sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// AppendMessages appends messages to a session in order, assigning their
// sequence numbers, and schedules a flush.
func (s *SessionService) AppendMessages(sessionID string, messages ...model.PromptMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferLocked(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, msg := range messages {
		msg.SessionID = sessionID
		msg.Seq = len(buf.messages)
		msg.CreatedAt = now
		msg.UpdatedAt = now
		buf.messages = append(buf.messages, msg)
	}
	buf.session.MessageCount = len(buf.messages)
	buf.session.UpdatedAt = now
	s.scheduleFlushLocked(sessionID, buf)
	return nil
}

// Get returns a session with its messages and coaching state.
func (s *SessionService) Get(sessionID string) (*model.PromptSession, []model.PromptMessage, *model.CoachingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferLocked(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	session := buf.session
	messages := make([]model.PromptMessage, len(buf.messages))
	copy(messages, buf.messages)
	var coaching *model.CoachingState
	if buf.coaching != nil {
		c := *buf.coaching
		coaching = &c
	}
	return &session, messages, coaching, nil
}

// List returns session metadata sorted by most recent activity.
func (s *SessionService) List() []model.PromptSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]model.PromptSession, 0, len(s.index)+len(s.buffers))
	seen := make(map[string]bool, len(s.index))
	for id, buf := range s.buffers {
		// A minted session that never got a message (for example when its
		// first task failed) does not exist yet as far as callers are
		// concerned.
		if _, flushed := s.index[id]; !flushed && len(buf.messages) == 0 && !buf.dirty {
			continue
		}
		sessions = append(sessions, buf.session)
		seen[id] = true
	}
	for id, session := range s.index {
		if !seen[id] {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

// Rename sets an explicit title, replacing the derived one.
func (s *SessionService) Rename(sessionID, title string) error {
	title = truncateTitle(title)
	if title == "" {
		return fmt.Errorf("session title must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferLocked(sessionID)
	if err != nil {
		return err
	}
	buf.session.Title = title
	buf.session.UpdatedAt = time.Now()
	s.scheduleFlushLocked(sessionID, buf)
	return nil
}

// Delete removes a session immediately, bypassing the debounce.
func (s *SessionService) Delete(sessionID string) error {
	s.mu.Lock()
	buf, ok := s.buffers[sessionID]
	_, indexed := s.index[sessionID]
	if ok && buf.timer != nil {
		buf.timer.Stop()
	}
	delete(s.buffers, sessionID)
	delete(s.index, sessionID)
	delete(s.lastFlushed, sessionID)
	delete(s.runLocks, sessionID)
	s.mu.Unlock()

	if !ok && !indexed {
		return ErrSessionNotFound
	}
	return s.persistence.PurgeSessions([]string{sessionID})
}

// SetCoaching records an in-progress clarify/refine flow.
func (s *SessionService) SetCoaching(sessionID string, coaching *model.CoachingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.bufferLocked(sessionID)
	if err != nil {
		return err
	}
	buf.coaching = coaching
	buf.session.UpdatedAt = time.Now()
	s.scheduleFlushLocked(sessionID, buf)
	return nil
}

// ClearCoaching cancels an in-progress flow. The durable row goes away
// immediately so a crash cannot resurrect a cancelled flow.
func (s *SessionService) ClearCoaching(sessionID string) error {
	s.mu.Lock()
	buf, err := s.bufferLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	buf.coaching = nil
	buf.session.UpdatedAt = time.Now()
	s.scheduleFlushLocked(sessionID, buf)
	s.mu.Unlock()
	return s.persistence.DeleteCoaching(sessionID)
}

// Flush writes one session through immediately if it has pending changes.
func (s *SessionService) Flush(sessionID string) {
	s.flush(sessionID)
}

// FlushAll writes every dirty session through. Used on shutdown and by the
// straggler sweep job.
func (s *SessionService) FlushAll() {
	s.mu.Lock()
	var pending []string
	for id, buf := range s.buffers {
		if buf.dirty {
			pending = append(pending, id)
		}
	}
	s.mu.Unlock()
	for _, id := range pending {
		s.flush(id)
	}
}

// ReapEmptyBuffers drops buffers minted for sessions that never received a
// message, which happens when the first task on a fresh session fails.
// Returns how many were dropped.
func (s *SessionService) ReapEmptyBuffers(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for id, buf := range s.buffers {
		if _, flushed := s.index[id]; flushed || buf.dirty || len(buf.messages) > 0 || buf.coaching != nil {
			continue
		}
		if buf.session.CreatedAt.After(cutoff) {
			continue
		}
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(s.buffers, id)
		delete(s.runLocks, id)
		reaped++
	}
	return reaped
}

// ClearStaleCoaching removes coaching flows for sessions idle since before
// cutoff, from both the buffers and persistence, so a later flush of a
// resident session cannot write a swept flow back. Returns how many durable
// rows were removed.
func (s *SessionService) ClearStaleCoaching(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	for id, buf := range s.buffers {
		if buf.coaching != nil && buf.session.UpdatedAt.Before(cutoff) {
			buf.coaching = nil
			s.scheduleFlushLocked(id, buf)
		}
	}
	s.mu.Unlock()
	return s.persistence.DeleteStaleCoaching(cutoff)
}

// bufferLocked returns the working copy of a session, loading it from
// persistence on first touch. Caller holds s.mu.
func (s *SessionService) bufferLocked(sessionID string) (*sessionBuffer, error) {
	if buf, ok := s.buffers[sessionID]; ok {
		return buf, nil
	}
	if _, ok := s.index[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	session, messages, coaching, err := s.persistence.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	buf := &sessionBuffer{
		session:  *session,
		messages: messages,
		coaching: coaching,
	}
	s.buffers[sessionID] = buf
	s.lastFlushed[sessionID] = marshalSnapshot(buf)
	return buf, nil
}

// scheduleFlushLocked marks the buffer dirty and restarts the debounce
// window. Caller holds s.mu.
func (s *SessionService) scheduleFlushLocked(sessionID string, buf *sessionBuffer) {
	buf.dirty = true
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(s.debounce, func() {
		s.flush(sessionID)
	})
}

// flush writes one session through to persistence. A snapshot identical to
// the last flushed one is a no-op.
func (s *SessionService) flush(sessionID string) {
	s.mu.Lock()
	buf, ok := s.buffers[sessionID]
	if !ok || !buf.dirty {
		s.mu.Unlock()
		return
	}
	buf.dirty = false
	buf.timer = nil

	if buf.session.Title == "" {
		buf.session.Title = deriveTitle(buf.messages)
	}
	buf.session.MessageCount = len(buf.messages)

	snapshot := marshalSnapshot(buf)
	if bytes.Equal(snapshot, s.lastFlushed[sessionID]) {
		s.mu.Unlock()
		return
	}

	session := buf.session
	messages := make([]model.PromptMessage, len(buf.messages))
	copy(messages, buf.messages)
	var coaching *model.CoachingState
	if buf.coaching != nil {
		c := *buf.coaching
		coaching = &c
	}
	s.mu.Unlock()

	if err := s.persistence.SaveSession(&session, messages, coaching); err != nil {
		log.Printf("Failed to flush session %s: %v", sessionID, err)
		s.mu.Lock()
		if buf, ok := s.buffers[sessionID]; ok {
			s.scheduleFlushLocked(sessionID, buf)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if _, live := s.buffers[sessionID]; !live {
		// Deleted (or evicted) while the write was in flight; take the
		// just-written rows back out so the removal sticks.
		s.mu.Unlock()
		if err := s.persistence.PurgeSessions([]string{sessionID}); err != nil {
			log.Printf("Failed to re-purge session %s removed mid-flush: %v", sessionID, err)
		}
		return
	}
	s.lastFlushed[sessionID] = snapshot
	s.index[sessionID] = session
	victims := s.evictLocked()
	s.mu.Unlock()

	s.purge(victims)
}

// evictLocked trims the index to MaxSessions, oldest activity first, and
// returns the evicted sessions. Caller holds s.mu.
func (s *SessionService) evictLocked() []model.PromptSession {
	if len(s.index) <= model.MaxSessions {
		return nil
	}
	sessions := make([]model.PromptSession, 0, len(s.index))
	for _, session := range s.index {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	victims := sessions[model.MaxSessions:]
	for _, victim := range victims {
		if buf, ok := s.buffers[victim.ID]; ok && buf.timer != nil {
			buf.timer.Stop()
		}
		delete(s.buffers, victim.ID)
		delete(s.index, victim.ID)
		delete(s.lastFlushed, victim.ID)
		delete(s.runLocks, victim.ID)
	}
	return victims
}

// purge archives and removes evicted sessions.
func (s *SessionService) purge(victims []model.PromptSession) {
	if len(victims) == 0 {
		return
	}
	ids := make([]string, 0, len(victims))
	for _, victim := range victims {
		ids = append(ids, victim.ID)
		if s.archiver == nil {
			continue
		}
		_, messages, _, err := s.persistence.LoadSession(victim.ID)
		if err != nil {
			log.Printf("Skipping archive of session %s: %v", victim.ID, err)
			continue
		}
		if err := s.archiver.ArchiveSession(victim, messages); err != nil {
			log.Printf("Failed to archive session %s: %v", victim.ID, err)
		}
	}
	if err := s.persistence.PurgeSessions(ids); err != nil {
		log.Printf("Failed to purge %d evicted sessions: %v", len(ids), err)
		return
	}
	log.Printf("Evicted %d sessions past the %d-session cap", len(ids), model.MaxSessions)
}

func marshalSnapshot(buf *sessionBuffer) []byte {
	snap := flushSnapshot{
		Title:    buf.session.Title,
		Messages: make([]messageSnapshot, 0, len(buf.messages)),
	}
	for _, msg := range buf.messages {
		snap.Messages = append(snap.Messages, messageSnapshot{
			Role:         msg.Role,
			Content:      msg.Content,
			Explanations: msg.Explanations,
			Suggestions:  msg.Suggestions,
			ModelUsed:    msg.ModelUsed,
		})
	}
	if buf.coaching != nil {
		snap.Coaching = &coachingSnapshot{
			Active:     buf.coaching.Active,
			Suggestion: buf.coaching.Suggestion,
			Questions:  buf.coaching.Questions,
			Answers:    buf.coaching.Answers,
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		// Snapshot types are plain strings and slices; this cannot fail.
		return nil
	}
	return data
}

// deriveTitle builds a session title from the first user message.
func deriveTitle(messages []model.PromptMessage) string {
	for _, msg := range messages {
		if msg.Role == model.MessageRoleUser {
			if title := truncateTitle(msg.Content); title != "" {
				return title
			}
		}
	}
	return "Untitled session"
}

func truncateTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) > model.MaxSessionTitleLength {
		title = strings.TrimSpace(string(runes[:model.MaxSessionTitleLength]))
	}
	return title
}
