package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/promptpilot/api/model"
)

// memoryPersistence is an in-memory SessionPersistence for tests.
type memoryPersistence struct {
	mu        sync.Mutex
	sessions  map[string]model.PromptSession
	messages  map[string][]model.PromptMessage
	coaching  map[string]model.CoachingState
	saveCount int
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{
		sessions: make(map[string]model.PromptSession),
		messages: make(map[string][]model.PromptMessage),
		coaching: make(map[string]model.CoachingState),
	}
}

func (p *memoryPersistence) LoadIndex() ([]model.PromptSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.PromptSession
	for _, session := range p.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (p *memoryPersistence) LoadSession(id string) (*model.PromptSession, []model.PromptMessage, *model.CoachingState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[id]
	if !ok {
		return nil, nil, nil, ErrSessionNotFound
	}
	messages := append([]model.PromptMessage(nil), p.messages[id]...)
	if coaching, ok := p.coaching[id]; ok {
		c := coaching
		return &session, messages, &c, nil
	}
	return &session, messages, nil, nil
}

func (p *memoryPersistence) SaveSession(session *model.PromptSession, messages []model.PromptMessage, coaching *model.CoachingState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveCount++
	p.sessions[session.ID] = *session
	p.messages[session.ID] = append([]model.PromptMessage(nil), messages...)
	if coaching != nil {
		p.coaching[session.ID] = *coaching
	} else {
		delete(p.coaching, session.ID)
	}
	return nil
}

func (p *memoryPersistence) DeleteCoaching(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.coaching, sessionID)
	return nil
}

func (p *memoryPersistence) DeleteStaleCoaching(cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed int64
	for id, coaching := range p.coaching {
		if coaching.UpdatedAt.Before(cutoff) {
			delete(p.coaching, id)
			removed++
		}
	}
	return removed, nil
}

func (p *memoryPersistence) PurgeSessions(ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.sessions, id)
		delete(p.messages, id)
		delete(p.coaching, id)
	}
	return nil
}

func (p *memoryPersistence) saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveCount
}

func (p *memoryPersistence) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func newTestSessionService(t *testing.T, persistence SessionPersistence) *SessionService {
	t.Helper()
	svc, err := NewSessionService(persistence, nil)
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	svc.debounce = 20 * time.Millisecond
	return svc
}

func userMessage(content string) model.PromptMessage {
	return model.PromptMessage{Role: model.MessageRoleUser, Content: content}
}

func assistantMessage(content string) model.PromptMessage {
	return model.PromptMessage{Role: model.MessageRoleAssistant, Content: content}
}

func waitForSaves(t *testing.T, p *memoryPersistence, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.saves() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d saves, have %d", want, p.saves())
}

func TestDebouncedFlushCoalescesWrites(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	id, err := svc.EnsureSession("")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	// A burst of appends inside the debounce window should produce one write.
	for i := 0; i < 5; i++ {
		if err := svc.AppendMessages(id, userMessage(fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("AppendMessages: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitForSaves(t, persistence, 1)
	time.Sleep(50 * time.Millisecond)
	if got := persistence.saves(); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}

	_, messages, _, err := persistence.LoadSession(id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(messages) != 5 {
		t.Errorf("persisted %d messages, want 5", len(messages))
	}
	for i, msg := range messages {
		if msg.Seq != i {
			t.Errorf("message %d has seq %d", i, msg.Seq)
		}
	}
}

func TestFlushSkipsUnchangedSnapshot(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	id, _ := svc.EnsureSession("")
	if err := svc.AppendMessages(id, userMessage("hello")); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	waitForSaves(t, persistence, 1)

	// Re-flushing without changes must be a no-op.
	svc.Flush(id)
	svc.FlushAll()
	if got := persistence.saves(); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}
}

func TestTitleDerivation(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	t.Run("from first user message", func(t *testing.T) {
		id, _ := svc.EnsureSession("")
		svc.AppendMessages(id, userMessage("make my   email \n more polite"), assistantMessage("Rewrite..."))
		svc.Flush(id)

		session, _, _, err := svc.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if session.Title != "make my email more polite" {
			t.Errorf("Title = %q", session.Title)
		}
	})

	t.Run("truncated to the cap", func(t *testing.T) {
		long := ""
		for i := 0; i < 30; i++ {
			long += "words "
		}
		id, _ := svc.EnsureSession("")
		svc.AppendMessages(id, userMessage(long))
		svc.Flush(id)

		session, _, _, _ := svc.Get(id)
		if got := len([]rune(session.Title)); got > model.MaxSessionTitleLength {
			t.Errorf("title is %d runes, cap is %d", got, model.MaxSessionTitleLength)
		}
	})

	t.Run("rename overrides derivation", func(t *testing.T) {
		id, _ := svc.EnsureSession("")
		svc.AppendMessages(id, userMessage("original content"))
		if err := svc.Rename(id, "My project"); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		svc.Flush(id)

		session, _, _, _ := svc.Get(id)
		if session.Title != "My project" {
			t.Errorf("Title = %q, want %q", session.Title, "My project")
		}
	})
}

func TestListOrdersByRecentActivity(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	first, _ := svc.EnsureSession("")
	svc.AppendMessages(first, userMessage("first"))
	time.Sleep(5 * time.Millisecond)
	second, _ := svc.EnsureSession("")
	svc.AppendMessages(second, userMessage("second"))
	time.Sleep(5 * time.Millisecond)
	svc.AppendMessages(first, userMessage("first again"))

	sessions := svc.List()
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != first {
		t.Errorf("most recently touched session should list first")
	}
}

func TestEvictionKeepsIndexBounded(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	var oldest string
	for i := 0; i < model.MaxSessions+3; i++ {
		id, err := svc.EnsureSession("")
		if err != nil {
			t.Fatalf("EnsureSession: %v", err)
		}
		if i == 0 {
			oldest = id
		}
		if err := svc.AppendMessages(id, userMessage(fmt.Sprintf("session %d", i))); err != nil {
			t.Fatalf("AppendMessages: %v", err)
		}
		svc.Flush(id)
	}

	if got := len(svc.List()); got > model.MaxSessions {
		t.Errorf("index holds %d sessions, cap is %d", got, model.MaxSessions)
	}
	if got := persistence.sessionCount(); got > model.MaxSessions {
		t.Errorf("persistence holds %d sessions, cap is %d", got, model.MaxSessions)
	}
	if _, _, _, err := svc.Get(oldest); err != ErrSessionNotFound {
		t.Errorf("oldest session should be evicted, got %v", err)
	}
}

func TestDeleteBypassesDebounce(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	id, _ := svc.EnsureSession("")
	svc.AppendMessages(id, userMessage("hello"))
	svc.Flush(id)

	if err := svc.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if persistence.sessionCount() != 0 {
		t.Error("delete should purge persistence immediately")
	}
	if _, _, _, err := svc.Get(id); err != ErrSessionNotFound {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}

	if err := svc.Delete(id); err != ErrSessionNotFound {
		t.Errorf("deleting twice should report not found, got %v", err)
	}
}

func TestListHidesSessionsWithoutMessages(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	// A minted session whose first task failed never got a message.
	id, err := svc.EnsureSession("")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if got := len(svc.List()); got != 0 {
		t.Errorf("unused session visible in the index: got %d sessions, want 0", got)
	}

	if err := svc.AppendMessages(id, userMessage("hello")); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if got := len(svc.List()); got != 1 {
		t.Errorf("got %d sessions after first message, want 1", got)
	}
}

func TestReapEmptyBuffers(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	unused, _ := svc.EnsureSession("")
	active, _ := svc.EnsureSession("")
	svc.AppendMessages(active, userMessage("hello"))
	svc.Flush(active)

	svc.mu.Lock()
	svc.buffers[unused].session.CreatedAt = time.Now().Add(-2 * time.Hour)
	svc.buffers[active].session.CreatedAt = time.Now().Add(-2 * time.Hour)
	svc.mu.Unlock()

	if got := svc.ReapEmptyBuffers(time.Hour); got != 1 {
		t.Errorf("reaped %d buffers, want 1", got)
	}
	if _, _, _, err := svc.Get(unused); err != ErrSessionNotFound {
		t.Errorf("reaped session should be gone, got %v", err)
	}
	if _, _, _, err := svc.Get(active); err != nil {
		t.Errorf("session with messages must survive the reap: %v", err)
	}
}

// gatedPersistence lets a test hold a SaveSession call open.
type gatedPersistence struct {
	*memoryPersistence
	saveStarted chan struct{}
	release     chan struct{}
}

func (p *gatedPersistence) SaveSession(session *model.PromptSession, messages []model.PromptMessage, coaching *model.CoachingState) error {
	p.saveStarted <- struct{}{}
	<-p.release
	return p.memoryPersistence.SaveSession(session, messages, coaching)
}

func TestDeleteDuringFlushIsNotResurrected(t *testing.T) {
	persistence := &gatedPersistence{
		memoryPersistence: newMemoryPersistence(),
		saveStarted:       make(chan struct{}, 1),
		release:           make(chan struct{}),
	}
	svc := newTestSessionService(t, persistence)

	id, _ := svc.EnsureSession("")
	if err := svc.AppendMessages(id, userMessage("hello")); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	go svc.Flush(id)
	<-persistence.saveStarted

	// The flush is inside SaveSession; delete the session out from under it.
	if err := svc.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(persistence.release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && persistence.sessionCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := persistence.sessionCount(); got != 0 {
		t.Errorf("deleted session resurrected in persistence (%d sessions)", got)
	}
	if _, _, _, err := svc.Get(id); err != ErrSessionNotFound {
		t.Errorf("deleted session resurrected in memory, got %v", err)
	}
	if got := len(svc.List()); got != 0 {
		t.Errorf("deleted session back in the index: %d sessions", got)
	}
}

func TestClearStaleCoachingSticksAcrossFlush(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	id, _ := svc.EnsureSession("")
	svc.AppendMessages(id, userMessage("prompt"), assistantMessage("optimized"))
	svc.SetCoaching(id, &model.CoachingState{
		Active:     true,
		Suggestion: "name the audience",
		Questions:  model.StringArray{"Who reads it?"},
		Answers:    model.StringArray{""},
	})
	svc.Flush(id)

	svc.mu.Lock()
	svc.buffers[id].session.UpdatedAt = time.Now().Add(-48 * time.Hour)
	svc.mu.Unlock()

	removed, err := svc.ClearStaleCoaching(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ClearStaleCoaching: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d durable flows, want 1", removed)
	}

	if _, _, coaching, _ := svc.Get(id); coaching != nil {
		t.Error("buffered coaching should be cleared by the sweep")
	}

	// The session is still resident; its next flush must not bring the
	// swept flow back.
	svc.Flush(id)
	persistence.mu.Lock()
	_, stored := persistence.coaching[id]
	persistence.mu.Unlock()
	if stored {
		t.Error("flush wrote a swept coaching flow back to persistence")
	}
}

func TestCoachingLifecycle(t *testing.T) {
	persistence := newMemoryPersistence()
	svc := newTestSessionService(t, persistence)

	id, _ := svc.EnsureSession("")
	svc.AppendMessages(id, userMessage("prompt"), assistantMessage("optimized"))

	state := &model.CoachingState{
		Active:     true,
		Suggestion: "name the audience",
		Questions:  model.StringArray{"Who reads it?"},
		Answers:    model.StringArray{""},
	}
	if err := svc.SetCoaching(id, state); err != nil {
		t.Fatalf("SetCoaching: %v", err)
	}
	svc.Flush(id)

	_, _, coaching, err := svc.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if coaching == nil || !coaching.Active {
		t.Fatal("coaching flow should be active")
	}

	if err := svc.ClearCoaching(id); err != nil {
		t.Fatalf("ClearCoaching: %v", err)
	}
	if _, _, coaching, _ = svc.Get(id); coaching != nil {
		t.Error("cancelled flow should be gone immediately")
	}
	persistence.mu.Lock()
	_, stored := persistence.coaching[id]
	persistence.mu.Unlock()
	if stored {
		t.Error("cancelled flow should be gone from persistence")
	}
}
