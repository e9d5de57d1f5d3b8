package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/promptpilot/api/model"
	"github.com/promptpilot/api/services"
	"github.com/promptpilot/api/services/gemini"
)

// nullPersistence keeps every session in the service's buffers only.
type nullPersistence struct{}

func (nullPersistence) LoadIndex() ([]model.PromptSession, error) { return nil, nil }

func (nullPersistence) LoadSession(id string) (*model.PromptSession, []model.PromptMessage, *model.CoachingState, error) {
	return nil, nil, nil, services.ErrSessionNotFound
}

func (nullPersistence) SaveSession(*model.PromptSession, []model.PromptMessage, *model.CoachingState) error {
	return nil
}

func (nullPersistence) DeleteCoaching(string) error { return nil }

func (nullPersistence) DeleteStaleCoaching(time.Time) (int64, error) { return 0, nil }

func (nullPersistence) PurgeSessions([]string) error { return nil }

// cannedGenerator returns the same text for every generation call.
type cannedGenerator struct {
	text string
}

func (g *cannedGenerator) GenerateText(ctx context.Context, req gemini.GenerateRequest) (*gemini.GenerateResult, error) {
	return &gemini.GenerateResult{Text: g.text, TokensUsed: 10}, nil
}

func newClarifyTestApp(t *testing.T) (*fiber.App, *services.SessionService) {
	t.Helper()
	generator := &cannedGenerator{text: `{"questions": ["What tone should the writing take?"]}`}
	sessions, err := services.NewSessionService(nullPersistence{}, nil)
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	credentials := services.NewCredentialService(nil, generator, "", "")
	handler := NewPromptHandler(services.NewOptimizerService(generator), sessions, credentials)

	app := fiber.New()
	app.Post("/clarify", handler.Clarify)
	return app, sessions
}

// A clarify request may rely entirely on the session log: when the session
// has a prompt but no assistant reply yet, the request still goes through.
func TestClarifyWithoutCurrentResult(t *testing.T) {
	app, sessions := newClarifyTestApp(t)

	sessionID, err := sessions.EnsureSession("")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := sessions.AppendMessages(sessionID, model.PromptMessage{
		Role:    model.MessageRoleUser,
		Content: "Write a launch announcement",
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	body, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"suggestion": "Name the target audience",
	})
	req := httptest.NewRequest(fiber.MethodPost, "/clarify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "test-key")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("got status %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			SessionID string   `json:"session_id"`
			Questions []string `json:"questions"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !envelope.Success {
		t.Error("expected a success envelope")
	}
	if len(envelope.Data.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(envelope.Data.Questions))
	}

	_, _, coaching, err := sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if coaching == nil || !coaching.Active {
		t.Error("clarify should have opened a coaching flow")
	}
}

// A session with no messages at all has nothing to clarify.
func TestClarifyRejectsSessionWithoutPrompt(t *testing.T) {
	app, sessions := newClarifyTestApp(t)

	sessionID, err := sessions.EnsureSession("")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	body, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"suggestion": "Name the target audience",
	})
	req := httptest.NewRequest(fiber.MethodPost, "/clarify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "test-key")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("got status %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}
