package session

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/promptpilot/api/services"
	"github.com/promptpilot/api/utils/response"
	"github.com/promptpilot/api/utils/validation"
)

// SessionHandler serves the session management endpoints
type SessionHandler struct {
	sessions  *services.SessionService
	validator *validation.Validator
}

func NewSessionHandler(sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		validator: validation.NewValidator(),
	}
}

type renameRequest struct {
	Title string `json:"title" validate:"required,min=1,max=80"`
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	return response.Success(c, fiber.Map{
		"sessions": h.sessions.List(),
	})
}

// Get handles GET /api/v1/sessions/:id
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	session, messages, coaching, err := h.sessions.Get(sessionID)
	if err != nil {
		return h.storeError(c, err)
	}
	return response.Success(c, fiber.Map{
		"session":  session,
		"messages": messages,
		"coaching": coaching,
	})
}

// Rename handles PATCH /api/v1/sessions/:id
func (h *SessionHandler) Rename(c *fiber.Ctx) error {
	var req renameRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	if err := h.sessions.Rename(c.Params("id"), req.Title); err != nil {
		return h.storeError(c, err)
	}
	return response.SuccessWithMessage(c, "Session renamed", nil)
}

// Delete handles DELETE /api/v1/sessions/:id
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.sessions.Delete(c.Params("id")); err != nil {
		return h.storeError(c, err)
	}
	return response.NoContent(c)
}

// CancelCoaching handles DELETE /api/v1/sessions/:id/coaching
func (h *SessionHandler) CancelCoaching(c *fiber.Ctx) error {
	if err := h.sessions.ClearCoaching(c.Params("id")); err != nil {
		return h.storeError(c, err)
	}
	return response.NoContent(c)
}

func (h *SessionHandler) storeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, services.ErrSessionNotFound) {
		return response.NotFound(c, "Session not found")
	}
	log.Printf("Session store error: %v", err)
	return response.InternalServerError(c, "Session store failure")
}
