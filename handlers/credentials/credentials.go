package credentials

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/promptpilot/api/services"
	"github.com/promptpilot/api/utils/response"
	"github.com/promptpilot/api/utils/validation"
)

// CredentialHandler manages stored provider API keys
type CredentialHandler struct {
	credentials *services.CredentialService
	validator   *validation.Validator
}

func NewCredentialHandler(credentials *services.CredentialService) *CredentialHandler {
	return &CredentialHandler{
		credentials: credentials,
		validator:   validation.NewValidator(),
	}
}

type storeRequest struct {
	Provider string `json:"provider" validate:"required,oneof=gemini"`
	APIKey   string `json:"api_key" validate:"required,min=8,max=512"`
}

// Store handles PUT /api/v1/credentials. The key is verified against the
// provider before it is accepted.
func (h *CredentialHandler) Store(c *fiber.Ctx) error {
	var req storeRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	if err := h.credentials.Store(c.Context(), req.Provider, req.APIKey); err != nil {
		log.Printf("Failed to store %s credential: %v", req.Provider, err)
		return response.BadRequest(c, "API key verification failed")
	}
	return response.SuccessWithMessage(c, "Credential stored", nil)
}

// Status handles GET /api/v1/credentials/status
func (h *CredentialHandler) Status(c *fiber.Ctx) error {
	stored, lastVerified, err := h.credentials.Status(services.GeminiProvider)
	if err != nil {
		log.Printf("Failed to load credential status: %v", err)
		return response.InternalServerError(c, "Failed to load credential status")
	}
	return response.Success(c, fiber.Map{
		"provider":      services.GeminiProvider,
		"stored":        stored,
		"last_verified": lastVerified,
	})
}

// Delete handles DELETE /api/v1/credentials
func (h *CredentialHandler) Delete(c *fiber.Ctx) error {
	if err := h.credentials.Delete(services.GeminiProvider); err != nil {
		log.Printf("Failed to delete credential: %v", err)
		return response.InternalServerError(c, "Failed to delete credential")
	}
	return response.NoContent(c)
}
