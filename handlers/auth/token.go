package auth

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/promptpilot/api/utils/auth"
	"github.com/promptpilot/api/utils/middleware"
	"github.com/promptpilot/api/utils/response"
	"github.com/promptpilot/api/utils/validation"
)

// AuthHandler exchanges the service access key for a short-lived JWT
type AuthHandler struct {
	jwtManager *auth.JWTManager
	bruteForce *middleware.BruteForceProtection
	accessKey  string
	validator  *validation.Validator
}

func NewAuthHandler(jwtManager *auth.JWTManager, bruteForce *middleware.BruteForceProtection, accessKey string) *AuthHandler {
	return &AuthHandler{
		jwtManager: jwtManager,
		bruteForce: bruteForce,
		accessKey:  accessKey,
		validator:  validation.NewValidator(),
	}
}

type tokenRequest struct {
	AccessKey string `json:"access_key" validate:"required,min=1,max=256"`
	ClientID  string `json:"client_id" validate:"omitempty,max=100"`
}

// Token handles POST /api/v1/auth/token
func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	if subtle.ConstantTimeCompare([]byte(req.AccessKey), []byte(h.accessKey)) != 1 {
		if h.bruteForce != nil {
			if err := h.bruteForce.RecordFailedAttempt(c, c.IP()); err != nil {
				log.Printf("Failed to record auth attempt from %s: %v", c.IP(), err)
			}
		}
		return response.Unauthorized(c, "Invalid access key")
	}
	if h.bruteForce != nil {
		if err := h.bruteForce.RecordSuccessfulAttempt(c, c.IP()); err != nil {
			log.Printf("Failed to clear auth attempts for %s: %v", c.IP(), err)
		}
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = "default"
	}
	token, _, err := h.jwtManager.GenerateAccessToken(clientID)
	if err != nil {
		log.Printf("Failed to generate access token: %v", err)
		return response.InternalServerError(c, "Failed to generate token")
	}

	return response.Success(c, fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
	})
}
