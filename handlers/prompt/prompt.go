package prompt

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"

	"github.com/promptpilot/api/model"
	"github.com/promptpilot/api/services"
	"github.com/promptpilot/api/services/gemini"
	"github.com/promptpilot/api/utils/response"
	"github.com/promptpilot/api/utils/validation"
)

// PromptHandler serves the optimization endpoints
type PromptHandler struct {
	optimizer   *services.OptimizerService
	sessions    *services.SessionService
	credentials *services.CredentialService
	validator   *validation.Validator
}

func NewPromptHandler(optimizer *services.OptimizerService, sessions *services.SessionService, credentials *services.CredentialService) *PromptHandler {
	return &PromptHandler{
		optimizer:   optimizer,
		sessions:    sessions,
		credentials: credentials,
		validator:   validation.NewValidator(),
	}
}

type optimizeRequest struct {
	Prompt                string `json:"prompt" validate:"omitempty,max=20000"`
	PreviousResult        string `json:"previous_result" validate:"omitempty,max=50000"`
	RefinementInstruction string `json:"refinement_instruction" validate:"omitempty,max=5000"`
	SessionID             string `json:"session_id" validate:"omitempty,max=64"`
	Model                 string `json:"model" validate:"omitempty,max=100"`
}

type clarifyRequest struct {
	SessionID     string `json:"session_id" validate:"required,max=64"`
	Suggestion    string `json:"suggestion" validate:"required,max=2000"`
	Prompt        string `json:"prompt" validate:"omitempty,max=20000"`
	CurrentResult string `json:"current_result" validate:"omitempty,max=50000"`
	Model         string `json:"model" validate:"omitempty,max=100"`
}

type refineRequest struct {
	SessionID string   `json:"session_id" validate:"required,max=64"`
	Answers   []string `json:"answers" validate:"required,min=1,max=4,dive,max=5000"`
	Model     string   `json:"model" validate:"omitempty,max=100"`
}

type taskResponse struct {
	SessionID       string   `json:"session_id"`
	OptimizedPrompt string   `json:"optimized_prompt"`
	Explanations    []string `json:"explanations"`
	Suggestions     []string `json:"suggestions"`
	Fallback        bool     `json:"fallback"`
	Note            string   `json:"note,omitempty"`
	ModelUsed       string   `json:"model_used"`
	TokensUsed      int      `json:"tokens_used"`
	ResponseTimeMs  int64    `json:"response_time_ms"`
}

// Optimize handles POST /api/v1/prompt/optimize. Without a session id it
// starts a new session; with one it appends to it.
func (h *PromptHandler) Optimize(c *fiber.Ctx) error {
	var req optimizeRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	apiKey, err := h.credentials.ResolveKey(c.Get("X-Api-Key"))
	if err != nil {
		log.Printf("Failed to resolve API key: %v", err)
		return response.InternalServerError(c, "Failed to resolve provider credentials")
	}

	sessionID, err := h.sessions.EnsureSession(req.SessionID)
	if err != nil {
		return h.sessionError(c, err)
	}
	lock := h.sessions.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	input := services.OptimizeInput{
		Prompt:                req.Prompt,
		PreviousResult:        req.PreviousResult,
		RefinementInstruction: req.RefinementInstruction,
	}
	result, err := h.optimizer.RunTask(c.Context(), services.TaskRequest{
		Task:     services.TaskOptimize,
		ModelID:  req.Model,
		APIKey:   apiKey,
		Optimize: &input,
	})
	if err != nil {
		return h.taskError(c, err)
	}

	userContent := req.Prompt
	if input.IsRefinement() {
		userContent = req.RefinementInstruction
	}
	if err := h.appendExchange(sessionID, userContent, result); err != nil {
		log.Printf("Failed to record exchange for session %s: %v", sessionID, err)
	}

	return response.Success(c, buildTaskResponse(sessionID, result))
}

// Clarify handles POST /api/v1/prompt/clarify. It asks the model for
// clarifying questions about one suggestion and opens a coaching flow when
// any come back.
func (h *PromptHandler) Clarify(c *fiber.Ctx) error {
	var req clarifyRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	apiKey, err := h.credentials.ResolveKey(c.Get("X-Api-Key"))
	if err != nil {
		log.Printf("Failed to resolve API key: %v", err)
		return response.InternalServerError(c, "Failed to resolve provider credentials")
	}

	lock := h.sessions.SessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	_, messages, coaching, err := h.sessions.Get(req.SessionID)
	if err != nil {
		return h.sessionError(c, err)
	}
	if coaching != nil && coaching.Active {
		return response.Conflict(c, "A coaching flow is already in progress for this session")
	}

	// Body values win; otherwise fall back to the session log.
	originalPrompt := req.Prompt
	if originalPrompt == "" {
		originalPrompt = firstUserContent(messages)
	}
	currentResult := req.CurrentResult
	if currentResult == "" {
		currentResult = lastAssistantContent(messages)
	}
	if originalPrompt == "" {
		return response.BadRequest(c, "Session has no prompt to clarify")
	}

	result, err := h.optimizer.RunTask(c.Context(), services.TaskRequest{
		Task:    services.TaskClarify,
		ModelID: req.Model,
		APIKey:  apiKey,
		Clarify: &services.ClarifyInput{
			Prompt:        originalPrompt,
			CurrentResult: currentResult,
			Suggestion:    req.Suggestion,
		},
	})
	if err != nil {
		return h.taskError(c, err)
	}

	if len(result.Questions) > 0 {
		state := &model.CoachingState{
			Active:     true,
			Suggestion: req.Suggestion,
			Questions:  result.Questions,
			Answers:    make(model.StringArray, len(result.Questions)),
		}
		if err := h.sessions.SetCoaching(req.SessionID, state); err != nil {
			return h.sessionError(c, err)
		}
	}

	return response.Success(c, fiber.Map{
		"session_id": req.SessionID,
		"questions":  result.Questions,
		"model_used": result.ModelUsed,
	})
}

// Refine handles POST /api/v1/prompt/refine. It folds answers to the open
// coaching flow's questions back into the optimized prompt and closes the
// flow.
func (h *PromptHandler) Refine(c *fiber.Ctx) error {
	var req refineRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	apiKey, err := h.credentials.ResolveKey(c.Get("X-Api-Key"))
	if err != nil {
		log.Printf("Failed to resolve API key: %v", err)
		return response.InternalServerError(c, "Failed to resolve provider credentials")
	}

	lock := h.sessions.SessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	_, messages, coaching, err := h.sessions.Get(req.SessionID)
	if err != nil {
		return h.sessionError(c, err)
	}
	if coaching == nil || !coaching.Active {
		return response.Conflict(c, "No coaching flow is in progress for this session")
	}
	if len(req.Answers) != len(coaching.Questions) {
		return response.BadRequest(c, "Answer count does not match the open questions")
	}

	currentResult := lastAssistantContent(messages)
	if currentResult == "" {
		return response.BadRequest(c, "Session has no optimized prompt to refine")
	}

	answers := make([]services.QuestionAnswer, len(coaching.Questions))
	for i, question := range coaching.Questions {
		answers[i] = services.QuestionAnswer{Question: question, Answer: req.Answers[i]}
	}

	result, err := h.optimizer.RunTask(c.Context(), services.TaskRequest{
		Task:    services.TaskRefine,
		ModelID: req.Model,
		APIKey:  apiKey,
		Refine: &services.RefineInput{
			CurrentResult: currentResult,
			Answers:       answers,
		},
	})
	if err != nil {
		return h.taskError(c, err)
	}

	if err := h.sessions.ClearCoaching(req.SessionID); err != nil {
		log.Printf("Failed to close coaching flow for session %s: %v", req.SessionID, err)
	}
	if err := h.appendExchange(req.SessionID, refineUserContent(answers), result); err != nil {
		log.Printf("Failed to record exchange for session %s: %v", req.SessionID, err)
	}

	return response.Success(c, buildTaskResponse(req.SessionID, result))
}

// ListModels handles GET /api/v1/models
func (h *PromptHandler) ListModels(c *fiber.Ctx) error {
	return response.Success(c, fiber.Map{
		"models":  gemini.SupportedModels(),
		"default": gemini.DefaultModel(),
	})
}

// appendExchange records one user/assistant message pair.
func (h *PromptHandler) appendExchange(sessionID, userContent string, result *services.TaskResult) error {
	assistant := model.PromptMessage{
		Role:           model.MessageRoleAssistant,
		Content:        result.OptimizedPrompt,
		Explanations:   result.Explanations,
		Suggestions:    result.Suggestions,
		ModelUsed:      result.ModelUsed,
		ResponseTimeMs: int(result.ResponseTimeMs),
	}
	if result.Fallback {
		assistant.Metadata = datatypes.JSON([]byte(`{"fallback":true}`))
	}
	return h.sessions.AppendMessages(sessionID,
		model.PromptMessage{Role: model.MessageRoleUser, Content: userContent},
		assistant,
	)
}

// taskError maps orchestration errors onto HTTP statuses.
func (h *PromptHandler) taskError(c *fiber.Ctx, err error) error {
	var clientErr *services.ClientError
	if errors.As(err, &clientErr) {
		return response.BadRequest(c, clientErr.Message)
	}
	var upstreamErr *services.UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.Transient {
			return response.ServiceUnavailable(c, upstreamErr.Error())
		}
		return response.BadGateway(c, upstreamErr.Error())
	}
	if errors.Is(err, context.Canceled) {
		return response.Error(c, fiber.StatusRequestTimeout, "Request cancelled", "REQUEST_CANCELLED")
	}
	log.Printf("Unclassified task error: %v", err)
	return response.InternalServerError(c, "Task execution failed")
}

func (h *PromptHandler) sessionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, services.ErrSessionNotFound) {
		return response.NotFound(c, "Session not found")
	}
	log.Printf("Session store error: %v", err)
	return response.InternalServerError(c, "Session store failure")
}

func buildTaskResponse(sessionID string, result *services.TaskResult) taskResponse {
	return taskResponse{
		SessionID:       sessionID,
		OptimizedPrompt: result.OptimizedPrompt,
		Explanations:    result.Explanations,
		Suggestions:     result.Suggestions,
		Fallback:        result.Fallback,
		Note:            result.Note,
		ModelUsed:       result.ModelUsed,
		TokensUsed:      result.TokensUsed,
		ResponseTimeMs:  result.ResponseTimeMs,
	}
}

func firstUserContent(messages []model.PromptMessage) string {
	for _, msg := range messages {
		if msg.Role == model.MessageRoleUser {
			return msg.Content
		}
	}
	return ""
}

func lastAssistantContent(messages []model.PromptMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.MessageRoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

func refineUserContent(answers []services.QuestionAnswer) string {
	content := "Answered clarifying questions:"
	for _, pair := range answers {
		content += "\n" + pair.Question + " " + pair.Answer
	}
	return content
}
