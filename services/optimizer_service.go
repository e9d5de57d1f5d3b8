package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/promptpilot/api/model"
	"github.com/promptpilot/api/services/gemini"
)

// ClientError reports a request the caller must fix: bad input, unknown
// model, missing or invalid credentials.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

// UpstreamError reports a provider-side failure. Transient failures already
// went through the retry policy; terminal ones carry a remedy the caller can
// act on.
type UpstreamError struct {
	StatusCode int
	Message    string
	Transient  bool
	Remedy     string
}

func (e *UpstreamError) Error() string {
	if e.Remedy != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Remedy)
	}
	return e.Message
}

// TaskRequest is one unit of orchestrated work. Exactly one of the phase
// inputs must be set, matching Task.
type TaskRequest struct {
	Task     TaskPhase
	ModelID  string
	APIKey   string
	Optimize *OptimizeInput
	Clarify  *ClarifyInput
	Refine   *RefineInput
}

// TaskResult carries the parsed outcome of a task plus invocation metadata.
// Questions is set only for clarify tasks.
type TaskResult struct {
	OptimizedPrompt string
	Explanations    []string
	Suggestions     []string
	Questions       []string
	Fallback        bool
	Note            string
	ModelUsed       string
	TokensUsed      int
	ResponseTimeMs  int64
}

// Generation tuning per phase. Clarify runs colder: question lists drift
// less at low temperature.
const (
	optimizeTemperature = 0.7
	clarifyTemperature  = 0.3
	generationTopP      = 0.95
	generationTopK      = 40
	maxOutputTokens     = 4096
)

// OptimizerService drives a task through its lifecycle: validate the
// request, build the prompt, invoke the model with retries, parse the
// response. Parse failures degrade to a fallback result; they never fail
// the task.
type OptimizerService struct {
	invoker *RetryingInvoker
}

func NewOptimizerService(generator gemini.Generator) *OptimizerService {
	return &OptimizerService{invoker: NewRetryingInvoker(generator)}
}

// RunTask executes one task end to end.
func (s *OptimizerService) RunTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	modelID, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	var built BuiltPrompt
	temperature := optimizeTemperature
	switch req.Task {
	case TaskOptimize:
		built = BuildOptimizePrompt(*req.Optimize)
	case TaskClarify:
		built = BuildClarifyPrompt(*req.Clarify)
		temperature = clarifyTemperature
	case TaskRefine:
		built = BuildRefinePrompt(*req.Refine)
	}

	start := time.Now()
	generated, err := s.invoker.Invoke(ctx, gemini.GenerateRequest{
		Model:           modelID,
		APIKey:          req.APIKey,
		System:          built.System,
		Content:         built.Content,
		Schema:          built.Schema,
		Temperature:     temperature,
		TopP:            generationTopP,
		TopK:            generationTopK,
		MaxOutputTokens: maxOutputTokens,
	})
	if err != nil {
		return nil, classifyUpstream(err)
	}
	elapsed := time.Since(start).Milliseconds()

	result := &TaskResult{
		ModelUsed:      modelID,
		TokensUsed:     generated.TokensUsed,
		ResponseTimeMs: elapsed,
	}

	if req.Task == TaskClarify {
		result.Questions = ParseClarifyResponse(generated.Text, model.MaxCoachingQuestions)
		return result, nil
	}

	parsed := ParseOptimizeResponse(generated.Text)
	result.OptimizedPrompt = parsed.OptimizedPrompt
	result.Explanations = parsed.Explanations
	result.Suggestions = parsed.Suggestions
	result.Fallback = parsed.Fallback
	result.Note = parsed.Note
	if parsed.Fallback {
		log.Printf("Task %s on %s degraded to raw text output", req.Task, modelID)
	}
	return result, nil
}

// validate checks the request shape and resolves the model, returning the
// model id to use.
func (s *OptimizerService) validate(req *TaskRequest) (string, error) {
	modelID := req.ModelID
	if modelID == "" {
		modelID = gemini.DefaultModel()
	}
	if !gemini.IsSupported(modelID) {
		return "", &ClientError{Message: fmt.Sprintf("unsupported model %q", modelID)}
	}

	switch req.Task {
	case TaskOptimize:
		if req.Optimize == nil {
			return "", &ClientError{Message: "optimize task requires an optimize payload"}
		}
		if strings.TrimSpace(req.Optimize.Prompt) == "" && !req.Optimize.IsRefinement() {
			return "", &ClientError{Message: "optimize task requires a prompt, or a previous result with a refinement instruction"}
		}
	case TaskClarify:
		if req.Clarify == nil {
			return "", &ClientError{Message: "clarify task requires a clarify payload"}
		}
		if strings.TrimSpace(req.Clarify.Prompt) == "" || strings.TrimSpace(req.Clarify.Suggestion) == "" {
			return "", &ClientError{Message: "clarify task requires the original prompt and the chosen suggestion"}
		}
	case TaskRefine:
		if req.Refine == nil {
			return "", &ClientError{Message: "refine task requires a refine payload"}
		}
		if strings.TrimSpace(req.Refine.CurrentResult) == "" {
			return "", &ClientError{Message: "refine task requires the current optimized prompt"}
		}
		if len(req.Refine.Answers) == 0 {
			return "", &ClientError{Message: "refine task requires at least one answered question"}
		}
	default:
		return "", &ClientError{Message: fmt.Sprintf("unknown task %q", req.Task)}
	}
	return modelID, nil
}

// classifyUpstream maps raw invocation errors into the caller-facing
// taxonomy: credential problems become client errors, exhausted transient
// statuses stay transient, everything else is terminal with a remedy when
// one is known.
func classifyUpstream(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *gemini.APIError
	if !errors.As(err, &apiErr) {
		return &UpstreamError{
			Message: fmt.Sprintf("provider unreachable: %v", err),
			Remedy:  "check network connectivity and the provider base URL",
		}
	}

	message := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return &ClientError{Message: "the provider rejected the API key; update your credentials"}
	case apiErr.StatusCode == 400 && strings.Contains(message, "api key"):
		return &ClientError{Message: "the provider rejected the API key; update your credentials"}
	case apiErr.StatusCode == 404:
		return &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Remedy:     "the model is unavailable; switch to a different model",
		}
	case apiErr.StatusCode == 400 && (strings.Contains(message, "token") || strings.Contains(message, "context")):
		return &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Remedy:     "the request exceeds the model's context window; shorten the prompt",
		}
	case retriableStatuses[apiErr.StatusCode]:
		return &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Transient:  true,
			Remedy:     "the provider is temporarily overloaded; try again shortly",
		}
	default:
		return &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
		}
	}
}
