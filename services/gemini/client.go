package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// BaseURL is the Google Generative Language API base URL
	BaseURL = "https://generativelanguage.googleapis.com"
	// DefaultTimeout is the HTTP client timeout for generation requests
	DefaultTimeout = 120 * time.Second
)

// Client handles all Gemini API interactions
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Gemini client
type Config struct {
	APIKey  string // server-side default key; per-request keys take precedence
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new Gemini API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &Client{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// APIError represents a Gemini API error response
type APIError struct {
	StatusCode int    `json:"-"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("Gemini API error (status %d): %s", e.StatusCode, e.Message)
}

// Schema describes the expected response shape. It is advisory: the model
// should honor it but is not guaranteed to.
type Schema struct {
	Type       string             `json:"type"` // OBJECT, ARRAY, STRING, ...
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Required   []string           `json:"required,omitempty"`
	MaxItems   int                `json:"maxItems,omitempty"`
}

// GenerateRequest is the engine-facing request for a single generation call
type GenerateRequest struct {
	Model           string
	APIKey          string // overrides the client default when non-empty
	System          string
	Content         string
	Schema          *Schema
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// GenerateResult is the engine-facing result of a generation call
type GenerateResult struct {
	Text        string
	TokensUsed  int
	FinishedFor string // finish reason reported by the API
}

// Generator is the single external capability the engine depends on
type Generator interface {
	GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Wire types for the generateContent endpoint

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   *Schema  `json:"responseSchema,omitempty"`
}

type generateContentRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateContentResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GenerateText performs one generateContent call. It makes no retry
// decisions of its own; failures are returned as *APIError carrying the
// HTTP status so the caller can classify them.
func (c *Client) GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Message: "no API key configured"}
	}

	body := generateContentRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: req.Content}}},
		},
	}

	if req.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}

	cfg := &generationConfig{
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if req.Temperature > 0 {
		cfg.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		cfg.TopP = &req.TopP
	}
	if req.TopK > 0 {
		cfg.TopK = &req.TopK
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	body.GenerationConfig = cfg

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if err := json.Unmarshal(respBody, &envelope); err != nil || envelope.Error.Message == "" {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Message:    string(respBody),
			}
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Status:     envelope.Error.Status,
			Message:    envelope.Error.Message,
		}
	}

	var result generateContentResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, &APIError{
			StatusCode: http.StatusBadGateway,
			Message:    "no candidates returned from generation API",
		}
	}

	// Concatenate text parts (the API may split long outputs)
	text := ""
	for _, p := range result.Candidates[0].Content.Parts {
		text += p.Text
	}

	return &GenerateResult{
		Text:        text,
		TokensUsed:  result.UsageMetadata.TotalTokenCount,
		FinishedFor: result.Candidates[0].FinishReason,
	}, nil
}

// HealthCheck verifies the generation API is reachable with the configured key
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GenerateText(ctx, GenerateRequest{
		Model:           DefaultModel(),
		Content:         "Say 'ok' if you can hear me.",
		MaxOutputTokens: 10,
	})
	return err
}
