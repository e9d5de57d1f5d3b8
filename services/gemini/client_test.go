package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func successBody(text string) string {
	return `{
		"candidates": [{"content": {"parts": [{"text": ` + mustJSON(text) + `}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 7, "totalTokenCount": 12}
	}`
}

func mustJSON(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func TestGenerateText(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateContentRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(successBody("hello there")))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "default-key", BaseURL: server.URL})
	result, err := client.GenerateText(context.Background(), GenerateRequest{
		Model:           "gemini-2.5-flash",
		System:          "be brief",
		Content:         "say hello",
		Schema:          &Schema{Type: "OBJECT"},
		Temperature:     0.7,
		MaxOutputTokens: 100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Text != "hello there" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.TokensUsed != 12 {
		t.Errorf("TokensUsed = %d, want 12", result.TokensUsed)
	}
	if gotPath != "/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "default-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("system instruction not sent")
	}
	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Error("schema requests should set the JSON response MIME type")
	}
}

func TestGenerateTextKeyPrecedence(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		w.Write([]byte(successBody("ok")))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "default-key", BaseURL: server.URL})
	_, err := client.GenerateText(context.Background(), GenerateRequest{
		Model:   "gemini-2.5-flash",
		APIKey:  "request-key",
		Content: "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "request-key" {
		t.Errorf("per-request key should win, header = %q", gotKey)
	}
}

func TestGenerateTextNoKey(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://unused"})
	_, err := client.GenerateText(context.Background(), GenerateRequest{Model: "gemini-2.5-flash", Content: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("want 401 APIError, got %v", err)
	}
}

func TestGenerateTextErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL})
	_, err := client.GenerateText(context.Background(), GenerateRequest{Model: "gemini-2.5-flash", Content: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", apiErr.StatusCode)
	}
	if apiErr.Message != "Resource has been exhausted" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if apiErr.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("Status = %q", apiErr.Status)
	}
}

func TestGenerateTextNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream proxy error"))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL})
	_, err := client.GenerateText(context.Background(), GenerateRequest{Model: "gemini-2.5-flash", Content: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502 APIError, got %v", err)
	}
}

func TestGenerateTextEmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [], "usageMetadata": {}}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL})
	_, err := client.GenerateText(context.Background(), GenerateRequest{Model: "gemini-2.5-flash", Content: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("want 502 APIError for empty candidates, got %v", err)
	}
}

func TestModelRegistry(t *testing.T) {
	if !IsSupported(DefaultModel()) {
		t.Error("the default model must be in the registry")
	}
	if IsSupported("made-up-model") {
		t.Error("unknown models must not be supported")
	}
	if len(SupportedModels()) == 0 {
		t.Error("registry must not be empty")
	}
}
