package services

import (
	"strings"

	"github.com/promptpilot/api/utils/llmjson"
)

// MaxSuggestions caps how many improvement suggestions survive sanitization.
const MaxSuggestions = 3

// MaxSuggestionWords caps the length of a single suggestion.
const MaxSuggestionWords = 12

// FallbackNote is attached to results when the model response could not be
// parsed as structured output and the raw text is used instead.
const FallbackNote = "The response could not be parsed as structured output; showing the raw model text."

type optimizePayload struct {
	OptimizedPrompt string   `json:"optimizedPrompt"`
	Explanations    []string `json:"explanations"`
	Suggestions     []string `json:"suggestions"`
}

type clarifyPayload struct {
	Questions []string `json:"questions"`
}

// ParsedOptimize is the outcome of parsing an optimize/refine response.
// Parsing is total: when the model output is not usable JSON, Fallback is
// set and OptimizedPrompt carries the raw text.
type ParsedOptimize struct {
	OptimizedPrompt string
	Explanations    []string
	Suggestions     []string
	Fallback        bool
	Note            string
}

// ParseOptimizeResponse extracts the structured optimization result from raw
// model output. It never returns an error: malformed output degrades to a
// fallback result carrying the raw text.
func ParseOptimizeResponse(raw string) ParsedOptimize {
	var payload optimizePayload
	if err := llmjson.ExtractTo(raw, &payload); err == nil && strings.TrimSpace(payload.OptimizedPrompt) != "" {
		return ParsedOptimize{
			OptimizedPrompt: strings.TrimSpace(payload.OptimizedPrompt),
			Explanations:    trimNonEmpty(payload.Explanations),
			Suggestions:     SanitizeSuggestions(payload.Suggestions),
		}
	}
	// Degraded result: the raw text stands in for the optimized prompt and
	// the diagnostic note rides in the explanations so it reaches the user.
	return ParsedOptimize{
		OptimizedPrompt: strings.TrimSpace(llmjson.StripFences(raw)),
		Explanations:    []string{FallbackNote},
		Fallback:        true,
		Note:            FallbackNote,
	}
}

// ParseClarifyResponse extracts clarifying questions from raw model output,
// capped at MaxCoachingQuestions. When the output is not usable JSON it
// falls back to collecting question-shaped lines from the raw text.
func ParseClarifyResponse(raw string, maxQuestions int) []string {
	var payload clarifyPayload
	if err := llmjson.ExtractTo(raw, &payload); err == nil {
		return capQuestions(trimNonEmpty(payload.Questions), maxQuestions)
	}

	// Fallback: lines that read like questions.
	var questions []string
	for _, line := range strings.Split(llmjson.StripFences(raw), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line != "" && strings.HasSuffix(line, "?") {
			questions = append(questions, line)
		}
	}
	return capQuestions(questions, maxQuestions)
}

// suggestionPrefixes are boilerplate lead-ins models prepend to suggestions.
var suggestionPrefixes = []string{
	"ask the user:",
	"question:",
	"prompt:",
	"suggestion:",
}

// SanitizeSuggestions normalizes raw model suggestions: strips wrapping
// quotes and boilerplate prefixes, collapses whitespace, caps each entry at
// MaxSuggestionWords words, drops empties and case-insensitive duplicates,
// and keeps at most MaxSuggestions entries.
func SanitizeSuggestions(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, s := range raw {
		s = strings.Trim(strings.TrimSpace(s), "\"'“”‘’")
		lower := strings.ToLower(s)
		for _, prefix := range suggestionPrefixes {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				break
			}
		}
		words := strings.Fields(s)
		if len(words) == 0 {
			continue
		}
		if len(words) > MaxSuggestionWords {
			words = words[:MaxSuggestionWords]
		}
		s = strings.Join(words, " ")
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == MaxSuggestions {
			break
		}
	}
	return out
}

func trimNonEmpty(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func capQuestions(questions []string, max int) []string {
	if max > 0 && len(questions) > max {
		return questions[:max]
	}
	return questions
}
