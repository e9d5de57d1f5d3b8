package services

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseOptimizeResponse(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantPrompt   string
		wantFallback bool
	}{
		{
			name:       "clean json",
			raw:        `{"optimizedPrompt": "Write a haiku about autumn.", "explanations": ["added form"], "suggestions": ["specify tone"]}`,
			wantPrompt: "Write a haiku about autumn.",
		},
		{
			name: "fenced json",
			raw: "```json\n" +
				`{"optimizedPrompt": "Summarize the report in 5 bullets.", "explanations": [], "suggestions": []}` +
				"\n```",
			wantPrompt: "Summarize the report in 5 bullets.",
		},
		{
			name:       "json embedded in prose",
			raw:        `Sure, here is the result: {"optimizedPrompt": "Translate to French.", "suggestions": ["mention register"]} Hope this helps!`,
			wantPrompt: "Translate to French.",
		},
		{
			name:         "plain prose falls back",
			raw:          "I think you should make the prompt more specific.",
			wantPrompt:   "I think you should make the prompt more specific.",
			wantFallback: true,
		},
		{
			name:         "truncated json falls back",
			raw:          `{"optimizedPrompt": "Write a`,
			wantPrompt:   `{"optimizedPrompt": "Write a`,
			wantFallback: true,
		},
		{
			name:         "valid json without the result field falls back",
			raw:          `{"answer": 42}`,
			wantPrompt:   `{"answer": 42}`,
			wantFallback: true,
		},
		{
			name:         "empty input falls back",
			raw:          "",
			wantPrompt:   "",
			wantFallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOptimizeResponse(tt.raw)
			if got.OptimizedPrompt != tt.wantPrompt {
				t.Errorf("OptimizedPrompt = %q, want %q", got.OptimizedPrompt, tt.wantPrompt)
			}
			if got.Fallback != tt.wantFallback {
				t.Errorf("Fallback = %v, want %v", got.Fallback, tt.wantFallback)
			}
			if tt.wantFallback {
				if got.Note == "" {
					t.Error("fallback result should carry a note")
				}
				if len(got.Explanations) != 1 || got.Explanations[0] != FallbackNote {
					t.Errorf("fallback should surface the diagnostic note in explanations, got %v", got.Explanations)
				}
			}
			if !tt.wantFallback && got.Note != "" {
				t.Errorf("clean parse should not carry a note, got %q", got.Note)
			}
		})
	}
}

func TestParseClarifyResponse(t *testing.T) {
	t.Run("json questions", func(t *testing.T) {
		got := ParseClarifyResponse(`{"questions": ["Who is the audience?", "What tone do you want?"]}`, 4)
		want := []string{"Who is the audience?", "What tone do you want?"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("caps question count", func(t *testing.T) {
		got := ParseClarifyResponse(`{"questions": ["Q1?", "Q2?", "Q3?", "Q4?", "Q5?", "Q6?"]}`, 4)
		if len(got) != 4 {
			t.Errorf("got %d questions, want 4", len(got))
		}
	})

	t.Run("prose fallback collects question lines", func(t *testing.T) {
		raw := "Here are my questions:\n1. Who is the audience?\n2. How long should it be?\nThanks."
		got := ParseClarifyResponse(raw, 4)
		want := []string{"Who is the audience?", "How long should it be?"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("no questions found", func(t *testing.T) {
		if got := ParseClarifyResponse("Everything is clear already.", 4); len(got) != 0 {
			t.Errorf("got %v, want none", got)
		}
	})
}

func TestSanitizeSuggestions(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want []string
	}{
		{
			name: "strips quotes and prefixes",
			raw:  []string{`"Suggestion: add an output format"`, "Ask the user: what is the audience"},
			want: []string{"add an output format", "what is the audience"},
		},
		{
			name: "collapses whitespace",
			raw:  []string{"add   an\n output\tformat"},
			want: []string{"add an output format"},
		},
		{
			name: "drops empties and dedupes case-insensitively",
			raw:  []string{"", "  ", "Add examples", "add examples", "ADD EXAMPLES"},
			want: []string{"Add examples"},
		},
		{
			name: "keeps at most three",
			raw:  []string{"one", "two", "three", "four", "five"},
			want: []string{"one", "two", "three"},
		},
		{
			name: "truncates to twelve words",
			raw:  []string{"one two three four five six seven eight nine ten eleven twelve thirteen fourteen"},
			want: []string{"one two three four five six seven eight nine ten eleven twelve"},
		},
		{
			name: "nil input",
			raw:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeSuggestions(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeSuggestionsWordCap(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := SanitizeSuggestions([]string{long})
	if len(got) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(got))
	}
	if words := strings.Fields(got[0]); len(words) > MaxSuggestionWords {
		t.Errorf("suggestion has %d words, cap is %d", len(words), MaxSuggestionWords)
	}
}
