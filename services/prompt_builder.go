package services

import (
	"fmt"
	"strings"

	"github.com/promptpilot/api/services/gemini"
)

// TaskPhase identifies which stage of the optimization loop a request belongs to.
type TaskPhase string

const (
	TaskOptimize TaskPhase = "optimize"
	TaskClarify  TaskPhase = "clarify"
	TaskRefine   TaskPhase = "refine"
)

// BuiltPrompt is a fully assembled model request: system instruction,
// user content, and the JSON schema the model is asked to follow.
type BuiltPrompt struct {
	System  string
	Content string
	Schema  *gemini.Schema
}

// OptimizeInput carries either a fresh prompt to optimize, or a previous
// result plus a refinement instruction for an incremental pass.
type OptimizeInput struct {
	Prompt                string
	PreviousResult        string
	RefinementInstruction string
}

// IsRefinement reports whether this input asks for an incremental pass
// over an earlier result rather than a from-scratch optimization.
func (in OptimizeInput) IsRefinement() bool {
	return in.PreviousResult != "" && in.RefinementInstruction != ""
}

// ClarifyInput asks the model to generate clarifying questions for one
// improvement suggestion attached to the current optimized prompt.
type ClarifyInput struct {
	Prompt        string
	CurrentResult string
	Suggestion    string
}

// QuestionAnswer pairs a clarifying question with the user's answer.
type QuestionAnswer struct {
	Question string
	Answer   string
}

// RefineInput folds answered clarifying questions back into the current result.
type RefineInput struct {
	CurrentResult string
	Answers       []QuestionAnswer
}

const optimizeSystemPrompt = `You are an expert prompt engineer. You rewrite user prompts so that a large language model produces the best possible result.

Rules:
- Preserve the user's intent and domain exactly. Never invent requirements.
- Make the prompt specific: role, task, constraints, output format.
- Keep the rewritten prompt self-contained; it must work without this conversation.
- Output ONLY the JSON object described below. No markdown, no commentary.

Output format:
{
  "optimizedPrompt": "the rewritten prompt",
  "explanations": ["short explanation of each significant change"],
  "suggestions": ["short follow-up improvement the user could still make"]
}`

const clarifySystemPrompt = `You are an expert prompt engineer helping a user sharpen their prompt.

The user picked one improvement suggestion. Ask the clarifying questions whose answers you need to apply that suggestion. Ask at most 4 questions, fewest first. Never ask about information already present in the prompt.

Output ONLY a JSON object of the form:
{
  "questions": ["question 1", "question 2"]
}`

var optimizeSchema = &gemini.Schema{
	Type: "OBJECT",
	Properties: map[string]*gemini.Schema{
		"optimizedPrompt": {Type: "STRING"},
		"explanations":    {Type: "ARRAY", Items: &gemini.Schema{Type: "STRING"}},
		"suggestions":     {Type: "ARRAY", Items: &gemini.Schema{Type: "STRING"}},
	},
	Required: []string{"optimizedPrompt"},
}

var clarifySchema = &gemini.Schema{
	Type: "OBJECT",
	Properties: map[string]*gemini.Schema{
		"questions": {Type: "ARRAY", Items: &gemini.Schema{Type: "STRING"}, MaxItems: 4},
	},
	Required: []string{"questions"},
}

// BuildOptimizePrompt assembles either the initial optimization request or,
// when the input carries a previous result and a refinement instruction,
// an incremental refinement request.
func BuildOptimizePrompt(in OptimizeInput) BuiltPrompt {
	var content string
	if in.IsRefinement() {
		content = fmt.Sprintf(`Here is a prompt you previously optimized:

%s

Apply this refinement instruction to it, keeping everything else intact:

%s`, in.PreviousResult, in.RefinementInstruction)
	} else {
		content = fmt.Sprintf(`Optimize this prompt:

%s`, in.Prompt)
	}
	return BuiltPrompt{
		System:  optimizeSystemPrompt,
		Content: content,
		Schema:  optimizeSchema,
	}
}

// BuildClarifyPrompt assembles a request for clarifying questions about
// one improvement suggestion. The current optimized version is optional.
func BuildClarifyPrompt(in ClarifyInput) BuiltPrompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Original prompt:\n\n%s\n\n", in.Prompt)
	if in.CurrentResult != "" {
		fmt.Fprintf(&b, "Current optimized version:\n\n%s\n\n", in.CurrentResult)
	}
	fmt.Fprintf(&b, "The user wants to apply this improvement:\n\n%s\n\nAsk the clarifying questions you need to apply it.", in.Suggestion)
	return BuiltPrompt{
		System:  clarifySystemPrompt,
		Content: b.String(),
		Schema:  clarifySchema,
	}
}

// BuildRefinePrompt folds answered clarifying questions into the current
// result as a refinement pass.
func BuildRefinePrompt(in RefineInput) BuiltPrompt {
	var qa strings.Builder
	for i, pair := range in.Answers {
		fmt.Fprintf(&qa, "Q%d: %s\nA%d: %s\n", i+1, pair.Question, i+1, pair.Answer)
	}
	content := fmt.Sprintf(`Here is a prompt you previously optimized:

%s

The user answered your clarifying questions:

%s
Rewrite the prompt incorporating these answers. Make only the changes the
answers call for, so each change traces back to a specific answer, and keep
every unrelated part of the prompt intact.`, in.CurrentResult, qa.String())
	return BuiltPrompt{
		System:  optimizeSystemPrompt,
		Content: content,
		Schema:  optimizeSchema,
	}
}
