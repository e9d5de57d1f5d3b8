package llmjson

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSONFound is returned when no valid JSON object/array is found in the input
var ErrNoJSONFound = errors.New("no valid JSON object or array found in response")

var fenceRe = regexp.MustCompile("(?s)```(?:[a-zA-Z]+)?\\s*(.+?)\\s*```")

// Extract pulls a valid JSON document out of raw model output. Generation
// models wrap JSON in markdown fences, prepend prose, or append trailing
// commentary even when asked for raw JSON, so this tries progressively
// looser strategies before giving up:
//
//  1. fence-stripped text decoded directly
//  2. bracket matching from the first { or [
//  3. first-{ to last-} slice
//
// Returns the cleaned JSON string or ErrNoJSONFound.
func Extract(response string) (string, error) {
	if strings.TrimSpace(response) == "" {
		return "", ErrNoJSONFound
	}

	cleaned := StripFences(response)

	if json.Valid([]byte(cleaned)) {
		return cleaned, nil
	}

	if jsonStr := matchBrackets(cleaned); jsonStr != "" && json.Valid([]byte(jsonStr)) {
		return jsonStr, nil
	}

	if jsonStr := sliceOuter(response); jsonStr != "" && json.Valid([]byte(jsonStr)) {
		return jsonStr, nil
	}

	return "", ErrNoJSONFound
}

// ExtractTo extracts JSON from response and unmarshals it into the target
func ExtractTo(response string, target interface{}) error {
	jsonStr, err := Extract(response)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(jsonStr), target)
}

// StripFences removes a leading markdown fence marker (optionally
// language-tagged) and a trailing one, then trims whitespace.
func StripFences(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		// ```json, ```JSON, bare ``` ...
		if matches := fenceRe.FindStringSubmatch(s); len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
		// Unterminated fence: drop the opening marker and its language tag
		s = strings.TrimPrefix(s, "```")
		if idx := strings.IndexAny(s, "\n{["); idx > 0 {
			tag := strings.TrimSpace(s[:idx])
			if tag != "" && !strings.ContainsAny(tag, "{}[]\"") {
				s = s[idx:]
			}
		}
	}

	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// matchBrackets walks the string from the first opening bracket and returns
// the substring up to its balancing close, respecting JSON strings.
func matchBrackets(s string) string {
	startObj := strings.Index(s, "{")
	startArr := strings.Index(s, "[")

	var start int
	var openChar, closeChar rune

	switch {
	case startObj == -1 && startArr == -1:
		return ""
	case startArr == -1 || (startObj != -1 && startObj < startArr):
		start, openChar, closeChar = startObj, '{', '}'
	default:
		start, openChar, closeChar = startArr, '[', ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

// sliceOuter takes the loosest cut: first { to last } (or [ to ])
func sliceOuter(s string) string {
	firstBrace := strings.Index(s, "{")
	lastBrace := strings.LastIndex(s, "}")
	if firstBrace != -1 && lastBrace > firstBrace {
		return s[firstBrace : lastBrace+1]
	}

	firstBracket := strings.Index(s, "[")
	lastBracket := strings.LastIndex(s, "]")
	if firstBracket != -1 && lastBracket > firstBracket {
		return s[firstBracket : lastBracket+1]
	}

	return ""
}
