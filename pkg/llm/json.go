package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ExtractJSON finds and extracts a JSON object or array from a response that
// might contain markdown or surrounding prose. It returns "" when nothing
// balanced is found.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	// Look for JSON in code blocks first (most reliable)
	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	// Generic code blocks
	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
				return content
			}
		}
	}

	// Whichever opener appears first wins.
	obj := strings.IndexByte(response, '{')
	arr := strings.IndexByte(response, '[')
	switch {
	case obj == -1 && arr == -1:
		return ""
	case arr == -1 || (obj != -1 && obj < arr):
		return extractBalanced(response, obj, '{', '}')
	default:
		return extractBalanced(response, arr, '[', ']')
	}
}

// extractBalanced extracts a complete JSON value starting at the given
// position, properly handling strings that may contain brackets.
func extractBalanced(s string, start int, open, close byte) string {
	if start >= len(s) || s[start] != open {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

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

		switch c {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

// Decode extracts JSON from response and unmarshals it into T.
func Decode[T any](response string) (T, error) {
	var out T
	raw := ExtractJSON(response)
	if raw == "" {
		return out, fmt.Errorf("%w: no JSON found in response", ErrService)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("%w: failed to parse JSON response: %w", ErrService, err)
	}
	return out, nil
}

// SchemaFor infers the JSON schema of T. It panics if T cannot be
// represented, so it is meant for package-level response types.
func SchemaFor[T any]() *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("failed to infer schema for %T: %v", *new(T), err))
	}
	return schema
}

// Truncate shortens s to maxLen bytes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
