// Package llmjson decodes the JSON that model responses are expected to
// contain, tolerating markdown fences and surrounding prose but nothing
// else.
package llmjson

import (
	"encoding/json"
	"strings"

	"github.com/citypulse/newsdesk/models"
)

// Clean strips markdown fences and any prose around the outermost JSON
// object.
func Clean(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// Some model responses include extra prose around JSON.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}

// Decode cleans content and unmarshals it into out. A decode failure is
// a ValidationError: the payload is treated as malformed model output,
// never as a usable default.
func Decode(content string, out any) error {
	if err := json.Unmarshal([]byte(Clean(content)), out); err != nil {
		return &models.ValidationError{Reason: err.Error()}
	}
	return nil
}
