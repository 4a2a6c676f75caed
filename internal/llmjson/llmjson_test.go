package llmjson

import (
	"errors"
	"testing"

	"github.com/citypulse/newsdesk/models"
)

func TestCleanVariants(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", "Here you go:\n{\"a\":1}\nHope that helps!", `{"a":1}`},
		{"whitespace", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Clean(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeMalformedIsValidationError(t *testing.T) {
	var out map[string]any
	err := Decode("not json at all", &out)
	if err == nil {
		t.Fatalf("expected error")
	}
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestDecodeFencedPayload(t *testing.T) {
	var out struct {
		Headline string `json:"headline"`
	}
	if err := Decode("```json\n{\"headline\":\"flood warning\"}\n```", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Headline != "flood warning" {
		t.Fatalf("got %q", out.Headline)
	}
}
