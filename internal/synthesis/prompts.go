package synthesis

import (
	"fmt"
	"strings"
	"time"

	"github.com/citypulse/newsdesk/models"
)

const reportSystemPrompt = `You are a news synthesis assistant for a city news desk. You receive chat messages reported from the field for one time window, plus the most recent previous reports for the same channel.

RULES:
1. Update and merge ongoing stories from the previous reports with the new messages.
2. Prioritize newer information when messages conflict.
3. Drop resolved or irrelevant threads unless they are still unresolved.
4. Write plain, factual prose. No speculation beyond what the messages support.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "headline": "short headline",
  "city": "city name",
  "body": "full report body"
}
Do not include any other text or explanation.`

// formatPreviousReport serializes one prior report as a prompt section.
func formatPreviousReport(r models.Report) string {
	return fmt.Sprintf("PREVIOUS REPORT (%s):\nHeadline: %s\nBody: %s\n\n",
		r.GeneratedAt.Format(time.RFC3339), r.Headline, r.Body)
}

// formatMessage serializes one window message as a prompt section.
func formatMessage(m models.EssentialMessage) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("MESSAGE %s at %s from %s: %s\n",
		m.ID, m.Timestamp.Format(time.RFC3339), m.Author, m.Content))
	if len(m.Embeds) > 0 {
		sb.WriteString("  Embeds: " + strings.Join(m.Embeds, "; ") + "\n")
	}
	if len(m.Attachments) > 0 {
		sb.WriteString("  Attachments: " + strings.Join(m.Attachments, "; ") + "\n")
	}
	return sb.String()
}

// reportPayload is the strict shape required from the model. All three
// fields must be present and non-empty.
type reportPayload struct {
	Headline string `json:"headline"`
	City     string `json:"city"`
	Body     string `json:"body"`
}

func (p reportPayload) validate() error {
	if strings.TrimSpace(p.Headline) == "" {
		return &models.ValidationError{Reason: "missing headline"}
	}
	if strings.TrimSpace(p.City) == "" {
		return &models.ValidationError{Reason: "missing city"}
	}
	if strings.TrimSpace(p.Body) == "" {
		return &models.ValidationError{Reason: "missing body"}
	}
	return nil
}
