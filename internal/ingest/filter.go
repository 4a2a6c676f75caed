// Package ingest classifies raw chat messages as relevant or irrelevant
// for the news pipeline using batched model calls. The policy is lenient
// by default: a message the model fails to classify is news until proven
// otherwise.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/llmjson"
	"github.com/citypulse/newsdesk/internal/retry"
	"github.com/citypulse/newsdesk/internal/telemetry"
	"github.com/citypulse/newsdesk/models"
	"github.com/citypulse/newsdesk/provider"
)

// DefaultReasoning is attached to every message of a batch whose
// classification call failed after retries.
const DefaultReasoning = "Classification failed - defaulting to relevant"

// missingReasoning is attached to messages the model skipped in an
// otherwise successful batch.
const missingReasoning = "No classification returned - defaulting to relevant"

const classificationSystemPrompt = `You are a news relevance classifier for a city news desk. You receive chat messages from local reporters and residents and decide which ones carry newsworthy information (incidents, events, public services, traffic, weather impact, civic announcements).

RULES:
1. Judge each message independently.
2. Greetings, small talk, reactions and bot commands are not relevant.
3. When in doubt, mark the message relevant.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "classifications": [
    {"message_id": "id", "relevant": true, "reasoning": "short reason"}
  ]
}
Do not include any other text or explanation.`

// FilterStats reports what one Filter call did.
type FilterStats struct {
	Total     int           `json:"total"`
	Relevant  int           `json:"relevant"`
	Filtered  int           `json:"filtered"`
	Defaulted int           `json:"defaulted"`
	Elapsed   time.Duration `json:"elapsed"`
}

// FilterResult splits the input while preserving its original order.
type FilterResult struct {
	Relevant        []models.EssentialMessage
	Filtered        []models.EssentialMessage
	Classifications []models.Classification
	Stats           FilterStats
}

// Filter batches messages through the model.
type Filter struct {
	provider provider.Provider
	cfg      config.IngestConfig
	logger   *log.Logger
	metrics  *telemetry.Metrics
}

// NewFilter builds a Filter. metrics may be nil.
func NewFilter(p provider.Provider, cfg config.IngestConfig, logger *log.Logger, metrics *telemetry.Metrics) *Filter {
	if logger == nil {
		logger = telemetry.NewLogger("INGEST")
	}
	return &Filter{provider: p, cfg: cfg.Normalize(), logger: logger, metrics: metrics}
}

// Filter classifies messages in fixed-size batches. It never fails on
// upstream errors: a batch that cannot be classified is marked relevant
// wholesale. Output order matches input order.
func (f *Filter) Filter(ctx context.Context, messages []models.EssentialMessage) FilterResult {
	started := time.Now()
	result := FilterResult{Stats: FilterStats{Total: len(messages)}}
	if len(messages) == 0 {
		return result
	}

	for i := 0; i < len(messages); i += f.cfg.BatchSize {
		end := i + f.cfg.BatchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[i:end]

		verdicts := f.classifyBatch(ctx, batch)
		for _, msg := range batch {
			c, ok := verdicts[msg.ID]
			if !ok {
				c = models.Classification{
					MessageID: msg.ID,
					Relevant:  true,
					Reasoning: missingReasoning,
					Source:    models.ClassificationSourceDefault,
				}
			}
			result.Classifications = append(result.Classifications, c)
			f.metrics.RecordFilterDecision(c.Relevant, string(c.Source))
			if c.Source == models.ClassificationSourceDefault {
				result.Stats.Defaulted++
			}
			if c.Relevant {
				result.Relevant = append(result.Relevant, msg)
				result.Stats.Relevant++
			} else {
				result.Filtered = append(result.Filtered, msg)
				result.Stats.Filtered++
			}
		}

		// Throttle upstream call rate between batches.
		if end < len(messages) && f.cfg.BatchDelay > 0 {
			select {
			case <-time.After(f.cfg.BatchDelay):
			case <-ctx.Done():
			}
		}
	}

	result.Stats.Elapsed = time.Since(started)
	f.logger.Printf("filtered %d messages: %d relevant, %d filtered, %d defaulted in %s",
		result.Stats.Total, result.Stats.Relevant, result.Stats.Filtered, result.Stats.Defaulted, result.Stats.Elapsed)
	return result
}

// classifyBatch returns verdicts keyed by message ID. On failure after
// retries every message in the batch is defaulted to relevant.
func (f *Filter) classifyBatch(ctx context.Context, batch []models.EssentialMessage) map[string]models.Classification {
	policy := retry.Policy{MaxAttempts: f.cfg.MaxAttempts, Backoff: retry.Linear(f.cfg.Backoff)}

	parsed, err := retry.Do(ctx, policy, models.Retryable, func(ctx context.Context) (classificationPayload, error) {
		started := time.Now()
		content, err := f.provider.Complete(ctx, []provider.Message{
			{Role: "system", Content: classificationSystemPrompt},
			{Role: "user", Content: formatBatch(batch)},
		})
		f.metrics.ObserveAICall("classification", time.Since(started))
		if err != nil {
			return classificationPayload{}, err
		}
		var payload classificationPayload
		if err := llmjson.Decode(content, &payload); err != nil {
			return classificationPayload{}, err
		}
		return payload, nil
	})

	verdicts := make(map[string]models.Classification, len(batch))
	if err != nil {
		f.logger.Printf("classification batch of %d failed, defaulting to relevant: %v", len(batch), err)
		f.metrics.RecordFallback("classification_default")
		for _, msg := range batch {
			verdicts[msg.ID] = models.Classification{
				MessageID: msg.ID,
				Relevant:  true,
				Reasoning: DefaultReasoning,
				Source:    models.ClassificationSourceDefault,
			}
		}
		return verdicts
	}

	known := make(map[string]struct{}, len(batch))
	for _, msg := range batch {
		known[msg.ID] = struct{}{}
	}
	for _, c := range parsed.Classifications {
		if _, ok := known[c.MessageID]; !ok {
			continue
		}
		verdicts[c.MessageID] = models.Classification{
			MessageID: c.MessageID,
			Relevant:  c.Relevant,
			Reasoning: c.Reasoning,
			Source:    models.ClassificationSourceModel,
		}
	}
	return verdicts
}

type classificationPayload struct {
	Classifications []struct {
		MessageID string `json:"message_id"`
		Relevant  bool   `json:"relevant"`
		Reasoning string `json:"reasoning"`
	} `json:"classifications"`
}

func formatBatch(batch []models.EssentialMessage) string {
	var sb strings.Builder
	sb.WriteString("MESSAGES:\n")
	for _, msg := range batch {
		sb.WriteString(fmt.Sprintf("[%s] %s at %s: %s\n",
			msg.ID, msg.Author, msg.Timestamp.Format(time.RFC3339), msg.Content))
		if len(msg.Embeds) > 0 {
			sb.WriteString("    Embeds: " + strings.Join(msg.Embeds, "; ") + "\n")
		}
		if len(msg.Attachments) > 0 {
			sb.WriteString("    Attachments: " + strings.Join(msg.Attachments, "; ") + "\n")
		}
	}
	return sb.String()
}
