// Package attribution enriches finished reports with span-level mappings
// back to the originating messages. Attribution is an enrichment layered
// on an already-valid report, so this stage never fails the caller: it
// degrades to stale or empty results instead.
package attribution

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/cache"
	"github.com/citypulse/newsdesk/internal/genlock"
	"github.com/citypulse/newsdesk/internal/llmjson"
	"github.com/citypulse/newsdesk/internal/retry"
	"github.com/citypulse/newsdesk/internal/telemetry"
	"github.com/citypulse/newsdesk/models"
	"github.com/citypulse/newsdesk/provider"
)

// attributionVersion stamps cached results so a future format change can
// invalidate them.
const attributionVersion = 1

const attributionSystemPrompt = `You are a source attribution assistant. You receive a finished news report body and the chat messages it was synthesized from. Map passages of the report back to the messages that support them.

RULES:
1. start_index and end_index are byte offsets into the report body, half-open [start, end).
2. text must be the exact body slice at those offsets.
3. Attribute a passage only when a specific message clearly supports it.
4. confidence is your certainty in [0,1].

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "attributions": [
    {"start_index": 0, "end_index": 10, "text": "exact slice", "source_message_id": "id", "confidence": 0.9}
  ]
}
Do not include any other text or explanation.`

// BatchStats aggregates a pre-generation pass for observability.
type BatchStats struct {
	Processed int
	Succeeded int
	Empty     int
}

// Synthesizer generates and caches report attributions.
type Synthesizer struct {
	provider   provider.Provider
	cacheStore cache.Store
	cfg        config.AttributionConfig
	locks      *genlock.Registry[models.ReportSourceAttribution]
	logger     *log.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewSynthesizer builds an attribution Synthesizer. metrics may be nil.
func NewSynthesizer(p provider.Provider, store cache.Store, cfg config.AttributionConfig, logger *log.Logger, metrics *telemetry.Metrics) *Synthesizer {
	if logger == nil {
		logger = telemetry.NewLogger("ATTR")
	}
	return &Synthesizer{
		provider:   p,
		cacheStore: store,
		cfg:        cfg.Normalize(),
		locks:      genlock.New[models.ReportSourceAttribution](),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// GetAttributions returns span attributions for a report. It never
// returns an error: a cache hit is served directly, concurrent requests
// for the same report share one generation, an empty result is returned
// without being persisted, and a failed generation degrades to the last
// cached value or an explicit empty fallback.
func (s *Synthesizer) GetAttributions(ctx context.Context, report models.Report, sourceMessages []models.EssentialMessage) models.ReportSourceAttribution {
	cacheRead := func(ctx context.Context) (models.ReportSourceAttribution, bool, error) {
		val, ok, err := cache.GetJSON[models.ReportSourceAttribution](ctx, s.cacheStore, cache.NamespaceAttributions, report.ReportID)
		s.metrics.RecordCacheRead(cache.NamespaceAttributions, ok)
		return val, ok, err
	}
	cacheWrite := func(ctx context.Context, val models.ReportSourceAttribution) error {
		if val.Empty() {
			// Not persisted, so the next request retries generation.
			return nil
		}
		if err := cache.PutJSON(ctx, s.cacheStore, cache.NamespaceAttributions, report.ReportID, val, s.cfg.TTL); err != nil {
			return err
		}
		// Non-expiring copy served when a later regeneration fails.
		return cache.PutJSON(ctx, s.cacheStore, cache.NamespaceAttributionStale, report.ReportID, val, 0)
	}
	generate := func(ctx context.Context) (models.ReportSourceAttribution, error) {
		return s.generate(ctx, report, sourceMessages)
	}

	result, err := s.locks.GetOrGenerate(ctx, report.ReportID, cacheRead, cacheWrite, generate)
	if err == nil {
		return result
	}

	s.logger.Printf("attribution generation for report %s failed: %v", report.ReportID, err)
	if stale, ok, serr := cache.GetJSON[models.ReportSourceAttribution](ctx, s.cacheStore, cache.NamespaceAttributionStale, report.ReportID); serr == nil && ok {
		s.metrics.RecordFallback("attribution_stale")
		return stale
	}
	s.metrics.RecordFallback("attribution_empty")
	return models.ReportSourceAttribution{
		ReportID:     report.ReportID,
		Attributions: []models.SourceAttribution{},
		GeneratedAt:  s.now().UTC(),
		Version:      attributionVersion,
	}
}

// generate calls the model and sanitizes the returned spans.
func (s *Synthesizer) generate(ctx context.Context, report models.Report, sourceMessages []models.EssentialMessage) (models.ReportSourceAttribution, error) {
	policy := retry.Policy{MaxAttempts: s.cfg.MaxAttempts, Backoff: retry.Linear(s.cfg.Backoff)}

	payload, err := retry.Do(ctx, policy, models.Retryable, func(ctx context.Context) (attributionPayload, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		started := time.Now()
		content, err := s.provider.Complete(callCtx, []provider.Message{
			{Role: "system", Content: attributionSystemPrompt},
			{Role: "user", Content: formatAttributionInput(report, sourceMessages)},
		})
		s.metrics.ObserveAICall("attribution", time.Since(started))
		if err != nil {
			return attributionPayload{}, err
		}
		var p attributionPayload
		if err := llmjson.Decode(content, &p); err != nil {
			return attributionPayload{}, err
		}
		return p, nil
	})
	if err != nil {
		s.metrics.RecordGeneration("attribution", "failure")
		return models.ReportSourceAttribution{}, err
	}

	spans := sanitizeSpans(report.Body, payload.Attributions)
	outcome := "success"
	if len(spans) == 0 {
		outcome = "empty"
	}
	s.metrics.RecordGeneration("attribution", outcome)

	return models.ReportSourceAttribution{
		ReportID:     report.ReportID,
		Attributions: spans,
		GeneratedAt:  s.now().UTC(),
		Version:      attributionVersion,
	}, nil
}

// sanitizeSpans drops spans that violate the body invariants and
// resolves overlaps by index order: spans are sorted by start index and
// a span overlapping an already-accepted one is discarded.
func sanitizeSpans(body string, raw []rawSpan) []models.SourceAttribution {
	candidates := make([]models.SourceAttribution, 0, len(raw))
	for _, r := range raw {
		span := models.SourceAttribution{
			ID:              uuid.NewString(),
			StartIndex:      r.StartIndex,
			EndIndex:        r.EndIndex,
			Text:            r.Text,
			SourceMessageID: r.SourceMessageID,
			Confidence:      r.Confidence,
		}
		if span.Validate(body) != nil {
			continue
		}
		candidates = append(candidates, span)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].StartIndex != candidates[j].StartIndex {
			return candidates[i].StartIndex < candidates[j].StartIndex
		}
		return candidates[i].EndIndex < candidates[j].EndIndex
	})

	accepted := make([]models.SourceAttribution, 0, len(candidates))
	lastEnd := 0
	for _, span := range candidates {
		if span.StartIndex < lastEnd {
			continue
		}
		accepted = append(accepted, span)
		lastEnd = span.EndIndex
	}
	return accepted
}

// Pregenerate warms attributions for many reports with bounded
// concurrency and an inter-batch delay. A failure on one report never
// aborts the others; every report settles to some result.
func (s *Synthesizer) Pregenerate(ctx context.Context, reports []models.Report, fetchMessages func(ctx context.Context, report models.Report) ([]models.EssentialMessage, error)) BatchStats {
	stats := BatchStats{}

	for i := 0; i < len(reports); i += s.cfg.Concurrency {
		end := i + s.cfg.Concurrency
		if end > len(reports) {
			end = len(reports)
		}
		chunk := reports[i:end]

		results := make([]models.ReportSourceAttribution, len(chunk))
		var wg sync.WaitGroup
		for j, report := range chunk {
			wg.Add(1)
			go func(j int, report models.Report) {
				defer wg.Done()
				msgs, err := fetchMessages(ctx, report)
				if err != nil {
					s.logger.Printf("pregenerate: messages for report %s unavailable: %v", report.ReportID, err)
					msgs = nil
				}
				results[j] = s.GetAttributions(ctx, report, msgs)
			}(j, report)
		}
		wg.Wait()

		for _, r := range results {
			stats.Processed++
			if r.Empty() {
				stats.Empty++
			} else {
				stats.Succeeded++
			}
		}

		if end < len(reports) && s.cfg.BatchDelay > 0 {
			select {
			case <-time.After(s.cfg.BatchDelay):
			case <-ctx.Done():
			}
		}
	}

	s.logger.Printf("pregenerated attributions for %d reports: %d with spans, %d empty",
		stats.Processed, stats.Succeeded, stats.Empty)
	return stats
}

// InFlight exposes the number of running generations, for observability.
func (s *Synthesizer) InFlight() int { return s.locks.InFlight() }

type rawSpan struct {
	StartIndex      int     `json:"start_index"`
	EndIndex        int     `json:"end_index"`
	Text            string  `json:"text"`
	SourceMessageID string  `json:"source_message_id"`
	Confidence      float64 `json:"confidence"`
}

type attributionPayload struct {
	Attributions []rawSpan `json:"attributions"`
}

func formatAttributionInput(report models.Report, msgs []models.EssentialMessage) string {
	var sb strings.Builder
	sb.WriteString("REPORT BODY:\n")
	sb.WriteString(report.Body)
	sb.WriteString("\n\nSOURCE MESSAGES:\n")
	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("[%s] %s at %s: %s\n",
			m.ID, m.Author, m.Timestamp.Format(time.RFC3339), m.Content))
	}
	return sb.String()
}
