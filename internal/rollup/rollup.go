// Package rollup folds recent reports into a higher-level executive
// digest plus a condensed mini variant, reusing the token-budget and
// retry machinery of report synthesis over a coarser window.
package rollup

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/cache"
	"github.com/citypulse/newsdesk/internal/genlock"
	"github.com/citypulse/newsdesk/internal/llmjson"
	"github.com/citypulse/newsdesk/internal/retry"
	"github.com/citypulse/newsdesk/internal/telemetry"
	"github.com/citypulse/newsdesk/internal/tokens"
	"github.com/citypulse/newsdesk/models"
	"github.com/citypulse/newsdesk/provider"
)

const summarySystemPrompt = `You are an executive summary assistant for a city news desk. You receive recent news reports and up to three prior executive summaries. Produce one digest of the period.

RULES:
1. Merge continuing stories across reports; do not repeat a story per report.
2. Prioritize the most recent developments.
3. Keep the tone factual and neutral.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "summary": "full executive summary"
}
Do not include any other text or explanation.`

const miniSystemPrompt = `You condense an executive summary into a short digest of at most three sentences, keeping the most important facts.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "mini_summary": "condensed digest"
}
Do not include any other text or explanation.`

// Service rolls reports up into executive summaries.
type Service struct {
	provider   provider.Provider
	cacheStore cache.Store
	cfg        config.RollupConfig
	estimator  tokens.Estimator
	maxTokens  int
	locks      *genlock.Registry[models.ExecutiveSummary]
	logger     *log.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
	newID      func() string
}

// NewService builds a rollup Service sharing the synthesis token budget.
// metrics may be nil.
func NewService(p provider.Provider, store cache.Store, cfg config.RollupConfig, est tokens.Estimator, maxContextTokens int, logger *log.Logger, metrics *telemetry.Metrics) *Service {
	if logger == nil {
		logger = telemetry.NewLogger("ROLLUP")
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 16000
	}
	return &Service{
		provider:   p,
		cacheStore: store,
		cfg:        cfg.Normalize(),
		estimator:  est,
		maxTokens:  maxContextTokens,
		locks:      genlock.New[models.ExecutiveSummary](),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Rollup produces the executive summary covering asOf's trailing window
// for a channel, deduplicating concurrent generation per window within
// the process and serving a cached copy when one exists.
func (s *Service) Rollup(ctx context.Context, channelKey string, reports []models.Report, asOf time.Time) (models.ExecutiveSummary, error) {
	key := fmt.Sprintf("%s:%d", channelKey, asOf.Truncate(s.cfg.Window).Unix())

	cacheRead := func(ctx context.Context) (models.ExecutiveSummary, bool, error) {
		val, ok, err := cache.GetJSON[models.ExecutiveSummary](ctx, s.cacheStore, cache.NamespaceSummaryWindow, key)
		s.metrics.RecordCacheRead(cache.NamespaceSummaryWindow, ok)
		return val, ok, err
	}
	cacheWrite := func(ctx context.Context, val models.ExecutiveSummary) error {
		return s.persist(ctx, channelKey, key, val)
	}
	generate := func(ctx context.Context) (models.ExecutiveSummary, error) {
		return s.generate(ctx, channelKey, reports)
	}

	return s.locks.GetOrGenerate(ctx, key, cacheRead, cacheWrite, generate)
}

// generate performs the two sequential model calls: the full summary
// from reports plus prior summaries, then the mini variant derived from
// the full summary text.
func (s *Service) generate(ctx context.Context, channelKey string, reports []models.Report) (models.ExecutiveSummary, error) {
	if len(reports) == 0 {
		return models.ExecutiveSummary{}, models.ErrNoMessages
	}

	prior, err := s.History(ctx, channelKey, s.cfg.PriorSummaries)
	if err != nil {
		s.logger.Printf("prior summaries unavailable for %s: %v", channelKey, err)
		prior = nil
	}

	sections := make([]string, 0, len(prior)+len(reports))
	for _, p := range prior {
		sections = append(sections, fmt.Sprintf("PRIOR SUMMARY (%s):\n%s\n\n", p.GeneratedAt.Format(time.RFC3339), p.Summary))
	}
	for _, r := range reports {
		sections = append(sections, fmt.Sprintf("REPORT (%s) %s:\n%s\n\n", r.GeneratedAt.Format(time.RFC3339), r.Headline, r.Body))
	}
	fitted := s.estimator.Fit(sections, s.maxTokens)

	policy := retry.Policy{MaxAttempts: s.cfg.MaxAttempts, Backoff: retry.Linear(s.cfg.Backoff)}

	full, err := s.call(ctx, policy, summarySystemPrompt, strings.Join(fitted, ""), "summary")
	if err != nil {
		s.metrics.RecordGeneration("summary", "failure")
		return models.ExecutiveSummary{}, err
	}

	mini, err := s.call(ctx, policy, miniSystemPrompt, full, "mini_summary")
	if err != nil {
		s.metrics.RecordGeneration("summary", "failure")
		return models.ExecutiveSummary{}, err
	}

	s.metrics.RecordGeneration("summary", "success")
	return models.ExecutiveSummary{
		SummaryID:   s.newID(),
		Summary:     full,
		MiniSummary: mini,
		GeneratedAt: s.now().UTC(),
		ReportCount: len(reports),
		Timeframe:   s.cfg.Window.String(),
	}, nil
}

// call runs one summary model call with retries, extracting the named
// JSON field from the response.
func (s *Service) call(ctx context.Context, policy retry.Policy, systemPrompt, userPrompt, field string) (string, error) {
	return retry.Do(ctx, policy, models.Retryable, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		started := time.Now()
		content, err := s.provider.Complete(callCtx, []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		})
		s.metrics.ObserveAICall("rollup", time.Since(started))
		if err != nil {
			return "", err
		}
		var payload map[string]string
		if err := llmjson.Decode(content, &payload); err != nil {
			return "", err
		}
		out := strings.TrimSpace(payload[field])
		if out == "" {
			return "", &models.ValidationError{Reason: "missing " + field}
		}
		return out, nil
	})
}

// persist stores the summary under its window key, the latest pointer
// and the bounded rolling history.
func (s *Service) persist(ctx context.Context, channelKey, key string, summary models.ExecutiveSummary) error {
	if err := cache.PutJSON(ctx, s.cacheStore, cache.NamespaceSummaryWindow, key, summary, s.cfg.TTL); err != nil {
		return err
	}
	if err := cache.PutJSON(ctx, s.cacheStore, cache.NamespaceSummaryLatest, channelKey, summary, s.cfg.TTL); err != nil {
		return err
	}

	// Best-effort read-modify-write, same caveat as report history.
	history, _, err := cache.GetJSON[[]models.ExecutiveSummary](ctx, s.cacheStore, cache.NamespaceSummaryHistory, channelKey)
	if err != nil {
		return err
	}
	history = append(history, summary)
	if len(history) > s.cfg.HistoryLimit {
		history = history[len(history)-s.cfg.HistoryLimit:]
	}
	return cache.PutJSON(ctx, s.cacheStore, cache.NamespaceSummaryHistory, channelKey, history, s.cfg.TTL)
}

// History returns up to limit most recent summaries, oldest first.
func (s *Service) History(ctx context.Context, channelKey string, limit int) ([]models.ExecutiveSummary, error) {
	history, ok, err := cache.GetJSON[[]models.ExecutiveSummary](ctx, s.cacheStore, cache.NamespaceSummaryHistory, channelKey)
	if err != nil || !ok {
		return nil, err
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// Window reports the trailing duration one summary covers.
func (s *Service) Window() time.Duration {
	return s.cfg.Window
}

// Latest returns the most recent summary for a channel.
func (s *Service) Latest(ctx context.Context, channelKey string) (models.ExecutiveSummary, bool, error) {
	return cache.GetJSON[models.ExecutiveSummary](ctx, s.cacheStore, cache.NamespaceSummaryLatest, channelKey)
}
