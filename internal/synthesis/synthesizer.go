// Package synthesis turns a window of chat messages, informed by prior
// reports, into a cached news report. Unlike classification and
// attribution this stage is strict: a report is either correct or
// absent, never partially wrong and cached.
package synthesis

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

// SynthesisError is the terminal failure surfaced once retries are
// exhausted.
type SynthesisError struct {
	ChannelKey string
	Attempts   int
	Err        error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis for channel %s failed after %d attempts: %v", e.ChannelKey, e.Attempts, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Synthesizer generates reports under a token budget, with one in-flight
// generation per window key.
type Synthesizer struct {
	provider   provider.Provider
	cacheStore cache.Store
	cfg        config.SynthesisConfig
	estimator  tokens.Estimator
	locks      *genlock.Registry[models.Report]
	logger     *log.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
	newID      func() string
}

// NewSynthesizer builds a Synthesizer. metrics may be nil.
func NewSynthesizer(p provider.Provider, store cache.Store, cfg config.SynthesisConfig, logger *log.Logger, metrics *telemetry.Metrics) *Synthesizer {
	if logger == nil {
		logger = telemetry.NewLogger("SYNTH")
	}
	cfg = cfg.Normalize()
	return &Synthesizer{
		provider:   p,
		cacheStore: store,
		cfg:        cfg,
		estimator:  tokens.NewEstimator(cfg.TokensPerChar, cfg.OverheadTokens, cfg.OutputBufferTokens),
		locks:      genlock.New[models.Report](),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// windowKey identifies the logical report artifact for a channel window.
func windowKey(channelKey string, window models.TimeWindow) string {
	return fmt.Sprintf("%s:%d", channelKey, window.End.Unix())
}

// SynthesizeWindow produces the report for one channel window, serving a
// cached copy when one exists and deduplicating concurrent requests for
// the same window within the process.
func (s *Synthesizer) SynthesizeWindow(ctx context.Context, channel config.ChannelConfig, window models.TimeWindow, msgs []models.EssentialMessage, trigger models.ReportTrigger) (models.Report, error) {
	key := windowKey(channel.Key, window)

	cacheRead := func(ctx context.Context) (models.Report, bool, error) {
		report, ok, err := cache.GetJSON[models.Report](ctx, s.cacheStore, cache.NamespaceReportWindow, key)
		s.metrics.RecordCacheRead(cache.NamespaceReportWindow, ok)
		return report, ok, err
	}
	cacheWrite := func(ctx context.Context, report models.Report) error {
		return s.persist(ctx, channel.Key, key, report)
	}
	generate := func(ctx context.Context) (models.Report, error) {
		prev, err := s.RecentReports(ctx, channel.Key, s.cfg.PreviousReports)
		if err != nil {
			s.logger.Printf("previous reports unavailable for %s: %v", channel.Key, err)
			prev = nil
		}
		return s.Synthesize(ctx, channel, window, msgs, prev, trigger)
	}

	return s.locks.GetOrGenerate(ctx, key, cacheRead, cacheWrite, generate)
}

// Synthesize builds the prompt from windowMessages and up to K previous
// reports, truncates deterministically to the token budget, and calls
// the model with bounded retries and a per-attempt wall-clock timeout.
// The result is parsed strictly; a malformed payload is retried, never
// returned.
func (s *Synthesizer) Synthesize(ctx context.Context, channel config.ChannelConfig, window models.TimeWindow, msgs []models.EssentialMessage, prev []models.Report, trigger models.ReportTrigger) (models.Report, error) {
	if len(msgs) == 0 {
		return models.Report{}, models.ErrNoMessages
	}
	if len(prev) > s.cfg.PreviousReports {
		prev = prev[len(prev)-s.cfg.PreviousReports:]
	}

	userPrompt, retainedIDs := s.buildPrompt(msgs, prev)
	messages := []provider.Message{
		{Role: "system", Content: reportSystemPrompt},
		{Role: "user", Content: userPrompt},
	}

	policy := retry.Policy{MaxAttempts: s.cfg.MaxAttempts, Backoff: retry.Linear(s.cfg.Backoff)}
	payload, err := retry.Do(ctx, policy, models.Retryable, func(ctx context.Context) (reportPayload, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		started := time.Now()
		content, err := s.provider.Complete(callCtx, messages)
		s.metrics.ObserveAICall("synthesis", time.Since(started))
		if err != nil {
			return reportPayload{}, err
		}
		var p reportPayload
		if err := llmjson.Decode(content, &p); err != nil {
			return reportPayload{}, err
		}
		if err := p.validate(); err != nil {
			return reportPayload{}, err
		}
		return p, nil
	})
	if err != nil {
		s.metrics.RecordGeneration("report", "failure")
		return models.Report{}, &SynthesisError{ChannelKey: channel.Key, Attempts: s.cfg.MaxAttempts, Err: err}
	}

	city := payload.City
	if channel.City != "" {
		city = channel.City
	}
	report := models.Report{
		ReportID:    s.newID(),
		Headline:    payload.Headline,
		City:        city,
		Body:        payload.Body,
		GeneratedAt: s.now().UTC(),
		ChannelKey:  channel.Key,
		MessageIDs:  retainedIDs,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		Trigger:     trigger,
	}
	s.metrics.RecordGeneration("report", "success")
	s.logger.Printf("synthesized report %s for %s (%d messages, window ending %s)",
		report.ReportID, channel.Key, len(retainedIDs), window.End.Format(time.RFC3339))
	return report, nil
}

// buildPrompt serializes prior reports (oldest first) then messages
// (oldest first) and trims oldest-first until the estimate fits the
// budget. Returned IDs cover only messages whose content survived.
func (s *Synthesizer) buildPrompt(msgs []models.EssentialMessage, prev []models.Report) (string, []string) {
	sections := make([]string, 0, len(prev)+len(msgs))
	for _, r := range prev {
		sections = append(sections, formatPreviousReport(r))
	}
	for _, m := range msgs {
		sections = append(sections, formatMessage(m))
	}

	fitted := s.estimator.Fit(sections, s.cfg.MaxContextTokens)
	dropped := len(sections) - len(fitted)
	if dropped > 0 {
		s.logger.Printf("token budget %d exceeded, dropped %d oldest sections", s.cfg.MaxContextTokens, dropped)
	}

	retained := make([]string, 0, len(msgs))
	for i, m := range msgs {
		if len(prev)+i >= dropped {
			retained = append(retained, m.ID)
		}
	}
	return strings.Join(fitted, ""), retained
}

// persist stores the report under its window key, its report ID and the
// bounded channel history, all under the configured TTL.
func (s *Synthesizer) persist(ctx context.Context, channelKey, key string, report models.Report) error {
	if err := cache.PutJSON(ctx, s.cacheStore, cache.NamespaceReportWindow, key, report, s.cfg.ReportTTL); err != nil {
		return err
	}
	if err := cache.PutJSON(ctx, s.cacheStore, cache.NamespaceReport, report.ReportID, report, s.cfg.ReportTTL); err != nil {
		return err
	}

	// Best-effort read-modify-write; may race under concurrent writers
	// for the same channel, which single-writer-per-key deployments
	// avoid by construction.
	history, _, err := cache.GetJSON[[]models.Report](ctx, s.cacheStore, cache.NamespaceReportHistory, channelKey)
	if err != nil {
		return err
	}
	history = append(history, report)
	if len(history) > s.cfg.HistoryLimit {
		history = history[len(history)-s.cfg.HistoryLimit:]
	}
	return cache.PutJSON(ctx, s.cacheStore, cache.NamespaceReportHistory, channelKey, history, s.cfg.ReportTTL)
}

// RecentReports returns up to limit most recent reports for a channel,
// oldest first.
func (s *Synthesizer) RecentReports(ctx context.Context, channelKey string, limit int) ([]models.Report, error) {
	history, ok, err := cache.GetJSON[[]models.Report](ctx, s.cacheStore, cache.NamespaceReportHistory, channelKey)
	if err != nil || !ok {
		return nil, err
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// Report fetches one cached report by ID.
func (s *Synthesizer) Report(ctx context.Context, reportID string) (models.Report, error) {
	report, ok, err := cache.GetJSON[models.Report](ctx, s.cacheStore, cache.NamespaceReport, reportID)
	if err != nil {
		return models.Report{}, err
	}
	if !ok {
		return models.Report{}, models.ErrReportNotFound
	}
	return report, nil
}

// InFlight exposes the number of running generations, for observability.
func (s *Synthesizer) InFlight() int { return s.locks.InFlight() }
