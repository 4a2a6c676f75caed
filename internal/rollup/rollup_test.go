package rollup

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/cache"
	"github.com/citypulse/newsdesk/internal/tokens"
	"github.com/citypulse/newsdesk/models"
	"github.com/citypulse/newsdesk/provider"
)

type stubProvider struct {
	fn func(ctx context.Context, messages []provider.Message) (string, error)
}

func (s *stubProvider) Complete(ctx context.Context, messages []provider.Message) (string, error) {
	return s.fn(ctx, messages)
}

func fastCfg() config.RollupConfig {
	return config.RollupConfig{Window: 6 * time.Hour, MaxAttempts: 2, Backoff: time.Millisecond, Timeout: time.Second, TTL: time.Hour, HistoryLimit: 3}
}

func testReports(n int) []models.Report {
	reports := make([]models.Report, n)
	for i := range reports {
		reports[i] = models.Report{
			ReportID:    fmt.Sprintf("r%d", i),
			Headline:    fmt.Sprintf("Story %d", i),
			Body:        fmt.Sprintf("Developments in story %d.", i),
			GeneratedAt: time.Date(2025, 3, 1, 8+i, 0, 0, 0, time.UTC),
		}
	}
	return reports
}

// summaryProvider answers the full-summary prompt and the mini prompt in
// sequence, recording both user prompts.
func summaryProvider(calls *int32, prompts *[]string) *stubProvider {
	return &stubProvider{fn: func(ctx context.Context, messages []provider.Message) (string, error) {
		atomic.AddInt32(calls, 1)
		if prompts != nil {
			*prompts = append(*prompts, messages[1].Content)
		}
		if strings.Contains(messages[0].Content, "condense") {
			return `{"mini_summary":"Short digest."}`, nil
		}
		return `{"summary":"Full digest of the period."}`, nil
	}}
}

func TestRollupTwoSequentialCalls(t *testing.T) {
	var calls int32
	var prompts []string
	p := summaryProvider(&calls, &prompts)
	s := NewService(p, cache.NewMemoryStore(), fastCfg(), tokens.NewEstimator(0.25, 0, 0), 16000, nil, nil)

	asOf := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	summary, err := s.Rollup(context.Background(), "springfield-news", testReports(2), asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected full + mini calls, got %d", calls)
	}
	if summary.Summary != "Full digest of the period." || summary.MiniSummary != "Short digest." {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.ReportCount != 2 {
		t.Fatalf("expected report count 2, got %d", summary.ReportCount)
	}
	if summary.SummaryID == "" {
		t.Fatalf("summary id must be set")
	}
	// The mini call derives from the full summary text, not the reports.
	if len(prompts) != 2 || !strings.Contains(prompts[1], "Full digest of the period.") {
		t.Fatalf("mini prompt must carry the full summary")
	}
	if !strings.Contains(prompts[0], "Story 0") || !strings.Contains(prompts[0], "Story 1") {
		t.Fatalf("full prompt must carry the reports")
	}
}

func TestRollupCachedPerWindow(t *testing.T) {
	var calls int32
	p := summaryProvider(&calls, nil)
	s := NewService(p, cache.NewMemoryStore(), fastCfg(), tokens.NewEstimator(0.25, 0, 0), 16000, nil, nil)

	asOf := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	first, err := s.Rollup(context.Background(), "ch", testReports(1), asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same 6h bucket, later instant.
	second, err := s.Rollup(context.Background(), "ch", testReports(1), asOf.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("same window must be served from cache, got %d calls", calls)
	}
	if first.SummaryID != second.SummaryID {
		t.Fatalf("cached summary must be identical")
	}

	// Next bucket regenerates.
	if _, err := s.Rollup(context.Background(), "ch", testReports(1), asOf.Add(7*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("new window must regenerate, got %d calls", calls)
	}
}

func TestRollupNoReports(t *testing.T) {
	var calls int32
	p := summaryProvider(&calls, nil)
	s := NewService(p, cache.NewMemoryStore(), fastCfg(), tokens.NewEstimator(0.25, 0, 0), 16000, nil, nil)

	if _, err := s.Rollup(context.Background(), "ch", nil, time.Now()); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no calls expected")
	}
}

func TestRollupHistoryBoundedAndLatest(t *testing.T) {
	var calls int32
	p := summaryProvider(&calls, nil)
	s := NewService(p, cache.NewMemoryStore(), fastCfg(), tokens.NewEstimator(0.25, 0, 0), 16000, nil, nil)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 30, 0, 0, time.UTC)
	var last models.ExecutiveSummary
	for i := 0; i < 5; i++ {
		summary, err := s.Rollup(ctx, "ch", testReports(1), base.Add(time.Duration(i)*6*time.Hour))
		if err != nil {
			t.Fatalf("window %d: %v", i, err)
		}
		last = summary
	}

	history, err := s.History(ctx, "ch", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history must be bounded to 3, got %d", len(history))
	}

	latest, ok, err := s.Latest(ctx, "ch")
	if err != nil || !ok {
		t.Fatalf("expected latest summary, ok=%v err=%v", ok, err)
	}
	if latest.SummaryID != last.SummaryID {
		t.Fatalf("latest must be the most recent summary")
	}
}

func TestRollupPriorSummariesInPrompt(t *testing.T) {
	var calls int32
	var prompts []string
	p := summaryProvider(&calls, &prompts)
	s := NewService(p, cache.NewMemoryStore(), fastCfg(), tokens.NewEstimator(0.25, 0, 0), 16000, nil, nil)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 30, 0, 0, time.UTC)
	if _, err := s.Rollup(ctx, "ch", testReports(1), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Rollup(ctx, "ch", testReports(1), base.Add(6*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Third recorded prompt is the second window's full-summary call.
	if len(prompts) != 4 {
		t.Fatalf("expected 4 prompts, got %d", len(prompts))
	}
	if !strings.Contains(prompts[2], "PRIOR SUMMARY") {
		t.Fatalf("second window must see the first summary")
	}
}
