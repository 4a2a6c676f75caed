package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/models"
	"github.com/citypulse/newsdesk/provider"
)

type stubProvider struct {
	fn func(ctx context.Context, messages []provider.Message) (string, error)
}

func (s *stubProvider) Complete(ctx context.Context, messages []provider.Message) (string, error) {
	return s.fn(ctx, messages)
}

func testMessages(n int) []models.EssentialMessage {
	msgs := make([]models.EssentialMessage, n)
	for i := range msgs {
		msgs[i] = models.EssentialMessage{
			ID:        fmt.Sprintf("m%d", i),
			Author:    "reporter",
			Content:   fmt.Sprintf("update %d", i),
			Timestamp: time.Date(2025, 3, 1, 10, i, 0, 0, time.UTC),
		}
	}
	return msgs
}

func fastCfg() config.IngestConfig {
	return config.IngestConfig{BatchSize: 20, MaxAttempts: 2, Backoff: time.Millisecond}
}

func TestFilterSplitsByModelVerdict(t *testing.T) {
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return `{"classifications":[
			{"message_id":"m0","relevant":true,"reasoning":"incident"},
			{"message_id":"m1","relevant":false,"reasoning":"greeting"},
			{"message_id":"m2","relevant":true,"reasoning":"road closure"}
		]}`, nil
	}}
	f := NewFilter(p, fastCfg(), nil, nil)

	result := f.Filter(context.Background(), testMessages(3))
	if len(result.Relevant) != 2 || len(result.Filtered) != 1 {
		t.Fatalf("expected 2 relevant / 1 filtered, got %d/%d", len(result.Relevant), len(result.Filtered))
	}
	if result.Filtered[0].ID != "m1" {
		t.Fatalf("expected m1 filtered, got %s", result.Filtered[0].ID)
	}
	if result.Stats.Defaulted != 0 {
		t.Fatalf("no defaults expected, got %d", result.Stats.Defaulted)
	}
	for _, c := range result.Classifications {
		if c.Source != models.ClassificationSourceModel {
			t.Fatalf("expected model verdicts, got %s for %s", c.Source, c.MessageID)
		}
	}
}

func TestFilterFailedBatchDefaultsToRelevant(t *testing.T) {
	calls := 0
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		calls++
		return "", &models.UpstreamError{StatusCode: 500}
	}}
	f := NewFilter(p, fastCfg(), nil, nil)

	msgs := testMessages(4)
	result := f.Filter(context.Background(), msgs)
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if len(result.Relevant) != 4 || len(result.Filtered) != 0 {
		t.Fatalf("failed batch must default everything relevant, got %d/%d", len(result.Relevant), len(result.Filtered))
	}
	if result.Stats.Defaulted != 4 {
		t.Fatalf("expected 4 defaulted, got %d", result.Stats.Defaulted)
	}
	for _, c := range result.Classifications {
		if c.Reasoning != DefaultReasoning {
			t.Fatalf("expected %q, got %q", DefaultReasoning, c.Reasoning)
		}
		if c.Source != models.ClassificationSourceDefault {
			t.Fatalf("expected default source, got %s", c.Source)
		}
	}
}

func TestFilterMalformedResponseRetriesThenDefaults(t *testing.T) {
	calls := 0
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		calls++
		return "sorry, I cannot do that", nil
	}}
	f := NewFilter(p, fastCfg(), nil, nil)

	result := f.Filter(context.Background(), testMessages(2))
	if calls != 2 {
		t.Fatalf("malformed output must be retried, got %d calls", calls)
	}
	if len(result.Relevant) != 2 {
		t.Fatalf("expected lenient default, got %d relevant", len(result.Relevant))
	}
}

func TestFilterSkippedMessageDefaultsToRelevant(t *testing.T) {
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return `{"classifications":[{"message_id":"m0","relevant":false,"reasoning":"noise"}]}`, nil
	}}
	f := NewFilter(p, fastCfg(), nil, nil)

	result := f.Filter(context.Background(), testMessages(2))
	if len(result.Relevant) != 1 || result.Relevant[0].ID != "m1" {
		t.Fatalf("skipped message must default relevant")
	}
	if result.Stats.Defaulted != 1 {
		t.Fatalf("expected 1 defaulted, got %d", result.Stats.Defaulted)
	}
}

func TestFilterIgnoresUnknownMessageIDs(t *testing.T) {
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return `{"classifications":[
			{"message_id":"m0","relevant":false,"reasoning":"noise"},
			{"message_id":"hallucinated","relevant":true,"reasoning":"made up"}
		]}`, nil
	}}
	f := NewFilter(p, fastCfg(), nil, nil)

	result := f.Filter(context.Background(), testMessages(1))
	if len(result.Classifications) != 1 {
		t.Fatalf("hallucinated IDs must be dropped, got %d classifications", len(result.Classifications))
	}
}

func TestFilterBatchingAndOrder(t *testing.T) {
	var batchSizes []int
	p := &stubProvider{fn: func(ctx context.Context, messages []provider.Message) (string, error) {
		user := messages[1].Content
		batchSizes = append(batchSizes, strings.Count(user, "[m"))
		return `{"classifications":[]}`, nil
	}}
	cfg := fastCfg()
	cfg.BatchSize = 3
	f := NewFilter(p, cfg, nil, nil)

	msgs := testMessages(7)
	result := f.Filter(context.Background(), msgs)

	if len(batchSizes) != 3 || batchSizes[0] != 3 || batchSizes[1] != 3 || batchSizes[2] != 1 {
		t.Fatalf("expected batches 3/3/1, got %v", batchSizes)
	}
	if len(result.Classifications) != 7 {
		t.Fatalf("every message needs a verdict, got %d", len(result.Classifications))
	}
	for i, c := range result.Classifications {
		if c.MessageID != msgs[i].ID {
			t.Fatalf("output order must match input order: position %d has %s", i, c.MessageID)
		}
	}
}

func TestFilterEmptyInput(t *testing.T) {
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", errors.New("must not be called")
	}}
	f := NewFilter(p, fastCfg(), nil, nil)

	result := f.Filter(context.Background(), nil)
	if result.Stats.Total != 0 || len(result.Relevant) != 0 {
		t.Fatalf("empty input must produce empty result")
	}
}
