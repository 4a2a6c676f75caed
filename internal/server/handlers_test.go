package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/attribution"
	"github.com/citypulse/newsdesk/internal/cache"
	"github.com/citypulse/newsdesk/internal/rollup"
	"github.com/citypulse/newsdesk/internal/store"
	"github.com/citypulse/newsdesk/internal/synthesis"
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

func testHandler(t *testing.T, p provider.Provider) (*Handler, cache.Store) {
	t.Helper()
	store := cache.NewMemoryStore()
	synthCfg := config.SynthesisConfig{MaxAttempts: 1, Backoff: time.Millisecond, Timeout: time.Second}
	rollCfg := config.RollupConfig{MaxAttempts: 1, Backoff: time.Millisecond, Timeout: time.Second}
	return &Handler{
		Synth:  synthesis.NewSynthesizer(p, store, synthCfg, nil, nil),
		Attr:   attribution.NewSynthesizer(p, store, config.AttributionConfig{MaxAttempts: 1, Backoff: time.Millisecond}, nil, nil),
		Rollup: rollup.NewService(p, store, rollCfg, tokens.NewEstimator(0.25, 0, 0), 16000, nil, nil),
		Channels: []config.ChannelConfig{
			{Key: "springfield-news", City: "Springfield", CronSpec: "@hourly", WindowMinutes: 60},
		},
	}, store
}

func doRequest(h *Handler, method, path string) *httptest.ResponseRecorder {
	e := echo.New()
	h.Register(e.Group("/api"))
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestListChannels(t *testing.T) {
	h, _ := testHandler(t, &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", nil
	}})

	rec := doRequest(h, http.MethodGet, "/api/channels")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var channels []config.ChannelConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(channels) != 1 || channels[0].Key != "springfield-news" {
		t.Fatalf("unexpected channels: %+v", channels)
	}
}

func TestReportNotFound(t *testing.T) {
	h, _ := testHandler(t, &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", nil
	}})

	rec := doRequest(h, http.MethodGet, "/api/reports/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestChannelReportsEmpty(t *testing.T) {
	h, _ := testHandler(t, &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", nil
	}})

	rec := doRequest(h, http.MethodGet, "/api/channels/springfield-news/reports")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var reports []models.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected empty array, got %d", len(reports))
	}
}

func TestReportServedFromCache(t *testing.T) {
	p := &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return `{"headline":"Flooding","city":"Springfield","body":"Main Street closed."}`, nil
	}}
	h, _ := testHandler(t, p)

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	window, _ := models.NewTimeWindow(start, start.Add(time.Hour))
	msgs := []models.EssentialMessage{{ID: "m0", Author: "r", Content: "flooding", Timestamp: start}}
	report, err := h.Synth.SynthesizeWindow(context.Background(), h.Channels[0], window, msgs, models.TriggerManual)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	rec := doRequest(h, http.MethodGet, "/api/reports/"+report.ReportID)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got models.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ReportID != report.ReportID || got.Headline != "Flooding" {
		t.Fatalf("unexpected report: %+v", got)
	}

	rec = doRequest(h, http.MethodGet, "/api/channels/springfield-news/reports")
	var history []models.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 report in history, got %d", len(history))
	}
}

func archiveStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &store.Store{DB: db}, mock
}

func TestReportFallsBackToArchive(t *testing.T) {
	h, _ := testHandler(t, &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", nil
	}})
	var mock sqlmock.Sqlmock
	h.Store, mock = archiveStore(t)

	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"report_id", "headline", "city", "body", "generated_at",
		"channel_key", "message_ids", "window_start", "window_end", "trigger_kind"}).
		AddRow("r-old", "Flooding", "Springfield", "Main Street closed.", now,
			"springfield-news", []byte(`{m0}`), now.Add(-time.Hour), now, string(models.TriggerSchedule))
	mock.ExpectQuery(`SELECT report_id, headline`).WithArgs("r-old").WillReturnRows(rows)

	rec := doRequest(h, http.MethodGet, "/api/reports/r-old")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got models.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ReportID != "r-old" || got.Headline != "Flooding" {
		t.Fatalf("unexpected report: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestChannelReportsFallBackToArchive(t *testing.T) {
	h, _ := testHandler(t, &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", nil
	}})
	var mock sqlmock.Sqlmock
	h.Store, mock = archiveStore(t)

	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"report_id", "headline", "city", "body", "generated_at",
		"channel_key", "message_ids", "window_start", "window_end", "trigger_kind"}).
		AddRow("r-old", "Flooding", "Springfield", "Main Street closed.", now,
			"springfield-news", []byte(`{m0}`), now.Add(-time.Hour), now, string(models.TriggerSchedule))
	mock.ExpectQuery(`SELECT report_id, headline`).WithArgs("springfield-news", 10).WillReturnRows(rows)

	rec := doRequest(h, http.MethodGet, "/api/channels/springfield-news/reports")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var reports []models.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reports) != 1 || reports[0].ReportID != "r-old" {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLatestSummaryNotFoundThenServed(t *testing.T) {
	p := &stubProvider{fn: func(ctx context.Context, messages []provider.Message) (string, error) {
		if len(messages) > 0 && strings.HasPrefix(messages[0].Content, "You condense") {
			return `{"mini_summary":"Short."}`, nil
		}
		return `{"summary":"Full digest."}`, nil
	}}
	h, _ := testHandler(t, p)

	rec := doRequest(h, http.MethodGet, "/api/channels/springfield-news/summary")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}

	reports := []models.Report{{ReportID: "r1", Headline: "Flooding", Body: "Main Street closed.", GeneratedAt: time.Now()}}
	if _, err := h.Rollup.Rollup(context.Background(), "springfield-news", reports, time.Now()); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	rec = doRequest(h, http.MethodGet, "/api/channels/springfield-news/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var summary models.ExecutiveSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Summary != "Full digest." {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestGenerateUnknownChannel(t *testing.T) {
	h, _ := testHandler(t, &stubProvider{fn: func(ctx context.Context, _ []provider.Message) (string, error) {
		return "", nil
	}})

	rec := doRequest(h, http.MethodPost, "/api/channels/nope/generate")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}
