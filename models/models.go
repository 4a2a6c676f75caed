package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrReportNotFound is returned when a report is not found in cache or archive.
var ErrReportNotFound = errors.New("report not found")

// ErrNoMessages is returned when a synthesis window contains no messages.
var ErrNoMessages = errors.New("no messages in window")

// EssentialMessage is the reduced projection of an upstream chat message
// consumed by the pipeline. Immutable once ingested.
type EssentialMessage struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Embeds      []string  `json:"embeds,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

// TimeWindow is a half-open [Start, End) range used to select messages
// for one synthesis cycle.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeWindow builds a window, enforcing Start <= End.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	if end.Before(start) {
		return TimeWindow{}, fmt.Errorf("invalid window: start %s after end %s", start, end)
	}
	return TimeWindow{Start: start, End: end}, nil
}

// Contains reports whether t falls inside the half-open range.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

// ReportTrigger records what started a synthesis cycle.
type ReportTrigger string

const (
	TriggerSchedule ReportTrigger = "schedule"
	TriggerManual   ReportTrigger = "manual"
)

// Report is one AI-synthesized narrative produced from a message window
// and optionally prior reports. Never mutated after creation; a new
// window produces a new Report.
type Report struct {
	ReportID    string        `json:"report_id"`
	Headline    string        `json:"headline"`
	City        string        `json:"city"`
	Body        string        `json:"body"`
	GeneratedAt time.Time     `json:"generated_at"`
	ChannelKey  string        `json:"channel_key"`
	MessageIDs  []string      `json:"message_ids"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Trigger     ReportTrigger `json:"trigger"`
}

// SourceAttribution maps a [StartIndex, EndIndex) slice of a report body
// back to the originating message.
type SourceAttribution struct {
	ID              string  `json:"id"`
	StartIndex      int     `json:"start_index"`
	EndIndex        int     `json:"end_index"`
	Text            string  `json:"text"`
	SourceMessageID string  `json:"source_message_id"`
	Confidence      float64 `json:"confidence"`
}

// Validate checks the span invariants against the report body:
// 0 <= StartIndex < EndIndex <= len(body) and Text matches the slice.
func (a SourceAttribution) Validate(body string) error {
	if a.StartIndex < 0 || a.EndIndex <= a.StartIndex || a.EndIndex > len(body) {
		return fmt.Errorf("span [%d,%d) out of bounds for body of length %d", a.StartIndex, a.EndIndex, len(body))
	}
	if body[a.StartIndex:a.EndIndex] != a.Text {
		return fmt.Errorf("span text mismatch at [%d,%d)", a.StartIndex, a.EndIndex)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %f outside [0,1]", a.Confidence)
	}
	return nil
}

// ReportSourceAttribution holds all spans for a single report. Absence in
// cache means "not yet enriched"; an explicitly empty Attributions slice
// is a distinct, non-persisted state.
type ReportSourceAttribution struct {
	ReportID     string              `json:"report_id"`
	Attributions []SourceAttribution `json:"attributions"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Version      int                 `json:"version"`
}

// Empty reports whether the result carries no usable spans.
func (r ReportSourceAttribution) Empty() bool { return len(r.Attributions) == 0 }

// ExecutiveSummary is a digest rolled up from recent reports plus prior
// summaries, with a condensed mini variant.
type ExecutiveSummary struct {
	SummaryID   string    `json:"summary_id"`
	Summary     string    `json:"summary"`
	MiniSummary string    `json:"mini_summary"`
	GeneratedAt time.Time `json:"generated_at"`
	ReportCount int       `json:"report_count"`
	Timeframe   string    `json:"timeframe"`
}

// ClassificationSource distinguishes a real model verdict from the
// lenient failure fallback.
type ClassificationSource string

const (
	ClassificationSourceModel   ClassificationSource = "model"
	ClassificationSourceDefault ClassificationSource = "default"
)

// Classification is one relevance verdict for an ingested message.
type Classification struct {
	MessageID string               `json:"message_id"`
	Relevant  bool                 `json:"relevant"`
	Reasoning string               `json:"reasoning"`
	Source    ClassificationSource `json:"source"`
}
