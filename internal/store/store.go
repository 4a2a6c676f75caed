// Package store is the durable Postgres side of the pipeline: the
// message archive the synthesizer reads its windows from, plus
// best-effort copies of reports and summaries behind the cache.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/citypulse/newsdesk/models"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// InsertMessages archives messages for a channel. The upstream connector
// calls this at ingestion time; duplicates are ignored.
func (s *Store) InsertMessages(ctx context.Context, channelKey string, msgs []models.EssentialMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	const q = `
INSERT INTO messages (id, channel_key, author, content, ts, embeds, attachments)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING;
`
	for _, m := range msgs {
		if _, err := s.DB.ExecContext(ctx, q, m.ID, channelKey, m.Author, m.Content, m.Timestamp,
			pq.Array(m.Embeds), pq.Array(m.Attachments)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// MessagesInWindow returns the channel's messages with ts in
// [window.Start, window.End), oldest first.
func (s *Store) MessagesInWindow(ctx context.Context, channelKey string, window models.TimeWindow) ([]models.EssentialMessage, error) {
	const q = `
SELECT id, author, content, ts, embeds, attachments
FROM messages
WHERE channel_key = $1 AND ts >= $2 AND ts < $3
ORDER BY ts ASC;
`
	rows, err := s.DB.QueryContext(ctx, q, channelKey, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.EssentialMessage
	for rows.Next() {
		var m models.EssentialMessage
		var embeds, attachments pq.StringArray
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.Timestamp, &embeds, &attachments); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Embeds = embeds
		m.Attachments = attachments
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessagesByIDs returns the named messages, oldest first.
func (s *Store) MessagesByIDs(ctx context.Context, ids []string) ([]models.EssentialMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
SELECT id, author, content, ts, embeds, attachments
FROM messages
WHERE id = ANY($1)
ORDER BY ts ASC;
`
	rows, err := s.DB.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query messages by ids: %w", err)
	}
	defer rows.Close()

	var out []models.EssentialMessage
	for rows.Next() {
		var m models.EssentialMessage
		var embeds, attachments pq.StringArray
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.Timestamp, &embeds, &attachments); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Embeds = embeds
		m.Attachments = attachments
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveReport archives a report. Reports are immutable, so a replay of
// the same ID is a no-op.
func (s *Store) SaveReport(ctx context.Context, r models.Report) error {
	const q = `
INSERT INTO reports (report_id, headline, city, body, generated_at, channel_key, message_ids, window_start, window_end, trigger_kind)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (report_id) DO NOTHING;
`
	_, err := s.DB.ExecContext(ctx, q, r.ReportID, r.Headline, r.City, r.Body, r.GeneratedAt,
		r.ChannelKey, pq.Array(r.MessageIDs), r.WindowStart, r.WindowEnd, string(r.Trigger))
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.ReportID, err)
	}
	return nil
}

// RecentReports returns up to limit most recent reports for a channel,
// newest first.
func (s *Store) RecentReports(ctx context.Context, channelKey string, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT report_id, headline, city, body, generated_at, channel_key, message_ids, window_start, window_end, trigger_kind
FROM reports
WHERE channel_key = $1
ORDER BY generated_at DESC
LIMIT $2;
`
	rows, err := s.DB.QueryContext(ctx, q, channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []models.Report
	for rows.Next() {
		var r models.Report
		var messageIDs pq.StringArray
		var trigger string
		if err := rows.Scan(&r.ReportID, &r.Headline, &r.City, &r.Body, &r.GeneratedAt,
			&r.ChannelKey, &messageIDs, &r.WindowStart, &r.WindowEnd, &trigger); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.MessageIDs = messageIDs
		r.Trigger = models.ReportTrigger(trigger)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReport fetches one archived report.
func (s *Store) GetReport(ctx context.Context, reportID string) (models.Report, error) {
	const q = `
SELECT report_id, headline, city, body, generated_at, channel_key, message_ids, window_start, window_end, trigger_kind
FROM reports
WHERE report_id = $1;
`
	var r models.Report
	var messageIDs pq.StringArray
	var trigger string
	err := s.DB.QueryRowContext(ctx, q, reportID).Scan(&r.ReportID, &r.Headline, &r.City, &r.Body,
		&r.GeneratedAt, &r.ChannelKey, &messageIDs, &r.WindowStart, &r.WindowEnd, &trigger)
	if err == sql.ErrNoRows {
		return models.Report{}, models.ErrReportNotFound
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("get report %s: %w", reportID, err)
	}
	r.MessageIDs = messageIDs
	r.Trigger = models.ReportTrigger(trigger)
	return r, nil
}

// SaveSummary archives an executive summary.
func (s *Store) SaveSummary(ctx context.Context, channelKey string, sum models.ExecutiveSummary) error {
	const q = `
INSERT INTO summaries (summary_id, channel_key, summary, mini_summary, generated_at, report_count, timeframe)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (summary_id) DO NOTHING;
`
	_, err := s.DB.ExecContext(ctx, q, sum.SummaryID, channelKey, sum.Summary, sum.MiniSummary,
		sum.GeneratedAt, sum.ReportCount, sum.Timeframe)
	if err != nil {
		return fmt.Errorf("save summary %s: %w", sum.SummaryID, err)
	}
	return nil
}
