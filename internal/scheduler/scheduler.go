// Package scheduler drives periodic synthesis cycles per configured
// channel: select the window's messages, filter, synthesize, pre-warm
// attributions and fold the result into the rolling summary.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/attribution"
	"github.com/citypulse/newsdesk/internal/ingest"
	"github.com/citypulse/newsdesk/internal/rollup"
	"github.com/citypulse/newsdesk/internal/store"
	"github.com/citypulse/newsdesk/internal/synthesis"
	"github.com/citypulse/newsdesk/internal/telemetry"
	"github.com/citypulse/newsdesk/models"
)

// Scheduler ticks through the configured channels and fires due cycles.
type Scheduler struct {
	Channels []config.ChannelConfig
	Store    *store.Store
	Filter   *ingest.Filter
	Synth    *synthesis.Synthesizer
	Attr     *attribution.Synthesizer
	Rollup   *rollup.Service
	Rdb      *redis.Client
	Logger   *log.Logger
	Stop     chan struct{}

	mu       sync.Mutex
	lastRuns map[string]time.Time
}

// Start launches the tick loop. Stop by closing the Stop channel.
func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = telemetry.NewLogger("SCHED")
	}
	if s.Stop == nil {
		s.Stop = make(chan struct{})
	}
	s.lastRuns = make(map[string]time.Time)

	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	now := time.Now()
	for _, ch := range s.Channels {
		s.mu.Lock()
		last, seen := s.lastRuns[ch.Key]
		s.mu.Unlock()

		if seen && !isDue(ch.CronSpec, last, now) {
			continue
		}

		// Cross-instance guard: the in-process lock registry only
		// serializes within one process.
		if s.Rdb != nil {
			lockKey := "sched:lock:" + ch.Key
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		s.mu.Lock()
		s.lastRuns[ch.Key] = now
		s.mu.Unlock()

		go func(ch config.ChannelConfig) {
			if err := s.RunCycle(ctx, ch, models.TriggerSchedule); err != nil {
				s.Logger.Printf("cycle for %s failed: %v", ch.Key, err)
			}
		}(ch)
	}
}

// RunCycle executes one full synthesis cycle for a channel. Also used by
// the generate command and the HTTP API for manual triggers.
func (s *Scheduler) RunCycle(ctx context.Context, ch config.ChannelConfig, trigger models.ReportTrigger) error {
	end := time.Now().UTC().Truncate(time.Minute)
	window, err := models.NewTimeWindow(end.Add(-time.Duration(ch.WindowMinutes)*time.Minute), end)
	if err != nil {
		return err
	}

	msgs, err := s.Store.MessagesInWindow(ctx, ch.Key, window)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		s.Logger.Printf("no messages for %s in window ending %s", ch.Key, end.Format(time.RFC3339))
		return nil
	}

	filtered := s.Filter.Filter(ctx, msgs)
	if len(filtered.Relevant) == 0 {
		s.Logger.Printf("no relevant messages for %s in window ending %s", ch.Key, end.Format(time.RFC3339))
		return nil
	}

	report, err := s.Synth.SynthesizeWindow(ctx, ch, window, filtered.Relevant, trigger)
	if err != nil {
		return err
	}

	// Durable copy behind the cache; the cache stays authoritative for reads.
	if err := s.Store.SaveReport(ctx, report); err != nil {
		s.Logger.Printf("archive of report %s failed: %v", report.ReportID, err)
	}

	s.Attr.Pregenerate(ctx, []models.Report{report}, func(ctx context.Context, r models.Report) ([]models.EssentialMessage, error) {
		return s.Store.MessagesByIDs(ctx, r.MessageIDs)
	})

	s.rollupCycle(ctx, ch)
	return nil
}

// rollupCycle folds the channel's recent reports into the trailing
// executive summary. Failures are logged, not propagated: the report
// cycle already succeeded.
func (s *Scheduler) rollupCycle(ctx context.Context, ch config.ChannelConfig) {
	recent, err := s.Synth.RecentReports(ctx, ch.Key, 0)
	if err != nil {
		s.Logger.Printf("rollup input for %s unavailable: %v", ch.Key, err)
		return
	}
	asOf := time.Now().UTC()
	cutoff := asOf.Add(-s.Rollup.Window())
	reports := recent[:0:0]
	for _, r := range recent {
		if !r.GeneratedAt.Before(cutoff) {
			reports = append(reports, r)
		}
	}
	if len(reports) == 0 {
		return
	}

	summary, err := s.Rollup.Rollup(ctx, ch.Key, reports, asOf)
	if err != nil {
		s.Logger.Printf("rollup for %s failed: %v", ch.Key, err)
		return
	}
	if err := s.Store.SaveSummary(ctx, ch.Key, summary); err != nil {
		s.Logger.Printf("archive of summary %s failed: %v", summary.SummaryID, err)
	}
}

// isDue determines whether a cron spec has a fire time in (last, now].
// Supports "@hourly", "@daily" and standard cron expressions.
func isDue(cronSpec string, last, now time.Time) bool {
	switch cronSpec {
	case "@hourly":
		return now.Sub(last) >= time.Hour
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return false
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now)
}
