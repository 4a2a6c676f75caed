package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/attribution"
	"github.com/citypulse/newsdesk/internal/rollup"
	"github.com/citypulse/newsdesk/internal/scheduler"
	"github.com/citypulse/newsdesk/internal/store"
	"github.com/citypulse/newsdesk/internal/synthesis"
	"github.com/citypulse/newsdesk/models"
)

// Handler exposes the pipeline over HTTP.
type Handler struct {
	Store     *store.Store
	Synth     *synthesis.Synthesizer
	Attr      *attribution.Synthesizer
	Rollup    *rollup.Service
	Scheduler *scheduler.Scheduler
	Channels  []config.ChannelConfig
}

// Register mounts the API routes on a group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/channels/:key/messages", h.ingestMessages)
	g.GET("/channels", h.listChannels)
	g.POST("/channels/:key/generate", h.generate)
	g.GET("/channels/:key/reports", h.channelReports)
	g.GET("/channels/:key/summary", h.latestSummary)
	g.GET("/channels/:key/summaries", h.summaryHistory)
	g.GET("/reports/:id", h.report)
	g.GET("/reports/:id/attributions", h.attributions)
}

func (h *Handler) ingestMessages(c echo.Context) error {
	var msgs []models.EssentialMessage
	if err := c.Bind(&msgs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message payload")
	}
	if len(msgs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty message batch")
	}
	for _, m := range msgs {
		if m.ID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "message id required")
		}
	}
	if err := h.Store.InsertMessages(c.Request().Context(), c.Param("key"), msgs); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]int{"accepted": len(msgs)})
}

func (h *Handler) listChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Channels)
}

func (h *Handler) generate(c echo.Context) error {
	key := c.Param("key")
	for _, ch := range h.Channels {
		if ch.Key == key {
			if err := h.Scheduler.RunCycle(c.Request().Context(), ch, models.TriggerManual); err != nil {
				return err
			}
			return c.JSON(http.StatusOK, map[string]string{"status": "generated"})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
}

func (h *Handler) channelReports(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	reports, err := h.Synth.RecentReports(c.Request().Context(), c.Param("key"), limit)
	if err != nil {
		return err
	}
	if len(reports) == 0 && h.Store != nil {
		reports, err = h.Store.RecentReports(c.Request().Context(), c.Param("key"), limit)
		if err != nil {
			return err
		}
	}
	if reports == nil {
		reports = []models.Report{}
	}
	return c.JSON(http.StatusOK, reports)
}

// lookupReport serves from the cache first and falls back to the
// archive for reports whose cache entries have expired.
func (h *Handler) lookupReport(ctx context.Context, reportID string) (models.Report, error) {
	report, err := h.Synth.Report(ctx, reportID)
	if errors.Is(err, models.ErrReportNotFound) && h.Store != nil {
		return h.Store.GetReport(ctx, reportID)
	}
	return report, err
}

func (h *Handler) report(c echo.Context) error {
	report, err := h.lookupReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) attributions(c echo.Context) error {
	ctx := c.Request().Context()
	report, err := h.lookupReport(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		return err
	}
	msgs, err := h.Store.MessagesByIDs(ctx, report.MessageIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.Attr.GetAttributions(ctx, report, msgs))
}

func (h *Handler) latestSummary(c echo.Context) error {
	summary, ok, err := h.Rollup.Latest(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no summary yet")
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) summaryHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	history, err := h.Rollup.History(c.Request().Context(), c.Param("key"), limit)
	if err != nil {
		return err
	}
	if history == nil {
		history = []models.ExecutiveSummary{}
	}
	return c.JSON(http.StatusOK, history)
}
