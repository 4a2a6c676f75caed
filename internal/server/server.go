package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/citypulse/newsdesk/config"
	"github.com/citypulse/newsdesk/internal/attribution"
	"github.com/citypulse/newsdesk/internal/cache"
	"github.com/citypulse/newsdesk/internal/ingest"
	"github.com/citypulse/newsdesk/internal/rollup"
	"github.com/citypulse/newsdesk/internal/scheduler"
	"github.com/citypulse/newsdesk/internal/store"
	"github.com/citypulse/newsdesk/internal/synthesis"
	"github.com/citypulse/newsdesk/internal/telemetry"
	"github.com/citypulse/newsdesk/internal/tokens"
	"github.com/citypulse/newsdesk/provider"
)

// Run wires the full pipeline behind the HTTP API and blocks serving.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// Shared dependencies (top-level DI)
	ctx := context.Background()

	sched, err := BuildScheduler(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	sched.Start()
	defer close(sched.Stop)

	h := &Handler{
		Store:     sched.Store,
		Synth:     sched.Synth,
		Attr:      sched.Attr,
		Rollup:    sched.Rollup,
		Scheduler: sched,
		Channels:  cfg.Channels,
	}
	h.Register(e.Group("/api"))

	return e.Start(cfg.Server.Address)
}

// BuildScheduler connects storage, the model provider and the pipeline
// stages. Also used by the one-shot generate command.
func BuildScheduler(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (*scheduler.Scheduler, error) {
	rc := cfg.Storage.Redis
	rdb, err := cache.Conn(ctx, rc.Host, rc.Port, rc.Password, rc.DB, rc.Timeout)
	if err != nil {
		return nil, err
	}
	cacheStore := cache.NewRedisStore(rdb)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, err
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	synthCfg := cfg.Pipeline.Synthesis.Normalize()
	estimator := tokens.NewEstimator(synthCfg.TokensPerChar, synthCfg.OverheadTokens, synthCfg.OutputBufferTokens)

	return &scheduler.Scheduler{
		Channels: cfg.Channels,
		Store:    st,
		Filter:   ingest.NewFilter(llm, cfg.Pipeline.Ingest, nil, metrics),
		Synth:    synthesis.NewSynthesizer(llm, cacheStore, synthCfg, nil, metrics),
		Attr:     attribution.NewSynthesizer(llm, cacheStore, cfg.Pipeline.Attribution, nil, metrics),
		Rollup: rollup.NewService(llm, cacheStore, cfg.Pipeline.Rollup, estimator,
			synthCfg.MaxContextTokens, nil, metrics),
		Rdb:    rdb,
		Logger: telemetry.NewLogger("SCHED"),
		Stop:   make(chan struct{}),
	}, nil
}
