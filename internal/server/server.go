// Package server exposes the assistant over HTTP: a JSON chat endpoint, the
// WhatsApp Cloud API webhook, request-log summaries and operational probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
	"github.com/mohammad-safakhou/gaffer/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Apology is the reply sent when a turn fails for reasons the user cannot fix.
const Apology = "Sorry, I'm having trouble reaching my data right now. Please try again in a few minutes."

// TurnRunner runs one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, message string) (core.TurnResult, error)
}

// Stats reads aggregates from the request log.
type Stats interface {
	Summary(ctx context.Context, from, to time.Time) (store.Summary, error)
	ToolStats(ctx context.Context, from, to time.Time) ([]store.ToolStat, error)
}

// Options wires the server's collaborators. Stats, WhatsApp and Gatherer are optional.
type Options struct {
	Runner   TurnRunner
	Stats    Stats
	WhatsApp *WhatsApp
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
	// BodyLimit caps request bodies, e.g. "256K".
	BodyLimit string
}

type Server struct {
	echo   *echo.Echo
	runner TurnRunner
	stats  Stats
	wa     *WhatsApp
	logger logrus.FieldLogger

	inflight sync.WaitGroup
}

// New builds the echo application and registers every route.
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("server: turn runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	limit := opts.BodyLimit
	if limit == "" {
		limit = "256K"
	}

	s := &Server{
		echo:   echo.New(),
		runner: opts.Runner,
		stats:  opts.Stats,
		wa:     opts.WhatsApp,
		logger: logger,
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(limit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
			}).Debug("request")
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	api.POST("/chat", s.chat)
	if s.stats != nil {
		api.GET("/metrics/summary", s.summary)
	}
	if s.wa != nil {
		e.GET("/webhook/whatsapp", s.verifyWebhook)
		e.POST("/webhook/whatsapp", s.receiveWebhook)
	}
	return s, nil
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for webhook turns still running.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("waiting for in-flight turns: %w", ctx.Err())
		}
	}
	return err
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	entry := s.logger.WithFields(logrus.Fields{
		"status": code,
		"method": req.Method,
		"path":   req.URL.Path,
		"remote": c.RealIP(),
	})
	if code >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Debug("request rejected")
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]interface{}{"error": msg})
	}
}
