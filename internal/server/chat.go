package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
	"github.com/mohammad-safakhou/gaffer/session"
	"github.com/sirupsen/logrus"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Reply      string     `json:"reply"`
	TurnID     string     `json:"turn_id,omitempty"`
	SessionID  string     `json:"session_id"`
	Cycles     int        `json:"cycles"`
	Unresolved bool       `json:"unresolved"`
	ToolsUsed  []string   `json:"tools_used,omitempty"`
	Usage      core.Usage `json:"usage"`
}

func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	ctx := core.WithRoute(c.Request().Context(), "/api/chat")
	res, err := s.runner.RunTurn(ctx, req.SessionID, req.Message)
	if err != nil {
		return s.turnError(c, req.SessionID, err)
	}
	return c.JSON(http.StatusOK, chatResponse{
		Reply:      res.Reply,
		TurnID:     res.TurnID,
		SessionID:  res.SessionID,
		Cycles:     res.Cycles,
		Unresolved: res.Unresolved,
		ToolsUsed:  res.ToolsUsed,
		Usage:      res.Usage,
	})
}

func (s *Server) turnError(c echo.Context, sessionID string, err error) error {
	log := s.logger.WithFields(logrus.Fields{"session_id": sessionID}).WithError(err)
	switch {
	case errors.Is(err, session.ErrLockTimeout):
		log.Info("session busy")
		return echo.NewHTTPError(http.StatusConflict, "another message for this session is still being answered")
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, core.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case core.IsFatal(err):
		log.Error("turn failed")
		c.Response().Header().Set("Retry-After", "30")
		return c.JSON(http.StatusServiceUnavailable, chatResponse{Reply: Apology, SessionID: sessionID})
	default:
		log.Error("turn aborted")
		return c.JSON(http.StatusServiceUnavailable, chatResponse{Reply: Apology, SessionID: sessionID})
	}
}

func (s *Server) summary(c echo.Context) error {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
		}
	}
	if to.Before(from) {
		return echo.NewHTTPError(http.StatusBadRequest, "to must not precede from")
	}
	ctx := c.Request().Context()
	sum, err := s.stats.Summary(ctx, from, to)
	if err != nil {
		return err
	}
	tools, err := s.stats.ToolStats(ctx, from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"summary": sum, "tools": tools})
}
