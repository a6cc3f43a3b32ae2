package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
)

// ResearchHandler starts sessions and serves their progress and reports.
type ResearchHandler struct {
	Service    Service
	Background context.Context
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/report", h.report)
}

type startRequest struct {
	Topic string `json:"topic"`
}

type startResponse struct {
	SessionID string       `json:"session_id"`
	Topic     string       `json:"topic"`
	Status    state.Status `json:"status"`
}

func (h *ResearchHandler) start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	s, err := h.Service.Start(h.Background, topic)
	if err != nil {
		if errors.Is(err, state.ErrEmptyTopic) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sub, ok := runtime.SubjectFromContext(c.Request().Context()); ok {
		log.Printf("[HTTP] session %s started by %s", s.ID, sub)
	}
	status := state.StatusThinking
	if s.State != nil {
		status = s.State.GetState().Status
	}
	return c.JSON(http.StatusAccepted, startResponse{SessionID: s.ID, Topic: s.Topic, Status: status})
}

func (h *ResearchHandler) list(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	out, err := h.Service.Sessions(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ResearchHandler) get(c echo.Context) error {
	snap, err := h.Service.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *ResearchHandler) report(c echo.Context) error {
	rep, err := h.Service.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lookupError(err)
	}
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/markdown") {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(rep.Markdown))
	}
	return c.JSON(http.StatusOK, rep)
}

func lookupError(err error) error {
	if errors.Is(err, runtime.ErrUnknownSession) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
