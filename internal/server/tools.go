package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ToolsHandler exposes the tool registry cards.
type ToolsHandler struct {
	Service Service
}

func (h *ToolsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
}

func (h *ToolsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Service.Tools())
}
