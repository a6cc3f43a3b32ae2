package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/research/tools"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/internal/store"
)

// Service is the research backend behind the API. *runtime.Runtime satisfies it.
type Service interface {
	Start(ctx context.Context, topic string) (*runtime.Session, error)
	Sessions(ctx context.Context, limit int) ([]store.SessionSummary, error)
	Snapshot(ctx context.Context, id string) (state.Snapshot, error)
	Report(ctx context.Context, id string) (report.Report, error)
	Tools() []tools.Card
}

// Options configure the HTTP surface.
type Options struct {
	// Secret enables JWT auth on /api when set.
	Secret []byte
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Background bounds sessions started over the API; they outlive the request.
	Background context.Context
}

// New builds the echo instance with all routes registered.
func New(svc Service, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
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

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api")
	if len(opts.Secret) > 0 {
		api.Use(runtime.EchoAuthMiddleware(opts.Secret))
	}
	bg := opts.Background
	if bg == nil {
		bg = context.Background()
	}
	rh := &ResearchHandler{Service: svc, Background: bg}
	rh.Register(api.Group("/research"))
	th := &ToolsHandler{Service: svc}
	th.Register(api.Group("/tools"))
	return e
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
