package offline0

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const controlPrefix = "/_offline0"

type syncRequest struct {
	Tag string `json:"tag"`
}

type syncResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
}

type cacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type healthResponse struct {
	State       WorkerState `json:"state"`
	Controlling bool        `json:"controlling"`
	Version     string      `json:"version"`
}

// Handler returns the HTTP surface: the control API plus the intercepting
// proxy for everything else.
func (s *Service) Handler() http.Handler {
	return s.echo
}

func (s *Service) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if n := s.cfg.Server.maxBodyBytes; n > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", n)))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("outcome", c.Response().Header().Get("X-Offline0")),
			)
			return nil
		},
	}))

	api := e.Group(controlPrefix)
	api.GET("/healthz", s.handleHealth)
	api.POST("/analytics", s.handleEnqueue)
	api.GET("/analytics", s.handleListQueue)
	api.POST("/sync", s.handleSync)
	api.POST("/install", s.handleInstall)
	api.POST("/activate", s.handleActivate)
	api.GET("/caches", s.handleCaches)

	e.Any("/*", echo.WrapHandler(http.HandlerFunc(s.handle)))
	return e
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		State:       s.State(),
		Controlling: s.Controlling(),
		Version:     s.cfg.Cache.Version,
	})
}

// handleEnqueue appends one JSON event to the analytics queue.
func (s *Service) handleEnqueue(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if err := s.queue.Append(c.Request().Context(), json.RawMessage(body)); err != nil {
		if errors.Is(err, errInvalidEvent) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.log.Error("enqueue analytics event", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "enqueue failed")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Service) handleListQueue(c echo.Context) error {
	events, err := s.queue.ReadAll(c.Request().Context())
	if err != nil {
		s.log.Error("read analytics queue", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "read queue failed")
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	return c.JSON(http.StatusOK, events)
}

// handleSync delivers a reconnect signal and waits for the drain attempt.
func (s *Service) handleSync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Tag == "" {
		req.Tag = s.cfg.Sync.Tag
	}
	ctx := c.Request().Context()
	accepted := s.syncer.OnSync(ctx, req.Tag)

	events, err := s.queue.ReadAll(ctx)
	if err != nil {
		s.log.Error("read analytics queue", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "read queue failed")
	}
	return c.JSON(http.StatusOK, syncResponse{
		Accepted: accepted,
		State:    s.syncer.State().String(),
		Pending:  len(events),
	})
}

func (s *Service) handleInstall(c echo.Context) error {
	if err := s.RunLifecycle(c.Request().Context()); err != nil {
		s.log.Error("install", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return s.handleHealth(c)
}

func (s *Service) handleActivate(c echo.Context) error {
	if err := s.Activate(c.Request().Context()); err != nil {
		if errors.Is(err, ErrNoController) {
			return echo.NewHTTPError(http.StatusConflict, "nothing installed")
		}
		s.log.Error("activate", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return s.handleHealth(c)
}

func (s *Service) handleCaches(c echo.Context) error {
	ctx := c.Request().Context()
	names, err := s.storage.Keys(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]cacheInfo, 0, len(names))
	for _, name := range names {
		cache, err := s.storage.Open(ctx, name)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		out = append(out, cacheInfo{
			Name:    name,
			Entries: len(keys),
			Current: name == s.cfg.Cache.Version,
		})
	}
	return c.JSON(http.StatusOK, out)
}
