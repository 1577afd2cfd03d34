package httpserver

import (
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/liveview/web"
)

func (s *Server) registerDashboardRoutes() {
	static, err := fs.Sub(web.StaticFiles, "static")
	if err != nil {
		// the embedded tree is fixed at build time
		panic(fmt.Sprintf("embedded static files: %v", err))
	}

	s.echo.GET("/", func(c echo.Context) error {
		return echo.StaticFileHandler("index.html", static)(c)
	})
	s.echo.GET("/status", s.handleStatus)
}

type statusResponse struct {
	Subscribers   int        `json:"subscribers"`
	FeedConnected bool       `json:"feed_connected"`
	Forwarded     uint64     `json:"forwarded"`
	Resyncs       int        `json:"resyncs"`
	LastResync    *time.Time `json:"last_resync,omitempty"`
	Connections   int64      `json:"connections"`
	MaxConns      int64      `json:"max_connections"`
}

func (s *Server) handleStatus(c echo.Context) error {
	feed := s.service.FeedStatus()
	resp := statusResponse{
		Subscribers:   s.service.Subscribers(),
		FeedConnected: feed.Connected,
		Forwarded:     feed.Forwarded,
		Resyncs:       feed.Resyncs,
		Connections:   s.limits.Current(),
		MaxConns:      s.limits.Max(),
	}
	if !feed.LastResync.IsZero() {
		resp.LastResync = &feed.LastResync
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}
