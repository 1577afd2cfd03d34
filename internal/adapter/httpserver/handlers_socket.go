package httpserver

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/liveview/internal/adapter/websocket"
	"github.com/pscheid92/liveview/internal/domain"
	apperrors "github.com/pscheid92/liveview/internal/errors"
)

const rejectUpgradeFailed = "upgrade_failed"

// handleSocket upgrades to a websocket and serves one subscriber until it leaves.
// Refusals happen before the upgrade so clients see a plain HTTP status.
func (s *Server) handleSocket(c echo.Context) error {
	ctx := c.Request().Context()

	if err := s.ready(ctx); err != nil {
		s.reject("draining")
		return apperrors.UnavailableError("server is shutting down", err)
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		s.reject(string(reason))
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("server is at connection capacity", nil).
				WithContext("limit", s.limits.Max())
		}
		return apperrors.RateLimitedError("too many connections from this address").
			WithContext("reason", string(reason))
	}
	defer s.limits.Release(ip)

	raw, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		s.reject(rejectUpgradeFailed)
		slog.InfoContext(ctx, "WebSocket upgrade failed", "remote_addr", ip, "error", err)
		return nil
	}

	conn := websocket.NewConn(raw, s.clock, s.config.WriteTimeout, s.metrics.WebSocket)
	defer conn.Wait()

	err = s.service.Connect(ctx, conn, ip)
	if errors.Is(err, domain.ErrRegistryClosed) {
		// lost the race against shutdown after the readiness check
		conn.FinishWithCode(websocket.CloseTryAgainLater, "server shutting down")
	}
	_ = conn.Close()
	return nil
}

func (s *Server) reject(reason string) {
	if s.metrics.WebSocket != nil {
		s.metrics.WebSocket.Rejected.WithLabelValues(reason).Inc()
	}
}
