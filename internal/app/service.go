package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/liveview/internal/broadcast"
	"github.com/pscheid92/liveview/internal/domain"
	"github.com/pscheid92/liveview/internal/platform/correlation"
	"github.com/pscheid92/liveview/internal/watcher"
)

// Service is the application layer. It is the only component that references the
// change source, the watcher and the registry together.
type Service struct {
	source   domain.ChangeSource
	registry *broadcast.Registry
	watcher  *watcher.Watcher
}

// NewService creates the service. The watcher is attached separately with
// AttachWatcher because the watcher's resync hook points back at the service.
func NewService(source domain.ChangeSource, registry *broadcast.Registry) *Service {
	return &Service{source: source, registry: registry}
}

func (s *Service) AttachWatcher(w *watcher.Watcher) {
	s.watcher = w
}

// Run forwards changes from the watcher into the registry until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.watcher == nil {
		return errors.New("no watcher attached")
	}
	if err := s.watcher.Run(ctx, s.publish); err != nil {
		return fmt.Errorf("change feed watcher: %w", err)
	}
	return nil
}

func (s *Service) publish(ev domain.ChangeEvent) {
	if err := s.registry.Broadcast(ev); err != nil {
		slog.Error("Failed to broadcast change", "operation", ev.Operation, "error", err)
	}
}

// Resync closes every live session so its client reconnects and re-snapshots.
// It is the watcher's hook for an expired resume token.
func (s *Service) Resync() {
	n := s.registry.Resync(broadcast.ReasonResync)
	slog.Warn("Closed sessions for resync", "sessions", n)
}

// Connect serves one subscriber on the calling goroutine until it goes away.
func (s *Service) Connect(ctx context.Context, conn broadcast.Conn, remoteAddr string) error {
	id := uuid.New()
	ctx = correlation.WithSession(ctx, id.String(), remoteAddr)

	slog.InfoContext(ctx, "Subscriber connected")
	err := broadcast.NewSession(id, conn, s.source, s.registry).Serve(ctx)

	switch {
	case err == nil:
		slog.InfoContext(ctx, "Subscriber disconnected")
	case errors.Is(err, domain.ErrRegistryClosed):
		slog.InfoContext(ctx, "Subscriber rejected, shutting down")
	case errors.Is(err, domain.ErrSubscriberSend), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.WarnContext(ctx, "Subscriber dropped", "error", err)
	default:
		slog.ErrorContext(ctx, "Subscriber session failed", "error", err)
	}
	return err
}

// Subscribers returns the number of registered sessions.
func (s *Service) Subscribers() int {
	return s.registry.Len()
}

// FeedReady reports whether the change feed is open.
func (s *Service) FeedReady(context.Context) error {
	if s.watcher == nil || !s.watcher.Connected() {
		return errors.New("change feed not connected")
	}
	return nil
}

// FeedStatus returns the watcher's status, or the zero value before one is attached.
func (s *Service) FeedStatus() watcher.Status {
	if s.watcher == nil {
		return watcher.Status{}
	}
	return s.watcher.Status()
}
