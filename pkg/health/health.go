// Package health serves the observability and admin surface: the
// aggregate health snapshot, prometheus metrics, and manual controls
// over dead letters, scheduled jobs, and the pool.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/channel"
	"github.com/chaiyawut/butler/pkg/heartbeat"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/pool"
	"github.com/chaiyawut/butler/pkg/queue"
	"github.com/chaiyawut/butler/pkg/sched"
	"github.com/chaiyawut/butler/pkg/store"
)

// Server is the health/admin HTTP server.
type Server struct {
	echo      *echo.Echo
	store     *store.BoltStore
	memstore  *memstore.Store
	pool      *pool.Pool
	queue     *queue.Queue
	scheduler *sched.Scheduler
	heartbeat *heartbeat.Heartbeat
	registry  *channel.Registry
	logger    zerolog.Logger
}

// New builds the server and its routes.
func New(st *store.BoltStore, ms *memstore.Store, p *pool.Pool, q *queue.Queue, s *sched.Scheduler, hb *heartbeat.Heartbeat, reg *channel.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		store:     st,
		memstore:  ms,
		pool:      p,
		queue:     q,
		scheduler: s,
		heartbeat: hb,
		registry:  reg,
		logger:    log.WithComponent("health"),
	}

	e.GET("/health", srv.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	admin := e.Group("/admin")
	admin.GET("/dead-letters", srv.handleDeadLetters)
	admin.DELETE("/dead-letters/:id", srv.handleDeadLetterDelete)
	admin.GET("/jobs", srv.handleJobs)
	admin.POST("/jobs/:id/pause", srv.handleJobPause)
	admin.POST("/jobs/:id/resume", srv.handleJobResume)
	admin.POST("/pool/drain", srv.handlePoolDrain)

	return srv
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	s.logger.Info().Str("addr", addr).Msg("health surface listening")
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	totalDocs := 0
	var lastIndexed time.Time
	if s.memstore != nil {
		if n, err := s.memstore.CountDocuments(ctx); err == nil {
			totalDocs = n
		}
		if t, err := s.memstore.LastIndexedAt(ctx); err == nil {
			lastIndexed = t
		}
	}

	var heartbeatLastAt time.Time
	if s.heartbeat != nil {
		heartbeatLastAt = s.heartbeat.LastRunAt()
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"pool":       s.pool.Snapshot(),
		"queueDepth": s.queue.Depths(),
		"recentErrors": log.RecentErrors(),
		"channelsConnected": s.registry.Connected(),
		"memory": map[string]interface{}{
			"lastIndexed": lastIndexed,
			"totalDocs":   totalDocs,
		},
		"heartbeatLastAt": heartbeatLastAt,
	})
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	dls, err := s.store.ListDeadLetters()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deadLetters": dls,
		"count":       len(dls),
	})
}

func (s *Server) handleDeadLetterDelete(c echo.Context) error {
	if err := s.store.DeleteDeadLetter(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Info().Str("delivery", c.Param("id")).Msg("dead letter removed by admin")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleJobs(c echo.Context) error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobPause(c echo.Context) error {
	if err := s.scheduler.Pause(c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleJobResume(c echo.Context) error {
	if err := s.scheduler.Resume(c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePoolDrain(c echo.Context) error {
	drained := s.pool.Drain(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"drained": drained})
}
