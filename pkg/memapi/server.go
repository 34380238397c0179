// Package memapi serves the memory core over HTTP: the search, learn,
// and layer endpoints agents and the dispatcher call. Bearer-token auth,
// JSON errors, and synchronous cache invalidation on every write.
package memapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/memory"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/retrieval"
)

// Server is the memory API server.
type Server struct {
	echo    *echo.Echo
	manager *memory.Manager
	engine  *retrieval.Engine
	store   *memstore.Store
	token   string
	logger  zerolog.Logger
}

// New builds the server and its routes.
func New(manager *memory.Manager, token string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: manager,
		engine:  manager.Engine(),
		store:   manager.Store(),
		token:   token,
		logger:  log.WithComponent("memapi"),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(50)))
	e.Use(s.auth)
	e.HTTPErrorHandler = s.errorHandler

	api := e.Group("/api")
	api.GET("/search", s.handleSearch)
	api.GET("/consult", s.handleConsult)
	api.GET("/reflect", s.handleReflect)
	api.GET("/list", s.handleList)
	api.GET("/stats", s.handleStats)
	api.GET("/doc/:id", s.handleDoc)
	api.GET("/graph", s.handleGraph)
	api.POST("/learn", s.handleLearn)
	api.POST("/supersede", s.handleSupersede)
	api.GET("/user-model", s.handleUserModelGet)
	api.POST("/user-model", s.handleUserModelUpdate)
	api.DELETE("/user-model", s.handleUserModelDelete)
	api.GET("/procedural", s.handleProceduralSearch)
	api.POST("/procedural", s.handleProceduralLearn)
	api.POST("/procedural/usage", s.handleProceduralUsage)
	api.GET("/episodic", s.handleEpisodicSearch)
	api.POST("/episodic", s.handleEpisodicRecord)
	api.POST("/purge-expired", s.handlePurgeExpired)

	return s
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
	s.logger.Info().Str("addr", addr).Msg("memory api listening")
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

// auth enforces the bearer token with a constant-time compare.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		got := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}

// errorHandler renders every error as the {error} JSON shape.
func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if err == memstore.ErrNotFound {
		code = http.StatusNotFound
		msg = "not found"
	}
	if code >= 500 {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
