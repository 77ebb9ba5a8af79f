// Package server provides the decision-engine-facing HTTP API for recalld.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/episode"
	"github.com/praxisworks/recalld/internal/memval"
	"github.com/praxisworks/recalld/internal/strategy"
)

// Server exposes the episodic memory and strategy repository over HTTP.
type Server struct {
	echo   *echo.Echo
	logger *zap.Logger
	config *Config

	episodes  *episode.Store
	writer    *episode.Logger
	retriever *episode.Retriever
	repo      *strategy.Repository
}

// Config holds HTTP server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// NewServer creates the HTTP surface. Every dependency is required; the
// server owns none of them.
func NewServer(
	episodes *episode.Store,
	writer *episode.Logger,
	retriever *episode.Retriever,
	repo *strategy.Repository,
	logger *zap.Logger,
	cfg *Config,
) (*Server, error) {
	if episodes == nil || writer == nil || retriever == nil || repo == nil {
		return nil, fmt.Errorf("all stores are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Port: 9460, ShutdownTimeout: 10 * time.Second}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		logger:    logger,
		config:    cfg,
		episodes:  episodes,
		writer:    writer,
		retriever: retriever,
		repo:      repo,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/v1")
	v1.POST("/episodes", s.handleLogEpisode)
	v1.POST("/episodes/:id/outcome", s.handleResolveOutcome)
	v1.POST("/episodes/similar", s.handleFindSimilar)
	v1.POST("/strategies/applicable", s.handleQueryApplicable)
	v1.POST("/strategies/:id/applications", s.handleLogApplication)
	v1.POST("/applications/:id/outcome", s.handleResolveApplication)
}

// Start runs the HTTP listener until the context is canceled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.config.Port)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server started", zap.Int("port", s.config.Port))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// LogEpisodeResponse acknowledges an accepted episode draft.
type LogEpisodeResponse struct {
	Accepted bool `json:"accepted"`
}

// handleLogEpisode hands the draft to the async writer and returns 202: the
// caller never waits on embedding or persistence.
func (s *Server) handleLogEpisode(c echo.Context) error {
	var draft episode.Draft
	if err := c.Bind(&draft); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := draft.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.writer.Log(draft)
	return c.JSON(http.StatusAccepted, LogEpisodeResponse{Accepted: true})
}

// ResolveOutcomeRequest is the request body for outcome resolution.
type ResolveOutcomeRequest struct {
	Outcome memval.Value `json:"outcome"`
	Quality float64      `json:"quality"`
}

func (s *Server) handleResolveOutcome(c echo.Context) error {
	var req ResolveOutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.episodes.ResolveOutcome(c.Request().Context(), c.Param("id"), req.Outcome, req.Quality)
	switch {
	case errors.Is(err, episode.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, episode.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, episode.ErrIntegrity):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("failed to resolve outcome", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve outcome")
	}
	return c.NoContent(http.StatusNoContent)
}

// FindSimilarRequest carries the query context for episode retrieval.
type FindSimilarRequest struct {
	Context memval.Value `json:"context"`
	K       int          `json:"k"`
}

// FindSimilarResponse is the ranked neighbor list. Degraded lookups return
// an empty list, never an error: empty memory is "no prior art".
type FindSimilarResponse struct {
	Episodes []episode.Neighbor `json:"episodes"`
}

func (s *Server) handleFindSimilar(c echo.Context) error {
	var req FindSimilarRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.K <= 0 {
		req.K = 5
	}
	neighbors, err := s.retriever.FindSimilar(c.Request().Context(), req.Context, req.K)
	if err != nil {
		s.logger.Error("retrieval failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retrieval failed")
	}
	if neighbors == nil {
		neighbors = []episode.Neighbor{}
	}
	return c.JSON(http.StatusOK, FindSimilarResponse{Episodes: neighbors})
}

// QueryApplicableRequest carries the decision context for strategy lookup.
type QueryApplicableRequest struct {
	Context       memval.Value `json:"context"`
	MinConfidence float64      `json:"min_confidence"`
}

// QueryApplicableResponse is the ranked strategy list. No match is an empty
// list, not an error.
type QueryApplicableResponse struct {
	Strategies []*strategy.Strategy `json:"strategies"`
}

func (s *Server) handleQueryApplicable(c echo.Context) error {
	var req QueryApplicableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	matches, err := s.repo.QueryApplicable(c.Request().Context(), req.Context, req.MinConfidence)
	if err != nil {
		s.logger.Error("strategy query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "strategy query failed")
	}
	if matches == nil {
		matches = []*strategy.Strategy{}
	}
	return c.JSON(http.StatusOK, QueryApplicableResponse{Strategies: matches})
}

// LogApplicationRequest records a strategy being used in a decision.
type LogApplicationRequest struct {
	EpisodeID         string       `json:"episode_id"`
	Context           memval.Value `json:"context"`
	PredictedOutcome  memval.Value `json:"predicted_outcome"`
	ContextSimilarity float64      `json:"context_similarity"`
}

// LogApplicationResponse returns the application log ID used for outcome
// resolution later.
type LogApplicationResponse struct {
	ApplicationID string `json:"application_id"`
}

func (s *Server) handleLogApplication(c echo.Context) error {
	var req LogApplicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	logID, err := s.repo.LogApplication(c.Request().Context(), c.Param("id"), req.EpisodeID,
		req.Context, req.PredictedOutcome, req.ContextSimilarity)
	switch {
	case errors.Is(err, strategy.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, strategy.ErrInvalidStrategy):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("failed to log application", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to log application")
	}
	return c.JSON(http.StatusCreated, LogApplicationResponse{ApplicationID: logID})
}

// ResolveApplicationRequest records an application's actual outcome.
type ResolveApplicationRequest struct {
	ActualOutcome memval.Value `json:"actual_outcome"`
	Quality       float64      `json:"quality"`
}

func (s *Server) handleResolveApplication(c echo.Context) error {
	var req ResolveApplicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.repo.ResolveApplication(c.Request().Context(), c.Param("id"), req.ActualOutcome, req.Quality)
	switch {
	case errors.Is(err, strategy.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, strategy.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, strategy.ErrInvalidStrategy):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("failed to resolve application", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve application")
	}
	return c.NoContent(http.StatusNoContent)
}
