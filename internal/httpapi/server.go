// Package httpapi serves the study service as a JSON REST API.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/service"
	"github.com/danieldreier/studyhall/internal/sm2"
	"github.com/danieldreier/studyhall/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Options tunes the HTTP server.
type Options struct {
	// RateLimit is requests per second per user. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Server routes REST requests to a StudyService.
type Server struct {
	echo   *echo.Echo
	svc    *service.StudyService
	logger *zap.Logger
}

// New builds the server and registers its routes.
func New(svc *service.StudyService, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, logger: logger}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	g := e.Group("/api/v1/flashcards", requireUser, rateLimit(NewRateLimiter(opts.RateLimit, opts.Burst)))
	g.POST("", s.createCard)
	g.POST("/bulk", s.createCards)
	g.GET("", s.listCards)
	g.GET("/due", s.dueCards)
	g.GET("/analytics/summary", s.analytics)
	g.POST("/sessions/start", s.startSession)
	g.PATCH("/sessions/:id/record", s.recordSessionReview)
	g.POST("/sessions/:id/end", s.endSession)
	g.GET("/:id", s.getCard)
	g.PATCH("/:id", s.updateCard)
	g.DELETE("/:id", s.deleteCard)
	g.POST("/:id/review", s.submitReview)

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, sm2.ErrInvalidQuality), errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrCardNotFound), errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrSessionNotActive), errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody{Error: msg})
	}
	if err != nil {
		s.logger.Error("failed to write error response", zap.Error(err))
	}
}
