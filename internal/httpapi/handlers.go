package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/service"
	"github.com/danieldreier/studyhall/internal/sm2"
	"github.com/labstack/echo/v4"
)

type reviewRequest struct {
	Quality   string `json:"quality"`
	SessionID string `json:"session_id"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed request body")
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", service.ErrInvalidInput, name)
	}
	return n, nil
}

func queryDocument(c echo.Context) *string {
	if doc := c.QueryParam("document_id"); doc != "" {
		return &doc
	}
	return nil
}

func (s *Server) createCard(c echo.Context) error {
	var in service.CardInput
	if err := bind(c, &in); err != nil {
		return err
	}
	card, err := s.svc.CreateCard(c.Request().Context(), userID(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, card)
}

func (s *Server) createCards(c echo.Context) error {
	var in service.BulkCardInput
	if err := bind(c, &in); err != nil {
		return err
	}
	cards, err := s.svc.CreateCards(c.Request().Context(), userID(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cards)
}

func (s *Server) listCards(c echo.Context) error {
	skip, err := queryInt(c, "skip")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	cards, err := s.svc.ListCards(c.Request().Context(), userID(c), queryDocument(c), skip, limit)
	if err != nil {
		return err
	}
	if cards == nil {
		cards = []review.Card{}
	}
	return c.JSON(http.StatusOK, cards)
}

func (s *Server) getCard(c echo.Context) error {
	card, err := s.svc.GetCard(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) updateCard(c echo.Context) error {
	var patch service.CardPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	card, err := s.svc.UpdateCard(c.Request().Context(), userID(c), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) deleteCard(c echo.Context) error {
	if err := s.svc.DeleteCard(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) submitReview(c echo.Context) error {
	var req reviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	q, err := sm2.ParseQuality(req.Quality)
	if err != nil {
		return err
	}
	res, err := s.svc.SubmitReview(c.Request().Context(), userID(c), service.ReviewInput{
		CardID:    c.Param("id"),
		Quality:   q,
		SessionID: req.SessionID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) dueCards(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	due, err := s.svc.DueCards(c.Request().Context(), userID(c), queryDocument(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, due)
}

func (s *Server) startSession(c echo.Context) error {
	sessionType := c.QueryParam("session_type")
	started, err := s.svc.StartSession(c.Request().Context(), userID(c), sessionType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, started)
}

func (s *Server) recordSessionReview(c echo.Context) error {
	correct, err := strconv.ParseBool(c.QueryParam("correct"))
	if err != nil {
		return fmt.Errorf("%w: correct must be true or false", service.ErrInvalidInput)
	}
	progress, err := s.svc.RecordSessionReview(c.Request().Context(), userID(c), c.Param("id"), correct)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}

func (s *Server) endSession(c echo.Context) error {
	summary, err := s.svc.EndSession(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) analytics(c echo.Context) error {
	summary, err := s.svc.Analytics(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
