// Package service implements the study operations on top of storage and the
// SM-2 scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/sm2"
	"github.com/danieldreier/studyhall/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidInput wraps every request validation failure.
var ErrInvalidInput = errors.New("invalid input")

// Limits bounds the page sizes callers may request.
type Limits struct {
	DefaultDueLimit  int
	MaxDueLimit      int
	DefaultListLimit int
	MaxListLimit     int
}

// DefaultLimits returns the stock page sizes.
func DefaultLimits() Limits {
	return Limits{
		DefaultDueLimit:  20,
		MaxDueLimit:      200,
		DefaultListLimit: 50,
		MaxListLimit:     200,
	}
}

// StudyService manages flashcards, reviews and study sessions. It is built
// once at startup and shared by all transports.
type StudyService struct {
	storage   storage.Storage
	scheduler sm2.Scheduler
	validate  *validator.Validate
	logger    *zap.Logger
	limits    Limits
	now       func() time.Time
	newID     func() string

	cardLocks    *keyedMutex
	sessionLocks *keyedMutex
}

// Option customizes a StudyService.
type Option func(*StudyService)

// WithScheduler replaces the default SM-2 scheduler.
func WithScheduler(s sm2.Scheduler) Option {
	return func(svc *StudyService) { svc.scheduler = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(svc *StudyService) { svc.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *StudyService) { svc.now = now }
}

// WithLimits overrides the page size limits.
func WithLimits(l Limits) Option {
	return func(svc *StudyService) { svc.limits = l }
}

// WithIDGenerator replaces the UUID generator used for new entities.
func WithIDGenerator(gen func() string) Option {
	return func(svc *StudyService) { svc.newID = gen }
}

// New creates a StudyService over store.
func New(store storage.Storage, opts ...Option) *StudyService {
	svc := &StudyService{
		storage:      store,
		scheduler:    sm2.New(),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       zap.NewNop(),
		limits:       DefaultLimits(),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
		cardLocks:    newKeyedMutex(),
		sessionLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	return svc
}

func (s *StudyService) clock() time.Time {
	return s.now().UTC()
}

func (s *StudyService) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (s *StudyService) buildCard(userID string, in CardInput, now time.Time) review.Card {
	card := review.NewCard(s.newID(), userID, now)
	card.DocumentID = in.DocumentID
	card.Question = in.Question
	card.Answer = in.Answer
	card.Context = in.Context
	if in.DifficultyLevel != "" {
		card.DifficultyLevel = in.DifficultyLevel
	}
	return card
}

// CreateCard validates and stores a new card, due immediately.
func (s *StudyService) CreateCard(ctx context.Context, userID string, in CardInput) (review.Card, error) {
	if err := s.check(in); err != nil {
		return review.Card{}, err
	}

	card := s.buildCard(userID, in, s.clock())
	if err := s.storage.CreateCards(ctx, card); err != nil {
		s.logger.Error("error creating card", zap.String("user_id", userID), zap.Error(err))
		return review.Card{}, fmt.Errorf("error creating card: %w", err)
	}
	s.logger.Debug("card created", zap.String("card_id", card.ID), zap.String("user_id", userID))
	return card, nil
}

// CreateCards validates every input first and then stores all cards at once.
// A document ID on the bulk input applies to every card.
func (s *StudyService) CreateCards(ctx context.Context, userID string, in BulkCardInput) ([]review.Card, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	now := s.clock()
	cards := make([]review.Card, 0, len(in.Cards))
	for _, ci := range in.Cards {
		if in.DocumentID != nil {
			ci.DocumentID = in.DocumentID
		}
		cards = append(cards, s.buildCard(userID, ci, now))
	}

	if err := s.storage.CreateCards(ctx, cards...); err != nil {
		s.logger.Error("error creating cards", zap.String("user_id", userID), zap.Int("count", len(cards)), zap.Error(err))
		return nil, fmt.Errorf("error creating cards: %w", err)
	}
	s.logger.Debug("cards created", zap.String("user_id", userID), zap.Int("count", len(cards)))
	return cards, nil
}

// GetCard returns one of the caller's cards.
func (s *StudyService) GetCard(ctx context.Context, userID, cardID string) (review.Card, error) {
	card, err := s.storage.GetCard(ctx, userID, cardID)
	if err != nil {
		return review.Card{}, fmt.Errorf("error getting card %s: %w", cardID, err)
	}
	return card, nil
}

// ListCards pages through the caller's cards in creation order. A limit of
// zero selects the default; larger limits are capped.
func (s *StudyService) ListCards(ctx context.Context, userID string, documentID *string, skip, limit int) ([]review.Card, error) {
	if skip < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: skip and limit must not be negative", ErrInvalidInput)
	}
	limit = clampLimit(limit, s.limits.DefaultListLimit, s.limits.MaxListLimit)

	cards, err := s.storage.ListCards(ctx, userID, documentID)
	if err != nil {
		return nil, fmt.Errorf("error listing cards: %w", err)
	}
	if skip >= len(cards) {
		return []review.Card{}, nil
	}
	cards = cards[skip:]
	if len(cards) > limit {
		cards = cards[:limit]
	}
	return cards, nil
}

// UpdateCard edits card content. Scheduling state is not touched.
func (s *StudyService) UpdateCard(ctx context.Context, userID, cardID string, patch CardPatch) (review.Card, error) {
	if err := s.check(patch); err != nil {
		return review.Card{}, err
	}

	defer s.cardLocks.Lock(cardID)()
	card, err := s.storage.UpdateCard(ctx, userID, cardID, func(c *review.Card) error {
		if patch.Question != nil {
			c.Question = *patch.Question
		}
		if patch.Answer != nil {
			c.Answer = *patch.Answer
		}
		if patch.Context != nil {
			c.Context = *patch.Context
		}
		if patch.DifficultyLevel != nil {
			c.DifficultyLevel = *patch.DifficultyLevel
		}
		return nil
	})
	if err != nil {
		return review.Card{}, fmt.Errorf("error updating card %s: %w", cardID, err)
	}
	return card, nil
}

// DeleteCard removes one of the caller's cards.
func (s *StudyService) DeleteCard(ctx context.Context, userID, cardID string) error {
	defer s.cardLocks.Lock(cardID)()
	if err := s.storage.DeleteCard(ctx, userID, cardID); err != nil {
		s.logger.Debug("delete failed", zap.String("card_id", cardID), zap.Error(err))
		return fmt.Errorf("error deleting card: %w", err)
	}
	s.logger.Debug("card deleted", zap.String("card_id", cardID))
	return nil
}

// SubmitReview grades a card, stores its new schedule and, when a session is
// given, counts the outcome in that session.
func (s *StudyService) SubmitReview(ctx context.Context, userID string, in ReviewInput) (ReviewResult, error) {
	if !in.Quality.Valid() {
		return ReviewResult{}, fmt.Errorf("error submitting review: %w", sm2.ErrInvalidQuality)
	}
	if err := s.check(in); err != nil {
		return ReviewResult{}, err
	}

	if in.SessionID != "" {
		// Session before card, everywhere both are held.
		defer s.sessionLocks.Lock(in.SessionID)()
		session, err := s.storage.GetSession(ctx, userID, in.SessionID)
		if err != nil {
			return ReviewResult{}, fmt.Errorf("error submitting review: %w", err)
		}
		if !session.Active() {
			return ReviewResult{}, fmt.Errorf("error submitting review: %w", review.ErrSessionNotActive)
		}
	}
	defer s.cardLocks.Lock(in.CardID)()

	var (
		res  sm2.Result
		prev review.Card
	)
	now := s.clock()
	_, err := s.storage.UpdateCard(ctx, userID, in.CardID, func(c *review.Card) error {
		var err error
		res, err = s.scheduler.Schedule(in.Quality, c.SchedulingState(), now)
		if err != nil {
			return err
		}
		prev = *c
		c.ApplyReview(res, now)
		return nil
	})
	if err != nil {
		s.logger.Debug("review rejected", zap.String("card_id", in.CardID), zap.Error(err))
		return ReviewResult{}, fmt.Errorf("error submitting review: %w", err)
	}

	if in.SessionID != "" {
		if _, err := s.recordLocked(ctx, userID, in.SessionID, res.IsCorrect); err != nil {
			// The session can still close from outside this process; take the review back.
			if _, rerr := s.storage.UpdateCard(ctx, userID, in.CardID, func(c *review.Card) error {
				revertReview(c, prev)
				return nil
			}); rerr != nil {
				s.logger.Error("failed to revert review",
					zap.String("card_id", in.CardID), zap.NamedError("cause", err), zap.Error(rerr))
				return ReviewResult{}, fmt.Errorf("error reverting review of card %s: %w", in.CardID, errors.Join(err, rerr))
			}
			return ReviewResult{}, err
		}
	}

	s.logger.Debug("review recorded",
		zap.String("card_id", in.CardID),
		zap.Stringer("quality", in.Quality),
		zap.Int("interval_days", res.Interval),
		zap.Float64("easiness_factor", res.EasinessFactor),
		zap.Time("next_review", res.NextReview))

	return ReviewResult{
		CardID:            in.CardID,
		Quality:           in.Quality,
		NextReviewDate:    res.NextReview,
		IntervalDays:      res.Interval,
		IsCorrect:         res.IsCorrect,
		NewRepetitions:    res.Repetitions,
		NewEasinessFactor: res.EasinessFactor,
	}, nil
}

// revertReview puts back the schedule and counters a review overwrote.
// Content edits made since are kept.
func revertReview(c *review.Card, prev review.Card) {
	c.Repetitions = prev.Repetitions
	c.EasinessFactor = prev.EasinessFactor
	c.Interval = prev.Interval
	c.NextReviewDate = prev.NextReviewDate
	c.TotalReviews = prev.TotalReviews
	c.CorrectReviews = prev.CorrectReviews
	c.LastReviewedAt = prev.LastReviewedAt
}

// DueCards returns the caller's cards due now. TotalDue in the result counts
// the returned cards only; Backlog counts every due card.
func (s *StudyService) DueCards(ctx context.Context, userID string, documentID *string, limit int) (review.DueSet, error) {
	if limit < 0 {
		return review.DueSet{}, fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}
	limit = clampLimit(limit, s.limits.DefaultDueLimit, s.limits.MaxDueLimit)

	cards, err := s.storage.ListCards(ctx, userID, documentID)
	if err != nil {
		return review.DueSet{}, fmt.Errorf("error listing cards: %w", err)
	}
	return review.SelectDue(cards, s.clock(), documentID, limit), nil
}

// StartSession opens a study session for the caller.
func (s *StudyService) StartSession(ctx context.Context, userID, sessionType string) (SessionStarted, error) {
	if err := s.check(sessionInput{SessionType: sessionType}); err != nil {
		return SessionStarted{}, err
	}
	session := review.StartSession(s.newID(), userID, sessionType, s.clock())
	if err := s.storage.CreateSession(ctx, session); err != nil {
		return SessionStarted{}, fmt.Errorf("error starting session: %w", err)
	}
	s.logger.Debug("session started", zap.String("session_id", session.ID), zap.String("user_id", userID))
	return SessionStarted{
		SessionID:   session.ID,
		SessionType: session.SessionType,
		StartedAt:   session.StartedAt,
	}, nil
}

// GetSession returns one of the caller's sessions.
func (s *StudyService) GetSession(ctx context.Context, userID, sessionID string) (review.Session, error) {
	session, err := s.storage.GetSession(ctx, userID, sessionID)
	if err != nil {
		return review.Session{}, fmt.Errorf("error getting session %s: %w", sessionID, err)
	}
	return session, nil
}

// RecordSessionReview counts one review in an active session.
func (s *StudyService) RecordSessionReview(ctx context.Context, userID, sessionID string, correct bool) (SessionProgress, error) {
	defer s.sessionLocks.Lock(sessionID)()
	return s.recordLocked(ctx, userID, sessionID, correct)
}

// recordLocked is RecordSessionReview for callers already holding the
// session lock.
func (s *StudyService) recordLocked(ctx context.Context, userID, sessionID string, correct bool) (SessionProgress, error) {
	session, err := s.storage.UpdateSession(ctx, userID, sessionID, func(sess *review.Session) error {
		return sess.Record(correct)
	})
	if err != nil {
		return SessionProgress{}, fmt.Errorf("error recording review in session %s: %w", sessionID, err)
	}
	return SessionProgress{
		SessionID:     session.ID,
		CardsReviewed: session.CardsReviewed,
		Accuracy:      session.Accuracy(),
	}, nil
}

// EndSession completes a session. Ending it a second time fails with
// review.ErrSessionNotActive.
func (s *StudyService) EndSession(ctx context.Context, userID, sessionID string) (SessionSummary, error) {
	now := s.clock()
	defer s.sessionLocks.Lock(sessionID)()
	session, err := s.storage.UpdateSession(ctx, userID, sessionID, func(sess *review.Session) error {
		return sess.End(now)
	})
	if err != nil {
		return SessionSummary{}, fmt.Errorf("error ending session %s: %w", sessionID, err)
	}
	s.logger.Debug("session ended",
		zap.String("session_id", sessionID),
		zap.Int("cards_reviewed", session.CardsReviewed),
		zap.Int64p("duration_seconds", session.DurationSeconds))
	return summarizeSession(session), nil
}

// Analytics summarizes the caller's cards and sessions.
func (s *StudyService) Analytics(ctx context.Context, userID string) (review.Summary, error) {
	cards, err := s.storage.ListCards(ctx, userID, nil)
	if err != nil {
		return review.Summary{}, fmt.Errorf("error listing cards: %w", err)
	}
	sessions, err := s.storage.ListSessions(ctx, userID)
	if err != nil {
		return review.Summary{}, fmt.Errorf("error listing sessions: %w", err)
	}
	return review.Summarize(cards, sessions, s.clock()), nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit == 0 {
		limit = def
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
