package review

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotActive is returned when a completed session is recorded into
// or ended again.
var ErrSessionNotActive = errors.New("session not active")

// DefaultSessionType is used when a session is started without a type.
const DefaultSessionType = "review"

// Session aggregates the outcomes of one sitting.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	SessionType     string     `json:"session_type"`
	CardsReviewed   int        `json:"cards_reviewed"`
	CardsCorrect    int        `json:"cards_correct"`
	CardsIncorrect  int        `json:"cards_incorrect"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// StartSession opens an active session with zeroed counters.
func StartSession(id, userID, sessionType string, now time.Time) Session {
	if sessionType == "" {
		sessionType = DefaultSessionType
	}
	return Session{
		ID:          id,
		UserID:      userID,
		SessionType: sessionType,
		StartedAt:   now,
	}
}

// Active reports whether the session still accepts reviews.
func (s Session) Active() bool {
	return s.CompletedAt == nil
}

// Record counts one reviewed card.
func (s *Session) Record(correct bool) error {
	if !s.Active() {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, s.ID)
	}
	s.CardsReviewed++
	if correct {
		s.CardsCorrect++
	} else {
		s.CardsIncorrect++
	}
	return nil
}

// End completes the session. A session can only be ended once.
func (s *Session) End(now time.Time) error {
	if !s.Active() {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, s.ID)
	}
	completed := now
	duration := int64(now.Sub(s.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	s.CompletedAt = &completed
	s.DurationSeconds = &duration
	return nil
}

// Accuracy is the percentage of correct reviews, 0 when nothing was reviewed.
func (s Session) Accuracy() float64 {
	if s.CardsReviewed == 0 {
		return 0
	}
	return float64(s.CardsCorrect) / float64(s.CardsReviewed) * 100
}
