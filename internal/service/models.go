package service

import (
	"time"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/sm2"
)

// CardInput describes a card to create.
type CardInput struct {
	DocumentID      *string           `json:"document_id,omitempty" validate:"omitnil,min=1,max=128"`
	Question        string            `json:"question" validate:"required,max=1000"`
	Answer          string            `json:"answer" validate:"required,max=2000"`
	Context         string            `json:"context,omitempty" validate:"max=5000"`
	DifficultyLevel review.Difficulty `json:"difficulty_level,omitempty" validate:"omitempty,oneof=easy medium hard"`
}

// BulkCardInput creates several cards for one document at once.
type BulkCardInput struct {
	DocumentID *string     `json:"document_id,omitempty" validate:"omitnil,min=1,max=128"`
	Cards      []CardInput `json:"flashcards" validate:"required,min=1,max=200,dive"`
}

// CardPatch edits the content of a card. Nil fields are left unchanged.
type CardPatch struct {
	Question        *string            `json:"question,omitempty" validate:"omitnil,min=1,max=1000"`
	Answer          *string            `json:"answer,omitempty" validate:"omitnil,min=1,max=2000"`
	Context         *string            `json:"context,omitempty" validate:"omitnil,max=5000"`
	DifficultyLevel *review.Difficulty `json:"difficulty_level,omitempty" validate:"omitnil,oneof=easy medium hard"`
}

type sessionInput struct {
	SessionType string `validate:"max=32"`
}

// ReviewInput is one graded review. SessionID is optional.
type ReviewInput struct {
	CardID    string      `json:"card_id" validate:"required"`
	Quality   sm2.Quality `json:"quality"`
	SessionID string      `json:"session_id,omitempty"`
}

// ReviewResult reports the new schedule of a reviewed card.
type ReviewResult struct {
	CardID            string      `json:"flashcard_id"`
	Quality           sm2.Quality `json:"quality"`
	NextReviewDate    time.Time   `json:"next_review_date"`
	IntervalDays      int         `json:"interval_days"`
	IsCorrect         bool        `json:"is_correct"`
	NewRepetitions    int         `json:"new_repetitions"`
	NewEasinessFactor float64     `json:"new_easiness_factor"`
}

// SessionStarted is returned when a session opens.
type SessionStarted struct {
	SessionID   string    `json:"session_id"`
	SessionType string    `json:"session_type"`
	StartedAt   time.Time `json:"started_at"`
}

// SessionProgress is returned after recording a review in a session.
type SessionProgress struct {
	SessionID     string  `json:"session_id"`
	CardsReviewed int     `json:"cards_reviewed"`
	Accuracy      float64 `json:"accuracy"`
}

// SessionSummary is returned when a session ends.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	CardsReviewed   int       `json:"cards_reviewed"`
	CardsCorrect    int       `json:"cards_correct"`
	CardsIncorrect  int       `json:"cards_incorrect"`
	Accuracy        float64   `json:"accuracy"`
	DurationSeconds int64     `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

func summarizeSession(s review.Session) SessionSummary {
	sum := SessionSummary{
		SessionID:      s.ID,
		CardsReviewed:  s.CardsReviewed,
		CardsCorrect:   s.CardsCorrect,
		CardsIncorrect: s.CardsIncorrect,
		Accuracy:       s.Accuracy(),
		StartedAt:      s.StartedAt,
	}
	if s.DurationSeconds != nil {
		sum.DurationSeconds = *s.DurationSeconds
	}
	if s.CompletedAt != nil {
		sum.CompletedAt = *s.CompletedAt
	}
	return sum
}
