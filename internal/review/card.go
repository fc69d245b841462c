// Package review holds the flashcard and study session models together with
// the due-set selector, the session state machine and the analytics fold.
package review

import (
	"time"

	"github.com/danieldreier/studyhall/internal/sm2"
)

// Difficulty is the author-assigned difficulty of a card's content. It does
// not influence scheduling.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Card is a flashcard together with its SM-2 scheduling state.
type Card struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	DocumentID      *string    `json:"document_id,omitempty"`
	Question        string     `json:"question"`
	Answer          string     `json:"answer"`
	Context         string     `json:"context,omitempty"`
	DifficultyLevel Difficulty `json:"difficulty_level"`

	Repetitions    int        `json:"repetitions"`
	EasinessFactor float64    `json:"easiness_factor"`
	Interval       int        `json:"interval"`
	NextReviewDate time.Time  `json:"next_review_date"`
	TotalReviews   int        `json:"total_reviews"`
	CorrectReviews int        `json:"correct_reviews"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewCard returns a card with fresh scheduling state, due immediately.
func NewCard(id, userID string, now time.Time) Card {
	return Card{
		ID:              id,
		UserID:          userID,
		DifficultyLevel: DifficultyMedium,
		Repetitions:     0,
		EasinessFactor:  sm2.InitialEasiness,
		Interval:        1,
		NextReviewDate:  now,
		CreatedAt:       now,
	}
}

// SchedulingState extracts the fields the scheduler works on.
func (c Card) SchedulingState() sm2.State {
	return sm2.State{
		Repetitions:    c.Repetitions,
		EasinessFactor: c.EasinessFactor,
		Interval:       c.Interval,
	}
}

// ApplyReview writes a scheduling result and bumps the lifetime counters.
func (c *Card) ApplyReview(res sm2.Result, now time.Time) {
	c.Repetitions = res.Repetitions
	c.EasinessFactor = res.EasinessFactor
	c.Interval = res.Interval
	c.NextReviewDate = res.NextReview
	c.TotalReviews++
	if res.IsCorrect {
		c.CorrectReviews++
	}
	reviewed := now
	c.LastReviewedAt = &reviewed
}

// IsDue reports whether the card should be shown at now.
func (c Card) IsDue(now time.Time) bool {
	return !c.NextReviewDate.After(now)
}

// IsNew reports whether the card has never been reviewed.
func (c Card) IsNew() bool {
	return c.TotalReviews == 0
}

// IsMastered reports a card with a stable streak and a comfortable EF.
func (c Card) IsMastered() bool {
	return c.Repetitions >= 3 && c.EasinessFactor >= 2.0
}

// Accuracy is the lifetime percentage of correct reviews, 0 if unreviewed.
func (c Card) Accuracy() float64 {
	if c.TotalReviews == 0 {
		return 0
	}
	return float64(c.CorrectReviews) / float64(c.TotalReviews) * 100
}

// InDocument reports whether the card matches an optional document filter.
func (c Card) InDocument(documentID *string) bool {
	if documentID == nil {
		return true
	}
	return c.DocumentID != nil && *c.DocumentID == *documentID
}
