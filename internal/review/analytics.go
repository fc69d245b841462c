package review

import (
	"math"
	"time"
)

// Summary is the read-side view of a user's study progress.
type Summary struct {
	TotalCards                int     `json:"total_cards"`
	TotalReviews              int     `json:"total_reviews"`
	OverallAccuracy           float64 `json:"overall_accuracy"`
	DueToday                  int     `json:"due_today"`
	MasteredCards             int     `json:"mastered_cards"`
	TotalSessions             int     `json:"total_sessions"`
	AvgSessionDurationSeconds int64   `json:"avg_session_duration_seconds"`
}

// Summarize folds a user's cards and sessions into a Summary.
func Summarize(cards []Card, sessions []Session, now time.Time) Summary {
	sum := Summary{
		TotalCards:    len(cards),
		TotalSessions: len(sessions),
	}

	correct := 0
	for _, c := range cards {
		sum.TotalReviews += c.TotalReviews
		correct += c.CorrectReviews
		if c.IsDue(now) {
			sum.DueToday++
		}
		if c.IsMastered() {
			sum.MasteredCards++
		}
	}
	if sum.TotalReviews > 0 {
		acc := float64(correct) / float64(sum.TotalReviews) * 100
		sum.OverallAccuracy = math.RoundToEven(acc*10) / 10
	}

	var total int64
	completed := 0
	for _, s := range sessions {
		if s.CompletedAt == nil {
			continue
		}
		completed++
		if s.DurationSeconds != nil {
			total += *s.DurationSeconds
		}
	}
	if completed > 0 {
		sum.AvgSessionDurationSeconds = int64(math.RoundToEven(float64(total) / float64(completed)))
	}

	return sum
}
