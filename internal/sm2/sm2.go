// Package sm2 implements the SuperMemo-2 spaced repetition scheduler.
package sm2

import (
	"math"
	"time"
)

const (
	// InitialEasiness is the easiness factor given to a new card.
	InitialEasiness = 2.5
	// MinEasiness is the hard floor of the easiness factor.
	MinEasiness = 1.3
	// MaxInterval caps intervals at roughly a century so review dates stay
	// representable by every storage backend.
	MaxInterval = 36500

	day = 24 * time.Hour
)

// State is the scheduling state carried by a card between reviews.
type State struct {
	Repetitions    int
	EasinessFactor float64
	Interval       int
}

// Result is the outcome of scheduling one review.
type Result struct {
	Repetitions    int
	EasinessFactor float64
	Interval       int
	NextReview     time.Time
	IsCorrect      bool
}

// State returns the scheduling state the card carries after the review.
func (r Result) State() State {
	return State{
		Repetitions:    r.Repetitions,
		EasinessFactor: r.EasinessFactor,
		Interval:       r.Interval,
	}
}

// Scheduler computes the next review of a card from its current state.
type Scheduler interface {
	// Schedule applies a review graded q at time now. It performs no
	// computation and returns ErrInvalidQuality when q is not recognized.
	Schedule(q Quality, current State, now time.Time) (Result, error)
}

// Params tunes the scheduler. DefaultParams matches classic SM-2.
type Params struct {
	MinEasiness    float64
	FirstInterval  int
	SecondInterval int
	MaxInterval    int
}

// DefaultParams returns the classic SM-2 constants.
func DefaultParams() Params {
	return Params{
		MinEasiness:    MinEasiness,
		FirstInterval:  1,
		SecondInterval: 6,
		MaxInterval:    MaxInterval,
	}
}

// SM2 is the default Scheduler.
type SM2 struct {
	params Params
}

// New creates a scheduler with DefaultParams.
func New() *SM2 {
	return &SM2{params: DefaultParams()}
}

// NewWithParams creates a scheduler with custom parameters. Intervals below
// one day are raised to one and a zero MaxInterval selects the default.
func NewWithParams(p Params) *SM2 {
	if p.FirstInterval < 1 {
		p.FirstInterval = 1
	}
	if p.SecondInterval < 1 {
		p.SecondInterval = 1
	}
	if p.MaxInterval < 1 {
		p.MaxInterval = MaxInterval
	}
	return &SM2{params: p}
}

// Schedule implements Scheduler.
func (s *SM2) Schedule(q Quality, current State, now time.Time) (Result, error) {
	score, err := q.Score()
	if err != nil {
		return Result{}, err
	}

	reps := max(current.Repetitions, 0)
	ef := math.Max(s.params.MinEasiness, current.EasinessFactor)

	if score < passingScore {
		// A lapse resets the streak but leaves EF alone.
		return Result{
			Repetitions:    0,
			EasinessFactor: ef,
			Interval:       1,
			NextReview:     now.Add(day),
			IsCorrect:      false,
		}, nil
	}

	reps++
	var interval int
	switch reps {
	case 1:
		interval = s.params.FirstInterval
	case 2:
		interval = s.params.SecondInterval
	default:
		// Uses the EF from before this review.
		interval = int(math.Min(math.RoundToEven(float64(current.Interval)*ef), float64(s.params.MaxInterval)))
	}
	interval = min(max(interval, 1), s.params.MaxInterval)

	d := float64(5 - score)
	next := ef + (0.1 - d*(0.08+d*0.02))
	next = roundTo(math.Max(s.params.MinEasiness, next), 4)

	return Result{
		Repetitions:    reps,
		EasinessFactor: next,
		Interval:       interval,
		NextReview:     now.Add(time.Duration(interval) * day),
		IsCorrect:      true,
	}, nil
}

// roundTo rounds x half-to-even at the given number of decimal places.
func roundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.RoundToEven(x*p) / p
}
