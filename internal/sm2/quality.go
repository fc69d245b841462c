package sm2

import (
	"errors"
	"fmt"
)

// ErrInvalidQuality is returned for any quality label or value outside the
// recognized scale.
var ErrInvalidQuality = errors.New("invalid quality")

// Quality is the user's recall grade for a single review.
// The zero value is not a valid quality.
type Quality uint8

const (
	Again Quality = iota + 1
	Hard
	Good
	Easy
)

// passingScore is the lowest score that counts as a correct review.
const passingScore = 3

var qualityLabels = map[Quality]string{
	Again: "again",
	Hard:  "hard",
	Good:  "good",
	Easy:  "easy",
}

var qualityScores = map[Quality]int{
	Again: 0,
	Hard:  2,
	Good:  4,
	Easy:  5,
}

// Qualities lists every valid quality in ascending order of score.
func Qualities() []Quality {
	return []Quality{Again, Hard, Good, Easy}
}

// ParseQuality resolves a label such as "good" to its Quality.
func ParseQuality(label string) (Quality, error) {
	for q, l := range qualityLabels {
		if l == label {
			return q, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidQuality, label)
}

// Valid reports whether q is one of the four recognized qualities.
func (q Quality) Valid() bool {
	_, ok := qualityScores[q]
	return ok
}

// Score returns the SM-2 quality score (0-5) for q.
func (q Quality) Score() (int, error) {
	score, ok := qualityScores[q]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuality, uint8(q))
	}
	return score, nil
}

// IsCorrect reports whether a review graded q counts as recalled.
func (q Quality) IsCorrect() bool {
	score, err := q.Score()
	return err == nil && score >= passingScore
}

func (q Quality) String() string {
	if l, ok := qualityLabels[q]; ok {
		return l
	}
	return fmt.Sprintf("Quality(%d)", uint8(q))
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	l, ok := qualityLabels[q]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuality, uint8(q))
	}
	return []byte(l), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(text []byte) error {
	parsed, err := ParseQuality(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
