package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/danieldreier/studyhall/internal/review"
)

var (
	// ErrCardNotFound is returned when a card does not exist or belongs to
	// another user.
	ErrCardNotFound = errors.New("card not found")
	// ErrSessionNotFound is returned when a session does not exist or belongs
	// to another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a row changed between read and
	// write of an update.
	ErrVersionConflict = errors.New("version conflict")
)

// Storage persists cards and study sessions.
//
// Reads scope every lookup to a user; an entity owned by someone else is
// reported as not found. UpdateCard and UpdateSession run fn against the
// current value and write the result atomically. If fn returns an error
// nothing is written.
type Storage interface {
	// Card operations
	CreateCards(ctx context.Context, cards ...review.Card) error
	GetCard(ctx context.Context, userID, id string) (review.Card, error)
	ListCards(ctx context.Context, userID string, documentID *string) ([]review.Card, error)
	UpdateCard(ctx context.Context, userID, id string, fn func(*review.Card) error) (review.Card, error)
	DeleteCard(ctx context.Context, userID, id string) error

	// Session operations
	CreateSession(ctx context.Context, session review.Session) error
	GetSession(ctx context.Context, userID, id string) (review.Session, error)
	ListSessions(ctx context.Context, userID string) ([]review.Session, error)
	UpdateSession(ctx context.Context, userID, id string, fn func(*review.Session) error) (review.Session, error)

	Close() error
}

// sortCards orders cards by creation time, then ID.
func sortCards(cards []review.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		if !cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].CreatedAt.Before(cards[j].CreatedAt)
		}
		return cards[i].ID < cards[j].ID
	})
}

// sortSessions orders sessions by start time, then ID.
func sortSessions(sessions []review.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// pinCardIdentity restores the fields an update callback may not change.
func pinCardIdentity(updated *review.Card, original review.Card) {
	updated.ID = original.ID
	updated.UserID = original.UserID
	updated.CreatedAt = original.CreatedAt
}

func pinSessionIdentity(updated *review.Session, original review.Session) {
	updated.ID = original.ID
	updated.UserID = original.UserID
	updated.StartedAt = original.StartedAt
}
