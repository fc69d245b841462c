package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/sm2"
	"github.com/danieldreier/studyhall/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testClock is a settable clock shared by a test and its service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupTestService creates a service over a temporary file store.
func setupTestService(t *testing.T) (*StudyService, *testClock) {
	t.Helper()
	fs := storage.NewFileStorage(filepath.Join(t.TempDir(), "flashcards.json"), nil)
	require.NoError(t, fs.Load())

	clock := &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	seq := 0
	svc := New(fs,
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t)),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	)
	return svc, clock
}

func strPtr(s string) *string { return &s }

func createCard(t *testing.T, svc *StudyService, user string) review.Card {
	t.Helper()
	card, err := svc.CreateCard(context.Background(), user, CardInput{
		Question: "What is the powerhouse of the cell?",
		Answer:   "The mitochondria",
	})
	require.NoError(t, err)
	return card
}

func TestCreateCard(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()

	card, err := svc.CreateCard(ctx, "alice", CardInput{
		DocumentID:      strPtr("doc-1"),
		Question:        "Q",
		Answer:          "A",
		Context:         "page 3",
		DifficultyLevel: review.DifficultyHard,
	})
	require.NoError(t, err)

	assert.Equal(t, "id-001", card.ID)
	assert.Equal(t, "alice", card.UserID)
	assert.Equal(t, review.DifficultyHard, card.DifficultyLevel)
	assert.Equal(t, 2.5, card.EasinessFactor)
	assert.Equal(t, clock.Now(), card.NextReviewDate)

	got, err := svc.GetCard(ctx, "alice", card.ID)
	require.NoError(t, err)
	assert.Equal(t, "page 3", got.Context)

	plain := createCard(t, svc, "alice")
	assert.Equal(t, review.DifficultyMedium, plain.DifficultyLevel)
}

func TestCreateCard_Validation(t *testing.T) {
	svc, _ := setupTestService(t)
	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		in   CardInput
	}{
		{"missing question", CardInput{Answer: "A"}},
		{"missing answer", CardInput{Question: "Q"}},
		{"question too long", CardInput{Question: string(long), Answer: "A"}},
		{"bad difficulty", CardInput{Question: "Q", Answer: "A", DifficultyLevel: "brutal"}},
		{"empty document id", CardInput{Question: "Q", Answer: "A", DocumentID: strPtr("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCard(context.Background(), "alice", tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestCreateCards_Bulk(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	cards, err := svc.CreateCards(ctx, "alice", BulkCardInput{
		DocumentID: strPtr("doc-7"),
		Cards: []CardInput{
			{Question: "Q1", Answer: "A1"},
			{Question: "Q2", Answer: "A2", DocumentID: strPtr("ignored")},
		},
	})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	for _, c := range cards {
		require.NotNil(t, c.DocumentID)
		assert.Equal(t, "doc-7", *c.DocumentID)
	}

	_, err = svc.CreateCards(ctx, "alice", BulkCardInput{
		Cards: []CardInput{{Question: "Q3", Answer: "A3"}, {Question: "", Answer: "A4"}},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateCards(ctx, "alice", BulkCardInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	all, err := svc.ListCards(ctx, "alice", nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "a rejected bulk request stores nothing")
}

func TestListCards_Paging(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createCard(t, svc, "alice")
		clock.Advance(time.Second)
	}
	createCard(t, svc, "bob")

	page, err := svc.ListCards(ctx, "alice", nil, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-002", "id-003"}, cardIDs(page))

	page, err = svc.ListCards(ctx, "alice", nil, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-005"}, cardIDs(page))

	page, err = svc.ListCards(ctx, "alice", nil, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = svc.ListCards(ctx, "alice", nil, -1, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateCard(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	card := createCard(t, svc, "alice")

	hard := review.DifficultyHard
	updated, err := svc.UpdateCard(ctx, "alice", card.ID, CardPatch{
		Answer:          strPtr("Mitochondria"),
		DifficultyLevel: &hard,
	})
	require.NoError(t, err)
	assert.Equal(t, card.Question, updated.Question)
	assert.Equal(t, "Mitochondria", updated.Answer)
	assert.Equal(t, hard, updated.DifficultyLevel)
	assert.Equal(t, card.EasinessFactor, updated.EasinessFactor)

	_, err = svc.UpdateCard(ctx, "alice", card.ID, CardPatch{Question: strPtr("")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.UpdateCard(ctx, "bob", card.ID, CardPatch{Answer: strPtr("x")})
	assert.ErrorIs(t, err, storage.ErrCardNotFound)
}

func TestDeleteCard(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	card := createCard(t, svc, "alice")

	assert.ErrorIs(t, svc.DeleteCard(ctx, "bob", card.ID), storage.ErrCardNotFound)
	require.NoError(t, svc.DeleteCard(ctx, "alice", card.ID))

	_, err := svc.GetCard(ctx, "alice", card.ID)
	assert.ErrorIs(t, err, storage.ErrCardNotFound)
}

func TestSubmitReview(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()
	card := createCard(t, svc, "alice")

	wantIntervals := []int{1, 6, 15}
	for i, want := range wantIntervals {
		res, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Good})
		require.NoError(t, err)
		assert.Equal(t, want, res.IntervalDays)
		assert.Equal(t, i+1, res.NewRepetitions)
		assert.True(t, res.IsCorrect)
		assert.Equal(t, clock.Now().Add(time.Duration(want)*24*time.Hour), res.NextReviewDate)
	}

	res, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Again})
	require.NoError(t, err)
	assert.False(t, res.IsCorrect)
	assert.Equal(t, 0, res.NewRepetitions)
	assert.Equal(t, 1, res.IntervalDays)
	assert.Equal(t, 2.5, res.NewEasinessFactor)

	got, err := svc.GetCard(ctx, "alice", card.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalReviews)
	assert.Equal(t, 3, got.CorrectReviews)
	require.NotNil(t, got.LastReviewedAt)
	assert.Equal(t, clock.Now(), *got.LastReviewedAt)
}

func TestSubmitReview_Errors(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	card := createCard(t, svc, "alice")

	_, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID})
	assert.ErrorIs(t, err, sm2.ErrInvalidQuality)

	_, err = svc.SubmitReview(ctx, "alice", ReviewInput{CardID: "missing", Quality: sm2.Easy})
	assert.ErrorIs(t, err, storage.ErrCardNotFound)

	_, err = svc.SubmitReview(ctx, "bob", ReviewInput{CardID: card.ID, Quality: sm2.Easy})
	assert.ErrorIs(t, err, storage.ErrCardNotFound)

	got, err := svc.GetCard(ctx, "alice", card.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalReviews, "rejected reviews leave the card untouched")
}

func TestSubmitReview_WithSession(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	card := createCard(t, svc, "alice")

	started, err := svc.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	_, err = svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Easy, SessionID: started.SessionID})
	require.NoError(t, err)
	_, err = svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Hard, SessionID: started.SessionID})
	require.NoError(t, err)

	session, err := svc.GetSession(ctx, "alice", started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, session.CardsReviewed)
	assert.Equal(t, 1, session.CardsCorrect)
	assert.Equal(t, 1, session.CardsIncorrect)

	_, err = svc.EndSession(ctx, "alice", started.SessionID)
	require.NoError(t, err)

	_, err = svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Good, SessionID: started.SessionID})
	assert.ErrorIs(t, err, review.ErrSessionNotActive)

	got, err := svc.GetCard(ctx, "alice", card.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalReviews, "card is not reviewed when the session is closed")
}

// closingStorage ends a session straight in storage right before the next
// card write, as another process sharing the database would.
type closingStorage struct {
	storage.Storage
	userID, sessionID string
	at                time.Time
	once              sync.Once
}

func (s *closingStorage) UpdateCard(ctx context.Context, userID, id string, fn func(*review.Card) error) (review.Card, error) {
	var err error
	s.once.Do(func() {
		_, err = s.Storage.UpdateSession(ctx, s.userID, s.sessionID, func(sess *review.Session) error {
			return sess.End(s.at)
		})
	})
	if err != nil {
		return review.Card{}, err
	}
	return s.Storage.UpdateCard(ctx, userID, id, fn)
}

func TestSubmitReview_SessionClosedDuringReview(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	fs := storage.NewFileStorage(filepath.Join(t.TempDir(), "flashcards.json"), nil)
	require.NoError(t, fs.Load())

	card := review.NewCard("card-1", "alice", now)
	card.Question, card.Answer = "Q", "A"
	require.NoError(t, fs.CreateCards(ctx, card))
	require.NoError(t, fs.CreateSession(ctx, review.StartSession("sess-1", "alice", "", now)))

	store := &closingStorage{Storage: fs, userID: "alice", sessionID: "sess-1", at: now}
	svc := New(store, WithClock(func() time.Time { return now }), WithLogger(zaptest.NewLogger(t)))

	_, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Good, SessionID: "sess-1"})
	require.ErrorIs(t, err, review.ErrSessionNotActive)

	got, err := svc.GetCard(ctx, "alice", card.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalReviews)
	assert.Equal(t, 0, got.CorrectReviews)
	assert.Equal(t, card.SchedulingState(), got.SchedulingState())
	assert.True(t, got.NextReviewDate.Equal(now))
	assert.Nil(t, got.LastReviewedAt)

	session, err := svc.GetSession(ctx, "alice", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, session.CardsReviewed)
}

func TestSubmitReview_RacesEndSession(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		svc, _ := setupTestService(t)
		card := createCard(t, svc, "alice")
		started, err := svc.StartSession(ctx, "alice", "")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			reviewErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, reviewErr = svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Good, SessionID: started.SessionID})
		}()
		go func() {
			defer wg.Done()
			_, err := svc.EndSession(ctx, "alice", started.SessionID)
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, err := svc.GetCard(ctx, "alice", card.ID)
		require.NoError(t, err)
		session, err := svc.GetSession(ctx, "alice", started.SessionID)
		require.NoError(t, err)

		if reviewErr != nil {
			assert.ErrorIs(t, reviewErr, review.ErrSessionNotActive)
			assert.Equal(t, 0, got.TotalReviews)
			assert.Equal(t, 0, session.CardsReviewed)
		} else {
			assert.Equal(t, 1, got.TotalReviews)
			assert.Equal(t, 1, session.CardsReviewed)
		}
	}
}

func TestStartSession_Validation(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.StartSession(context.Background(), "alice", strings.Repeat("x", 33))
	assert.ErrorIs(t, err, ErrInvalidInput)

	started, err := svc.StartSession(context.Background(), "alice", strings.Repeat("x", 32))
	require.NoError(t, err)
	assert.Len(t, started.SessionType, 32)
}

func TestDueCards(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()

	reviewed := createCard(t, svc, "alice")
	for i := 0; i < 3; i++ {
		createCard(t, svc, "alice")
	}
	_, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: reviewed.ID, Quality: sm2.Good})
	require.NoError(t, err)

	due, err := svc.DueCards(ctx, "alice", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, due.TotalDue)
	assert.Equal(t, 3, due.NewCount)
	assert.Equal(t, 0, due.ReviewCount)

	clock.Advance(24 * time.Hour)
	due, err = svc.DueCards(ctx, "alice", nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, due.TotalDue)
	assert.Len(t, due.Cards, 2)
	assert.Equal(t, 4, due.Backlog)
	assert.Equal(t, "id-001", due.Cards[0].ID)
	assert.Equal(t, 1, due.ReviewCount)

	due, err = svc.DueCards(ctx, "alice", nil, 5000)
	require.NoError(t, err)
	assert.Equal(t, 4, due.TotalDue, "large limits are capped, not rejected")

	_, err = svc.DueCards(ctx, "alice", nil, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSessionLifecycle(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()

	started, err := svc.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, review.DefaultSessionType, started.SessionType)

	for _, correct := range []bool{true, false, true, true} {
		clock.Advance(10 * time.Second)
		_, err := svc.RecordSessionReview(ctx, "alice", started.SessionID, correct)
		require.NoError(t, err)
	}

	progress, err := svc.RecordSessionReview(ctx, "alice", started.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, 5, progress.CardsReviewed)
	assert.Equal(t, 60.0, progress.Accuracy)

	clock.Advance(500 * time.Millisecond)
	summary, err := svc.EndSession(ctx, "alice", started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), summary.DurationSeconds)
	assert.Equal(t, 3, summary.CardsCorrect)
	assert.Equal(t, 2, summary.CardsIncorrect)
	assert.Equal(t, clock.Now(), summary.CompletedAt)

	_, err = svc.EndSession(ctx, "alice", started.SessionID)
	assert.ErrorIs(t, err, review.ErrSessionNotActive)

	_, err = svc.RecordSessionReview(ctx, "alice", started.SessionID, true)
	assert.ErrorIs(t, err, review.ErrSessionNotActive)

	_, err = svc.RecordSessionReview(ctx, "bob", started.SessionID, true)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestAnalytics(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()

	a := createCard(t, svc, "alice")
	createCard(t, svc, "alice")
	for _, q := range []sm2.Quality{sm2.Good, sm2.Good, sm2.Good, sm2.Again, sm2.Good, sm2.Good, sm2.Good} {
		_, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: a.ID, Quality: q})
		require.NoError(t, err)
	}

	started, err := svc.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = svc.EndSession(ctx, "alice", started.SessionID)
	require.NoError(t, err)
	_, err = svc.StartSession(ctx, "alice", "quiz")
	require.NoError(t, err)

	sum, err := svc.Analytics(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, review.Summary{
		TotalCards:                2,
		TotalReviews:              7,
		OverallAccuracy:           85.7,
		DueToday:                  1,
		MasteredCards:             1,
		TotalSessions:             2,
		AvgSessionDurationSeconds: 120,
	}, sum)

	empty, err := svc.Analytics(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, review.Summary{}, empty)
}

func TestConcurrentReviewsOfOneCard(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	card := createCard(t, svc, "alice")

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitReview(ctx, "alice", ReviewInput{CardID: card.ID, Quality: sm2.Good})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.GetCard(ctx, "alice", card.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.TotalReviews)
	assert.Equal(t, n, got.CorrectReviews)
	assert.Equal(t, n, got.Repetitions)
	assert.Zero(t, svc.cardLocks.size(), "locks are released")
}

func cardIDs(cards []review.Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}
