package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/service"
	"github.com/danieldreier/studyhall/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func setupHandlers(t *testing.T) *Handlers {
	t.Helper()
	fs := storage.NewFileStorage(filepath.Join(t.TempDir(), "flashcards.json"), nil)
	require.NoError(t, fs.Load())

	seq := 0
	svc := service.New(fs,
		service.WithLogger(zaptest.NewLogger(t)),
		service.WithClock(func() time.Time { return testNow }),
		service.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	)
	return NewHandlers(svc, "tester", zaptest.NewLogger(t))
}

func callTool(t *testing.T, h *Handlers, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	for _, entry := range h.tools() {
		if entry.tool.Name == name {
			res, err := entry.handler(context.Background(), req)
			require.NoError(t, err)
			require.NotEmpty(t, res.Content)
			return res
		}
	}
	t.Fatalf("no tool named %q", name)
	return nil
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", res.Content[0])
	var v T
	require.NoError(t, json.Unmarshal([]byte(text.Text), &v), text.Text)
	return v
}

func createTestCard(t *testing.T, h *Handlers, question string) review.Card {
	t.Helper()
	res := callTool(t, h, "create_card", map[string]interface{}{
		"question": question,
		"answer":   "answer to " + question,
	})
	require.False(t, res.IsError)
	return decode[review.Card](t, res)
}

func TestToolsRegistered(t *testing.T) {
	h := setupHandlers(t)
	var names []string
	for _, entry := range h.tools() {
		names = append(names, entry.tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"create_card", "create_cards", "get_card", "list_cards", "update_card", "delete_card",
		"submit_review", "get_due_cards", "start_session", "record_session_review",
		"end_session", "get_analytics",
	}, names)
}

func TestCreateCard(t *testing.T) {
	h := setupHandlers(t)

	res := callTool(t, h, "create_card", map[string]interface{}{
		"question":         "What is the capital of France?",
		"answer":           "Paris",
		"difficulty_level": "easy",
		"document_id":      "geo",
	})
	require.False(t, res.IsError)

	card := decode[review.Card](t, res)
	assert.Equal(t, "id-001", card.ID)
	assert.Equal(t, "tester", card.UserID)
	assert.Equal(t, review.DifficultyEasy, card.DifficultyLevel)
	require.NotNil(t, card.DocumentID)
	assert.Equal(t, "geo", *card.DocumentID)
	assert.True(t, card.IsDue(testNow))
}

func TestCreateCard_MissingAnswer(t *testing.T) {
	h := setupHandlers(t)

	res := callTool(t, h, "create_card", map[string]interface{}{"question": "Q"})
	assert.True(t, res.IsError)
	assert.Equal(t, "invalid_input", decode[errorResponse](t, res).Code)
}

func TestCreateCards(t *testing.T) {
	h := setupHandlers(t)

	res := callTool(t, h, "create_cards", map[string]interface{}{
		"document_id": "doc-1",
		"cards": []interface{}{
			map[string]interface{}{"question": "Q1", "answer": "A1"},
			map[string]interface{}{"question": "Q2", "answer": "A2", "difficulty_level": "hard"},
		},
	})
	require.False(t, res.IsError)
	cards := decode[[]review.Card](t, res)
	require.Len(t, cards, 2)
	for _, c := range cards {
		require.NotNil(t, c.DocumentID)
		assert.Equal(t, "doc-1", *c.DocumentID)
	}

	res = callTool(t, h, "create_cards", map[string]interface{}{
		"cards": []interface{}{"not an object"},
	})
	assert.True(t, res.IsError)
}

func TestGetUpdateDeleteCard(t *testing.T) {
	h := setupHandlers(t)
	card := createTestCard(t, h, "Q")

	res := callTool(t, h, "update_card", map[string]interface{}{
		"card_id": card.ID,
		"answer":  "better answer",
	})
	require.False(t, res.IsError)
	updated := decode[review.Card](t, res)
	assert.Equal(t, "better answer", updated.Answer)
	assert.Equal(t, "Q", updated.Question)

	res = callTool(t, h, "get_card", map[string]interface{}{"card_id": card.ID})
	require.False(t, res.IsError)
	assert.Equal(t, "better answer", decode[review.Card](t, res).Answer)

	res = callTool(t, h, "delete_card", map[string]interface{}{"card_id": card.ID})
	require.False(t, res.IsError)
	assert.True(t, decode[deletedResponse](t, res).Deleted)

	res = callTool(t, h, "get_card", map[string]interface{}{"card_id": card.ID})
	assert.True(t, res.IsError)
	assert.Equal(t, "not_found", decode[errorResponse](t, res).Code)
}

func TestListCards(t *testing.T) {
	h := setupHandlers(t)
	for i := 0; i < 3; i++ {
		createTestCard(t, h, fmt.Sprintf("Q%d", i))
	}

	res := callTool(t, h, "list_cards", map[string]interface{}{"skip": float64(1), "limit": float64(1)})
	require.False(t, res.IsError)
	cards := decode[[]review.Card](t, res)
	require.Len(t, cards, 1)
	assert.Equal(t, "Q1", cards[0].Question)

	res = callTool(t, h, "list_cards", map[string]interface{}{"limit": 1.5})
	assert.True(t, res.IsError)

	for _, huge := range []float64{1e19, -1e19, math.MaxInt32 + 1} {
		res = callTool(t, h, "list_cards", map[string]interface{}{"limit": huge})
		require.True(t, res.IsError)
		body := decode[errorResponse](t, res)
		assert.Equal(t, "invalid_input", body.Code)
		assert.Contains(t, body.Error, "out of range")
	}

	res = callTool(t, h, "get_due_cards", map[string]interface{}{"limit": 1e19})
	assert.True(t, res.IsError)

	res = callTool(t, h, "list_cards", map[string]interface{}{"document_id": "none"})
	require.False(t, res.IsError)
	assert.Empty(t, decode[[]review.Card](t, res))
}

func TestSubmitReview(t *testing.T) {
	h := setupHandlers(t)
	card := createTestCard(t, h, "Q")

	res := callTool(t, h, "submit_review", map[string]interface{}{
		"card_id": card.ID,
		"quality": "good",
	})
	require.False(t, res.IsError)

	result := decode[service.ReviewResult](t, res)
	assert.Equal(t, card.ID, result.CardID)
	assert.Equal(t, 1, result.IntervalDays)
	assert.Equal(t, 1, result.NewRepetitions)
	assert.True(t, result.IsCorrect)
	assert.InDelta(t, 2.5, result.NewEasinessFactor, 1e-9)
	assert.True(t, result.NextReviewDate.Equal(testNow.Add(24*time.Hour)))
}

func TestSubmitReview_InvalidQuality(t *testing.T) {
	h := setupHandlers(t)
	card := createTestCard(t, h, "Q")

	res := callTool(t, h, "submit_review", map[string]interface{}{
		"card_id": card.ID,
		"quality": "perfect",
	})
	assert.True(t, res.IsError)
	assert.Equal(t, "invalid_quality", decode[errorResponse](t, res).Code)

	res = callTool(t, h, "get_card", map[string]interface{}{"card_id": card.ID})
	assert.Equal(t, 0, decode[review.Card](t, res).Repetitions)
}

func TestGetDueCards(t *testing.T) {
	h := setupHandlers(t)
	first := createTestCard(t, h, "Q1")
	createTestCard(t, h, "Q2")

	res := callTool(t, h, "submit_review", map[string]interface{}{"card_id": first.ID, "quality": "easy"})
	require.False(t, res.IsError)

	res = callTool(t, h, "get_due_cards", map[string]interface{}{})
	require.False(t, res.IsError)
	due := decode[review.DueSet](t, res)
	require.Len(t, due.Cards, 1)
	assert.Equal(t, "Q2", due.Cards[0].Question)
	assert.Equal(t, 1, due.TotalDue)
	assert.Equal(t, 1, due.NewCount)
	assert.Equal(t, 0, due.ReviewCount)
}

func TestSessionLifecycle(t *testing.T) {
	h := setupHandlers(t)
	card := createTestCard(t, h, "Q")

	res := callTool(t, h, "start_session", map[string]interface{}{})
	require.False(t, res.IsError)
	started := decode[service.SessionStarted](t, res)
	assert.Equal(t, review.DefaultSessionType, started.SessionType)

	res = callTool(t, h, "submit_review", map[string]interface{}{
		"card_id":    card.ID,
		"quality":    "again",
		"session_id": started.SessionID,
	})
	require.False(t, res.IsError)

	res = callTool(t, h, "record_session_review", map[string]interface{}{
		"session_id": started.SessionID,
		"correct":    true,
	})
	require.False(t, res.IsError)
	progress := decode[service.SessionProgress](t, res)
	assert.Equal(t, 2, progress.CardsReviewed)
	assert.InDelta(t, 50.0, progress.Accuracy, 1e-9)

	res = callTool(t, h, "record_session_review", map[string]interface{}{
		"session_id": started.SessionID,
		"correct":    "yes",
	})
	assert.True(t, res.IsError)

	res = callTool(t, h, "end_session", map[string]interface{}{"session_id": started.SessionID})
	require.False(t, res.IsError)
	summary := decode[service.SessionSummary](t, res)
	assert.Equal(t, 1, summary.CardsCorrect)
	assert.Equal(t, 1, summary.CardsIncorrect)

	res = callTool(t, h, "end_session", map[string]interface{}{"session_id": started.SessionID})
	assert.True(t, res.IsError)
	assert.Equal(t, "session_not_active", decode[errorResponse](t, res).Code)
}

func TestGetAnalytics(t *testing.T) {
	h := setupHandlers(t)
	card := createTestCard(t, h, "Q")
	createTestCard(t, h, "Q2")
	callTool(t, h, "submit_review", map[string]interface{}{"card_id": card.ID, "quality": "good"})

	res := callTool(t, h, "get_analytics", nil)
	require.False(t, res.IsError)
	summary := decode[review.Summary](t, res)
	assert.Equal(t, 2, summary.TotalCards)
	assert.Equal(t, 1, summary.TotalReviews)
	assert.InDelta(t, 100.0, summary.OverallAccuracy, 1e-9)
	assert.Equal(t, 1, summary.DueToday)
}

func TestNewServer_ListsTools(t *testing.T) {
	h := setupHandlers(t)
	s := New(h.svc, "tester", "test", zaptest.NewLogger(t))

	msg := s.HandleMessage(context.Background(), json.RawMessage(
		`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"submit_review"`)
	assert.Contains(t, string(raw), `"get_due_cards"`)
}

func TestCreateCard_EmptyFields(t *testing.T) {
	h := setupHandlers(t)

	res := callTool(t, h, "create_card", map[string]interface{}{"question": "", "answer": ""})
	assert.True(t, res.IsError)

	res = callTool(t, h, "list_cards", nil)
	assert.Empty(t, decode[[]review.Card](t, res))
}

func TestReadAnalyticsResource(t *testing.T) {
	h := setupHandlers(t)
	createTestCard(t, h, "Q")

	contents, err := h.readAnalytics(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, analyticsURI, text.URI)

	var summary review.Summary
	require.NoError(t, json.Unmarshal([]byte(text.Text), &summary))
	assert.Equal(t, 1, summary.TotalCards)
}
