package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/danieldreier/studyhall/internal/review"
	"github.com/danieldreier/studyhall/internal/service"
	"github.com/danieldreier/studyhall/internal/sm2"
	"github.com/danieldreier/studyhall/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Handlers serves MCP tool calls for a single user.
type Handlers struct {
	svc    *service.StudyService
	userID string
	logger *zap.Logger
}

// NewHandlers returns handlers acting as userID.
func NewHandlers(svc *service.StudyService, userID string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{svc: svc, userID: userID, logger: logger}
}

const analyticsURI = "studyhall://analytics/summary"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type deletedResponse struct {
	Deleted bool   `json:"deleted"`
	CardID  string `json:"flashcard_id"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, sm2.ErrInvalidQuality):
		return "invalid_quality"
	case errors.Is(err, service.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, storage.ErrCardNotFound), errors.Is(err, storage.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, review.ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, storage.ErrVersionConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// toolError reports err to the client as a failed tool result. Only
// unexpected failures are logged.
func (h *Handlers) toolError(tool string, err error) (*mcp.CallToolResult, error) {
	code := errorCode(err)
	if code == "internal" {
		h.logger.Error("tool call failed", zap.String("tool", tool), zap.Error(err))
	}
	res, mErr := jsonResult(errorResponse{Error: err.Error(), Code: code})
	if mErr != nil {
		return nil, mErr
	}
	res.IsError = true
	return res, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func optionalString(request mcp.CallToolRequest, name string) (*string, error) {
	raw, ok := request.Params.Arguments[name]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a string", service.ErrInvalidInput, name)
	}
	return &s, nil
}

func requiredString(request mcp.CallToolRequest, name string) (string, error) {
	s, err := optionalString(request, name)
	if err != nil {
		return "", err
	}
	if s == nil || *s == "" {
		return "", fmt.Errorf("%w: %s is required", service.ErrInvalidInput, name)
	}
	return *s, nil
}

// optionalInt reads a JSON number. Fractional values and values outside the
// int32 range are rejected.
func optionalInt(request mcp.CallToolRequest, name string) (int, error) {
	raw, ok := request.Params.Arguments[name]
	if !ok || raw == nil {
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be an integer", service.ErrInvalidInput, name)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s is out of range", service.ErrInvalidInput, name)
	}
	return int(f), nil
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// nonEmpty treats an empty optional string as absent.
func nonEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}

func (h *Handlers) handleCreateCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := cardInput(request.Params.Arguments)
	if err != nil {
		return h.toolError("create_card", err)
	}
	docID, err := optionalString(request, "document_id")
	if err != nil {
		return h.toolError("create_card", err)
	}
	in.DocumentID = nonEmpty(docID)

	card, err := h.svc.CreateCard(ctx, h.userID, in)
	if err != nil {
		return h.toolError("create_card", err)
	}
	return jsonResult(card)
}

// cardInput reads card fields from a tool argument map.
func cardInput(args map[string]interface{}) (service.CardInput, error) {
	var in service.CardInput
	for name, dst := range map[string]*string{
		"question": &in.Question,
		"answer":   &in.Answer,
		"context":  &in.Context,
	} {
		raw, ok := args[name]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return in, fmt.Errorf("%w: %s must be a string", service.ErrInvalidInput, name)
		}
		*dst = s
	}
	if raw, ok := args["difficulty_level"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return in, fmt.Errorf("%w: difficulty_level must be a string", service.ErrInvalidInput)
		}
		in.DifficultyLevel = review.Difficulty(s)
	}
	return in, nil
}

func (h *Handlers) handleCreateCards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawCards, ok := request.Params.Arguments["cards"].([]interface{})
	if !ok {
		return h.toolError("create_cards", fmt.Errorf("%w: cards must be an array", service.ErrInvalidInput))
	}

	var bulk service.BulkCardInput
	for i, raw := range rawCards {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return h.toolError("create_cards", fmt.Errorf("%w: cards[%d] must be an object", service.ErrInvalidInput, i))
		}
		in, err := cardInput(obj)
		if err != nil {
			return h.toolError("create_cards", fmt.Errorf("cards[%d]: %w", i, err))
		}
		bulk.Cards = append(bulk.Cards, in)
	}
	docID, err := optionalString(request, "document_id")
	if err != nil {
		return h.toolError("create_cards", err)
	}
	bulk.DocumentID = nonEmpty(docID)

	cards, err := h.svc.CreateCards(ctx, h.userID, bulk)
	if err != nil {
		return h.toolError("create_cards", err)
	}
	return jsonResult(cards)
}

func (h *Handlers) handleGetCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "card_id")
	if err != nil {
		return h.toolError("get_card", err)
	}
	card, err := h.svc.GetCard(ctx, h.userID, id)
	if err != nil {
		return h.toolError("get_card", err)
	}
	return jsonResult(card)
}

func (h *Handlers) handleListCards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID, err := optionalString(request, "document_id")
	if err != nil {
		return h.toolError("list_cards", err)
	}
	skip, err := optionalInt(request, "skip")
	if err != nil {
		return h.toolError("list_cards", err)
	}
	limit, err := optionalInt(request, "limit")
	if err != nil {
		return h.toolError("list_cards", err)
	}

	cards, err := h.svc.ListCards(ctx, h.userID, nonEmpty(docID), skip, limit)
	if err != nil {
		return h.toolError("list_cards", err)
	}
	if cards == nil {
		cards = []review.Card{}
	}
	return jsonResult(cards)
}

func (h *Handlers) handleUpdateCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "card_id")
	if err != nil {
		return h.toolError("update_card", err)
	}

	var patch service.CardPatch
	for name, dst := range map[string]**string{
		"question": &patch.Question,
		"answer":   &patch.Answer,
		"context":  &patch.Context,
	} {
		v, err := optionalString(request, name)
		if err != nil {
			return h.toolError("update_card", err)
		}
		*dst = v
	}
	level, err := optionalString(request, "difficulty_level")
	if err != nil {
		return h.toolError("update_card", err)
	}
	if level != nil {
		d := review.Difficulty(*level)
		patch.DifficultyLevel = &d
	}

	card, err := h.svc.UpdateCard(ctx, h.userID, id, patch)
	if err != nil {
		return h.toolError("update_card", err)
	}
	return jsonResult(card)
}

func (h *Handlers) handleDeleteCard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "card_id")
	if err != nil {
		return h.toolError("delete_card", err)
	}
	if err := h.svc.DeleteCard(ctx, h.userID, id); err != nil {
		return h.toolError("delete_card", err)
	}
	return jsonResult(deletedResponse{Deleted: true, CardID: id})
}

func (h *Handlers) handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "card_id")
	if err != nil {
		return h.toolError("submit_review", err)
	}
	label, err := requiredString(request, "quality")
	if err != nil {
		return h.toolError("submit_review", err)
	}
	q, err := sm2.ParseQuality(label)
	if err != nil {
		return h.toolError("submit_review", err)
	}
	sessionID, err := optionalString(request, "session_id")
	if err != nil {
		return h.toolError("submit_review", err)
	}

	res, err := h.svc.SubmitReview(ctx, h.userID, service.ReviewInput{
		CardID:    id,
		Quality:   q,
		SessionID: stringValue(sessionID),
	})
	if err != nil {
		return h.toolError("submit_review", err)
	}
	return jsonResult(res)
}

func (h *Handlers) handleGetDueCards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID, err := optionalString(request, "document_id")
	if err != nil {
		return h.toolError("get_due_cards", err)
	}
	limit, err := optionalInt(request, "limit")
	if err != nil {
		return h.toolError("get_due_cards", err)
	}

	due, err := h.svc.DueCards(ctx, h.userID, nonEmpty(docID), limit)
	if err != nil {
		return h.toolError("get_due_cards", err)
	}
	return jsonResult(due)
}

func (h *Handlers) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionType, err := optionalString(request, "session_type")
	if err != nil {
		return h.toolError("start_session", err)
	}
	started, err := h.svc.StartSession(ctx, h.userID, stringValue(sessionType))
	if err != nil {
		return h.toolError("start_session", err)
	}
	return jsonResult(started)
}

func (h *Handlers) handleRecordSessionReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "session_id")
	if err != nil {
		return h.toolError("record_session_review", err)
	}
	correct, ok := request.Params.Arguments["correct"].(bool)
	if !ok {
		return h.toolError("record_session_review", fmt.Errorf("%w: correct must be a boolean", service.ErrInvalidInput))
	}

	progress, err := h.svc.RecordSessionReview(ctx, h.userID, id, correct)
	if err != nil {
		return h.toolError("record_session_review", err)
	}
	return jsonResult(progress)
}

func (h *Handlers) handleEndSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "session_id")
	if err != nil {
		return h.toolError("end_session", err)
	}
	summary, err := h.svc.EndSession(ctx, h.userID, id)
	if err != nil {
		return h.toolError("end_session", err)
	}
	return jsonResult(summary)
}

func (h *Handlers) handleGetAnalytics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := h.svc.Analytics(ctx, h.userID)
	if err != nil {
		return h.toolError("get_analytics", err)
	}
	return jsonResult(summary)
}

func (h *Handlers) readAnalytics(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	summary, err := h.svc.Analytics(ctx, h.userID)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal analytics: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      analyticsURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
