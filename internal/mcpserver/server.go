// Package mcpserver exposes the study service as MCP tools over stdio.
package mcpserver

import (
	"context"

	"github.com/danieldreier/studyhall/internal/service"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const serverName = "Studyhall MCP"

const instructions = `
This server runs spaced-repetition study sessions with the SM-2 algorithm.

1. Call start_session before the first card and end_session when the learner stops.
2. Use get_due_cards to fetch what is due. Show only the question first.
3. After the learner answers, reveal the answer and grade the recall:
   * again: no recall or wrong answer
   * hard: partially right or needed a lot of help
   * good: right after some hesitation
   * easy: right immediately
   Only "good" and "easy" count as correct.
4. Call submit_review with the grade and the session_id so the session counts it.
5. get_analytics reports progress across all cards and sessions.
`

type toolEntry struct {
	tool    mcp.Tool
	handler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// New builds an MCP server whose tools act on behalf of userID.
func New(svc *service.StudyService, userID, version string, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithInstructions(instructions),
		server.WithResourceCapabilities(false, false),
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	h := NewHandlers(svc, userID, logger)
	for _, t := range h.tools() {
		s.AddTool(t.tool, t.handler)
	}
	s.AddResource(
		mcp.NewResource(analyticsURI, "Study progress",
			mcp.WithResourceDescription("Analytics summary for the current user"),
			mcp.WithMIMEType("application/json"),
		),
		h.readAnalytics,
	)
	return s
}

// ServeStdio blocks serving s on stdin and stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (h *Handlers) tools() []toolEntry {
	return []toolEntry{
		{
			tool: mcp.NewTool("create_card",
				mcp.WithDescription("Create a flashcard. New cards are due immediately."),
				mcp.WithString("question", mcp.Required(), mcp.Description("Question shown first, up to 1000 characters")),
				mcp.WithString("answer", mcp.Required(), mcp.Description("Answer revealed after recall, up to 2000 characters")),
				mcp.WithString("context", mcp.Description("Optional source excerpt or hint")),
				mcp.WithString("difficulty_level", mcp.Description("easy, medium or hard (default medium)")),
				mcp.WithString("document_id", mcp.Description("Document the card was generated from")),
			),
			handler: h.handleCreateCard,
		},
		{
			tool: mcp.NewTool("create_cards",
				mcp.WithDescription("Create several flashcards at once. Nothing is stored if any card is invalid."),
				mcp.WithArray("cards", mcp.Required(),
					mcp.Description("Objects with question, answer and optional context and difficulty_level")),
				mcp.WithString("document_id", mcp.Description("Document applied to every card")),
			),
			handler: h.handleCreateCards,
		},
		{
			tool: mcp.NewTool("get_card",
				mcp.WithDescription("Get one flashcard with its schedule"),
				mcp.WithString("card_id", mcp.Required(), mcp.Description("The ID of the card")),
			),
			handler: h.handleGetCard,
		},
		{
			tool: mcp.NewTool("list_cards",
				mcp.WithDescription("List flashcards in creation order"),
				mcp.WithString("document_id", mcp.Description("Only cards of this document")),
				mcp.WithNumber("skip", mcp.Description("Cards to skip")),
				mcp.WithNumber("limit", mcp.Description("Maximum cards to return (default 50, max 200)")),
			),
			handler: h.handleListCards,
		},
		{
			tool: mcp.NewTool("update_card",
				mcp.WithDescription("Edit the content of a flashcard. The review schedule is kept."),
				mcp.WithString("card_id", mcp.Required(), mcp.Description("The ID of the card to update")),
				mcp.WithString("question", mcp.Description("New question")),
				mcp.WithString("answer", mcp.Description("New answer")),
				mcp.WithString("context", mcp.Description("New context")),
				mcp.WithString("difficulty_level", mcp.Description("easy, medium or hard")),
			),
			handler: h.handleUpdateCard,
		},
		{
			tool: mcp.NewTool("delete_card",
				mcp.WithDescription("Delete a flashcard"),
				mcp.WithString("card_id", mcp.Required(), mcp.Description("The ID of the card to delete")),
			),
			handler: h.handleDeleteCard,
		},
		{
			tool: mcp.NewTool("submit_review",
				mcp.WithDescription("Grade the learner's recall of a card and schedule its next review"),
				mcp.WithString("card_id", mcp.Required(), mcp.Description("The ID of the card being reviewed")),
				mcp.WithString("quality", mcp.Required(), mcp.Description("again, hard, good or easy")),
				mcp.WithString("session_id", mcp.Description("Active session that should count this review")),
			),
			handler: h.handleSubmitReview,
		},
		{
			tool: mcp.NewTool("get_due_cards",
				mcp.WithDescription("Get cards due for review. total_due counts the returned cards; backlog counts all due cards."),
				mcp.WithString("document_id", mcp.Description("Only cards of this document")),
				mcp.WithNumber("limit", mcp.Description("Maximum cards to return (default 20)")),
			),
			handler: h.handleGetDueCards,
		},
		{
			tool: mcp.NewTool("start_session",
				mcp.WithDescription("Start a study session"),
				mcp.WithString("session_type", mcp.Description("Free-form session label (default review)")),
			),
			handler: h.handleStartSession,
		},
		{
			tool: mcp.NewTool("record_session_review",
				mcp.WithDescription("Count one review in an active session without touching any card"),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
				mcp.WithBoolean("correct", mcp.Required(), mcp.Description("Whether the card was recalled")),
			),
			handler: h.handleRecordSessionReview,
		},
		{
			tool: mcp.NewTool("end_session",
				mcp.WithDescription("End a study session and get its summary"),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
			),
			handler: h.handleEndSession,
		},
		{
			tool:    mcp.NewTool("get_analytics", mcp.WithDescription("Summarize study progress")),
			handler: h.handleGetAnalytics,
		},
	}
}
