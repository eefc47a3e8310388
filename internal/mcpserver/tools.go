// Package mcpserver registers MCP tools that expose the chat client.
// It adapts the app's operations to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/timeline"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Chat is the client surface the tools drive. *app.App satisfies it.
type Chat interface {
	Status() transport.State
	SelfID() int64
	Sessions() []models.Session
	Open(ctx context.Context, peer models.Peer) (timeline.Snapshot, error)
	FetchOlder(ctx context.Context, peer models.Peer) (timeline.Snapshot, int, error)
	Send(ctx context.Context, peer models.Peer, segs []models.Segment) (models.Message, error)
	Retry(ctx context.Context, peer models.Peer, tempID int64) (models.Message, error)
	Dismiss(peer models.Peer, tempID int64) error
	Requests() ([]models.PendingRequest, error)
	AnswerRequest(ctx context.Context, flag string, approve bool) error
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Connection state (disconnected, connecting, connected, reconnecting) and the logged-in account id.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_sessions",
		Description: "List conversations, most recently active first, with unread counts and a one-line preview of the last message. Use the peer field with the other tools.",
	}, listSessionsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Open a conversation and return its newest page of messages, oldest first. Clears the unread count.",
	}, openHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_fetch_older",
		Description: "Load the page before the oldest visible message of an open conversation. Returns the whole timeline and how many entries were added; exhausted is true once there is no more history.",
	}, fetchOlderHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text message, optionally replying to a message id and mentioning users. A failed send stays in the timeline with a negative id for chat_retry or chat_dismiss.",
	}, sendHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_retry",
		Description: "Re-send a failed message by its negative temporary id.",
	}, retryHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_dismiss",
		Description: "Remove a failed message from the timeline by its negative temporary id.",
	}, dismissHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_requests",
		Description: "List unanswered friend and group join requests, oldest first.",
	}, requestsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_answer_request",
		Description: "Approve or reject a friend or group request by its flag.",
	}, answerRequestHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListSessionsInput has no parameters.
type ListSessionsInput struct{}

// PeerInput names a conversation.
type PeerInput struct {
	Peer string `json:"peer" jsonschema:"required,conversation as kind:id, e.g. group:123456 or direct:10001"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Peer    string  `json:"peer" jsonschema:"required,conversation as kind:id"`
	Text    string  `json:"text" jsonschema:"required,message text"`
	ReplyTo int64   `json:"reply_to,omitempty" jsonschema:"server id of the message being replied to"`
	Mention []int64 `json:"mention,omitempty" jsonschema:"user ids to mention, 0 mentions everyone"`
}

// TempIDInput names a failed message.
type TempIDInput struct {
	Peer   string `json:"peer" jsonschema:"required,conversation as kind:id"`
	TempID int64  `json:"temp_id" jsonschema:"required,negative temporary id of the failed message"`
}

// RequestsInput has no parameters.
type RequestsInput struct{}

// AnswerRequestInput holds parameters for chat_answer_request.
type AnswerRequestInput struct {
	Flag    string `json:"flag" jsonschema:"required,request flag from chat_requests"`
	Approve bool   `json:"approve" jsonschema:"true to approve, false to reject"`
}

// --- Output types ---

// StatusResult is the output of chat_status.
type StatusResult struct {
	State  string `json:"state"`
	SelfID int64  `json:"self_id,omitempty"`
}

// SessionView is one conversation in the list.
type SessionView struct {
	Peer       string `json:"peer"`
	Name       string `json:"name,omitempty"`
	Unread     int    `json:"unread"`
	Preview    string `json:"preview,omitempty"`
	LastActive string `json:"last_active,omitempty"`
}

// SessionsResult is the output of chat_list_sessions.
type SessionsResult struct {
	Sessions []SessionView `json:"sessions"`
}

// ReactionView is one emoji tally.
type ReactionView struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// MessageView is one timeline entry.
type MessageView struct {
	ID        int64          `json:"id"`
	Time      string         `json:"time"`
	SenderID  int64          `json:"sender_id,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Text      string         `json:"text"`
	FromSelf  bool           `json:"from_self,omitempty"`
	Pending   bool           `json:"pending,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
	Recalled  bool           `json:"recalled,omitempty"`
	Essence   bool           `json:"essence,omitempty"`
	System    bool           `json:"system,omitempty"`
	Reactions []ReactionView `json:"reactions,omitempty"`
}

// TimelineResult is the output of chat_open and chat_fetch_older.
type TimelineResult struct {
	Peer      string        `json:"peer"`
	State     string        `json:"state"`
	Exhausted bool          `json:"exhausted"`
	Added     int           `json:"added,omitempty"`
	Messages  []MessageView `json:"messages"`
}

// SendResult is the output of chat_send and chat_retry.
type SendResult struct {
	Message MessageView `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// DismissResult is the output of chat_dismiss.
type DismissResult struct {
	Dismissed bool `json:"dismissed"`
}

// RequestView is one pending request.
type RequestView struct {
	Flag    string `json:"flag"`
	Kind    string `json:"kind"`
	SubType string `json:"sub_type,omitempty"`
	UserID  int64  `json:"user_id"`
	GroupID int64  `json:"group_id,omitempty"`
	Comment string `json:"comment,omitempty"`
	Time    string `json:"time"`
}

// RequestsResult is the output of chat_requests.
type RequestsResult struct {
	Requests []RequestView `json:"requests"`
}

// AnswerResult is the output of chat_answer_request.
type AnswerResult struct {
	Flag     string `json:"flag"`
	Approved bool   `json:"approved"`
}

// --- Handlers ---

func statusHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{State: c.Status().String(), SelfID: c.SelfID()}
		return textResult(result), result, nil
	}
}

func listSessionsHandler(c Chat) mcp.ToolHandlerFor[ListSessionsInput, *SessionsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListSessionsInput) (*mcp.CallToolResult, *SessionsResult, error) {
		list := c.Sessions()

		result := &SessionsResult{Sessions: make([]SessionView, 0, len(list))}
		for _, s := range list {
			result.Sessions = append(result.Sessions, SessionView{
				Peer:       s.Peer.Key(),
				Name:       s.Name,
				Unread:     s.Unread,
				Preview:    s.Preview,
				LastActive: formatTime(s.LastActive),
			})
		}

		return textResult(result), result, nil
	}
}

func openHandler(c Chat) mcp.ToolHandlerFor[PeerInput, *TimelineResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PeerInput) (*mcp.CallToolResult, *TimelineResult, error) {
		peer, err := models.ParsePeer(input.Peer)
		if err != nil {
			return nil, nil, err
		}

		snap, err := c.Open(ctx, peer)
		if err != nil {
			return nil, nil, err
		}

		result := timelineResult(snap, 0)

		return textResult(result), result, nil
	}
}

func fetchOlderHandler(c Chat) mcp.ToolHandlerFor[PeerInput, *TimelineResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PeerInput) (*mcp.CallToolResult, *TimelineResult, error) {
		peer, err := models.ParsePeer(input.Peer)
		if err != nil {
			return nil, nil, err
		}

		snap, added, err := c.FetchOlder(ctx, peer)
		if err != nil {
			return nil, nil, err
		}

		result := timelineResult(snap, added)

		return textResult(result), result, nil
	}
}

func sendHandler(c Chat) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		peer, err := models.ParsePeer(input.Peer)
		if err != nil {
			return nil, nil, err
		}

		if input.Text == "" {
			return nil, nil, fmt.Errorf("text is required")
		}

		var segs []models.Segment
		if input.ReplyTo > 0 {
			segs = append(segs, models.ReplySegment(input.ReplyTo))
		}

		for _, id := range input.Mention {
			segs = append(segs, models.AtSegment(id))
		}

		segs = append(segs, models.TextSegment(input.Text))

		msg, err := c.Send(ctx, peer, segs)

		return sendResult(msg, err)
	}
}

func retryHandler(c Chat) mcp.ToolHandlerFor[TempIDInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TempIDInput) (*mcp.CallToolResult, *SendResult, error) {
		peer, err := models.ParsePeer(input.Peer)
		if err != nil {
			return nil, nil, err
		}

		msg, err := c.Retry(ctx, peer, input.TempID)

		return sendResult(msg, err)
	}
}

func dismissHandler(c Chat) mcp.ToolHandlerFor[TempIDInput, *DismissResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input TempIDInput) (*mcp.CallToolResult, *DismissResult, error) {
		peer, err := models.ParsePeer(input.Peer)
		if err != nil {
			return nil, nil, err
		}

		if err := c.Dismiss(peer, input.TempID); err != nil {
			return nil, nil, err
		}

		result := &DismissResult{Dismissed: true}

		return textResult(result), result, nil
	}
}

func requestsHandler(c Chat) mcp.ToolHandlerFor[RequestsInput, *RequestsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ RequestsInput) (*mcp.CallToolResult, *RequestsResult, error) {
		reqs, err := c.Requests()
		if err != nil {
			return nil, nil, err
		}

		result := &RequestsResult{Requests: make([]RequestView, 0, len(reqs))}
		for _, r := range reqs {
			result.Requests = append(result.Requests, RequestView{
				Flag:    r.Flag,
				Kind:    string(r.Kind),
				SubType: r.SubType,
				UserID:  r.UserID,
				GroupID: r.GroupID,
				Comment: r.Comment,
				Time:    formatTime(r.Time),
			})
		}

		return textResult(result), result, nil
	}
}

func answerRequestHandler(c Chat) mcp.ToolHandlerFor[AnswerRequestInput, *AnswerResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AnswerRequestInput) (*mcp.CallToolResult, *AnswerResult, error) {
		if err := c.AnswerRequest(ctx, input.Flag, input.Approve); err != nil {
			return nil, nil, err
		}

		result := &AnswerResult{Flag: input.Flag, Approved: input.Approve}

		return textResult(result), result, nil
	}
}

// sendResult reports a failed send as a tool error that still carries
// the failed entry, so the caller learns the temporary id to retry.
func sendResult(msg models.Message, err error) (*mcp.CallToolResult, *SendResult, error) {
	if err != nil && msg.ID == 0 {
		return nil, nil, err
	}

	result := &SendResult{Message: messageView(msg)}
	if err != nil {
		result.Error = err.Error()
	}

	res := textResult(result)
	if err != nil {
		res.IsError = true
	}

	return res, result, nil
}

func timelineResult(snap timeline.Snapshot, added int) *TimelineResult {
	result := &TimelineResult{
		Peer:      snap.Peer.Key(),
		State:     snap.State.String(),
		Exhausted: snap.Exhausted,
		Added:     added,
		Messages:  make([]MessageView, 0, len(snap.Messages)),
	}

	for _, m := range snap.Messages {
		result.Messages = append(result.Messages, messageView(m))
	}

	return result
}

func messageView(m models.Message) MessageView {
	v := MessageView{
		ID:       m.ID,
		Time:     formatTime(m.Time),
		SenderID: m.Sender.UserID,
		Text:     m.Preview(),
		FromSelf: m.FromSelf,
		Pending:  m.Pending,
		Failed:   m.Failed,
		Recalled: m.Recalled,
		Essence:  m.Essence,
		System:   m.System,
	}

	if m.Sender.UserID != 0 || m.Sender.Nickname != "" || m.Sender.Card != "" {
		v.Sender = m.Sender.DisplayName()
	}

	for _, r := range m.Reactions {
		v.Reactions = append(v.Reactions, ReactionView{Emoji: r.EmojiID, Count: r.Count})
	}

	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
