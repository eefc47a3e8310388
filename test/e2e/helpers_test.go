package e2e_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/app"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/alexjbarnes/chat-sync/internal/onebot/onebottest"
	"github.com/alexjbarnes/chat-sync/internal/timeline"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	selfID  = 777
	groupID = 5005
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// harness holds the full e2e stack: a fake OneBot server, a client app
// with its own state database, and an MCP session over the app's tools.
type harness struct {
	Server    *onebottest.Server
	statePath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := onebottest.NewServer(t)
	srv.Reply(onebot.ActionGetLoginInfo, onebot.LoginInfo{UserID: selfID, Nickname: "me"})

	return &harness{
		Server:    srv,
		statePath: filepath.Join(t.TempDir(), "state.db"),
	}
}

// start builds and connects an app on the harness state database. The
// app is closed at test cleanup unless the caller closes it first.
func (h *harness) start(t *testing.T) *app.App {
	t.Helper()

	a, err := app.New(app.Options{
		StatePath:   h.statePath,
		Credentials: transport.Credentials{URL: h.Server.URL()},
		Transport: transport.Config{
			CallTimeout:       5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			LivenessTimeout:   40 * time.Second,
			ReconnectDelay:    50 * time.Millisecond,
		},
		Timeline: timeline.DefaultConfig(),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Connect(t.Context()))
	require.Eventually(t, func() bool { return a.SelfID() == selfID }, waitFor, tick)

	return a
}

// mcpSession serves the app's tools over in-memory MCP transports.
func mcpSession(t *testing.T, a *app.App) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(server, a)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

func groupMessage(id, userID int64, text string) map[string]any {
	return map[string]any{
		"time":         time.Now().Unix(),
		"self_id":      selfID,
		"post_type":    "message",
		"message_type": "group",
		"sub_type":     "normal",
		"message_id":   id,
		"message_seq":  id,
		"group_id":     groupID,
		"user_id":      userID,
		"sender":       map[string]any{"user_id": userID, "nickname": "bob", "card": "Bob"},
		"message":      []any{map[string]any{"type": "text", "data": map[string]any{"text": text}}},
		"raw_message":  text,
	}
}

func groupHistory(msgs ...map[string]any) map[string]any {
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, m)
	}

	return map[string]any{"messages": list}
}

func recallNotice(messageID int64) map[string]any {
	return map[string]any{
		"time":        time.Now().Unix(),
		"self_id":     selfID,
		"post_type":   "notice",
		"notice_type": "group_recall",
		"group_id":    groupID,
		"user_id":     55,
		"operator_id": 55,
		"message_id":  messageID,
	}
}

func memberJoined(userID int64) map[string]any {
	return map[string]any{
		"time":        time.Now().Unix(),
		"self_id":     selfID,
		"post_type":   "notice",
		"notice_type": "group_increase",
		"sub_type":    "approve",
		"group_id":    groupID,
		"user_id":     userID,
		"operator_id": 0,
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}
