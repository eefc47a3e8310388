// Package onebottest provides an in-process OneBot WebSocket server for
// tests. Actions are answered by registered handlers; pushes can be sent
// to every connected client.
package onebottest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/coder/websocket"
)

// HandlerFunc answers one action. The returned value becomes the
// response's data; an error becomes a failed response.
type HandlerFunc func(params json.RawMessage) (any, error)

// Call is a request the server received.
type Call struct {
	Action string
	Params json.RawMessage
	Echo   string
}

// Server is a fake OneBot endpoint.
type Server struct {
	srv *httptest.Server

	// Token, when set, is required as the access_token query parameter.
	Token string

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	conns    map[*websocket.Conn]struct{}
	calls    []Call
	accepted int
}

// NewServer starts a server that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		handlers: map[string]HandlerFunc{
			onebot.ActionGetStatus: func(json.RawMessage) (any, error) {
				return map[string]bool{"online": true, "good": true}, nil
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}

	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.DropAll()
		s.srv.Close()
	})

	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws://" + strings.TrimPrefix(s.srv.URL, "http://")
}

// Handle registers the handler for an action, replacing any previous one.
func (s *Server) Handle(action string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[action] = fn
	s.mu.Unlock()
}

// Reply registers a handler that always answers with data.
func (s *Server) Reply(action string, data any) {
	s.Handle(action, func(json.RawMessage) (any, error) { return data, nil })
}

// Calls returns the received requests for action, in arrival order.
func (s *Server) Calls(action string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Call

	for _, c := range s.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}

	return out
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepted
}

// Connected returns the number of open connections.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Push sends v as a text frame to every connected client.
func (s *Server) Push(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("no connected clients")
	}

	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}

	return nil
}

// DropAll closes every connection as if the server went away.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	for c := range conns {
		c.CloseNow()
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.URL.Query().Get("access_token") != s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(16 << 20)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.CloseNow()
	}()

	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req struct {
			Action string          `json:"action"`
			Params json.RawMessage `json:"params"`
			Echo   string          `json:"echo"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.calls = append(s.calls, Call{Action: req.Action, Params: req.Params, Echo: req.Echo})
		fn := s.handlers[req.Action]
		s.mu.Unlock()

		if req.Echo == "" {
			continue
		}

		resp := respond(req.Action, req.Params, fn)
		resp["echo"] = req.Echo

		out, err := json.Marshal(resp)
		if err != nil {
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Write(wctx, websocket.MessageText, out)
		cancel()

		if err != nil {
			return
		}
	}
}

func respond(action string, params json.RawMessage, fn HandlerFunc) map[string]any {
	if fn == nil {
		return map[string]any{"status": "failed", "retcode": 1404, "data": nil, "msg": "unsupported action " + action}
	}

	data, err := fn(params)
	if err != nil {
		return map[string]any{"status": "failed", "retcode": 100, "data": nil, "msg": err.Error()}
	}

	return map[string]any{"status": "ok", "retcode": 0, "data": data}
}
