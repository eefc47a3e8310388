// Package app constructs the client core once and owns its lifecycle:
// the store, session registry, synchronization engine, dispatcher and
// transport are built here and injected into each other.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/dispatch"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/alexjbarnes/chat-sync/internal/sessions"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/timeline"
	"github.com/alexjbarnes/chat-sync/internal/transport"
)

// loginInfoTimeout bounds the get_login_info call made after connecting.
const loginInfoTimeout = 15 * time.Second

// Options configures an App.
type Options struct {
	StatePath   string
	Credentials transport.Credentials
	Transport   transport.Config
	Timeline    timeline.Config
}

// App is one isolated client instance.
type App struct {
	logger     *slog.Logger
	store      *state.State
	registry   *sessions.Registry
	engine     *timeline.Engine
	dispatcher *dispatch.Dispatcher
	client     *transport.Client
	creds      *credentialStore

	bg       context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// New opens the state database and wires the components. It does not
// connect; call Connect.
func New(opts Options, logger *slog.Logger) (*App, error) {
	store, err := state.LoadAt(opts.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	registry := sessions.New(store, logger.With(slog.String("component", "sessions")))
	if err := registry.Load(); err != nil {
		store.Close()
		return nil, fmt.Errorf("loading sessions: %w", err)
	}

	a := &App{
		logger:   logger,
		store:    store,
		registry: registry,
		creds:    &credentialStore{creds: opts.Credentials},
	}

	a.bg, a.bgCancel = context.WithCancel(context.Background())

	// The engine and the transport depend on each other: the engine
	// issues calls, and the transport delivers pushes that reach the
	// engine through the dispatcher.
	var caller lateCaller

	a.engine = timeline.New(&caller, store, registry, opts.Timeline, logger.With(slog.String("component", "timeline")))
	a.dispatcher = dispatch.New(dispatch.Handlers{
		Messages: a.engine,
		Notices:  a.engine,
		Requests: a,
		Meta:     a,
	}, logger.With(slog.String("component", "dispatch")))
	a.client = transport.New(opts.Transport, a.creds, a.dispatcher, logger.With(slog.String("component", "transport")))
	caller.client = a.client

	if id := store.SelfID(); id > 0 {
		a.dispatcher.SetSelfID(id)
		a.engine.SetSelfID(id)
	}

	a.client.OnStateChange(a.onStateChange)

	return a, nil
}

// lateCaller forwards to a client assigned after construction.
type lateCaller struct {
	client *transport.Client
}

func (c *lateCaller) Call(ctx context.Context, action string, params any, opts ...transport.CallOption) (json.RawMessage, error) {
	return c.client.Call(ctx, action, params, opts...)
}

// Connect opens the connection with the configured credentials. After
// an unexpected close the transport reconnects on its own until Logout
// or Close.
func (a *App) Connect(ctx context.Context) error {
	creds, ok := a.creds.Credentials(ctx)
	if !ok {
		return chaterrors.ErrNoCredentials
	}

	if err := a.client.Connect(ctx, creds); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	return nil
}

// Logout forgets the credentials and disconnects. Reconnects are vetoed
// until SetCredentials is called.
func (a *App) Logout() {
	a.creds.revoke()
	a.client.Disconnect()
	a.logger.Info("logged out")
}

// SetCredentials replaces the credentials used for the next connect or
// reconnect.
func (a *App) SetCredentials(creds transport.Credentials) {
	a.creds.set(creds)
}

// Status returns the connection state.
func (a *App) Status() transport.State {
	return a.client.State()
}

// SelfID returns the logged-in account id, or zero if not yet known.
func (a *App) SelfID() int64 {
	return a.engine.SelfID()
}

// Sessions returns the conversation list, most recently active first.
func (a *App) Sessions() []models.Session {
	return a.registry.List()
}

// OnSessions registers an observer for session list changes.
func (a *App) OnSessions(fn func([]models.Session)) {
	a.registry.OnChange(fn)
}

// OnTimeline registers an observer for open conversation changes.
func (a *App) OnTimeline(fn func(timeline.Snapshot)) {
	a.engine.OnTimeline(fn)
}

// Open opens a conversation and returns its timeline.
func (a *App) Open(ctx context.Context, peer models.Peer) (timeline.Snapshot, error) {
	if err := a.engine.OpenConversation(ctx, peer); err != nil {
		return timeline.Snapshot{}, err
	}

	snap, ok := a.engine.Snapshot(peer)
	if !ok {
		return timeline.Snapshot{}, fmt.Errorf("opening %s: %w", peer, chaterrors.ErrNotOpen)
	}

	return snap, nil
}

// CloseConversation drops the conversation's view.
func (a *App) CloseConversation(peer models.Peer) {
	a.engine.CloseConversation(peer)
}

// Timeline returns the current view of an open conversation.
func (a *App) Timeline(peer models.Peer) (timeline.Snapshot, bool) {
	return a.engine.Snapshot(peer)
}

// FetchOlder loads the previous page of an open conversation and returns
// the updated timeline and the number of entries added.
func (a *App) FetchOlder(ctx context.Context, peer models.Peer) (timeline.Snapshot, int, error) {
	added, err := a.engine.FetchOlder(ctx, peer)
	if err != nil {
		return timeline.Snapshot{}, 0, err
	}

	snap, _ := a.engine.Snapshot(peer)

	return snap, added, nil
}

// Send sends a message optimistically.
func (a *App) Send(ctx context.Context, peer models.Peer, segs []models.Segment) (models.Message, error) {
	return a.engine.SendOptimistic(ctx, peer, segs)
}

// Retry re-sends a failed message.
func (a *App) Retry(ctx context.Context, peer models.Peer, tempID int64) (models.Message, error) {
	return a.engine.RetrySend(ctx, peer, tempID)
}

// Dismiss removes a failed message.
func (a *App) Dismiss(peer models.Peer, tempID int64) error {
	return a.engine.Dismiss(peer, tempID)
}

// Leave quits a group or removes a friend, then forgets the conversation
// locally.
func (a *App) Leave(ctx context.Context, peer models.Peer) error {
	if !peer.Valid() {
		return fmt.Errorf("leaving %s: %w", peer, chaterrors.ErrInvalidPeer)
	}

	action := onebot.ActionDeleteFriend

	var params any = onebot.DeleteFriendParams{UserID: peer.ID}
	if peer.IsGroup() {
		action = onebot.ActionSetGroupLeave
		params = onebot.GroupLeaveParams{GroupID: peer.ID}
	}

	if _, err := a.client.Call(ctx, action, params); err != nil {
		return fmt.Errorf("leaving %s: %w", peer, err)
	}

	a.engine.CloseConversation(peer)
	a.registry.Remove(peer)

	if err := a.store.DeleteConversation(peer); err != nil {
		a.logger.Warn("deleting conversation history",
			slog.String("peer", peer.Key()),
			slog.String("error", err.Error()),
		)
	}

	a.logger.Info("left conversation", slog.String("peer", peer.Key()))

	return nil
}

// Close disconnects and releases every resource. It is safe to call more
// than once.
func (a *App) Close() error {
	var err error

	a.closeOnce.Do(func() {
		a.bgCancel()
		a.client.Close()
		a.wg.Wait()
		err = a.store.Close()
	})

	return err
}

func (a *App) onStateChange(from, to transport.State) {
	a.logger.Info("connection state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	if to == transport.Connected {
		// The observer must not wait on calls; the login lookup runs on
		// its own goroutine.
		a.wg.Go(a.refreshLogin)
	}
}

// refreshLogin asks the server who we are and records the account id.
func (a *App) refreshLogin() {
	ctx, cancel := context.WithTimeout(a.bg, loginInfoTimeout)
	defer cancel()

	data, err := a.client.Call(ctx, onebot.ActionGetLoginInfo, struct{}{})
	if err != nil {
		a.logger.Warn("fetching login info", slog.String("error", err.Error()))
		return
	}

	var info onebot.LoginInfo
	if err := json.Unmarshal(data, &info); err != nil || info.UserID <= 0 {
		a.logger.Warn("login info has no user id", slog.String("data", string(data)))
		return
	}

	a.setSelfID(info.UserID)
	a.logger.Info("logged in",
		slog.Int64("user_id", info.UserID),
		slog.String("nickname", info.Nickname),
	)
}

func (a *App) setSelfID(id int64) {
	if id <= 0 || id == a.engine.SelfID() {
		return
	}

	a.dispatcher.SetSelfID(id)
	a.engine.SetSelfID(id)

	if err := a.store.SetSelfID(id); err != nil {
		a.logger.Warn("persisting self id", slog.String("error", err.Error()))
	}
}

// HandleMeta records the account id announced by lifecycle and
// heartbeat events.
func (a *App) HandleMeta(_ context.Context, ev *onebot.MetaEvent) {
	a.setSelfID(int64(ev.SelfID))

	if ev.MetaEventType == "lifecycle" {
		a.logger.Debug("lifecycle event", slog.String("sub_type", ev.SubType))
	}
}

// credentialStore is a revocable CredentialProvider.
type credentialStore struct {
	mu      sync.Mutex
	creds   transport.Credentials
	revoked bool
}

func (c *credentialStore) Credentials(context.Context) (transport.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.revoked || c.creds.URL == "" {
		return transport.Credentials{}, false
	}

	return c.creds, true
}

func (c *credentialStore) set(creds transport.Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.revoked = false
	c.mu.Unlock()
}

func (c *credentialStore) revoke() {
	c.mu.Lock()
	c.revoked = true
	c.mu.Unlock()
}
