// Package transport owns the single realtime connection to the chat
// server. It correlates calls with their responses by echo token, hands
// every other inbound frame to a push handler in wire order, keeps the
// socket alive with a heartbeat, detects silently dead sockets with a
// liveness deadline, and reconnects after unexpected closes for as long
// as the credential provider allows.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// frameChanSize is the buffer size for the channel carrying frames
	// from the reader goroutine to the frame loop.
	frameChanSize = 256

	// defaultReadLimit caps a single inbound frame. History pages with
	// forwarded content can be large.
	defaultReadLimit = 16 * 1024 * 1024

	// credentialsTimeout bounds how long the reconnect path waits on the
	// credential provider.
	credentialsTimeout = 10 * time.Second
)

// State is the connection state owned by the Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credentials locate and authorize a connection. URL may be a bare
// host:port or any ws/wss/http/https address.
type Credentials struct {
	URL   string
	Token string
}

// CredentialProvider supplies credentials for automatic reconnects.
// Returning false vetoes the reconnect, for example after logout.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, bool)
}

// PushHandler receives every inbound frame that did not settle a pending
// call, in the order frames arrived on the socket. HandleFrame runs on
// the frame loop and must not wait on Client.Call, since responses are
// delivered by the same loop.
type PushHandler interface {
	HandleFrame(ctx context.Context, data []byte)
}

// Config holds the transport timings.
type Config struct {
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	ReconnectDelay    time.Duration
	ReadLimit         int64
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		CallTimeout:       30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LivenessTimeout:   40 * time.Second,
		ReconnectDelay:    3 * time.Second,
		ReadLimit:         defaultReadLimit,
	}
}

type callResult struct {
	data json.RawMessage
	err  error
}

// pendingCall is settled by whoever removes it from the registry. The
// result channel is buffered so settlement never blocks.
type pendingCall struct {
	action string
	result chan callResult
}

// attempt is one dial in progress. Concurrent Connect calls wait on the
// same attempt.
type attempt struct {
	creds  Credentials
	auto   bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (a *attempt) finish(err error) {
	a.err = err
	a.cancel()
	close(a.done)
}

// link is one established connection with its reader, heartbeat and
// liveness timer.
type link struct {
	conn   wsConn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	liveness *time.Timer
	stopped  bool
}

// touch pushes the liveness deadline back unless the link is stopped.
func (l *link) touch(d time.Duration) {
	l.mu.Lock()
	if !l.stopped {
		l.liveness.Reset(d)
	}
	l.mu.Unlock()
}

func (l *link) stop() {
	l.mu.Lock()
	l.stopped = true
	l.liveness.Stop()
	l.mu.Unlock()

	l.cancel()
}

type stateChange struct {
	from, to State
}

type frame struct {
	data []byte
}

// Client is the transport. All state lives behind mu; network I/O and
// observer callbacks happen outside it.
type Client struct {
	cfg     Config
	creds   CredentialProvider
	handler PushHandler
	logger  *slog.Logger
	dial    DialFunc

	// notifyMu orders observer delivery across goroutines.
	notifyMu sync.Mutex

	mu             sync.Mutex
	state          State
	link           *link
	attempt        *attempt
	pending        map[string]*pendingCall
	manualClose    bool
	closed         bool
	reconnectTimer *time.Timer
	nextCreds      Credentials
	changes        []stateChange
	onState        func(from, to State)

	frames     chan frame
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a Client and starts its frame loop. Call Close to release
// it.
func New(cfg Config, creds CredentialProvider, handler PushHandler, logger *slog.Logger) *Client {
	return newClient(cfg, creds, handler, logger, dialWebsocket)
}

func newClient(cfg Config, creds CredentialProvider, handler PushHandler, logger *slog.Logger, dial DialFunc) *Client {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = def.LivenessTimeout
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}

	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:        cfg,
		creds:      creds,
		handler:    handler,
		logger:     logger,
		dial:       dial,
		state:      Disconnected,
		pending:    make(map[string]*pendingCall),
		frames:     make(chan frame, frameChanSize),
		loopCtx:    ctx,
		loopCancel: cancel,
		loopDone:   make(chan struct{}),
	}

	go c.frameLoop()

	return c
}

// OnStateChange registers an observer called after every state
// transition, in transition order. It must be set before Connect and
// must not call Connect, Disconnect or Close.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// PendingCount returns the number of calls awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Connect opens the connection. It returns immediately when already
// connected, and concurrent callers while a dial is in flight share its
// outcome. A pending reconnect is cancelled in favor of connecting now.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return chaterrors.ErrConnectionClosed
	}

	var a *attempt

	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		a = c.attempt
	default:
		c.manualClose = false
		c.stopReconnectTimerLocked()
		a = c.beginAttemptLocked(creds, false)
	}

	c.unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginAttemptLocked moves to Connecting and starts a dial.
func (c *Client) beginAttemptLocked(creds Credentials, auto bool) *attempt {
	ctx, cancel := context.WithTimeout(c.loopCtx, c.cfg.CallTimeout)

	a := &attempt{
		creds:  creds,
		auto:   auto,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.attempt = a
	c.setStateLocked(Connecting)

	go c.runAttempt(a)

	return a
}

func (c *Client) runAttempt(a *attempt) {
	var conn wsConn

	url, err := onebot.BuildURL(a.creds.URL, a.creds.Token)
	if err == nil {
		conn, err = c.dial(a.ctx, url)
	}

	c.mu.Lock()

	if c.attempt != a {
		// Disconnect or Close won the race with the dial.
		c.mu.Unlock()

		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "connect cancelled")
		}

		a.finish(chaterrors.ErrConnectionClosed)

		return
	}

	c.attempt = nil

	if err != nil {
		err = fmt.Errorf("%w: %w", chaterrors.ErrConnect, err)
		retry := a.auto && !c.manualClose

		if retry {
			c.setStateLocked(Reconnecting)
		} else {
			c.setStateLocked(Disconnected)
		}

		c.unlock()
		c.logger.Warn("connect failed",
			slog.Bool("auto", a.auto),
			slog.String("error", err.Error()),
		)
		a.finish(err)

		if retry {
			c.scheduleReconnect()
		}

		return
	}

	c.startLinkLocked(conn)
	c.unlock()
	c.logger.Info("connected", slog.Bool("auto", a.auto))
	a.finish(nil)
}

// startLinkLocked installs conn as the live connection and starts its
// reader, heartbeat and liveness deadline.
func (c *Client) startLinkLocked(conn wsConn) {
	conn.SetReadLimit(c.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(c.loopCtx)
	l := &link{conn: conn, ctx: ctx, cancel: cancel}
	l.liveness = time.AfterFunc(c.cfg.LivenessTimeout, func() {
		c.logger.Warn("no inbound frames, closing connection",
			slog.Duration("timeout", c.cfg.LivenessTimeout),
		)
		conn.Close(websocket.StatusGoingAway, "liveness timeout")
	})

	c.link = l
	c.setStateLocked(Connected)

	go c.readLoop(l)
	go c.heartbeat(l)
}

// readLoop feeds the frame loop until the connection fails. Every frame
// pushes the liveness deadline back.
func (c *Client) readLoop(l *link) {
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			c.handleClose(l, err)
			return
		}

		l.touch(c.cfg.LivenessTimeout)

		select {
		case c.frames <- frame{data: data}:
		case <-l.ctx.Done():
			c.handleClose(l, l.ctx.Err())
			return
		}
	}
}

// heartbeat issues a lightweight call at a fixed interval so idle
// proxies keep the socket open. Failures are only logged; the liveness
// deadline decides whether the socket is dead.
func (c *Client) heartbeat(l *link) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Call(l.ctx, onebot.ActionGetStatus, struct{}{}); err != nil {
				c.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleClose tears down a link after a read error. It is a no-op when
// the link was already replaced or torn down by Disconnect.
func (c *Client) handleClose(l *link, cause error) {
	c.mu.Lock()

	if c.link != l {
		c.mu.Unlock()
		return
	}

	c.link = nil
	l.stop()

	pending := c.drainPendingLocked()
	manual := c.manualClose

	if manual {
		c.setStateLocked(Disconnected)
	} else {
		c.setStateLocked(Reconnecting)
	}

	c.unlock()

	l.conn.Close(websocket.StatusNormalClosure, "")
	rejectAll(pending, chaterrors.ErrConnectionClosed)

	c.logger.Warn("connection closed",
		slog.Bool("manual", manual),
		slog.Int("rejected_calls", len(pending)),
		slog.String("cause", cause.Error()),
	)

	if !manual {
		c.scheduleReconnect()
	}
}

// scheduleReconnect asks the credential provider whether to reconnect
// and, if so, arms the single reconnect timer.
func (c *Client) scheduleReconnect() {
	var (
		creds Credentials
		ok    bool
	)

	if c.creds != nil {
		ctx, cancel := context.WithTimeout(c.loopCtx, credentialsTimeout)
		creds, ok = c.creds.Credentials(ctx)
		cancel()
	}

	c.mu.Lock()

	if c.state != Reconnecting || c.manualClose || c.closed {
		c.mu.Unlock()
		return
	}

	if !ok {
		c.setStateLocked(Disconnected)
		c.unlock()
		c.logger.Info("reconnect vetoed by credential provider")

		return
	}

	c.stopReconnectTimerLocked()
	c.nextCreds = creds
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnectNow)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", slog.Duration("delay", c.cfg.ReconnectDelay))
}

func (c *Client) reconnectNow() {
	c.mu.Lock()

	if c.state != Reconnecting || c.manualClose || c.closed {
		c.mu.Unlock()
		return
	}

	c.reconnectTimer = nil
	c.beginAttemptLocked(c.nextCreds, true)
	c.unlock()
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the configured call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Call sends an action and waits for its response. It returns the
// response data on success, a *RemoteError when the server reports
// failure, ErrTimeout when no response arrives in time, ErrOffline when
// not connected, and ErrConnectionClosed when the connection drops while
// waiting. Exactly one outcome is delivered per call.
func (c *Client) Call(ctx context.Context, action string, params any, opts ...CallOption) (json.RawMessage, error) {
	o := callOptions{timeout: c.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()

	if c.state != Connected || c.link == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", action, chaterrors.ErrOffline)
	}

	echo := uuid.NewString()
	for c.pending[echo] != nil {
		echo = uuid.NewString()
	}

	pc := &pendingCall{action: action, result: make(chan callResult, 1)}
	c.pending[echo] = pc
	l := c.link
	c.mu.Unlock()

	data, err := json.Marshal(onebot.Request{Action: action, Params: params, Echo: echo})
	if err != nil {
		c.take(echo)
		return nil, fmt.Errorf("marshalling %s: %w", action, err)
	}

	wctx, cancel := context.WithTimeout(ctx, o.timeout)
	err = l.conn.Write(wctx, websocket.MessageText, data)
	cancel()

	if err != nil {
		if c.take(echo) != nil {
			return nil, fmt.Errorf("sending %s: %w", action, err)
		}
		// Settled concurrently by a response or a close.
		r := <-pc.result
		return r.data, r.err
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case r := <-pc.result:
		return r.data, r.err
	case <-timer.C:
		if c.take(echo) != nil {
			return nil, fmt.Errorf("%s after %s: %w", action, o.timeout, chaterrors.ErrTimeout)
		}
	case <-ctx.Done():
		if c.take(echo) != nil {
			return nil, ctx.Err()
		}
	}

	r := <-pc.result

	return r.data, r.err
}

// Send writes an uncorrelated action. It is dropped when not connected
// and write failures are only logged.
func (c *Client) Send(ctx context.Context, action string, params any) {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		c.logger.Debug("dropping send while offline", slog.String("action", action))
		return
	}

	data, err := json.Marshal(onebot.Request{Action: action, Params: params})
	if err != nil {
		c.logger.Warn("marshalling send", slog.String("action", action), slog.String("error", err.Error()))
		return
	}

	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("send failed", slog.String("action", action), slog.String("error", err.Error()))
	}
}

// take removes a pending call from the registry. The caller that gets a
// non-nil result owns its settlement.
func (c *Client) take(echo string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc := c.pending[echo]
	if pc != nil {
		delete(c.pending, echo)
	}

	return pc
}

func (c *Client) drainPendingLocked() []*pendingCall {
	out := make([]*pendingCall, 0, len(c.pending))
	for echo, pc := range c.pending {
		out = append(out, pc)
		delete(c.pending, echo)
	}

	return out
}

func rejectAll(calls []*pendingCall, err error) {
	for _, pc := range calls {
		pc.result <- callResult{err: fmt.Errorf("%s: %w", pc.action, err)}
	}
}

// frameLoop settles responses and forwards pushes, one frame at a time
// in arrival order.
func (c *Client) frameLoop() {
	defer close(c.loopDone)

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case f := <-c.frames:
			c.handleFrame(f.data)
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	if echo := gjson.GetBytes(data, "echo"); echo.Exists() && echo.String() != "" {
		if pc := c.take(echo.String()); pc != nil {
			pc.result <- decodeResponse(pc.action, data)
			return
		}
	}

	if c.handler != nil {
		c.handler.HandleFrame(c.loopCtx, data)
	}
}

func decodeResponse(action string, data []byte) callResult {
	var resp onebot.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return callResult{err: fmt.Errorf("%w: response to %s: %w", chaterrors.ErrParse, action, err)}
	}

	if !resp.OK() {
		return callResult{err: &chaterrors.RemoteError{
			Action:  action,
			Retcode: resp.Retcode,
			Message: resp.ErrorMessage(),
		}}
	}

	return callResult{data: resp.Data}
}

// Disconnect closes the connection without reconnecting. Pending calls
// are rejected with ErrConnectionClosed and every timer is stopped.
func (c *Client) Disconnect() {
	c.mu.Lock()

	c.manualClose = true
	c.stopReconnectTimerLocked()

	if c.attempt != nil {
		c.attempt.cancel()
		c.attempt = nil
	}

	l := c.link
	c.link = nil

	if l != nil {
		l.stop()
	}

	pending := c.drainPendingLocked()
	c.setStateLocked(Disconnected)
	c.unlock()

	if l != nil {
		l.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	rejectAll(pending, chaterrors.ErrConnectionClosed)
}

// Close disconnects and stops the frame loop. The Client cannot be
// reused afterwards.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.loopCancel()
	<-c.loopDone

	return nil
}

// setStateLocked records a transition for delivery by unlock.
func (c *Client) setStateLocked(to State) {
	if c.state == to {
		return
	}

	c.changes = append(c.changes, stateChange{from: c.state, to: to})
	c.state = to
}

// unlock releases mu and then reports queued transitions to the
// observer. Whoever holds notifyMu drains the queue, so transitions are
// delivered in the order they happened and never while mu is held.
func (c *Client) unlock() {
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	for {
		c.mu.Lock()
		changes := c.changes
		c.changes = nil
		fn := c.onState
		c.mu.Unlock()

		if len(changes) == 0 {
			return
		}

		for _, ch := range changes {
			c.logger.Debug("connection state",
				slog.String("from", ch.from.String()),
				slog.String("to", ch.to.String()),
			)

			if fn != nil {
				fn(ch.from, ch.to)
			}
		}
	}
}
