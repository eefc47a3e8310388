// Package timeline is the synchronization engine. It keeps the visible
// timeline of each open conversation, reconciling the local store with
// the server's history, and applies live pushes, notices and
// optimistic sends to it.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/sessions"
)

// Store is the durable message history. *state.State satisfies it.
type Store interface {
	PutMessage(m models.Message) error
	PutMessages(batch []models.Message) error
	QueryBefore(p models.Peer, seq int64, limit int) ([]models.Message, error)
	Latest(p models.Peer, limit int) ([]models.Message, error)
	PatchMessage(p models.Peer, serverID int64, fn func(*models.Message)) (bool, error)
	LastActive(p models.Peer) (time.Time, bool)
	SetLastActive(p models.Peer, t time.Time) error
}

// SessionSink receives session list updates. *sessions.Registry
// satisfies it.
type SessionSink interface {
	Upsert(peer models.Peer, patch sessions.Patch) models.Session
}

// Config tunes history loading.
type Config struct {
	// ColdThreshold is the idle time after which opening a conversation
	// goes to the server before showing anything.
	ColdThreshold time.Duration

	// GapThreshold is the largest jump between the pagination cursor and
	// the newest entry of a local page that still counts as contiguous.
	GapThreshold time.Duration

	// PageSize is the number of messages requested per page.
	PageSize int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ColdThreshold: 300 * time.Second,
		GapThreshold:  300 * time.Second,
		PageSize:      20,
	}
}

// LoadState is the loading phase of a conversation view.
type LoadState int

const (
	Idle LoadState = iota
	LoadingLocal
	LoadingCloud
)

func (s LoadState) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingLocal:
		return "loading_local"
	case LoadingCloud:
		return "loading_cloud"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// Snapshot is a copy of a conversation view handed to observers.
type Snapshot struct {
	Peer      models.Peer
	Messages  []models.Message
	State     LoadState
	Exhausted bool
}

// view is the in-memory state of one open conversation. messages is
// sorted by LocalSeq ascending.
type view struct {
	peer      models.Peer
	messages  []models.Message
	state     LoadState
	exhausted bool
}

func (v *view) snapshot() Snapshot {
	msgs := make([]models.Message, len(v.messages))
	for i, m := range v.messages {
		msgs[i] = m.Clone()
	}

	return Snapshot{Peer: v.peer, Messages: msgs, State: v.state, Exhausted: v.exhausted}
}

func (v *view) index(id int64) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}

	return -1
}

// Engine owns the open conversation views. The mutex guards the views
// only and is never held across a store or network call; every step
// that resumes after one re-checks that its view is still open.
type Engine struct {
	caller Caller
	store  Store
	sink   SessionSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	selfID   atomic.Int64
	nextTemp atomic.Int64

	mu         sync.Mutex
	views      map[string]*view
	onTimeline func(Snapshot)
}

// New creates an Engine.
func New(caller Caller, store Store, sink SessionSink, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		caller: caller,
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		views:  make(map[string]*view),
	}
}

// OnTimeline registers an observer that receives a snapshot whenever an
// open conversation's timeline or loading state changes. It is called
// without internal locks held.
func (e *Engine) OnTimeline(fn func(Snapshot)) {
	e.mu.Lock()
	e.onTimeline = fn
	e.mu.Unlock()
}

// SetSelfID records the logged-in account id used to flag own messages.
func (e *Engine) SetSelfID(id int64) {
	e.selfID.Store(id)
}

// SelfID returns the logged-in account id, or zero if unknown.
func (e *Engine) SelfID() int64 {
	return e.selfID.Load()
}

// IsOpen reports whether the conversation has a view.
func (e *Engine) IsOpen(peer models.Peer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.views[peer.Key()]

	return ok
}

// Snapshot returns a copy of the conversation's view.
func (e *Engine) Snapshot(peer models.Peer) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.views[peer.Key()]
	if !ok {
		return Snapshot{}, false
	}

	return v.snapshot(), true
}

// OpenConversation creates the view for peer and loads its newest page.
// Opening an already open conversation is a no-op.
//
// A conversation idle for longer than the cold threshold is loaded from
// the server first. A warm conversation shows the cached page at once
// and is then reconciled with the server's newest page. Server failures
// degrade to whatever the cache holds.
func (e *Engine) OpenConversation(ctx context.Context, peer models.Peer) error {
	if !peer.Valid() {
		return fmt.Errorf("opening %s: %w", peer, chaterrors.ErrInvalidPeer)
	}

	e.mu.Lock()
	if _, ok := e.views[peer.Key()]; ok {
		e.mu.Unlock()
		return nil
	}

	v := &view{peer: peer}
	e.views[peer.Key()] = v
	e.mu.Unlock()

	last, seen := e.store.LastActive(peer)
	cold := !seen || e.now().Sub(last) > e.cfg.ColdThreshold

	e.logger.Debug("opening conversation",
		slog.String("peer", peer.Key()),
		slog.Bool("cold", cold),
	)

	if cold {
		e.openCold(ctx, v)
	} else {
		e.openWarm(ctx, v)
	}

	if !e.current(v) {
		return nil
	}

	e.touch(peer)
	e.sink.Upsert(peer, sessions.Patch{ResetUnread: true})

	return nil
}

func (e *Engine) openCold(ctx context.Context, v *view) {
	e.setState(v, LoadingCloud)

	cloud, cloudErr := e.fetchCloud(ctx, v.peer, 0)
	if cloudErr != nil {
		e.logger.Warn("cold open falling back to cache",
			slog.String("peer", v.peer.Key()),
			slog.String("error", cloudErr.Error()),
		)
	}

	local, err := e.store.Latest(v.peer, e.cfg.PageSize)
	if err != nil {
		e.logger.Warn("reading cached page",
			slog.String("peer", v.peer.Key()),
			slog.String("error", err.Error()),
		)
	}

	e.persist(cloud)

	// A cached page that ends well before the server's page is left for
	// fetchOlder, whose gap check will backfill between them.
	if len(cloud) > 0 && len(local) > 0 && e.gapBetween(cloud[0].LocalSeq, local) {
		local = nil
	}

	e.update(v, func() {
		mergeInto(v, cloud)
		mergeInto(v, local)
		v.state = Idle
	})
}

func (e *Engine) openWarm(ctx context.Context, v *view) {
	e.setState(v, LoadingLocal)

	local, err := e.store.Latest(v.peer, e.cfg.PageSize)
	if err != nil {
		e.logger.Warn("reading cached page",
			slog.String("peer", v.peer.Key()),
			slog.String("error", err.Error()),
		)
	}

	if !e.update(v, func() {
		mergeInto(v, local)
		v.state = LoadingCloud
	}) {
		return
	}

	cloud, err := e.fetchCloud(ctx, v.peer, 0)
	if err != nil {
		e.logger.Warn("reconciling with server",
			slog.String("peer", v.peer.Key()),
			slog.String("error", err.Error()),
		)
	}

	e.persist(cloud)

	e.update(v, func() {
		mergeInto(v, cloud)
		v.state = Idle
	})
}

// FetchOlder loads the page before the oldest visible message and
// returns the number of entries added. It is a no-op while the view is
// loading or once history is exhausted.
//
// The local store is tried first. An empty local page, or one separated
// from the cursor by more than the gap threshold, is treated as
// incomplete and the page is backfilled from the server instead.
func (e *Engine) FetchOlder(ctx context.Context, peer models.Peer) (int, error) {
	e.mu.Lock()

	v, ok := e.views[peer.Key()]
	if !ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("fetching older for %s: %w", peer, chaterrors.ErrNotOpen)
	}

	if v.state != Idle || v.exhausted {
		e.mu.Unlock()
		return 0, nil
	}

	cursor := int64(math.MaxInt64)
	if len(v.messages) > 0 {
		cursor = v.messages[0].LocalSeq
	}

	anchor := oldestAnchor(v.messages)
	v.state = LoadingLocal
	snap, fn := e.snapshotLocked(v)
	e.mu.Unlock()

	notify(fn, snap)

	local, err := e.store.QueryBefore(peer, cursor, e.cfg.PageSize)
	if err != nil {
		e.logger.Warn("querying local history",
			slog.String("peer", peer.Key()),
			slog.String("error", err.Error()),
		)

		local = nil
	}

	gap := len(local) == 0 || (cursor != math.MaxInt64 && e.gapBetween(cursor, local))

	var added int

	if !e.update(v, func() {
		if !gap {
			added = mergeInto(v, local)
		}

		if gap || added == 0 {
			v.state = LoadingCloud
		}
	}) {
		return 0, nil
	}

	var cloudErr error

	if gap || added == 0 {
		var cloud []models.Message

		cloud, cloudErr = e.fetchCloud(ctx, peer, anchor)
		if cloudErr != nil {
			e.logger.Warn("backfilling history",
				slog.String("peer", peer.Key()),
				slog.Int64("anchor", anchor),
				slog.String("error", cloudErr.Error()),
			)
		}

		e.persist(cloud)

		e.update(v, func() { added += mergeInto(v, cloud) })
	}

	e.update(v, func() {
		if added == 0 && cloudErr == nil {
			v.exhausted = true
		}

		v.state = Idle
	})

	return added, nil
}

// CloseConversation drops the view. The next open re-evaluates the
// cold threshold.
func (e *Engine) CloseConversation(peer models.Peer) {
	e.mu.Lock()
	_, ok := e.views[peer.Key()]
	delete(e.views, peer.Key())
	e.mu.Unlock()

	if ok {
		e.touch(peer)
	}
}

// gapBetween reports whether the newest entry of an ascending page lies
// further below cursor than the gap threshold allows.
func (e *Engine) gapBetween(cursor int64, page []models.Message) bool {
	return cursor-page[len(page)-1].LocalSeq > models.SeqDistance(e.cfg.GapThreshold)
}

// oldestAnchor returns the server pagination cursor of the oldest
// durable message, or zero for the newest page.
func oldestAnchor(msgs []models.Message) int64 {
	for i := range msgs {
		if !msgs[i].Durable() {
			continue
		}

		if msgs[i].ServerSeq > 0 {
			return msgs[i].ServerSeq
		}

		return msgs[i].ID
	}

	return 0
}

// touch records activity for the cold threshold.
func (e *Engine) touch(peer models.Peer) {
	if err := e.store.SetLastActive(peer, e.now()); err != nil {
		e.logger.Warn("recording activity",
			slog.String("peer", peer.Key()),
			slog.String("error", err.Error()),
		)
	}
}

// persist writes the durable entries of batch. Failures are logged; the
// timeline stays authoritative for the session.
func (e *Engine) persist(batch []models.Message) {
	durable := make([]models.Message, 0, len(batch))
	for _, m := range batch {
		if m.Durable() {
			durable = append(durable, m)
		}
	}

	if len(durable) == 0 {
		return
	}

	if err := e.store.PutMessages(durable); err != nil {
		e.logger.Warn("persisting messages",
			slog.Int("count", len(durable)),
			slog.String("error", err.Error()),
		)
	}
}

// current reports whether v is still the open view for its peer.
func (e *Engine) current(v *view) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.views[v.peer.Key()] == v
}

func (e *Engine) setState(v *view, s LoadState) {
	e.update(v, func() { v.state = s })
}

// update applies fn to v under the lock and notifies the observer. It
// reports false, without calling fn, when v has been closed.
func (e *Engine) update(v *view, fn func()) bool {
	e.mu.Lock()
	if e.views[v.peer.Key()] != v {
		e.mu.Unlock()
		return false
	}

	fn()
	snap, obs := e.snapshotLocked(v)
	e.mu.Unlock()

	notify(obs, snap)

	return true
}

func (e *Engine) snapshotLocked(v *view) (Snapshot, func(Snapshot)) {
	if e.onTimeline == nil {
		return Snapshot{}, nil
	}

	return v.snapshot(), e.onTimeline
}

func notify(fn func(Snapshot), snap Snapshot) {
	if fn != nil {
		fn(snap)
	}
}
