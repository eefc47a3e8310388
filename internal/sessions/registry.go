// Package sessions tracks the activity-ordered conversation list with
// unread counters and last-message previews.
package sessions

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// maxPreviewRunes caps the stored preview length.
const maxPreviewRunes = 80

// Store persists the session cache. *state.State satisfies it.
type Store interface {
	PutSession(sess models.Session) error
	DeleteSession(p models.Peer) error
	AllSessions() ([]models.Session, error)
}

// Patch describes an update to a session. Nil fields are left alone.
// UnreadDelta is added to the counter; ResetUnread zeroes it first.
type Patch struct {
	Name        *string
	Preview     *string
	LastActive  *time.Time
	UnreadDelta int
	ResetUnread bool
}

// Registry is the in-memory session list, most recently active first,
// written through to the Store.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	list     []models.Session
	onChange func([]models.Session)
}

// New creates an empty Registry. store may be nil.
func New(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// OnChange registers a callback that receives a snapshot of the list
// after every mutation.
func (r *Registry) OnChange(fn func([]models.Session)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Load replaces the in-memory list with the persisted session cache.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}

	sessions, err := r.store.AllSessions()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.list = sessions
	r.mu.Unlock()

	return nil
}

// Upsert merges patch into the session for peer, creating it if needed,
// and moves it to the front of the list.
func (r *Registry) Upsert(peer models.Peer, patch Patch) models.Session {
	r.mu.Lock()

	sess := models.Session{Peer: peer}
	if i := r.indexLocked(peer); i >= 0 {
		sess = r.list[i]
		r.list = slices.Delete(r.list, i, i+1)
	}

	if patch.Name != nil {
		sess.Name = *patch.Name
	}

	if patch.Preview != nil {
		sess.Preview = NormalizePreview(*patch.Preview)
	}

	if patch.LastActive != nil && patch.LastActive.After(sess.LastActive) {
		sess.LastActive = *patch.LastActive
	}

	if patch.ResetUnread {
		sess.Unread = 0
	}

	sess.Unread = max(sess.Unread+patch.UnreadDelta, 0)

	r.list = slices.Insert(r.list, 0, sess)
	r.persistLocked(sess)
	snapshot, fn := r.snapshotLocked()
	r.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}

	return sess
}

// ClearUnread zeroes the unread counter without reordering the list. It
// reports whether the session exists.
func (r *Registry) ClearUnread(peer models.Peer) bool {
	r.mu.Lock()

	i := r.indexLocked(peer)
	if i < 0 {
		r.mu.Unlock()
		return false
	}

	r.list[i].Unread = 0
	r.persistLocked(r.list[i])
	snapshot, fn := r.snapshotLocked()
	r.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}

	return true
}

// Remove deletes the session. It reports whether the session existed.
func (r *Registry) Remove(peer models.Peer) bool {
	r.mu.Lock()

	i := r.indexLocked(peer)
	if i < 0 {
		r.mu.Unlock()
		return false
	}

	r.list = slices.Delete(r.list, i, i+1)

	if r.store != nil {
		if err := r.store.DeleteSession(peer); err != nil {
			r.logger.Warn("deleting session", slog.String("peer", peer.Key()), slog.String("error", err.Error()))
		}
	}

	snapshot, fn := r.snapshotLocked()
	r.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}

	return true
}

// Get returns the session for peer.
func (r *Registry) Get(peer models.Peer) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexLocked(peer); i >= 0 {
		return r.list[i], true
	}

	return models.Session{}, false
}

// List returns a copy of the session list, most recently active first.
func (r *Registry) List() []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.list)
}

func (r *Registry) indexLocked(peer models.Peer) int {
	return slices.IndexFunc(r.list, func(s models.Session) bool { return s.Peer == peer })
}

func (r *Registry) snapshotLocked() ([]models.Session, func([]models.Session)) {
	if r.onChange == nil {
		return nil, nil
	}

	return slices.Clone(r.list), r.onChange
}

// persistLocked writes sess through to the store. It runs under mu so
// store writes land in the same order as the in-memory updates.
func (r *Registry) persistLocked(sess models.Session) {
	if r.store == nil {
		return
	}

	if err := r.store.PutSession(sess); err != nil {
		r.logger.Warn("persisting session", slog.String("peer", sess.Peer.Key()), slog.String("error", err.Error()))
	}
}

// NormalizePreview composes the text to NFC, folds whitespace runs
// (including newlines) into single spaces and truncates it to a fixed
// number of runes.
func NormalizePreview(s string) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	if utf8.RuneCountInString(s) <= maxPreviewRunes {
		return s
	}

	runes := []rune(s)

	return string(runes[:maxPreviewRunes-1]) + "…"
}
