package timeline

import (
	"context"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/alexjbarnes/chat-sync/internal/sessions"
)

// IngestPush handles a live message. The message is persisted whether or
// not its conversation is open, merged into the timeline when it is, and
// reflected in the session list. Messages from other people in a closed
// conversation count as unread.
func (e *Engine) IngestPush(_ context.Context, ev *onebot.MessageEvent) {
	selfID := e.SelfID()
	if selfID == 0 {
		selfID = int64(ev.SelfID)
	}

	peer := ev.Peer(selfID)

	msg, err := normalize(ev, peer, selfID)
	if err != nil {
		e.logger.Warn("dropping message push",
			slog.String("peer", peer.Key()),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := e.store.PutMessage(msg); err != nil {
		e.logger.Warn("persisting pushed message",
			slog.String("peer", peer.Key()),
			slog.Int64("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}

	e.mu.Lock()
	v, open := e.views[peer.Key()]
	if open {
		mergeInto(v, []models.Message{msg})
		snap, fn := e.snapshotLocked(v)
		e.mu.Unlock()
		notify(fn, snap)
	} else {
		e.mu.Unlock()
	}

	preview := msg.Preview()
	if peer.IsGroup() {
		preview = msg.Sender.DisplayName() + ": " + preview
	}

	patch := sessions.Patch{Preview: &preview, LastActive: &msg.Time}

	if !peer.IsGroup() && !msg.FromSelf && msg.Sender.Nickname != "" {
		patch.Name = &msg.Sender.Nickname
	}

	if !open && !msg.FromSelf {
		patch.UnreadDelta = 1
	}

	e.sink.Upsert(peer, patch)

	if open {
		e.touch(peer)
	}
}

// ApplyNotice applies a recall, reaction or essence change to the stored
// message and its timeline entry, and renders system notices as
// synthetic timeline entries.
func (e *Engine) ApplyNotice(_ context.Context, n onebot.Notice) {
	switch n := n.(type) {
	case onebot.RecallNotice:
		e.patch(n.Peer, n.MessageID, func(m *models.Message) { m.Recalled = true })
	case onebot.EssenceNotice:
		e.patch(n.Peer, n.MessageID, func(m *models.Message) { m.Essence = n.Added })
	case onebot.ReactionNotice:
		e.patch(n.Peer, n.MessageID, func(m *models.Message) { applyReactions(m, n.Likes) })
	case onebot.SystemNotice:
		e.insertSystem(n)
	default:
		e.logger.Debug("ignoring notice", slog.String("type", typeName(n)))
	}
}

// patch updates a message by server id in the store and, when its
// conversation is open, in the timeline.
func (e *Engine) patch(peer models.Peer, id int64, fn func(*models.Message)) {
	found, err := e.store.PatchMessage(peer, id, fn)
	if err != nil {
		e.logger.Warn("patching stored message",
			slog.String("peer", peer.Key()),
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
	}

	e.mu.Lock()

	v, ok := e.views[peer.Key()]
	if !ok {
		e.mu.Unlock()

		if !found {
			e.logger.Debug("notice for unknown message", slog.String("peer", peer.Key()), slog.Int64("id", id))
		}

		return
	}

	i := v.index(id)
	if i < 0 {
		e.mu.Unlock()
		return
	}

	fn(&v.messages[i])
	snap, obs := e.snapshotLocked(v)
	e.mu.Unlock()

	notify(obs, snap)
}

// applyReactions sets the tally of each reported emoji. A tally of zero
// or less removes the emoji.
func applyReactions(m *models.Message, likes []models.Reaction) {
	for _, like := range likes {
		i := slices.IndexFunc(m.Reactions, func(r models.Reaction) bool { return r.EmojiID == like.EmojiID })

		switch {
		case like.Count > 0 && i >= 0:
			m.Reactions[i].Count = like.Count
		case like.Count > 0:
			m.Reactions = append(m.Reactions, like)
		case i >= 0:
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
		}
	}
}

// insertSystem renders a membership or informational notice into the
// open timeline at its timestamp. System entries are never persisted.
func (e *Engine) insertSystem(n onebot.SystemNotice) {
	t := n.Time
	if t.IsZero() {
		t = e.now()
	}

	text := n.Text()
	msg := models.Message{
		Peer:     n.Peer,
		ID:       e.nextTempID(),
		Time:     t,
		Segments: []models.Segment{models.TextSegment(text)},
		System:   true,
	}

	e.mu.Lock()
	if v, ok := e.views[n.Peer.Key()]; ok {
		msg.LocalSeq = nextSeqAfter(v, models.DeriveLocalSeq(t, 0, 0))
		mergeInto(v, []models.Message{msg})
		snap, fn := e.snapshotLocked(v)
		e.mu.Unlock()
		notify(fn, snap)
	} else {
		e.mu.Unlock()
	}

	e.sink.Upsert(n.Peer, sessions.Patch{Preview: &text, LastActive: &t})
}

func typeName(n onebot.Notice) string {
	if u, ok := n.(onebot.UnhandledNotice); ok {
		return u.NoticeType + "/" + u.SubType
	}

	return "unknown"
}
