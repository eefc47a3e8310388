package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/alexjbarnes/chat-sync/internal/sessions"
)

// ErrEmptyMessage is returned when sending a message with no segments.
var ErrEmptyMessage = errors.New("empty message")

// nextTempID returns a fresh negative id for entries that have no server
// identity yet.
func (e *Engine) nextTempID() int64 {
	return e.nextTemp.Add(-1)
}

// SendOptimistic appends a pending entry to the open timeline, sends it
// and reconciles the entry with the result. On success the entry takes
// the server id in place and is persisted. On failure it stays in the
// timeline marked failed, the error is returned, and the entry can be
// retried or dismissed by its temporary id.
//
// Sending to a conversation that is not open works the same way without
// a visible entry.
func (e *Engine) SendOptimistic(ctx context.Context, peer models.Peer, segs []models.Segment) (models.Message, error) {
	if !peer.Valid() {
		return models.Message{}, fmt.Errorf("sending to %s: %w", peer, chaterrors.ErrInvalidPeer)
	}

	if len(segs) == 0 {
		return models.Message{}, fmt.Errorf("sending to %s: %w", peer, ErrEmptyMessage)
	}

	now := e.now()
	tmp := models.Message{
		Peer:     peer,
		ID:       e.nextTempID(),
		LocalSeq: models.DeriveLocalSeq(now, 0, 0),
		Time:     now,
		Sender:   models.Sender{UserID: e.SelfID()},
		Segments: segs,
		FromSelf: true,
		Pending:  true,
	}.Clone()

	e.mu.Lock()
	if v, ok := e.views[peer.Key()]; ok {
		if n := len(v.messages); n > 0 {
			tmp.LocalSeq = max(tmp.LocalSeq, v.messages[n-1].LocalSeq+1)
		}

		v.messages = append(v.messages, tmp.Clone())
		snap, fn := e.snapshotLocked(v)
		e.mu.Unlock()
		notify(fn, snap)
	} else {
		e.mu.Unlock()
	}

	return e.deliver(ctx, tmp)
}

// RetrySend re-issues a failed send for the same temporary entry.
func (e *Engine) RetrySend(ctx context.Context, peer models.Peer, tempID int64) (models.Message, error) {
	var tmp models.Message

	if err := e.withFailed(peer, tempID, func(v *view, i int) {
		v.messages[i].Failed = false
		v.messages[i].Pending = true
		tmp = v.messages[i].Clone()
	}); err != nil {
		return models.Message{}, fmt.Errorf("retrying %d: %w", tempID, err)
	}

	return e.deliver(ctx, tmp)
}

// Dismiss removes a failed send from the timeline.
func (e *Engine) Dismiss(peer models.Peer, tempID int64) error {
	if err := e.withFailed(peer, tempID, func(v *view, i int) {
		v.messages = slices.Delete(v.messages, i, i+1)
	}); err != nil {
		return fmt.Errorf("dismissing %d: %w", tempID, err)
	}

	return nil
}

// withFailed runs fn on the failed temporary entry tempID of peer's view
// and notifies the observer.
func (e *Engine) withFailed(peer models.Peer, tempID int64, fn func(v *view, i int)) error {
	e.mu.Lock()

	v, ok := e.views[peer.Key()]
	if !ok {
		e.mu.Unlock()
		return chaterrors.ErrNotOpen
	}

	i := v.index(tempID)
	if i < 0 || !v.messages[i].Failed {
		e.mu.Unlock()
		return chaterrors.ErrMessageNotFound
	}

	fn(v, i)
	snap, obs := e.snapshotLocked(v)
	e.mu.Unlock()

	notify(obs, snap)

	return nil
}

// deliver sends tmp and settles its timeline entry exactly once.
func (e *Engine) deliver(ctx context.Context, tmp models.Message) (models.Message, error) {
	id, err := e.callSend(ctx, tmp)
	if err != nil {
		e.logger.Warn("send failed",
			slog.String("peer", tmp.Peer.Key()),
			slog.Int64("temp_id", tmp.ID),
			slog.String("error", err.Error()),
		)

		tmp.Pending = false
		tmp.Failed = true

		e.settle(tmp.Peer, tmp.ID, func(v *view, i int) {
			v.messages[i].Pending = false
			v.messages[i].Failed = true
		})

		return tmp, err
	}

	sent := tmp
	sent.ID = id
	sent.Pending = false
	sent.Failed = false

	raced := false

	e.mu.Lock()
	if v, ok := e.views[tmp.Peer.Key()]; ok {
		i := v.index(tmp.ID)

		switch j := v.index(id); {
		case j >= 0:
			// The push of our own message won the race; it is already in
			// the timeline and the store.
			raced = true
			sent = v.messages[j].Clone()

			if i >= 0 {
				v.messages = slices.Delete(v.messages, i, i+1)
			}
		case i >= 0:
			v.messages[i] = sent.Clone()
		default:
			mergeInto(v, []models.Message{sent})
		}

		snap, fn := e.snapshotLocked(v)
		e.mu.Unlock()
		notify(fn, snap)
	} else {
		e.mu.Unlock()
	}

	if !raced {
		if err := e.store.PutMessage(sent); err != nil {
			e.logger.Warn("persisting sent message",
				slog.String("peer", sent.Peer.Key()),
				slog.Int64("id", sent.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	preview := sent.Preview()
	e.sink.Upsert(sent.Peer, sessions.Patch{Preview: &preview, LastActive: &sent.Time})

	return sent, nil
}

func (e *Engine) callSend(ctx context.Context, m models.Message) (int64, error) {
	action := onebot.ActionSendPrivateMsg

	var params any = onebot.SendPrivateMsgParams{UserID: m.Peer.ID, Message: m.Segments}
	if m.Peer.IsGroup() {
		action = onebot.ActionSendGroupMsg
		params = onebot.SendGroupMsgParams{GroupID: m.Peer.ID, Message: m.Segments}
	}

	data, err := e.caller.Call(ctx, action, params)
	if err != nil {
		return 0, fmt.Errorf("sending to %s: %w", m.Peer, err)
	}

	var res onebot.SendMsgResult
	if err := json.Unmarshal(data, &res); err != nil || res.MessageID <= 0 {
		return 0, fmt.Errorf("sending to %s: no message id in %s: %w", m.Peer, data, chaterrors.ErrParse)
	}

	return res.MessageID, nil
}

// settle applies fn to the entry id of peer's view, if still present.
func (e *Engine) settle(peer models.Peer, id int64, fn func(v *view, i int)) {
	e.mu.Lock()

	v, ok := e.views[peer.Key()]
	if !ok {
		e.mu.Unlock()
		return
	}

	i := v.index(id)
	if i < 0 {
		e.mu.Unlock()
		return
	}

	fn(v, i)
	snap, obs := e.snapshotLocked(v)
	e.mu.Unlock()

	notify(obs, snap)
}
