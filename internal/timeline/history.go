package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/tidwall/gjson"
)

// fetchCloud requests one page of server history ending at anchor, or
// the newest page when anchor is zero. Entries that fail to decode are
// skipped.
func (e *Engine) fetchCloud(ctx context.Context, peer models.Peer, anchor int64) ([]models.Message, error) {
	action := onebot.ActionGetFriendMsgHistory

	var params any = onebot.FriendHistoryParams{UserID: peer.ID, MessageSeq: anchor, Count: e.cfg.PageSize}
	if peer.IsGroup() {
		action = onebot.ActionGetGroupMsgHistory
		params = onebot.GroupHistoryParams{GroupID: peer.ID, MessageSeq: anchor, Count: e.cfg.PageSize}
	}

	data, err := e.caller.Call(ctx, action, params)
	if err != nil {
		return nil, fmt.Errorf("fetching %s history: %w", peer, err)
	}

	list := gjson.GetBytes(data, "messages")
	if !list.Exists() {
		return nil, nil
	}

	if !list.IsArray() {
		return nil, fmt.Errorf("%s history: messages is not an array: %w", peer, chaterrors.ErrParse)
	}

	selfID := e.SelfID()
	out := make([]models.Message, 0, len(list.Array()))

	list.ForEach(func(_, item gjson.Result) bool {
		var ev onebot.MessageEvent
		if err := json.Unmarshal([]byte(item.Raw), &ev); err != nil || ev.MessageID <= 0 {
			e.logger.Debug("skipping history entry", slog.String("peer", peer.Key()))
			return true
		}

		msg, err := normalize(&ev, peer, selfID)
		if err != nil {
			e.logger.Debug("skipping history entry",
				slog.String("peer", peer.Key()),
				slog.String("error", err.Error()),
			)

			return true
		}

		out = append(out, msg)

		return true
	})

	return out, nil
}

// normalize converts a wire message into a timeline entry of peer.
func normalize(ev *onebot.MessageEvent, peer models.Peer, selfID int64) (models.Message, error) {
	segs, err := ev.Segments()
	if err != nil {
		return models.Message{}, fmt.Errorf("message %d: %w", int64(ev.MessageID), err)
	}

	id := int64(ev.MessageID)
	if id <= 0 {
		// Non-positive ids are reserved for entries without server identity.
		return models.Message{}, fmt.Errorf("message %d: non-positive id: %w", id, chaterrors.ErrParse)
	}

	seq := ev.ServerSeq()
	t := ev.Timestamp()

	sender := models.Sender{
		UserID:   int64(ev.Sender.UserID),
		Nickname: ev.Sender.Nickname,
		Card:     ev.Sender.Card,
	}
	if sender.UserID == 0 {
		sender.UserID = int64(ev.UserID)
	}

	return models.Message{
		Peer:      peer,
		ID:        id,
		ServerSeq: seq,
		LocalSeq:  models.DeriveLocalSeq(t, seq, id),
		Time:      t,
		Sender:    sender,
		Segments:  segs,
		Raw:       ev.RawMessage,
		FromSelf:  ev.PostType == onebot.PostMessageSent || (selfID != 0 && sender.UserID == selfID),
	}, nil
}
