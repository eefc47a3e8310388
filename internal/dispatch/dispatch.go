// Package dispatch classifies inbound push frames into typed events and
// routes them to the engine, the request inbox and connection
// bookkeeping. It holds no business logic beyond shape validation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/tidwall/gjson"
)

// MessageHandler receives live message pushes.
type MessageHandler interface {
	IngestPush(ctx context.Context, ev *onebot.MessageEvent)
}

// NoticeHandler receives recall, reaction, essence and system notices.
type NoticeHandler interface {
	ApplyNotice(ctx context.Context, n onebot.Notice)
}

// RequestHandler receives friend and group requests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, ev *onebot.RequestEvent)
}

// MetaHandler receives lifecycle and heartbeat events.
type MetaHandler interface {
	HandleMeta(ctx context.Context, ev *onebot.MetaEvent)
}

// Handlers wires the dispatcher's outputs. Nil handlers drop their
// category.
type Handlers struct {
	Messages MessageHandler
	Notices  NoticeHandler
	Requests RequestHandler
	Meta     MetaHandler
}

// Dispatcher routes frames to handlers in the order HandleFrame is
// called. It is driven by the transport's single frame loop.
type Dispatcher struct {
	handlers Handlers
	logger   *slog.Logger
	selfID   atomic.Int64
}

// New creates a Dispatcher.
func New(handlers Handlers, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{handlers: handlers, logger: logger}
}

// SelfID returns the logged-in account id most recently seen in a push.
func (d *Dispatcher) SelfID() int64 {
	return d.selfID.Load()
}

// SetSelfID records the logged-in account id.
func (d *Dispatcher) SetSelfID(id int64) {
	if id > 0 {
		d.selfID.Store(id)
	}
}

// HandleFrame classifies one frame and invokes the matching handler.
// Malformed frames are logged and dropped.
func (d *Dispatcher) HandleFrame(ctx context.Context, data []byte) {
	ev, err := d.Classify(data)
	if err != nil {
		if gjson.GetBytes(data, "echo").Exists() {
			d.logger.Debug("dropping uncorrelated response", slog.String("echo", gjson.GetBytes(data, "echo").String()))
			return
		}

		d.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))

		return
	}

	switch ev := ev.(type) {
	case *onebot.MessageEvent:
		if d.handlers.Messages != nil {
			d.handlers.Messages.IngestPush(ctx, ev)
		}
	case onebot.UnhandledNotice:
		d.logger.Debug("unhandled notice",
			slog.String("notice_type", ev.NoticeType),
			slog.String("sub_type", ev.SubType),
		)
	case onebot.Notice:
		if d.handlers.Notices != nil {
			d.handlers.Notices.ApplyNotice(ctx, ev)
		}
	case *onebot.RequestEvent:
		if d.handlers.Requests != nil {
			d.handlers.Requests.HandleRequest(ctx, ev)
		}
	case *onebot.MetaEvent:
		if d.handlers.Meta != nil {
			d.handlers.Meta.HandleMeta(ctx, ev)
		}
	case onebot.Unhandled:
		d.logger.Debug("unhandled push", slog.String("post_type", ev.PostType))
	}
}

// Classify validates a frame and converts it to its typed variant. The
// returned error wraps ErrParse.
func (d *Dispatcher) Classify(data []byte) (onebot.Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", chaterrors.ErrParse)
	}

	postType := gjson.GetBytes(data, "post_type")
	if !postType.Exists() || postType.String() == "" {
		return nil, fmt.Errorf("%w: missing post_type", chaterrors.ErrParse)
	}

	if self := gjson.GetBytes(data, "self_id").Int(); self > 0 {
		d.SetSelfID(self)
	}

	switch postType.String() {
	case onebot.PostMessage, onebot.PostMessageSent:
		return d.classifyMessage(data)
	case onebot.PostNotice:
		return d.classifyNotice(data)
	case onebot.PostRequest:
		return classifyRequest(data)
	case onebot.PostMeta:
		var ev onebot.MetaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, parseErr("meta_event", err)
		}

		return &ev, nil
	default:
		return onebot.Unhandled{PostType: postType.String()}, nil
	}
}

func parseErr(kind string, err error) error {
	return fmt.Errorf("%w: %s: %w", chaterrors.ErrParse, kind, err)
}

var (
	errMissingMessageID = errors.New("missing or non-positive message_id")
	errMissingPeer      = errors.New("missing conversation id")
)

func (d *Dispatcher) classifyMessage(data []byte) (onebot.Event, error) {
	var ev onebot.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, parseErr("message", err)
	}

	switch ev.MessageType {
	case onebot.MessagePrivate, onebot.MessageGroup:
	default:
		return nil, parseErr("message", fmt.Errorf("unknown message_type %q", ev.MessageType))
	}

	if ev.MessageID <= 0 {
		return nil, parseErr("message", errMissingMessageID)
	}

	if !ev.Peer(d.SelfID()).Valid() {
		return nil, parseErr("message", errMissingPeer)
	}

	if _, err := ev.Segments(); err != nil {
		return nil, parseErr("message", err)
	}

	return &ev, nil
}

func (d *Dispatcher) classifyNotice(data []byte) (onebot.Event, error) {
	var ev onebot.NoticeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, parseErr("notice", err)
	}

	when := time.Unix(ev.Time, 0)
	if ev.Time <= 0 {
		when = time.Now()
	}

	group := models.GroupPeer(int64(ev.GroupID))

	var n onebot.Notice

	switch ev.NoticeType {
	case "group_recall":
		n = onebot.RecallNotice{Peer: group, MessageID: int64(ev.MessageID), OperatorID: int64(ev.OperatorID), Time: when}
	case "friend_recall":
		n = onebot.RecallNotice{Peer: models.DirectPeer(int64(ev.UserID)), MessageID: int64(ev.MessageID), OperatorID: int64(ev.UserID), Time: when}
	case "group_msg_emoji_like":
		likes := make([]models.Reaction, 0, len(ev.Likes))
		for _, l := range ev.Likes {
			likes = append(likes, models.Reaction{EmojiID: l.EmojiID, Count: l.Count})
		}

		add := ev.IsAdd == nil || *ev.IsAdd
		n = onebot.ReactionNotice{Peer: group, MessageID: int64(ev.MessageID), UserID: int64(ev.UserID), Likes: likes, Add: add, Time: when}
	case "essence":
		n = onebot.EssenceNotice{
			Peer:       group,
			MessageID:  int64(ev.MessageID),
			SenderID:   int64(ev.SenderID),
			OperatorID: int64(ev.OperatorID),
			Added:      ev.SubType != "delete",
			Time:       when,
		}
	case "group_increase":
		n = d.system(group, onebot.SystemMemberJoined, &ev, when)
	case "group_decrease":
		n = d.system(group, onebot.SystemMemberLeft, &ev, when)
	case "group_admin":
		n = d.system(group, onebot.SystemAdminChanged, &ev, when)
	case "group_ban":
		n = d.system(group, onebot.SystemMuted, &ev, when)
	case "friend_add":
		n = d.system(models.DirectPeer(int64(ev.UserID)), onebot.SystemFriendAdded, &ev, when)
	case "notify":
		if ev.SubType != "poke" {
			return onebot.UnhandledNotice{NoticeType: ev.NoticeType, SubType: ev.SubType}, nil
		}

		peer := group
		if ev.GroupID == 0 {
			peer = models.DirectPeer(d.pokePartner(&ev))
		}

		n = d.system(peer, onebot.SystemPoke, &ev, when)
	default:
		return onebot.UnhandledNotice{NoticeType: ev.NoticeType, SubType: ev.SubType}, nil
	}

	if err := validateNotice(n); err != nil {
		return nil, parseErr("notice "+ev.NoticeType, err)
	}

	return n, nil
}

// pokePartner returns the other party of a private poke.
func (d *Dispatcher) pokePartner(ev *onebot.NoticeEvent) int64 {
	self := int64(ev.SelfID)
	if self == 0 {
		self = d.SelfID()
	}

	if self != 0 && int64(ev.UserID) == self {
		return int64(ev.TargetID)
	}

	return int64(ev.UserID)
}

func (d *Dispatcher) system(peer models.Peer, kind onebot.SystemKind, ev *onebot.NoticeEvent, when time.Time) onebot.SystemNotice {
	return onebot.SystemNotice{
		Peer:       peer,
		Kind:       kind,
		SubType:    ev.SubType,
		UserID:     int64(ev.UserID),
		OperatorID: int64(ev.OperatorID),
		TargetID:   int64(ev.TargetID),
		Duration:   time.Duration(ev.Duration) * time.Second,
		Time:       when,
	}
}

func validateNotice(n onebot.Notice) error {
	switch n := n.(type) {
	case onebot.RecallNotice:
		if !n.Peer.Valid() {
			return errMissingPeer
		}

		if n.MessageID <= 0 {
			return errMissingMessageID
		}
	case onebot.ReactionNotice:
		if !n.Peer.Valid() {
			return errMissingPeer
		}

		if n.MessageID <= 0 {
			return errMissingMessageID
		}
	case onebot.EssenceNotice:
		if !n.Peer.Valid() {
			return errMissingPeer
		}

		if n.MessageID <= 0 {
			return errMissingMessageID
		}
	case onebot.SystemNotice:
		if !n.Peer.Valid() {
			return errMissingPeer
		}
	}

	return nil
}

func classifyRequest(data []byte) (onebot.Event, error) {
	var ev onebot.RequestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, parseErr("request", err)
	}

	if ev.Flag == "" {
		return nil, parseErr("request", errors.New("missing flag"))
	}

	switch ev.RequestType {
	case string(models.RequestFriend):
		if ev.UserID <= 0 {
			return nil, parseErr("request", errors.New("missing user_id"))
		}
	case string(models.RequestGroup):
		if ev.GroupID <= 0 {
			return nil, parseErr("request", errors.New("missing group_id"))
		}
	default:
		return nil, parseErr("request", fmt.Errorf("unknown request_type %q", ev.RequestType))
	}

	return &ev, nil
}
