package onebot

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Event is the closed set of classified push frames: *MessageEvent,
// the Notice variants, *RequestEvent, *MetaEvent and Unhandled.
type Event interface {
	isEvent()
}

// Notice is the closed set of classified notice pushes.
type Notice interface {
	Event
	isNotice()
}

// Unhandled is a push whose post_type the client does not act on.
type Unhandled struct {
	PostType string
}

// RecallNotice reports that a message was withdrawn.
type RecallNotice struct {
	Peer       models.Peer
	MessageID  int64
	OperatorID int64
	Time       time.Time
}

// ReactionNotice reports emoji reactions added to or removed from a
// message. Likes carries the updated tallies for the reported emojis.
type ReactionNotice struct {
	Peer      models.Peer
	MessageID int64
	UserID    int64
	Likes     []models.Reaction
	Add       bool
	Time      time.Time
}

// EssenceNotice reports a message being pinned to or removed from the
// group's essence list.
type EssenceNotice struct {
	Peer       models.Peer
	MessageID  int64
	SenderID   int64
	OperatorID int64
	Added      bool
	Time       time.Time
}

// SystemKind tags membership and other informational notices.
type SystemKind string

const (
	SystemMemberJoined SystemKind = "member_joined"
	SystemMemberLeft   SystemKind = "member_left"
	SystemFriendAdded  SystemKind = "friend_added"
	SystemAdminChanged SystemKind = "admin_changed"
	SystemMuted        SystemKind = "muted"
	SystemPoke         SystemKind = "poke"
)

// SystemNotice is rendered into the timeline as a synthetic entry.
type SystemNotice struct {
	Peer       models.Peer
	Kind       SystemKind
	SubType    string
	UserID     int64
	OperatorID int64
	TargetID   int64
	Duration   time.Duration
	Time       time.Time
}

// UnhandledNotice is a notice whose type the client does not act on.
type UnhandledNotice struct {
	NoticeType string
	SubType    string
}

func (*MessageEvent) isEvent()   {}
func (*RequestEvent) isEvent()   {}
func (*MetaEvent) isEvent()      {}
func (Unhandled) isEvent()       {}
func (RecallNotice) isEvent()    {}
func (ReactionNotice) isEvent()  {}
func (EssenceNotice) isEvent()   {}
func (SystemNotice) isEvent()    {}
func (UnhandledNotice) isEvent() {}

func (RecallNotice) isNotice()    {}
func (ReactionNotice) isNotice()  {}
func (EssenceNotice) isNotice()   {}
func (SystemNotice) isNotice()    {}
func (UnhandledNotice) isNotice() {}

// Text renders the notice as a one-line timeline entry.
func (n SystemNotice) Text() string {
	switch n.Kind {
	case SystemMemberJoined:
		if n.SubType == "invite" && n.OperatorID != 0 {
			return fmt.Sprintf("%d joined the group (invited by %d)", n.UserID, n.OperatorID)
		}

		return fmt.Sprintf("%d joined the group", n.UserID)
	case SystemMemberLeft:
		switch n.SubType {
		case "kick":
			return fmt.Sprintf("%d was removed by %d", n.UserID, n.OperatorID)
		case "kick_me":
			return fmt.Sprintf("you were removed from the group by %d", n.OperatorID)
		default:
			return fmt.Sprintf("%d left the group", n.UserID)
		}
	case SystemFriendAdded:
		return fmt.Sprintf("%d is now your friend", n.UserID)
	case SystemAdminChanged:
		if n.SubType == "unset" {
			return fmt.Sprintf("%d is no longer an admin", n.UserID)
		}

		return fmt.Sprintf("%d is now an admin", n.UserID)
	case SystemMuted:
		who := "everyone"
		if n.UserID != 0 {
			who = fmt.Sprintf("%d", n.UserID)
		}

		if n.SubType == "lift_ban" {
			return fmt.Sprintf("%s was unmuted by %d", who, n.OperatorID)
		}

		if n.UserID == 0 {
			return fmt.Sprintf("everyone was muted by %d", n.OperatorID)
		}

		return fmt.Sprintf("%s was muted for %s by %d", who, n.Duration, n.OperatorID)
	case SystemPoke:
		return fmt.Sprintf("%d poked %d", n.UserID, n.TargetID)
	default:
		return string(n.Kind)
	}
}
