package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Post types carried in the post_type discriminator of push frames.
const (
	PostMessage     = "message"
	PostMessageSent = "message_sent"
	PostNotice      = "notice"
	PostRequest     = "request"
	PostMeta        = "meta_event"
)

// Message types of message events.
const (
	MessagePrivate = "private"
	MessageGroup   = "group"
)

// FlexInt decodes an integer that servers send either as a JSON number or
// as a numeric string. Empty strings and null decode to zero.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		if s == "" {
			*f = 0
			return nil
		}

		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("decoding integer string %q: %w", s, err)
		}

		*f = FlexInt(n)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("decoding integer %s: %w", n, err)
	}

	*f = FlexInt(v)

	return nil
}

// Sender is the sender block of a message event.
type Sender struct {
	UserID   FlexInt `json:"user_id"`
	Nickname string  `json:"nickname"`
	Card     string  `json:"card"`
}

// MessageEvent is a message push, or one entry of a history response.
type MessageEvent struct {
	Time        int64           `json:"time"`
	SelfID      FlexInt         `json:"self_id"`
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   FlexInt         `json:"message_id"`
	MessageSeq  FlexInt         `json:"message_seq"`
	RealSeq     FlexInt         `json:"real_seq"`
	UserID      FlexInt         `json:"user_id"`
	GroupID     FlexInt         `json:"group_id"`
	TargetID    FlexInt         `json:"target_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      Sender          `json:"sender"`
}

// Peer returns the conversation the event belongs to. For private
// messages the peer is the other party: the target when the event was
// sent by the logged-in account, otherwise the sender.
func (e *MessageEvent) Peer(selfID int64) models.Peer {
	if e.MessageType == MessageGroup {
		return models.GroupPeer(int64(e.GroupID))
	}

	if e.TargetID > 0 && (e.PostType == PostMessageSent || (selfID != 0 && int64(e.UserID) == selfID)) {
		return models.DirectPeer(int64(e.TargetID))
	}

	return models.DirectPeer(int64(e.UserID))
}

// ServerSeq returns the server-assigned sequence number, or zero.
func (e *MessageEvent) ServerSeq() int64 {
	if e.MessageSeq > 0 {
		return int64(e.MessageSeq)
	}

	return int64(e.RealSeq)
}

// Timestamp returns the event time, falling back to now when the server
// omitted it.
func (e *MessageEvent) Timestamp() time.Time {
	if e.Time <= 0 {
		return time.Now()
	}

	return time.Unix(e.Time, 0)
}

// Segments decodes the message content. Array-form content is decoded
// segment by segment; string-form content becomes a single text segment.
func (e *MessageEvent) Segments() ([]models.Segment, error) {
	raw := bytes.TrimSpace(e.Message)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if e.RawMessage != "" {
			return []models.Segment{models.TextSegment(e.RawMessage)}, nil
		}

		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding string message: %w", err)
		}

		return []models.Segment{models.TextSegment(s)}, nil
	}

	var segs []models.Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, fmt.Errorf("decoding message segments: %w", err)
	}

	return segs, nil
}

// Like is one emoji tally in a reaction notice.
type Like struct {
	EmojiID string `json:"emoji_id"`
	Count   int    `json:"count"`
}

// NoticeEvent is the wire shape shared by all notice pushes. Which fields
// are populated depends on NoticeType and SubType.
type NoticeEvent struct {
	Time       int64   `json:"time"`
	SelfID     FlexInt `json:"self_id"`
	PostType   string  `json:"post_type"`
	NoticeType string  `json:"notice_type"`
	SubType    string  `json:"sub_type"`
	GroupID    FlexInt `json:"group_id"`
	UserID     FlexInt `json:"user_id"`
	OperatorID FlexInt `json:"operator_id"`
	SenderID   FlexInt `json:"sender_id"`
	TargetID   FlexInt `json:"target_id"`
	MessageID  FlexInt `json:"message_id"`
	Duration   int64   `json:"duration"`
	Likes      []Like  `json:"likes"`
	IsAdd      *bool   `json:"is_add"`
}

// RequestEvent is a friend or group request push.
type RequestEvent struct {
	Time        int64   `json:"time"`
	SelfID      FlexInt `json:"self_id"`
	PostType    string  `json:"post_type"`
	RequestType string  `json:"request_type"`
	SubType     string  `json:"sub_type"`
	UserID      FlexInt `json:"user_id"`
	GroupID     FlexInt `json:"group_id"`
	Comment     string  `json:"comment"`
	Flag        string  `json:"flag"`
}

// MetaEvent is a lifecycle or heartbeat push.
type MetaEvent struct {
	Time          int64           `json:"time"`
	SelfID        FlexInt         `json:"self_id"`
	PostType      string          `json:"post_type"`
	MetaEventType string          `json:"meta_event_type"`
	SubType       string          `json:"sub_type"`
	Interval      int64           `json:"interval"`
	Status        json.RawMessage `json:"status,omitempty"`
}
