package models

import (
	"time"
)

// SeqScale is the multiplier applied to the unix timestamp when deriving
// a localSeq. The low digits hold the server sequence (or server id) so
// messages within the same second keep a stable, unique order.
const SeqScale int64 = 1_000_000

// DeriveLocalSeq computes the per-conversation sort key for a message.
// The server sequence number is preferred as the tiebreaker; the server
// message id is used when the server omits it.
func DeriveLocalSeq(t time.Time, serverSeq, serverID int64) int64 {
	tie := serverSeq
	if tie <= 0 {
		tie = serverID
	}

	if tie < 0 {
		tie = -tie
	}

	return t.Unix()*SeqScale + tie%SeqScale
}

// SeqDistance converts a wall-clock span into the equivalent localSeq
// distance.
func SeqDistance(d time.Duration) int64 {
	return int64(d/time.Second) * SeqScale
}

// Sender describes the author of a message.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

// DisplayName returns the group card if set, then the nickname, then the
// numeric id.
func (s Sender) DisplayName() string {
	switch {
	case s.Card != "":
		return s.Card
	case s.Nickname != "":
		return s.Nickname
	default:
		return formatID(s.UserID)
	}
}

// Reaction is an emoji reaction tally on a message.
type Reaction struct {
	EmojiID string `json:"emoji_id"`
	Count   int    `json:"count"`
}

// Message is a single entry in a conversation timeline.
//
// ID is the server message id once known. Optimistic sends and synthetic
// system entries carry a negative ID and are never written to the store.
type Message struct {
	Peer      Peer       `json:"peer"`
	ID        int64      `json:"id"`
	ServerSeq int64      `json:"server_seq,omitempty"`
	LocalSeq  int64      `json:"local_seq"`
	Time      time.Time  `json:"time"`
	Sender    Sender     `json:"sender"`
	Segments  []Segment  `json:"segments"`
	Raw       string     `json:"raw,omitempty"`
	FromSelf  bool       `json:"from_self,omitempty"`
	Pending   bool       `json:"pending,omitempty"`
	Failed    bool       `json:"failed,omitempty"`
	Recalled  bool       `json:"recalled,omitempty"`
	Essence   bool       `json:"essence,omitempty"`
	System    bool       `json:"system,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

// HasServerID reports whether the message carries a durable server id.
func (m *Message) HasServerID() bool {
	return m.ID > 0
}

// Durable reports whether the message may be written to the store.
func (m *Message) Durable() bool {
	return m.HasServerID() && !m.Pending && !m.System
}

// Preview returns the one-line summary shown in the session list.
func (m *Message) Preview() string {
	if m.Recalled {
		return "[recalled]"
	}

	return Summary(m.Segments)
}

// Clone returns a deep copy so callers can hand out timeline snapshots
// without sharing segment or reaction slices.
func (m Message) Clone() Message {
	if m.Segments != nil {
		segs := make([]Segment, len(m.Segments))
		for i, s := range m.Segments {
			segs[i] = s.clone()
		}

		m.Segments = segs
	}

	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}

	return m
}
