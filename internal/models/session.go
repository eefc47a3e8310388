package models

import "time"

// Session is an entry in the conversation list.
type Session struct {
	Peer       Peer      `json:"peer"`
	Name       string    `json:"name,omitempty"`
	LastActive time.Time `json:"last_active"`
	Unread     int       `json:"unread"`
	Preview    string    `json:"preview,omitempty"`
}

// RequestKind distinguishes friend requests from group join requests.
type RequestKind string

const (
	RequestFriend RequestKind = "friend"
	RequestGroup  RequestKind = "group"
)

// PendingRequest is a friend or group request waiting for an answer.
// Flag is the server's opaque handle used to approve or reject it.
type PendingRequest struct {
	Flag    string      `json:"flag"`
	Kind    RequestKind `json:"kind"`
	SubType string      `json:"sub_type,omitempty"`
	UserID  int64       `json:"user_id"`
	GroupID int64       `json:"group_id,omitempty"`
	Comment string      `json:"comment,omitempty"`
	Time    time.Time   `json:"time"`
}
