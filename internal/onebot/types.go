// Package onebot defines the JSON frames exchanged with the chat server:
// outbound action requests, correlated responses, and the push events the
// server emits without being asked.
package onebot

import (
	"encoding/json"
)

// Action names used by the client.
const (
	ActionSendPrivateMsg      = "send_private_msg"
	ActionSendGroupMsg        = "send_group_msg"
	ActionGetFriendMsgHistory = "get_friend_msg_history"
	ActionGetGroupMsgHistory  = "get_group_msg_history"
	ActionGetStatus           = "get_status"
	ActionGetLoginInfo        = "get_login_info"
	ActionSetGroupLeave       = "set_group_leave"
	ActionDeleteFriend        = "delete_friend"
	ActionSetFriendAddRequest = "set_friend_add_request"
	ActionSetGroupAddRequest  = "set_group_add_request"
)

// Request is an outbound frame. Echo is empty for fire-and-forget sends.
type Request struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// Response is the server's answer to a Request carrying an echo.
type Response struct {
	Echo    string          `json:"echo"`
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

// OK reports whether the response indicates success.
func (r *Response) OK() bool {
	return r.Status == "ok" || r.Retcode == 0
}

// ErrorMessage returns the most descriptive failure text the server sent.
func (r *Response) ErrorMessage() string {
	if r.Wording != "" {
		return r.Wording
	}

	return r.Msg
}

// SendMsgResult is the data payload of send_private_msg / send_group_msg.
type SendMsgResult struct {
	MessageID int64 `json:"message_id"`
}

// LoginInfo is the data payload of get_login_info.
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// SendPrivateMsgParams are the params of send_private_msg.
type SendPrivateMsgParams struct {
	UserID  int64 `json:"user_id"`
	Message any   `json:"message"`
}

// SendGroupMsgParams are the params of send_group_msg.
type SendGroupMsgParams struct {
	GroupID int64 `json:"group_id"`
	Message any   `json:"message"`
}

// FriendHistoryParams are the params of get_friend_msg_history. A zero
// MessageSeq asks for the newest page.
type FriendHistoryParams struct {
	UserID     int64 `json:"user_id"`
	MessageSeq int64 `json:"message_seq,omitempty"`
	Count      int   `json:"count"`
}

// GroupHistoryParams are the params of get_group_msg_history.
type GroupHistoryParams struct {
	GroupID    int64 `json:"group_id"`
	MessageSeq int64 `json:"message_seq,omitempty"`
	Count      int   `json:"count"`
}

// GroupLeaveParams are the params of set_group_leave.
type GroupLeaveParams struct {
	GroupID int64 `json:"group_id"`
}

// DeleteFriendParams are the params of delete_friend.
type DeleteFriendParams struct {
	UserID int64 `json:"user_id"`
}

// FriendAddRequestParams are the params of set_friend_add_request.
type FriendAddRequestParams struct {
	Flag    string `json:"flag"`
	Approve bool   `json:"approve"`
}

// GroupAddRequestParams are the params of set_group_add_request. SubType
// echoes the request's sub_type (add or invite).
type GroupAddRequestParams struct {
	Flag    string `json:"flag"`
	SubType string `json:"sub_type"`
	Approve bool   `json:"approve"`
}
