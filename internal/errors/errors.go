// Package errors defines the error taxonomy shared by the transport,
// dispatcher, store, and synchronization engine.
package errors

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	ErrOffline          = errors.New("not connected")
	ErrTimeout          = errors.New("timed out waiting for response")
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnect          = errors.New("connection failed")
)

// Inbound frame and persistence errors. Neither is surfaced to callers of
// the engine; both are logged at the boundary where they occur.
var (
	ErrParse = errors.New("malformed frame")
	ErrStore = errors.New("store operation failed")
)

// Engine errors.
var (
	ErrInvalidPeer     = errors.New("invalid conversation")
	ErrNotOpen         = errors.New("conversation not open")
	ErrMessageNotFound = errors.New("message not found")
	ErrNoCredentials   = errors.New("no credentials available")
	ErrRequestNotFound = errors.New("request not found")
)

// RemoteError is returned when the server answers a call with a failure
// status. Message carries the server-provided explanation.
type RemoteError struct {
	Action  string
	Retcode int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: retcode %d", e.Action, e.Retcode)
	}

	return fmt.Sprintf("%s failed: %s (retcode %d)", e.Action, e.Message, e.Retcode)
}

// IsRemote reports whether err (or any error in its chain) is a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
