package timeline

//go:generate mockgen -source=caller.go -destination=mock_caller_test.go -package=timeline

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/chat-sync/internal/transport"
)

// Caller issues correlated requests to the server. *transport.Client
// satisfies this interface.
type Caller interface {
	Call(ctx context.Context, action string, params any, opts ...transport.CallOption) (json.RawMessage, error)
}
