package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
)

// HandleRequest stores an incoming friend or group request until it is
// answered.
func (a *App) HandleRequest(_ context.Context, ev *onebot.RequestEvent) {
	req := models.PendingRequest{
		Flag:    ev.Flag,
		Kind:    models.RequestKind(ev.RequestType),
		SubType: ev.SubType,
		UserID:  int64(ev.UserID),
		GroupID: int64(ev.GroupID),
		Comment: ev.Comment,
		Time:    time.Unix(ev.Time, 0),
	}

	if ev.Time <= 0 {
		req.Time = time.Now()
	}

	if err := a.store.PutRequest(req); err != nil {
		a.logger.Warn("storing request",
			slog.String("flag", req.Flag),
			slog.String("error", err.Error()),
		)

		return
	}

	a.logger.Info("request received",
		slog.String("kind", string(req.Kind)),
		slog.Int64("user_id", req.UserID),
		slog.Int64("group_id", req.GroupID),
	)
}

// Requests returns the unanswered requests, oldest first.
func (a *App) Requests() ([]models.PendingRequest, error) {
	reqs, err := a.store.AllRequests()
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}

	return reqs, nil
}

// AnswerRequest approves or rejects a stored request and forgets it.
func (a *App) AnswerRequest(ctx context.Context, flag string, approve bool) error {
	req, err := a.store.GetRequest(flag)
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}

	if req == nil {
		return fmt.Errorf("answering %q: %w", flag, chaterrors.ErrRequestNotFound)
	}

	action := onebot.ActionSetFriendAddRequest

	var params any = onebot.FriendAddRequestParams{Flag: req.Flag, Approve: approve}
	if req.Kind == models.RequestGroup {
		action = onebot.ActionSetGroupAddRequest
		params = onebot.GroupAddRequestParams{Flag: req.Flag, SubType: req.SubType, Approve: approve}
	}

	if _, err := a.client.Call(ctx, action, params); err != nil {
		return fmt.Errorf("answering %q: %w", flag, err)
	}

	if err := a.store.DeleteRequest(flag); err != nil {
		a.logger.Warn("forgetting answered request",
			slog.String("flag", flag),
			slog.String("error", err.Error()),
		)
	}

	return nil
}
