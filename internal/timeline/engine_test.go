package timeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/alexjbarnes/chat-sync/internal/sessions"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	base  = time.Unix(1_700_000_000, 0)
	alice = models.DirectPeer(1001)
	team  = models.GroupPeer(5005)
)

const pageSize = 20

type harness struct {
	engine    *Engine
	caller    *MockCaller
	store     *state.State
	registry  *sessions.Registry
	snapshots []Snapshot
	clock     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	caller := NewMockCaller(ctrl)

	s, err := state.LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	reg := sessions.New(s, logger)

	cfg := DefaultConfig()
	cfg.PageSize = pageSize

	h := &harness{
		caller:   caller,
		store:    s,
		registry: reg,
		clock:    base.Add(2 * time.Hour),
	}

	h.engine = New(caller, s, reg, cfg, logger)
	h.engine.now = func() time.Time { return h.clock }
	h.engine.OnTimeline(func(snap Snapshot) { h.snapshots = append(h.snapshots, snap) })

	return h
}

// at returns the time of message n in the fixtures: one message per
// second starting at base.
func at(n int64) time.Time {
	return base.Add(time.Duration(n) * time.Second)
}

// stored builds the message that normalizing wire(n) would produce.
func stored(peer models.Peer, n int64) models.Message {
	return models.Message{
		Peer:      peer,
		ID:        n,
		ServerSeq: n,
		LocalSeq:  models.DeriveLocalSeq(at(n), n, n),
		Time:      at(n),
		Sender:    models.Sender{UserID: peer.ID, Nickname: "alice"},
		Segments:  []models.Segment{models.TextSegment("m")},
	}
}

func storedRange(peer models.Peer, from, to int64) []models.Message {
	var out []models.Message
	for n := from; n <= to; n++ {
		out = append(out, stored(peer, n))
	}

	return out
}

func wire(n int64) map[string]any {
	return map[string]any{
		"time":         at(n).Unix(),
		"post_type":    "message",
		"message_type": "private",
		"message_id":   n,
		"message_seq":  n,
		"user_id":      alice.ID,
		"sender":       map[string]any{"user_id": alice.ID, "nickname": "alice"},
		"message":      []any{map[string]any{"type": "text", "data": map[string]any{"text": "m"}}},
	}
}

func wireRange(from, to int64) []map[string]any {
	var out []map[string]any
	for n := from; n <= to; n++ {
		out = append(out, wire(n))
	}

	return out
}

func history(t *testing.T, entries []map[string]any) json.RawMessage {
	t.Helper()

	if entries == nil {
		entries = []map[string]any{}
	}

	data, err := json.Marshal(map[string]any{"messages": entries})
	require.NoError(t, err)

	return data
}

func (h *harness) expectHistory(t *testing.T, anchor int64, entries []map[string]any) *gomock.Call {
	t.Helper()

	return h.caller.EXPECT().
		Call(gomock.Any(), onebot.ActionGetFriendMsgHistory, onebot.FriendHistoryParams{UserID: alice.ID, MessageSeq: anchor, Count: pageSize}).
		Return(history(t, entries), nil)
}

func (h *harness) expectSend(id int64) *gomock.Call {
	return h.caller.EXPECT().
		Call(gomock.Any(), onebot.ActionSendPrivateMsg, gomock.Any()).
		Return(json.RawMessage(`{"message_id":`+jsonInt(id)+`}`), nil)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func (h *harness) view(t *testing.T, peer models.Peer) Snapshot {
	t.Helper()

	snap, ok := h.engine.Snapshot(peer)
	require.True(t, ok, "conversation not open")

	return snap
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}

func assertStrictlyOrdered(t *testing.T, msgs []models.Message) {
	t.Helper()

	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].LocalSeq, msgs[i].LocalSeq, "entries %d and %d out of order", i-1, i)
	}
}

func (h *harness) openWarm(t *testing.T, peer models.Peer) {
	t.Helper()
	require.NoError(t, h.store.SetLastActive(peer, h.clock.Add(-time.Minute)))
}

// --- open ---

func TestOpenConversation_ColdMergesCloudAndCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessages(storedRange(alice, 1, 5)))

	h.expectHistory(t, 0, wireRange(3, 8))

	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	snap := h.view(t, alice)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, ids(snap.Messages))
	assert.Equal(t, Idle, snap.State)
	assertStrictlyOrdered(t, snap.Messages)

	// The cloud page is persisted.
	got, err := h.store.Latest(alice, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, ids(got))

	// Completion records activity.
	last, ok := h.store.LastActive(alice)
	require.True(t, ok)
	assert.True(t, last.Equal(h.clock))

	// The first observable state is the cloud fetch, never a cache render.
	require.NotEmpty(t, h.snapshots)
	assert.Equal(t, LoadingCloud, h.snapshots[0].State)
	assert.Empty(t, h.snapshots[0].Messages)
}

func TestOpenConversation_ColdDropsDisjointCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessages(storedRange(alice, 1, 2)))

	late := wire(5000)
	h.expectHistory(t, 0, []map[string]any{late})

	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	assert.Equal(t, []int64{5000}, ids(h.view(t, alice).Messages))
}

func TestOpenConversation_ColdFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessages(storedRange(alice, 1, 3)))

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetFriendMsgHistory, gomock.Any()).
		Return(nil, chaterrors.ErrOffline)

	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	snap := h.view(t, alice)
	assert.Equal(t, []int64{1, 2, 3}, ids(snap.Messages))
	assert.Equal(t, Idle, snap.State)
}

func TestOpenConversation_WarmRendersCacheFirst(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessages(storedRange(alice, 1, 3)))
	h.openWarm(t, alice)

	h.expectHistory(t, 0, wireRange(3, 4))

	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	require.GreaterOrEqual(t, len(h.snapshots), 3)
	assert.Equal(t, LoadingLocal, h.snapshots[0].State)
	assert.Equal(t, []int64{1, 2, 3}, ids(h.snapshots[1].Messages))
	assert.Equal(t, LoadingCloud, h.snapshots[1].State)

	snap := h.view(t, alice)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(snap.Messages))
	assert.Equal(t, Idle, snap.State)
}

func TestOpenConversation_ResetsUnread(t *testing.T) {
	h := newHarness(t)
	h.registry.Upsert(alice, sessions.Patch{UnreadDelta: 3})

	h.expectHistory(t, 0, nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	sess, ok := h.registry.Get(alice)
	require.True(t, ok)
	assert.Equal(t, 0, sess.Unread)
}

func TestOpenConversation_AlreadyOpenIsNoop(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, wireRange(1, 2)).Times(1)

	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	assert.Equal(t, []int64{1, 2}, ids(h.view(t, alice).Messages))
}

func TestOpenConversation_InvalidPeer(t *testing.T) {
	h := newHarness(t)

	err := h.engine.OpenConversation(context.Background(), models.Peer{Kind: "channel", ID: 1})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidPeer)
}

func TestCloseConversation_ReopenIsWarm(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, wireRange(1, 2))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	h.engine.CloseConversation(alice)
	assert.False(t, h.engine.IsOpen(alice))

	h.clock = h.clock.Add(time.Minute)
	h.snapshots = nil

	h.expectHistory(t, 0, wireRange(1, 2))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	require.NotEmpty(t, h.snapshots)
	assert.Equal(t, LoadingLocal, h.snapshots[0].State, "reopen within the threshold shows the cache first")
	assert.Equal(t, []int64{1, 2}, ids(h.view(t, alice).Messages))
}

// --- fetch older ---

func TestFetchOlder_NotOpen(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.FetchOlder(context.Background(), alice)
	assert.ErrorIs(t, err, chaterrors.ErrNotOpen)
}

func TestFetchOlder_ExhaustedWhenNothingAnywhere(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	h.expectHistory(t, 0, nil)

	added, err := h.engine.FetchOlder(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.True(t, h.view(t, alice).Exhausted)

	// No further calls are expected by the mock.
	added, err = h.engine.FetchOlder(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestFetchOlder_ContiguousLocalPage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessages(storedRange(alice, 1, 30)))
	h.openWarm(t, alice)

	h.expectHistory(t, 0, wireRange(29, 30))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))
	require.Equal(t, int64(11), h.view(t, alice).Messages[0].ID)

	added, err := h.engine.FetchOlder(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 10, added)

	snap := h.view(t, alice)
	assert.Len(t, snap.Messages, 30)
	assert.Equal(t, int64(1), snap.Messages[0].ID)
	assert.False(t, snap.Exhausted)
	assertStrictlyOrdered(t, snap.Messages)
}

func TestFetchOlder_GapGoesToCloud(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessages(storedRange(alice, 1, 3)))
	require.NoError(t, h.store.PutMessages(storedRange(alice, 3600, 3601)))
	h.openWarm(t, alice)
	h.engine.cfg.PageSize = 2

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetFriendMsgHistory, onebot.FriendHistoryParams{UserID: alice.ID, Count: 2}).
		Return(history(t, wireRange(3600, 3601)), nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))
	require.Equal(t, []int64{3600, 3601}, ids(h.view(t, alice).Messages))

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetFriendMsgHistory, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, params any, _ ...transport.CallOption) (json.RawMessage, error) {
			p, ok := params.(onebot.FriendHistoryParams)
			require.True(t, ok)
			assert.Equal(t, int64(3600), p.MessageSeq, "backfill is anchored at the oldest visible message")

			return history(t, wireRange(3598, 3600)), nil
		})

	added, err := h.engine.FetchOlder(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	snap := h.view(t, alice)
	assert.Equal(t, []int64{3598, 3599, 3600, 3601}, ids(snap.Messages), "the disjoint local page is not shown")
	assertStrictlyOrdered(t, snap.Messages)
}

func TestFetchOlder_CloudErrorDoesNotExhaust(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, wireRange(10, 11))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	// The cloud page was persisted, so the local page below 10 is empty.
	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetFriendMsgHistory, gomock.Any()).
		Return(nil, chaterrors.ErrTimeout)

	added, err := h.engine.FetchOlder(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	snap := h.view(t, alice)
	assert.False(t, snap.Exhausted)
	assert.Equal(t, Idle, snap.State)
}

// --- merge ---

func TestMergeInto_Idempotent(t *testing.T) {
	v := &view{peer: alice}
	batch := storedRange(alice, 3, 6)

	assert.Equal(t, 4, mergeInto(v, batch))
	first := ids(v.messages)

	assert.Equal(t, 0, mergeInto(v, batch))
	assert.Equal(t, first, ids(v.messages))
}

func TestMergeInto_DedupsWithinBatchAndSorts(t *testing.T) {
	v := &view{peer: alice}
	mergeInto(v, []models.Message{stored(alice, 5)})

	batch := []models.Message{stored(alice, 7), stored(alice, 2), stored(alice, 7), stored(alice, 5)}
	assert.Equal(t, 2, mergeInto(v, batch))
	assert.Equal(t, []int64{2, 5, 7}, ids(v.messages))
}

func TestMergeInto_KeepsEntriesWithoutServerID(t *testing.T) {
	v := &view{peer: alice}
	pending := models.Message{Peer: alice, ID: -1, LocalSeq: stored(alice, 4).LocalSeq + 1, Pending: true}

	mergeInto(v, storedRange(alice, 1, 4))
	mergeInto(v, []models.Message{pending})
	mergeInto(v, storedRange(alice, 5, 6))

	assert.Equal(t, []int64{1, 2, 3, 4, -1, 5, 6}, ids(v.messages))
}

// --- send ---

func TestSendOptimistic_PatchedInPlace(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSelfID(777)

	h.expectHistory(t, 0, wireRange(1, 2))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))
	h.snapshots = nil

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionSendPrivateMsg, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, params any, _ ...transport.CallOption) (json.RawMessage, error) {
			p, ok := params.(onebot.SendPrivateMsgParams)
			require.True(t, ok)
			assert.Equal(t, alice.ID, p.UserID)

			// The pending entry is visible while the call is in flight.
			snap := h.view(t, alice)
			last := snap.Messages[len(snap.Messages)-1]
			assert.True(t, last.Pending)
			assert.Negative(t, last.ID)

			return json.RawMessage(`{"message_id":42}`), nil
		})

	sent, err := h.engine.SendOptimistic(context.Background(), alice, []models.Segment{models.TextSegment("hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(42), sent.ID)
	assert.False(t, sent.Pending)
	assert.True(t, sent.FromSelf)
	assert.Equal(t, int64(777), sent.Sender.UserID)

	snap := h.view(t, alice)
	assert.Equal(t, []int64{1, 2, 42}, ids(snap.Messages))
	assert.False(t, snap.Messages[2].Pending)
	assertStrictlyOrdered(t, snap.Messages)

	persisted, err := h.store.FindByServerID(alice, 42)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.False(t, persisted.Pending)

	sess, _ := h.registry.Get(alice)
	assert.Equal(t, "hello", sess.Preview)
}

func TestSendOptimistic_OwnEchoWinsRace(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSelfID(777)

	h.expectHistory(t, 0, nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionSendPrivateMsg, gomock.Any()).
		DoAndReturn(func(context.Context, string, any, ...transport.CallOption) (json.RawMessage, error) {
			h.engine.IngestPush(context.Background(), &onebot.MessageEvent{
				Time:        h.clock.Unix(),
				PostType:    onebot.PostMessageSent,
				MessageType: onebot.MessagePrivate,
				MessageID:   42,
				UserID:      777,
				TargetID:    onebot.FlexInt(alice.ID),
				Message:     json.RawMessage(`"hello"`),
			})

			return json.RawMessage(`{"message_id":42}`), nil
		})

	sent, err := h.engine.SendOptimistic(context.Background(), alice, []models.Segment{models.TextSegment("hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(42), sent.ID)

	assert.Equal(t, []int64{42}, ids(h.view(t, alice).Messages), "no duplicate of the pushed copy")

	sess, _ := h.registry.Get(alice)
	assert.Equal(t, 0, sess.Unread, "own messages are not unread")
}

func TestSendOptimistic_FailureThenRetry(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionSendPrivateMsg, gomock.Any()).
		Return(nil, chaterrors.ErrTimeout)

	failed, err := h.engine.SendOptimistic(context.Background(), alice, []models.Segment{models.TextSegment("hi")})
	require.ErrorIs(t, err, chaterrors.ErrTimeout)
	assert.True(t, failed.Failed)
	assert.False(t, failed.Pending)

	snap := h.view(t, alice)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Failed)

	persisted, err := h.store.Latest(alice, 10)
	require.NoError(t, err)
	assert.Empty(t, persisted, "failed sends are never persisted")

	h.expectSend(43)

	sent, err := h.engine.RetrySend(context.Background(), alice, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(43), sent.ID)
	assert.Equal(t, []int64{43}, ids(h.view(t, alice).Messages))

	_, err = h.engine.RetrySend(context.Background(), alice, failed.ID)
	assert.ErrorIs(t, err, chaterrors.ErrMessageNotFound)
}

func TestSendOptimistic_RemoteErrorThenDismiss(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, wireRange(1, 1))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	remote := &chaterrors.RemoteError{Action: onebot.ActionSendPrivateMsg, Retcode: 1200, Message: "blocked"}
	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionSendPrivateMsg, gomock.Any()).Return(nil, remote)

	failed, err := h.engine.SendOptimistic(context.Background(), alice, []models.Segment{models.TextSegment("hi")})
	require.Error(t, err)
	assert.True(t, chaterrors.IsRemote(err))

	require.NoError(t, h.engine.Dismiss(alice, failed.ID))
	assert.Equal(t, []int64{1}, ids(h.view(t, alice).Messages))

	assert.ErrorIs(t, h.engine.Dismiss(alice, failed.ID), chaterrors.ErrMessageNotFound)
	assert.ErrorIs(t, h.engine.Dismiss(team, failed.ID), chaterrors.ErrNotOpen)
}

func TestSendOptimistic_MalformedResultFails(t *testing.T) {
	h := newHarness(t)

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionSendGroupMsg, onebot.SendGroupMsgParams{
		GroupID: team.ID,
		Message: []models.Segment{models.TextSegment("hi")},
	}).Return(json.RawMessage(`{}`), nil)

	msg, err := h.engine.SendOptimistic(context.Background(), team, []models.Segment{models.TextSegment("hi")})
	require.ErrorIs(t, err, chaterrors.ErrParse)
	assert.True(t, msg.Failed)
}

func TestSendOptimistic_ClosedConversation(t *testing.T) {
	h := newHarness(t)
	h.expectSend(50)

	sent, err := h.engine.SendOptimistic(context.Background(), alice, []models.Segment{models.TextSegment("hi")})
	require.NoError(t, err)
	assert.Equal(t, int64(50), sent.ID)

	persisted, err := h.store.FindByServerID(alice, 50)
	require.NoError(t, err)
	assert.NotNil(t, persisted)
}

func TestSendOptimistic_SameSecondSendsToClosedConversationBothPersist(t *testing.T) {
	h := newHarness(t)
	gomock.InOrder(h.expectSend(100), h.expectSend(101))

	ctx := context.Background()
	_, err := h.engine.SendOptimistic(ctx, alice, []models.Segment{models.TextSegment("one")})
	require.NoError(t, err)
	_, err = h.engine.SendOptimistic(ctx, alice, []models.Segment{models.TextSegment("two")})
	require.NoError(t, err)

	got, err := h.store.Latest(alice, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, ids(got))
	assertStrictlyOrdered(t, got)

	first, err := h.store.FindByServerID(alice, 100)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "one", models.Summary(first.Segments))
}

func TestSendOptimistic_RejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.SendOptimistic(context.Background(), models.Peer{}, []models.Segment{models.TextSegment("x")})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidPeer)

	_, err = h.engine.SendOptimistic(context.Background(), alice, nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

// --- push ---

func groupPush(id int64, userID int64, text string) *onebot.MessageEvent {
	return &onebot.MessageEvent{
		Time:        at(id).Unix(),
		PostType:    onebot.PostMessage,
		MessageType: onebot.MessageGroup,
		MessageID:   onebot.FlexInt(id),
		MessageSeq:  onebot.FlexInt(id),
		UserID:      onebot.FlexInt(userID),
		GroupID:     onebot.FlexInt(team.ID),
		Sender:      onebot.Sender{UserID: onebot.FlexInt(userID), Nickname: "bob", Card: "Bob"},
		Message:     json.RawMessage(`[{"type":"text","data":{"text":"` + text + `"}}]`),
	}
}

func TestIngestPush_ClosedConversationCountsUnread(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSelfID(777)

	h.engine.IngestPush(context.Background(), groupPush(1, 55, "hi"))
	h.engine.IngestPush(context.Background(), groupPush(2, 55, "there"))
	h.engine.IngestPush(context.Background(), groupPush(3, 777, "mine"))

	sess, ok := h.registry.Get(team)
	require.True(t, ok)
	assert.Equal(t, 2, sess.Unread)
	assert.Equal(t, "Bob: mine", sess.Preview)

	got, err := h.store.Latest(team, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(got))
	assert.True(t, got[2].FromSelf)
}

func TestIngestPush_OpenConversationMerges(t *testing.T) {
	h := newHarness(t)

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetGroupMsgHistory, onebot.GroupHistoryParams{GroupID: team.ID, Count: pageSize}).
		Return(history(t, nil), nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), team))

	h.engine.IngestPush(context.Background(), groupPush(5, 55, "b"))
	h.engine.IngestPush(context.Background(), groupPush(4, 55, "a"))
	h.engine.IngestPush(context.Background(), groupPush(5, 55, "b"))

	snap := h.view(t, team)
	assert.Equal(t, []int64{4, 5}, ids(snap.Messages))
	assertStrictlyOrdered(t, snap.Messages)

	sess, _ := h.registry.Get(team)
	assert.Equal(t, 0, sess.Unread)
}

func TestIngestPush_DropsNonPositiveID(t *testing.T) {
	h := newHarness(t)

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetGroupMsgHistory, onebot.GroupHistoryParams{GroupID: team.ID, Count: pageSize}).
		Return(history(t, nil), nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), team))

	h.engine.IngestPush(context.Background(), groupPush(-12345, 55, "odd"))
	h.engine.IngestPush(context.Background(), groupPush(-12345, 55, "odd"))

	assert.Empty(t, h.view(t, team).Messages)

	got, err := h.store.Latest(team, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIngestPush_DirectSetsName(t *testing.T) {
	h := newHarness(t)

	h.engine.IngestPush(context.Background(), &onebot.MessageEvent{
		Time:        base.Unix(),
		PostType:    onebot.PostMessage,
		MessageType: onebot.MessagePrivate,
		MessageID:   9,
		UserID:      onebot.FlexInt(alice.ID),
		Sender:      onebot.Sender{UserID: onebot.FlexInt(alice.ID), Nickname: "Alice"},
		RawMessage:  "yo",
	})

	sess, ok := h.registry.Get(alice)
	require.True(t, ok)
	assert.Equal(t, "Alice", sess.Name)
	assert.Equal(t, "yo", sess.Preview)
	assert.Equal(t, 1, sess.Unread)
}

// --- notices ---

func TestApplyNotice_PatchesStoreAndTimeline(t *testing.T) {
	h := newHarness(t)

	h.expectHistory(t, 0, wireRange(1, 3))
	require.NoError(t, h.engine.OpenConversation(context.Background(), alice))

	ctx := context.Background()
	h.engine.ApplyNotice(ctx, onebot.RecallNotice{Peer: alice, MessageID: 1})
	h.engine.ApplyNotice(ctx, onebot.EssenceNotice{Peer: alice, MessageID: 2, Added: true})
	h.engine.ApplyNotice(ctx, onebot.ReactionNotice{Peer: alice, MessageID: 3, Likes: []models.Reaction{{EmojiID: "76", Count: 2}, {EmojiID: "10", Count: 1}}})
	h.engine.ApplyNotice(ctx, onebot.ReactionNotice{Peer: alice, MessageID: 3, Likes: []models.Reaction{{EmojiID: "10", Count: 0}}})

	snap := h.view(t, alice)
	assert.True(t, snap.Messages[0].Recalled)
	assert.True(t, snap.Messages[1].Essence)
	assert.Equal(t, []models.Reaction{{EmojiID: "76", Count: 2}}, snap.Messages[2].Reactions)

	recalled, err := h.store.FindByServerID(alice, 1)
	require.NoError(t, err)
	assert.True(t, recalled.Recalled)

	reacted, err := h.store.FindByServerID(alice, 3)
	require.NoError(t, err)
	assert.Equal(t, []models.Reaction{{EmojiID: "76", Count: 2}}, reacted.Reactions)
}

func TestApplyNotice_ClosedConversationPatchesStore(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutMessage(stored(alice, 1)))

	h.engine.ApplyNotice(context.Background(), onebot.RecallNotice{Peer: alice, MessageID: 1})

	m, err := h.store.FindByServerID(alice, 1)
	require.NoError(t, err)
	assert.True(t, m.Recalled)
}

func TestApplyNotice_SystemEntries(t *testing.T) {
	h := newHarness(t)

	h.caller.EXPECT().Call(gomock.Any(), onebot.ActionGetGroupMsgHistory, gomock.Any()).
		Return(history(t, nil), nil)
	require.NoError(t, h.engine.OpenConversation(context.Background(), team))

	h.engine.IngestPush(context.Background(), groupPush(10, 55, "before"))

	joined := onebot.SystemNotice{Peer: team, Kind: onebot.SystemMemberJoined, SubType: "approve", UserID: 66, Time: at(10)}
	h.engine.ApplyNotice(context.Background(), joined)
	h.engine.ApplyNotice(context.Background(), joined)

	snap := h.view(t, team)
	require.Len(t, snap.Messages, 3)
	assertStrictlyOrdered(t, snap.Messages)

	var system int
	for _, m := range snap.Messages {
		if m.System {
			system++
			assert.Negative(t, m.ID)
		}
	}
	assert.Equal(t, 2, system)

	got, err := h.store.Latest(team, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids(got), "system entries are not persisted")

	sess, _ := h.registry.Get(team)
	assert.Equal(t, joined.Text(), sess.Preview)
}

func TestLoadState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "loading_local", LoadingLocal.String())
	assert.Equal(t, "loading_cloud", LoadingCloud.String())
	assert.Equal(t, "LoadState(9)", LoadState(9).String())
}
