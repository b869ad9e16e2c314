package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/connection"
	"github.com/vedran77/chatsync/internal/dispatch"
	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
	"github.com/vedran77/chatsync/internal/transport"
)

const (
	selfID = "0xAA11"
	peerID = "did:example:bb22"
	dmKey  = "0xAA11_did:example:bb22"
)

var baseResync = []string{
	transport.EventIdentityRegister,
	transport.EventPresenceOnline,
	transport.EventJoinPersonalRoom,
	transport.EventUnreadFetch,
	transport.EventConversationList,
	transport.EventGroupList,
}

type fakeTransport struct {
	mu       sync.Mutex
	sink     transport.Sink
	events   []transport.Event
	emitErrs map[string]error
	reply    func(evt transport.Event)
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Emit(_ context.Context, evt *transport.Event) error {
	f.mu.Lock()
	err := f.emitErrs[evt.Type]
	if err == nil {
		f.events = append(f.events, *evt)
	}
	reply := f.reply
	f.mu.Unlock()

	if err == nil && reply != nil {
		reply(*evt)
	}
	return err
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) failEmit(eventType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErrs == nil {
		f.emitErrs = make(map[string]error)
	}
	f.emitErrs[eventType] = err
}

func (f *fakeTransport) onEmit(reply func(evt transport.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
}

func (f *fakeTransport) take() []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeTransport) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	evt, err := transport.NewEvent(eventType, payload)
	require.NoError(t, err)
	f.sink(*evt)
}

func types(events []transport.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = evt.Type
	}
	return out
}

func ofType(events []transport.Event, eventType string) []transport.Event {
	var out []transport.Event
	for _, evt := range events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func immediate(_ time.Duration, f func()) func() {
	go f()
	return func() {}
}

type harness struct {
	engine *Engine
	tr     *fakeTransport
	clock  *testClock
}

func newEngine(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, clock: newTestClock()}
	opts := Options{
		Identity: domain.Identity{
			ParticipantIDs: []domain.ParticipantID{domain.ParseParticipantID(selfID)},
			DisplayName:    "Alice",
		},
		NewTransport: func(sink transport.Sink) transport.Transport {
			h.tr.sink = sink
			return h.tr
		},
		AutoReconnect: true,
		Clock:         h.clock.Now,
		Schedule:      immediate,
	}
	if configure != nil {
		configure(&opts)
	}
	h.engine = New(opts, zerolog.Nop())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})

	require.Eventually(t, func() bool {
		state, err := h.engine.State(context.Background())
		return err == nil && state == domain.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func startEngine(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := newEngine(t, configure)
	h.start(t)
	return h
}

func messageFrom(id, sender, content string, at time.Time) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        id,
		SenderID:  sender,
		Content:   content,
		Type:      domain.MessageText,
		CreatedAt: at,
	}
}

func TestDirectMessageRoundTrip(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()
	assert.Equal(t, baseResync, types(h.tr.take()))

	tempID, err := h.engine.SendDirectMessage(ctx, peerID, domain.Draft{Content: "hi"})
	require.NoError(t, err)

	sent := ofType(h.tr.take(), transport.EventDMSend)
	require.Len(t, sent, 1)
	var p transport.DMSendPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, dmKey, p.ConversationKey)
	assert.Equal(t, tempID, p.TempID)
	assert.Equal(t, selfID, p.SenderID)
	assert.Equal(t, peerID, p.RecipientID)
	assert.Equal(t, domain.MessageText, p.Type)

	msgs, err := h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusSending, msgs[0].Status)

	// The server confirms to the sender and fans out to every session.
	durable := messageFrom("m1", selfID, "hi", h.clock.Now().Add(200*time.Millisecond))
	durable.ConversationKey = dmKey
	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: durable, ReceiverID: peerID, TempID: tempID})
	h.tr.push(t, transport.EventDMBroadcast, transport.MessagePayload{ChatMessage: durable, ReceiverID: peerID})

	msgs, err = h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)

	convs, err := h.engine.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, dmKey, convs[0].Key)
	assert.Equal(t, "hi", convs[0].LastMessage)
	assert.Equal(t, 0, convs[0].UnreadCount)
	assert.Equal(t, domain.ParseParticipantID(peerID), convs[0].Peer)

	// The peer derives the same key from its side.
	peerKey, err := identity.CanonicalKey(domain.ParseParticipantID(peerID), domain.ParseParticipantID(selfID))
	require.NoError(t, err)
	assert.Equal(t, dmKey, peerKey)
}

func TestIncomingMessageCountsUnreadOnce(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	reply := messageFrom("m2", peerID, "hey", h.clock.Now())
	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: reply, ReceiverID: selfID})
	// Same message again under a key an older client built out of order.
	reply.ConversationKey = "did:example:bb22_0xAA11"
	h.tr.push(t, transport.EventDMBroadcast, transport.MessagePayload{ChatMessage: reply, ReceiverID: selfID})

	sum, ok, err := h.engine.Conversation(ctx, dmKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, sum.UnreadCount)
	assert.Equal(t, "hey", sum.LastMessage)

	msgs, err := h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	total, err := h.engine.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestActiveConversationSuppressesUnread(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()
	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: messageFrom("m1", peerID, "one", h.clock.Now())})
	h.tr.take()

	key, err := h.engine.OpenConversation(ctx, peerID)
	require.NoError(t, err)
	assert.Equal(t, dmKey, key)
	assert.Equal(t, []string{
		transport.EventConversationJoin,
		transport.EventMessageHistory,
		transport.EventConversationMarkRead,
	}, types(h.tr.take()))

	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: messageFrom("m2", peerID, "two", h.clock.Now())})

	sum, _, err := h.engine.Conversation(ctx, dmKey)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.UnreadCount)
	assert.Equal(t, "two", sum.LastMessage)

	// Opening by key is the same conversation.
	key, err = h.engine.OpenConversation(ctx, "did:example:bb22_0xAA11")
	require.NoError(t, err)
	assert.Equal(t, dmKey, key)
	assert.NotContains(t, types(h.tr.take()), transport.EventConversationLeave)

	require.NoError(t, h.engine.CloseConversation(ctx))
	assert.Equal(t, []string{transport.EventConversationLeave}, types(h.tr.take()))

	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: messageFrom("m3", peerID, "three", h.clock.Now())})
	sum, _, err = h.engine.Conversation(ctx, dmKey)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.UnreadCount)
}

func TestReconnectRejoinsActiveConversation(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	_, err := h.engine.OpenConversation(ctx, peerID)
	require.NoError(t, err)
	h.tr.take()

	h.tr.push(t, transport.EventDisconnect, transport.ErrorPayload{Code: "DROPPED", Message: "eof"})

	want := append(append([]string(nil), baseResync...), transport.EventConversationJoin, transport.EventMessageHistory)
	require.Eventually(t, func() bool { return h.tr.count() >= len(want) }, 2*time.Second, 5*time.Millisecond)

	events := h.tr.take()
	assert.Equal(t, want, types(events))

	var history transport.HistoryRequest
	require.NoError(t, events[len(events)-1].Decode(&history))
	assert.Equal(t, dmKey, history.ConversationKey)

	state, err := h.engine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Connected, state)
}

func TestUnacknowledgedSendFailsThenRetries(t *testing.T) {
	h := startEngine(t, func(o *Options) {
		o.SendTimeout = 30 * time.Second
		o.SweepInterval = 5 * time.Millisecond
	})
	ctx := context.Background()

	tempID, err := h.engine.SendDirectMessage(ctx, peerID, domain.Draft{Content: "anyone?"})
	require.NoError(t, err)

	h.clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		msgs, err := h.engine.Messages(ctx, dmKey)
		return err == nil && len(msgs) == 1 && msgs[0].Status == domain.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	h.tr.take()
	require.NoError(t, h.engine.RetrySend(ctx, dmKey, tempID))

	sent := ofType(h.tr.take(), transport.EventDMSend)
	require.Len(t, sent, 1)
	var p transport.DMSendPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, tempID, p.TempID)
	assert.Equal(t, "anyone?", p.Content)

	msgs, err := h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusSending, msgs[0].Status)

	require.NoError(t, h.engine.DiscardSend(ctx, dmKey, tempID))
	msgs, err = h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, h.engine.DiscardSend(ctx, dmKey, tempID), ErrNotPending)
	assert.ErrorIs(t, h.engine.RetrySend(ctx, dmKey, tempID), ErrNotPending)
}

func TestEmitFailureMarksMessageFailed(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()
	writeErr := errors.New("write closed")
	h.tr.failEmit(transport.EventDMSend, writeErr)

	tempID, err := h.engine.SendDirectMessage(ctx, peerID, domain.Draft{Content: "lost"})
	assert.ErrorIs(t, err, writeErr)
	assert.NotEmpty(t, tempID)

	msgs, err := h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, tempID, msgs[0].ID)
	assert.Equal(t, domain.StatusFailed, msgs[0].Status)
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	h := startEngine(t, nil)
	h.tr.take()

	_, err := h.engine.SendDirectMessage(context.Background(), peerID, domain.Draft{Content: "   "})
	require.Error(t, err)
	assert.Empty(t, h.tr.take())

	_, err = h.engine.SendDirectMessage(context.Background(), selfID, domain.Draft{Content: "me"})
	assert.ErrorIs(t, err, identity.ErrSelfConversation)
}

func TestGroupMessagesAndUnread(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()
	h.tr.push(t, transport.EventGroupSnapshot, transport.GroupListPayload{Groups: []domain.Group{{ID: "g1", Name: "Team"}}})

	tempID, err := h.engine.SendGroupMessage(ctx, "g1", domain.Draft{Content: "standup?"})
	require.NoError(t, err)
	require.Len(t, ofType(h.tr.take(), transport.EventGroupSend), 1)

	mine := messageFrom("gm1", selfID, "standup?", h.clock.Now())
	mine.GroupID = "g1"
	h.tr.push(t, transport.EventGroupMessage, transport.MessagePayload{ChatMessage: mine, TempID: tempID})

	theirs := messageFrom("gm2", peerID, "in 5", h.clock.Now().Add(time.Second))
	theirs.GroupID = "g1"
	h.tr.push(t, transport.EventGroupMessage, transport.MessagePayload{ChatMessage: theirs})
	h.tr.push(t, transport.EventGroupMessage, transport.MessagePayload{ChatMessage: theirs})

	msgs, err := h.engine.Messages(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "gm1", msgs[0].ID)
	assert.Equal(t, "gm2", msgs[1].ID)

	groups, err := h.engine.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].UnreadCount)
	assert.Equal(t, "in 5", groups[0].LastMessage)

	h.tr.push(t, transport.EventUnreadCounts, transport.UnreadCountsPayload{Counts: map[string]int{"g1": 5, dmKey: 2}})
	total, err := h.engine.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	require.NoError(t, h.engine.OpenGroup(ctx, "g1"))
	total, err = h.engine.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTypingIsThrottledPerRoom(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Typing(ctx, true), ErrNoActiveConversation)

	_, err := h.engine.OpenConversation(ctx, peerID)
	require.NoError(t, err)
	h.tr.take()

	require.NoError(t, h.engine.Typing(ctx, true))
	require.NoError(t, h.engine.Typing(ctx, true))
	require.NoError(t, h.engine.Typing(ctx, false))
	assert.Equal(t, []string{transport.EventTyping, transport.EventTypingStop}, types(h.tr.take()))

	h.clock.Advance(typingInterval)
	require.NoError(t, h.engine.Typing(ctx, true))
	assert.Equal(t, []string{transport.EventTyping}, types(h.tr.take()))
}

func TestPeerTypingClearedByMessage(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	h.tr.push(t, transport.EventTyping, transport.TypingPayload{ConversationKey: dmKey, UserID: peerID, DisplayName: "Bob"})
	names, err := h.engine.WhoIsTyping(ctx, dmKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, names)

	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: messageFrom("m1", peerID, "done", h.clock.Now())})
	names, err = h.engine.WhoIsTyping(ctx, dmKey)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRequestsResolveThroughEngine(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	h.tr.onEmit(func(evt transport.Event) {
		switch evt.Type {
		case transport.EventUserSearch:
			resp, _ := transport.NewEvent(transport.EventUserSearchResults, transport.UserSearchResultsPayload{
				Query: "bob",
				Users: []domain.UserProfile{{ID: peerID, DisplayName: "Bob"}},
			})
			resp.RequestID = evt.RequestID
			h.tr.sink(*resp)
		case transport.EventGroupCreate:
			resp, _ := transport.NewEvent(transport.EventError, transport.ErrorPayload{Code: "FORBIDDEN", Message: "no"})
			resp.RequestID = evt.RequestID
			h.tr.sink(*resp)
		}
	})

	users, err := h.engine.SearchUsers(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Bob", users[0].DisplayName)

	_, err = h.engine.CreateGroup(ctx, "Team", "", domain.VisibilityPrivate, []string{peerID})
	var serverErr *dispatch.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "FORBIDDEN", serverErr.Code)
	assert.ErrorIs(t, err, dispatch.ErrRejected)
}

func TestCommandsBeforeRun(t *testing.T) {
	h := newEngine(t, nil)
	ctx := context.Background()

	_, err := h.engine.SendDirectMessage(ctx, peerID, domain.Draft{Content: "hi"})
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = h.engine.Conversations(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunTwice(t *testing.T) {
	h := startEngine(t, nil)
	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrAlreadyRunning)
}

func TestConnectionChangesAreObserved(t *testing.T) {
	var mu sync.Mutex
	var states []domain.ConnectionState
	startEngine(t, func(o *Options) {
		o.OnChange = func(c Change) {
			if c.Kind != ChangeConnection {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			states = append(states, c.State)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnectionState{domain.Connecting, domain.Connected}, states)
}

func TestRetryConnectionAfterGivingUp(t *testing.T) {
	dialErr := errors.New("refused")
	h := newEngine(t, func(o *Options) {
		o.Backoff = connection.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2, MaxAttempts: 1}
	})
	flaky := &flakyTransport{fakeTransport: h.tr, failures: 2, err: dialErr}
	h.engine.conn = connection.NewManager(flaky, h.engine, connection.Options{
		Backoff:       h.engine.opts.Backoff,
		AutoReconnect: true,
		Schedule:      immediate,
		Post:          func(f func()) { h.engine.post(f) },
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, err := h.engine.State(ctx)
		return err == nil && state == domain.Failed
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.RetryConnection(ctx))
	require.Eventually(t, func() bool {
		state, err := h.engine.State(ctx)
		return err == nil && state == domain.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

type flakyTransport struct {
	*fakeTransport
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func TestPeerSeesSameConversationFromHistory(t *testing.T) {
	h := startEngine(t, func(o *Options) {
		o.Identity = domain.Identity{ParticipantIDs: []domain.ParticipantID{domain.ParseParticipantID(peerID)}}
	})
	ctx := context.Background()
	h.tr.take()

	key, err := h.engine.OpenConversation(ctx, selfID)
	require.NoError(t, err)
	assert.Equal(t, dmKey, key)

	history := ofType(h.tr.take(), transport.EventMessageHistory)
	require.Len(t, history, 1)
	var req transport.HistoryRequest
	require.NoError(t, history[0].Decode(&req))
	assert.Equal(t, dmKey, req.ConversationKey)

	hi := messageFrom("m1", selfID, "hi", h.clock.Now())
	hi.ConversationKey = dmKey
	h.tr.push(t, transport.EventHistory, transport.HistoryPayload{ConversationKey: dmKey, Messages: []domain.ChatMessage{hi}})
	// The live copy lands after the page that already carried it.
	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: hi, ReceiverID: peerID})
	// A page under the legacy key is the same conversation.
	h.tr.push(t, transport.EventHistory, transport.HistoryPayload{ConversationKey: "did:example:bb22_0xAA11", Messages: []domain.ChatMessage{hi}})

	msgs, err := h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, selfID, msgs[0].SenderID)

	convs, err := h.engine.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, dmKey, convs[0].Key)
	assert.Equal(t, domain.ParseParticipantID(selfID), convs[0].Peer)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestGroupHistoryMergesWithLiveMessages(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()
	h.tr.push(t, transport.EventGroupSnapshot, transport.GroupListPayload{Groups: []domain.Group{{ID: "g1", Name: "Team"}}})

	first := messageFrom("gm1", peerID, "morning", h.clock.Now())
	first.GroupID = "g1"
	second := messageFrom("gm2", peerID, "anyone?", h.clock.Now().Add(time.Second))
	second.GroupID = "g1"

	h.tr.push(t, transport.EventGroupMessage, transport.MessagePayload{ChatMessage: second})
	h.tr.push(t, transport.EventGroupHistory, transport.HistoryPayload{GroupID: "g1", Messages: []domain.ChatMessage{first, second}})

	msgs, err := h.engine.Messages(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "gm1", msgs[0].ID)
	assert.Equal(t, "gm2", msgs[1].ID)
}

func TestBroadcastBeforeEchoReconcilesOnce(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	tempID, err := h.engine.SendDirectMessage(ctx, peerID, domain.Draft{Content: "hi  "})
	require.NoError(t, err)

	durable := messageFrom("m1", selfID, "hi", h.clock.Now().Add(300*time.Millisecond))
	durable.ConversationKey = dmKey
	// The fan-out copy carries no temp id and beats the sender's echo.
	h.tr.push(t, transport.EventDMBroadcast, transport.MessagePayload{ChatMessage: durable, ReceiverID: peerID})

	msgs, err := h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)

	h.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: durable, ReceiverID: peerID, TempID: tempID})

	msgs, err = h.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	sum, _, err := h.engine.Conversation(ctx, dmKey)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.UnreadCount)
	assert.ErrorIs(t, h.engine.RetrySend(ctx, dmKey, tempID), ErrNotPending)
}

func TestServerCountForOpenRoomIsMarkedRead(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	_, err := h.engine.OpenConversation(ctx, peerID)
	require.NoError(t, err)
	h.tr.take()

	h.tr.push(t, transport.EventUnreadCounts, transport.UnreadCountsPayload{Counts: map[string]int{dmKey: 3, "0xAA11_0xCC33": 2}})

	sum, _, err := h.engine.Conversation(ctx, dmKey)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.UnreadCount)
	total, err := h.engine.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	reads := ofType(h.tr.take(), transport.EventConversationMarkRead)
	require.Len(t, reads, 1)
	var p transport.ConversationRoomPayload
	require.NoError(t, reads[0].Decode(&p))
	assert.Equal(t, dmKey, p.ConversationKey)

	// Nothing to clear, nothing sent.
	h.tr.push(t, transport.EventUnreadCounts, transport.UnreadCountsPayload{Counts: map[string]int{dmKey: 0}})
	_, err = h.engine.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Empty(t, ofType(h.tr.take(), transport.EventConversationMarkRead))
}

func TestBotAndPresenceReads(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()

	caps := []domain.BotCapability{{Command: "/price", Description: "Quote a token"}}
	h.tr.push(t, transport.EventBotsAvailable, transport.BotListPayload{Bots: []domain.Bot{{ID: "bot-1", Name: "Pricer"}}})
	h.tr.push(t, transport.EventBotCapabilitiesList, transport.BotCapabilitiesPayload{BotID: "bot-1", Capabilities: caps})
	h.tr.push(t, transport.EventGroupSnapshot, transport.GroupListPayload{Groups: []domain.Group{{
		ID: "g1",
		Members: []domain.GroupMember{
			{UserID: peerID, Role: "member"},
			{UserID: "bot-1", Role: domain.RoleBot},
		},
	}}})
	h.tr.push(t, transport.EventPresenceSnapshot, transport.PresenceSnapshotPayload{Users: []transport.PresencePayload{
		{UserID: peerID, Status: domain.PresenceOnline},
		{UserID: "0xCC33", Status: domain.PresenceOffline},
	}})

	bots, err := h.engine.AvailableBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, caps, bots[0].Capabilities)

	got, ok, err := h.engine.BotCapabilities(ctx, "bot-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, caps, got)
	_, ok, err = h.engine.BotCapabilities(ctx, "bot-2")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := h.engine.GroupBots(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bot-1", members[0].UserID)

	online, err := h.engine.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{peerID}, online)
}

func TestLeavingRoomDropsTypingLimiter(t *testing.T) {
	h := startEngine(t, nil)
	ctx := context.Background()
	limiters := func() int {
		n, err := query(ctx, h.engine, func() (int, error) { return len(h.engine.typing), nil })
		require.NoError(t, err)
		return n
	}

	_, err := h.engine.OpenConversation(ctx, peerID)
	require.NoError(t, err)
	require.NoError(t, h.engine.Typing(ctx, true))
	assert.Equal(t, 1, limiters())

	require.NoError(t, h.engine.OpenGroup(ctx, "g1"))
	require.NoError(t, h.engine.Typing(ctx, true))
	assert.Equal(t, 1, limiters())

	require.NoError(t, h.engine.CloseConversation(ctx))
	assert.Equal(t, 0, limiters())
}
