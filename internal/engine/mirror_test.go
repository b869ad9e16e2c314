package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/transport"
)

type memRepo struct {
	mu            sync.Mutex
	conversations map[string][]domain.ConversationSummary
	groups        map[string][]domain.Group
	messages      map[string][]domain.ChatMessage
}

func newMemRepo() *memRepo {
	return &memRepo{
		conversations: make(map[string][]domain.ConversationSummary),
		groups:        make(map[string][]domain.Group),
		messages:      make(map[string][]domain.ChatMessage),
	}
}

func (r *memRepo) SaveConversations(_ context.Context, owner string, convs []domain.ConversationSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[owner] = convs
	return nil
}

func (r *memRepo) ListConversations(_ context.Context, owner string) ([]domain.ConversationSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversations[owner], nil
}

func (r *memRepo) SaveMessages(_ context.Context, owner, key string, msgs []domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var durable []domain.ChatMessage
	for _, m := range msgs {
		if !m.IsEphemeral() {
			durable = append(durable, m)
		}
	}
	r.messages[owner+"/"+key] = durable
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, owner, key string, limit int) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[owner+"/"+key]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *memRepo) SaveGroups(_ context.Context, owner string, groups []domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[owner] = groups
	return nil
}

func (r *memRepo) ListGroups(_ context.Context, owner string) ([]domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[owner], nil
}

func TestCheckpointThenRestore(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()

	first := startEngine(t, func(o *Options) { o.Repository = repo })
	first.tr.push(t, transport.EventGroupSnapshot, transport.GroupListPayload{Groups: []domain.Group{{ID: "g1", Name: "Team"}}})
	first.tr.push(t, transport.EventDMNew, transport.MessagePayload{ChatMessage: messageFrom("m1", peerID, "hello", first.clock.Now())})
	_, err := first.engine.SendDirectMessage(ctx, peerID, domain.Draft{Content: "unconfirmed"})
	require.NoError(t, err)

	require.NoError(t, first.engine.Checkpoint(ctx))

	second := newEngine(t, func(o *Options) { o.Repository = repo })
	require.NoError(t, second.engine.Restore(ctx))
	second.start(t)

	convs, err := second.engine.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, dmKey, convs[0].Key)
	assert.Equal(t, 1, convs[0].UnreadCount)

	msgs, err := second.engine.Messages(ctx, dmKey)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	groups, err := second.engine.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Team", groups[0].Name)

	assert.ErrorIs(t, second.engine.Restore(ctx), ErrAlreadyRunning)
}

func TestCheckpointWithoutRepository(t *testing.T) {
	h := startEngine(t, nil)
	assert.NoError(t, h.engine.Checkpoint(context.Background()))
	assert.NoError(t, h.engine.Restore(context.Background()))
}

// gatedRepo holds ListConversations until released.
type gatedRepo struct {
	*memRepo
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) ListConversations(ctx context.Context, owner string) ([]domain.ConversationSummary, error) {
	close(r.entered)
	<-r.release
	return r.memRepo.ListConversations(ctx, owner)
}

func TestRunWaitsForRestore(t *testing.T) {
	repo := &gatedRepo{memRepo: newMemRepo(), entered: make(chan struct{}), release: make(chan struct{})}
	h := newEngine(t, func(o *Options) { o.Repository = repo })

	restored := make(chan error, 1)
	go func() { restored <- h.engine.Restore(context.Background()) }()
	<-repo.entered

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	assert.Never(t, func() bool {
		_, err := h.engine.State(ctx)
		return err == nil
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(repo.release)
	require.NoError(t, <-restored)
	require.Eventually(t, func() bool {
		state, err := h.engine.State(ctx)
		return err == nil && state == domain.Connected
	}, 2*time.Second, 5*time.Millisecond)
}
