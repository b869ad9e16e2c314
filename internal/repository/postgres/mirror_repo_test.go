package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/database"
	"github.com/vedran77/chatsync/internal/domain"
)

// Set CHATSYNC_TEST_DATABASE_URL to a scratch database to run these.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CHATSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

func TestMirrorConversationsRoundTrip(t *testing.T) {
	repo := NewMirrorRepo(testPool(t))
	ctx := context.Background()
	owner := "0xAA11-" + time.Now().Format("150405.000000")
	at := time.Now().UTC().Truncate(time.Microsecond)

	convs := []domain.ConversationSummary{
		{
			Key:             "0xAA11_did:example:bb22",
			Peer:            domain.ParticipantID{Kind: domain.KindDecentralizedID, Value: "did:example:bb22"},
			PeerName:        "Bob",
			LastMessage:     "hi",
			LastMessageTime: &at,
			UnreadCount:     2,
		},
		{Key: "0xAA11_0xCC33", Peer: domain.ParticipantID{Kind: domain.KindChainAddress, Value: "0xCC33"}},
	}
	require.NoError(t, repo.SaveConversations(ctx, owner, convs))
	require.NoError(t, repo.SaveConversations(ctx, owner, convs[:1]))

	got, err := repo.ListConversations(ctx, owner)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, convs[0].Key, got[0].Key)
	assert.Equal(t, convs[0].Peer, got[0].Peer)
	assert.Equal(t, 2, got[0].UnreadCount)
	assert.True(t, at.Equal(*got[0].LastMessageTime))
}

func TestMirrorMessagesUpsertAndOrder(t *testing.T) {
	repo := NewMirrorRepo(testPool(t))
	ctx := context.Background()
	owner := "0xAA11-" + time.Now().Format("150405.000000")
	key := "0xAA11_did:example:bb22"
	base := time.Now().UTC().Truncate(time.Microsecond)

	msgs := []domain.ChatMessage{
		{ID: "m1", SenderID: "0xAA11", Content: "one", Type: domain.MessageText, Status: domain.StatusSent, CreatedAt: base},
		{ID: "m2", SenderID: "did:example:bb22", Content: "two", Type: domain.MessageText, Status: domain.StatusSent, CreatedAt: base.Add(time.Second),
			Reactions: []domain.Reaction{{UserID: "0xAA11", Emoji: "👍", CreatedAt: base}}},
		{ID: "temp-x", SenderID: "0xAA11", Content: "pending", Status: domain.StatusSending, CreatedAt: base.Add(2 * time.Second)},
	}
	require.NoError(t, repo.SaveMessages(ctx, owner, key, msgs))

	msgs[0].Content = "one (edited)"
	require.NoError(t, repo.SaveMessages(ctx, owner, key, msgs[:1]))

	got, err := repo.ListMessages(ctx, owner, key, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "one (edited)", got[0].Content)
	assert.Equal(t, key, got[0].ConversationKey)
	require.Len(t, got[1].Reactions, 1)
	assert.Equal(t, "👍", got[1].Reactions[0].Emoji)
}

func TestMirrorGroupsRoundTrip(t *testing.T) {
	repo := NewMirrorRepo(testPool(t))
	ctx := context.Background()
	owner := "0xAA11-" + time.Now().Format("150405.000000")

	groups := []domain.Group{{
		ID:         "g1",
		Name:       "General",
		Visibility: domain.VisibilityPublic,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Members:    []domain.GroupMember{{UserID: "0xAA11", Role: domain.RoleOwner}},
	}}
	require.NoError(t, repo.SaveGroups(ctx, owner, groups))

	got, err := repo.ListGroups(ctx, owner)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "General", got[0].Name)
	require.Len(t, got[0].Members, 1)
	assert.Equal(t, domain.RoleOwner, got[0].Members[0].Role)
}
