package repository

import (
	"context"

	"github.com/vedran77/chatsync/internal/domain"
)

// MirrorRepository persists the local mirror between runs so the client can
// render something before the first snapshot arrives. The server stays the
// source of truth; everything here is overwritten on resync. Rows are scoped
// by the owner's primary participant id.
type MirrorRepository interface {
	SaveConversations(ctx context.Context, ownerID string, convs []domain.ConversationSummary) error
	ListConversations(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error)
	SaveMessages(ctx context.Context, ownerID, key string, msgs []domain.ChatMessage) error
	ListMessages(ctx context.Context, ownerID, key string, limit int) ([]domain.ChatMessage, error)
	SaveGroups(ctx context.Context, ownerID string, groups []domain.Group) error
	ListGroups(ctx context.Context, ownerID string) ([]domain.Group, error)
}
