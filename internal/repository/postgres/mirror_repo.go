package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vedran77/chatsync/internal/domain"
)

type MirrorRepo struct {
	pool *pgxpool.Pool
}

func NewMirrorRepo(pool *pgxpool.Pool) *MirrorRepo {
	return &MirrorRepo{pool: pool}
}

// SaveConversations replaces the owner's conversation list.
func (r *MirrorRepo) SaveConversations(ctx context.Context, ownerID string, convs []domain.ConversationSummary) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mirror_conversations WHERE owner_id = $1`, ownerID); err != nil {
			return err
		}

		query := `
			INSERT INTO mirror_conversations (owner_id, key, peer_kind, peer_value, peer_name,
				peer_avatar, last_message, last_message_time, unread_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		batch := &pgx.Batch{}
		for _, c := range convs {
			batch.Queue(query, ownerID, c.Key, string(c.Peer.Kind), c.Peer.Value, c.PeerName,
				c.PeerAvatar, c.LastMessage, c.LastMessageTime, c.UnreadCount)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *MirrorRepo) ListConversations(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error) {
	query := `
		SELECT key, peer_kind, peer_value, peer_name, peer_avatar,
			last_message, last_message_time, unread_count
		FROM mirror_conversations
		WHERE owner_id = $1
		ORDER BY last_message_time DESC NULLS LAST, key`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.ConversationSummary
	for rows.Next() {
		var c domain.ConversationSummary
		var kind string
		if err := rows.Scan(
			&c.Key, &kind, &c.Peer.Value, &c.PeerName, &c.PeerAvatar,
			&c.LastMessage, &c.LastMessageTime, &c.UnreadCount,
		); err != nil {
			return nil, err
		}
		c.Peer.Kind = domain.ParticipantKind(kind)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SaveMessages upserts durable messages. Ephemeral entries are skipped; they
// only make sense inside the process that created them.
func (r *MirrorRepo) SaveMessages(ctx context.Context, ownerID, key string, msgs []domain.ChatMessage) error {
	query := `
		INSERT INTO mirror_messages (owner_id, id, key, sender_id, group_id, content, type, status,
			attachments, reactions, parent_message_id, forwarded_from, metadata,
			pinned, deleted, edited_at, created_at, sender_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			content = EXCLUDED.content,
			status = EXCLUDED.status,
			attachments = EXCLUDED.attachments,
			reactions = EXCLUDED.reactions,
			metadata = EXCLUDED.metadata,
			pinned = EXCLUDED.pinned,
			deleted = EXCLUDED.deleted,
			edited_at = EXCLUDED.edited_at`

	batch := &pgx.Batch{}
	for i := range msgs {
		m := &msgs[i]
		if m.IsEphemeral() {
			continue
		}
		batch.Queue(query, ownerID, m.ID, key, m.SenderID, m.GroupID, m.Content, string(m.Type), string(m.Status),
			m.Attachments, m.Reactions, m.ParentMessageID, m.ForwardedFrom, m.Metadata,
			m.Pinned, m.Deleted, m.EditedAt, m.CreatedAt, m.SenderName)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("saving messages for %s: %w", key, err)
	}
	return nil
}

// ListMessages returns the newest limit messages for key in ascending order.
func (r *MirrorRepo) ListMessages(ctx context.Context, ownerID, key string, limit int) ([]domain.ChatMessage, error) {
	query := fmt.Sprintf(`
		SELECT id, sender_id, group_id, content, type, status, attachments, reactions,
			parent_message_id, forwarded_from, metadata, pinned, deleted, edited_at,
			created_at, sender_name
		FROM mirror_messages
		WHERE owner_id = $1 AND key = $2
		ORDER BY created_at DESC
		LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, ownerID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var msgType, status string
		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.GroupID, &m.Content, &msgType, &status,
			&m.Attachments, &m.Reactions, &m.ParentMessageID, &m.ForwardedFrom, &m.Metadata,
			&m.Pinned, &m.Deleted, &m.EditedAt, &m.CreatedAt, &m.SenderName,
		); err != nil {
			return nil, err
		}
		m.Type = domain.MessageType(msgType)
		m.Status = domain.MessageStatus(status)
		if m.GroupID == "" {
			m.ConversationKey = key
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveGroups replaces the owner's group list.
func (r *MirrorRepo) SaveGroups(ctx context.Context, ownerID string, groups []domain.Group) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mirror_groups WHERE owner_id = $1`, ownerID); err != nil {
			return err
		}

		query := `
			INSERT INTO mirror_groups (owner_id, id, name, description, visibility, created_by,
				created_at, members, last_message, last_message_time, unread_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		batch := &pgx.Batch{}
		for _, g := range groups {
			batch.Queue(query, ownerID, g.ID, g.Name, g.Description, g.Visibility, g.CreatedBy,
				g.CreatedAt, g.Members, g.LastMessage, g.LastMessageTime, g.UnreadCount)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *MirrorRepo) ListGroups(ctx context.Context, ownerID string) ([]domain.Group, error) {
	query := `
		SELECT id, name, description, visibility, created_by, created_at, members,
			last_message, last_message_time, unread_count
		FROM mirror_groups
		WHERE owner_id = $1
		ORDER BY last_message_time DESC NULLS LAST, id`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(
			&g.ID, &g.Name, &g.Description, &g.Visibility, &g.CreatedBy, &g.CreatedAt, &g.Members,
			&g.LastMessage, &g.LastMessageTime, &g.UnreadCount,
		); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
