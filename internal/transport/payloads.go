package transport

import (
	"encoding/json"
	"time"

	"github.com/vedran77/chatsync/internal/domain"
)

// --- Client → Server payloads ---

type RegisterPayload struct {
	UserID         string                 `json:"user_id"`
	ParticipantIDs []domain.ParticipantID `json:"participant_ids"`
	DisplayName    string                 `json:"display_name,omitempty"`
	AvatarURL      *string                `json:"avatar_url,omitempty"`
}

type UserPayload struct {
	UserID string `json:"user_id"`
}

type ConversationRoomPayload struct {
	ConversationKey string `json:"conversation_key"`
	UserID          string `json:"user_id"`
}

type HistoryRequest struct {
	ConversationKey string  `json:"conversation_key,omitempty"`
	GroupID         string  `json:"group_id,omitempty"`
	UserID          string  `json:"user_id"`
	Before          *string `json:"before,omitempty"`
	Limit           int     `json:"limit,omitempty"`
}

type DMSendPayload struct {
	TempID          string              `json:"temp_id"`
	ConversationKey string              `json:"conversation_key"`
	SenderID        string              `json:"sender_id"`
	RecipientID     string              `json:"recipient_id"`
	Content         string              `json:"content"`
	Type            domain.MessageType  `json:"type"`
	Attachments     []domain.Attachment `json:"attachments,omitempty"`
	ParentMessageID *string             `json:"parent_message_id,omitempty"`
	Metadata        json.RawMessage     `json:"metadata,omitempty"`
}

type GroupSendPayload struct {
	TempID          string              `json:"temp_id"`
	GroupID         string              `json:"group_id"`
	SenderID        string              `json:"sender_id"`
	Content         string              `json:"content"`
	Type            domain.MessageType  `json:"type"`
	Attachments     []domain.Attachment `json:"attachments,omitempty"`
	ParentMessageID *string             `json:"parent_message_id,omitempty"`
	Metadata        json.RawMessage     `json:"metadata,omitempty"`
}

type GroupCreateRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Visibility  string   `json:"visibility"`
	CreatorID   string   `json:"creator_id"`
	Members     []string `json:"members,omitempty"`
}

type GroupMembersRequest struct {
	GroupID string   `json:"group_id"`
	UserID  string   `json:"user_id"`
	Members []string `json:"members,omitempty"`
}

type UserSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type BotCommandPayload struct {
	TempID   string          `json:"temp_id,omitempty"`
	GroupID  string          `json:"group_id"`
	BotID    string          `json:"bot_id"`
	SenderID string          `json:"sender_id"`
	Command  string          `json:"command"`
	Args     json.RawMessage `json:"args,omitempty"`
}

type BotGroupRequest struct {
	GroupID string `json:"group_id,omitempty"`
	BotID   string `json:"bot_id"`
	UserID  string `json:"user_id"`
}

// CryptoIntentPayload announces a transaction the user intends to make.
// Execution happens outside this client.
type CryptoIntentPayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	SenderID        string `json:"sender_id"`
	Action          string `json:"action"`
	Chain           string `json:"chain,omitempty"`
	Asset           string `json:"asset,omitempty"`
	Amount          string `json:"amount,omitempty"`
	To              string `json:"to,omitempty"`
}

type ReactionRequest struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	UserID          string `json:"user_id"`
	Emoji           string `json:"emoji"`
}

type EditRequest struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	UserID          string `json:"user_id"`
	Content         string `json:"content"`
}

// MessageRef addresses one message for delete, pin, unpin and read.
type MessageRef struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	UserID          string `json:"user_id"`
}

type ForwardRequest struct {
	MessageID         string `json:"message_id"`
	FromKey           string `json:"from_key"`
	ToConversationKey string `json:"to_conversation_key,omitempty"`
	ToRecipientID     string `json:"to_recipient_id,omitempty"`
	ToGroupID         string `json:"to_group_id,omitempty"`
	SenderID          string `json:"sender_id"`
}

type MessageSearchRequest struct {
	Query           string `json:"query"`
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// TypingPayload travels both ways.
type TypingPayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name,omitempty"`
}

// --- Server → Client payloads ---

type RegisteredPayload struct {
	UserID string `json:"user_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type HistoryPayload struct {
	ConversationKey string               `json:"conversation_key,omitempty"`
	GroupID         string               `json:"group_id,omitempty"`
	Messages        []domain.ChatMessage `json:"messages"`
	HasMore         bool                 `json:"has_more"`
}

type MessagePayload struct {
	domain.ChatMessage
	ReceiverID    string              `json:"receiver_id,omitempty"`
	TempID        string              `json:"temp_id,omitempty"`
	SenderProfile *domain.UserProfile `json:"sender_profile,omitempty"`
}

type ReactionUpdatedPayload struct {
	MessageID       string            `json:"message_id"`
	ConversationKey string            `json:"conversation_key,omitempty"`
	GroupID         string            `json:"group_id,omitempty"`
	Reactions       []domain.Reaction `json:"reactions"`
}

type MessageEditedPayload struct {
	MessageID       string    `json:"message_id"`
	ConversationKey string    `json:"conversation_key,omitempty"`
	GroupID         string    `json:"group_id,omitempty"`
	Content         string    `json:"content"`
	EditedAt        time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
}

type MessagePinnedPayload struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	Pinned          bool   `json:"pinned"`
}

type ReadReceiptPayload struct {
	MessageID       string `json:"message_id"`
	ConversationKey string `json:"conversation_key,omitempty"`
	ReaderID        string `json:"reader_id"`
}

type PresencePayload struct {
	UserID     string                `json:"user_id"`
	Status     domain.PresenceStatus `json:"status"` // "online" | "away" | "offline"
	LastSeenAt *time.Time            `json:"last_seen_at,omitempty"`
}

type PresenceSnapshotPayload struct {
	Users []PresencePayload `json:"users"`
}

type UnreadCountsPayload struct {
	Counts map[string]int `json:"counts"`
}

// ConversationEntry is one conversation as the server describes it, used
// both for single patches and inside the list snapshot.
type ConversationEntry struct {
	Key             string              `json:"key"`
	PeerID          string              `json:"peer_id,omitempty"`
	Name            string              `json:"name,omitempty"`
	PeerProfile     *domain.UserProfile `json:"peer_profile,omitempty"`
	LastMessage     *string             `json:"last_message,omitempty"`
	LastMessageTime *time.Time          `json:"last_message_time,omitempty"`
	UnreadCount     *int                `json:"unread_count,omitempty"`
}

type ConversationListPayload struct {
	Conversations []ConversationEntry `json:"conversations"`
}

type GroupListPayload struct {
	Groups []domain.Group `json:"groups"`
}

type GroupCreatedPayload struct {
	Group domain.Group `json:"group"`
}

type GroupMembersPayload struct {
	GroupID string               `json:"group_id"`
	Members []domain.GroupMember `json:"members"`
}

type BotListPayload struct {
	Bots []domain.Bot `json:"bots"`
}

type BotAddedPayload struct {
	GroupID string             `json:"group_id"`
	Bot     domain.GroupMember `json:"bot"`
}

type BotRemovedPayload struct {
	GroupID string `json:"group_id"`
	BotID   string `json:"bot_id"`
}

type BotCapabilitiesPayload struct {
	BotID        string                 `json:"bot_id"`
	Capabilities []domain.BotCapability `json:"capabilities"`
}

type UserSearchResultsPayload struct {
	Query string               `json:"query"`
	Users []domain.UserProfile `json:"users"`
}

type MessageSearchResultsPayload struct {
	Query    string               `json:"query"`
	Messages []domain.ChatMessage `json:"messages"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
