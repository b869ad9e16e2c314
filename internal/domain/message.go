package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EphemeralPrefix marks ids of messages that exist only locally and have
// not been confirmed by the server yet.
const EphemeralPrefix = "temp-"

type MessageType string

const (
	MessageText         MessageType = "text"
	MessageImage        MessageType = "image"
	MessageVideo        MessageType = "video"
	MessageFile         MessageType = "file"
	MessageAudio        MessageType = "audio"
	MessageLocation     MessageType = "location"
	MessageContact      MessageType = "contact"
	MessagePoll         MessageType = "poll"
	MessageSystem       MessageType = "system"
	MessageBotCommand   MessageType = "bot_command"
	MessageTransaction  MessageType = "transaction"
	MessageCryptoAction MessageType = "crypto_action"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID              string          `json:"id"`
	SenderID        string          `json:"sender_id"`
	ConversationKey string          `json:"conversation_key,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	Content         string          `json:"content"`
	Type            MessageType     `json:"type"`
	Status          MessageStatus   `json:"status,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	Reactions       []Reaction      `json:"reactions,omitempty"`
	ParentMessageID *string         `json:"parent_message_id,omitempty"`
	ForwardedFrom   *string         `json:"forwarded_from,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Pinned          bool            `json:"pinned,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
	EditedAt        *time.Time      `json:"edited_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	// Joined fields
	SenderName string `json:"sender_name,omitempty"`
}

func (m *ChatMessage) IsEphemeral() bool {
	return strings.HasPrefix(m.ID, EphemeralPrefix)
}

// Clone returns a deep copy so snapshots handed to readers stay immutable.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), m.Metadata...)
	}
	return out
}

// Draft is what the caller supplies for a new outgoing message.
type Draft struct {
	SenderID        string          `json:"sender_id"`
	Content         string          `json:"content"`
	Type            MessageType     `json:"type,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	ParentMessageID *string         `json:"parent_message_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}
