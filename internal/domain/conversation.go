package domain

import "time"

type ConversationSummary struct {
	Key             string        `json:"key"`
	Peer            ParticipantID `json:"peer"`
	PeerName        string        `json:"peer_name"`
	PeerAvatar      *string       `json:"peer_avatar,omitempty"`
	LastMessage     string        `json:"last_message,omitempty"`
	LastMessageTime *time.Time    `json:"last_message_time,omitempty"`
	UnreadCount     int           `json:"unread_count"`
}

// ConversationPatch updates a single conversation. Nil fields are left alone.
type ConversationPatch struct {
	Key             string         `json:"key"`
	Peer            *ParticipantID `json:"peer,omitempty"`
	PeerName        *string        `json:"peer_name,omitempty"`
	PeerAvatar      *string        `json:"peer_avatar,omitempty"`
	LastMessage     *string        `json:"last_message,omitempty"`
	LastMessageTime *time.Time     `json:"last_message_time,omitempty"`
	UnreadCount     *int           `json:"unread_count,omitempty"`
}
