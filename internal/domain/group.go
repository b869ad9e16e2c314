package domain

import (
	"encoding/json"
	"time"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleBot    = "bot"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

type Group struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     *string       `json:"description,omitempty"`
	Visibility      string        `json:"visibility"`
	CreatedBy       string        `json:"created_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Members         []GroupMember `json:"members,omitempty"`
	LastMessage     string        `json:"last_message,omitempty"`
	LastMessageTime *time.Time    `json:"last_message_time,omitempty"`
	UnreadCount     int           `json:"unread_count"`
}

type GroupMember struct {
	UserID          string          `json:"user_id"`
	Role            string          `json:"role"`
	DisplayName     string          `json:"display_name,omitempty"`
	BotCapabilities []BotCapability `json:"bot_capabilities,omitempty"`
	Permissions     []string        `json:"permissions,omitempty"`
	JoinedAt        time.Time       `json:"joined_at"`
}

func (m GroupMember) IsBot() bool {
	return m.Role == RoleBot
}

type BotCapability struct {
	Command     string          `json:"command"`
	Description string          `json:"description,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type Bot struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Capabilities []BotCapability `json:"capabilities,omitempty"`
}

// Clone deep-copies the member list.
func (g Group) Clone() Group {
	out := g
	if g.Members != nil {
		out.Members = make([]GroupMember, len(g.Members))
		copy(out.Members, g.Members)
	}
	return out
}
