package transport

import (
	"encoding/json"
	"time"
)

// Lifecycle events reported by the transport itself.
const (
	EventConnect          = "connect"
	EventConnectError     = "connect_error"
	EventDisconnect       = "disconnect"
	EventReconnect        = "reconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectError   = "reconnect_error"
	EventReconnectFailed  = "reconnect_failed"
)

// Event types - Client → Server
const (
	EventIdentityRegister     = "identity.register"
	EventPresenceOnline       = "presence.online"
	EventJoinPersonalRoom     = "room.join_personal"
	EventUnreadFetch          = "unread.fetch"
	EventConversationList     = "conversation.list"
	EventGroupList            = "group.list"
	EventConversationJoin     = "conversation.join"
	EventConversationLeave    = "conversation.leave"
	EventConversationMarkRead = "conversation.mark_read"
	EventMessageHistory       = "message.history"
	EventDMSend               = "dm.send"
	EventGroupCreate          = "group.create"
	EventGroupJoin            = "group.join"
	EventGroupLeave           = "group.leave"
	EventGroupAddMembers      = "group.add_members"
	EventUserSearch           = "user.search"
	EventGroupMembersFetch    = "group.members"
	EventGroupSend            = "group.send"
	EventBotCommand           = "bot.command"
	EventBotList              = "bot.list"
	EventBotAdd               = "bot.add"
	EventBotRemove            = "bot.remove"
	EventBotCapabilities      = "bot.capabilities"
	EventCryptoIntent         = "crypto.intent"
	EventReactionAdd          = "reaction.add"
	EventReactionRemove       = "reaction.remove"
	EventMessageEdit          = "message.edit"
	EventMessageDelete        = "message.delete"
	EventMessageForward       = "message.forward"
	EventMessageRead          = "message.read"
	EventMessagePin           = "message.pin"
	EventMessageUnpin         = "message.unpin"
	EventMessageSearch        = "message.search"
	EventTyping               = "typing"
	EventTypingStop           = "typing.stop"
)

// Event types - Server → Client. Some names are shared with requests: the
// server answers a fetch with an event of the same name.
const (
	EventIdentityRegistered   = "identity.registered"
	EventHistory              = "message.history"
	EventGroupHistory         = "group.history"
	EventDMNew                = "dm.new"
	EventDMBroadcast          = "dm.broadcast"
	EventGroupMessage         = "group.message"
	EventReactionUpdated      = "reaction.updated"
	EventMessageEdited        = "message.edited"
	EventMessageDeleted       = "message.deleted"
	EventMessagePinned        = "message.pinned"
	EventMessageReadReceipt   = "message.read"
	EventPresence             = "presence"
	EventPresenceSnapshot     = "presence.snapshot"
	EventUnreadCounts         = "unread.counts"
	EventConversationUpdated  = "conversation.updated"
	EventConversationSnapshot = "conversation.list"
	EventGroupSnapshot        = "group.list"
	EventGroupCreated         = "group.created"
	EventGroupMembersAdded    = "group.members_added"
	EventGroupMembers         = "group.members"
	EventBotsAvailable        = "bot.list"
	EventBotAdded             = "bot.added"
	EventBotRemoved           = "bot.removed"
	EventBotCapabilitiesList  = "bot.capabilities"
	EventUserSearchResults    = "user.search_results"
	EventMessageSearchResults = "message.search_results"
	EventError                = "error"
)

// Event is the base envelope for everything on the channel.
type Event struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType string, payload any) (*Event, error) {
	evt := &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
	}
	if payload == nil {
		return evt, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	evt.Payload = data
	return evt, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// IsLifecycle reports whether the event was produced by the transport
// rather than the server.
func (e *Event) IsLifecycle() bool {
	switch e.Type {
	case EventConnect, EventConnectError, EventDisconnect, EventReconnect,
		EventReconnectAttempt, EventReconnectError, EventReconnectFailed:
		return true
	}
	return false
}
