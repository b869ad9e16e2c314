package engine

import (
	"github.com/vedran77/chatsync/internal/connection"
	"github.com/vedran77/chatsync/internal/transport"
)

// The engine is the connection manager's session. These are only called on
// the engine goroutine.

func (e *Engine) UserID() string {
	return e.self.Primary().Value
}

func (e *Engine) Registration() transport.RegisterPayload {
	return transport.RegisterPayload{
		UserID:         e.UserID(),
		ParticipantIDs: e.self.ParticipantIDs,
		DisplayName:    e.self.DisplayName,
		AvatarURL:      e.self.AvatarURL,
	}
}

func (e *Engine) ActiveRoom() (connection.Room, bool) {
	if key, ok := e.conversations.Active(); ok {
		return connection.Room{Key: key}, true
	}
	if groupID, ok := e.groups.Active(); ok {
		return connection.Room{Key: groupID, Group: true}, true
	}
	return connection.Room{}, false
}
