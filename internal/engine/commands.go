package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
	"github.com/vedran77/chatsync/internal/transport"
	"github.com/vedran77/chatsync/pkg/validator"
)

// SendDirectMessage shows the message locally right away and emits it to the
// peer. It returns the temp id of the local copy; when the emit fails the
// copy stays in the list marked failed and the error is returned as well.
func (e *Engine) SendDirectMessage(ctx context.Context, peer string, draft domain.Draft) (string, error) {
	if err := validator.ValidateMessage(draft.Content, len(draft.Attachments)).Err(); err != nil {
		return "", err
	}
	peerID := domain.ParseParticipantID(peer)

	return query(ctx, e, func() (string, error) {
		key, err := identity.KeyFor(e.self, peerID)
		if err != nil {
			return "", err
		}
		local, ok := e.self.OfKind(peerID.Kind)
		if !ok {
			local = e.self.Primary()
		}
		draft.SenderID = local.Value

		tempID := e.messages.AppendOptimistic(key, draft)
		e.conversations.ApplyLocalSend(key, peerID, draft.Content, e.now())
		e.notify(Change{Kind: ChangeMessages, Key: key})
		e.notify(Change{Kind: ChangeConversations, Key: key})

		return tempID, e.emitDirect(ctx, key, peerID, tempID, draft)
	})
}

func (e *Engine) emitDirect(ctx context.Context, key string, peer domain.ParticipantID, tempID string, draft domain.Draft) error {
	msgType := draft.Type
	if msgType == "" {
		msgType = domain.MessageText
	}
	err := e.conn.Emit(ctx, transport.EventDMSend, transport.DMSendPayload{
		TempID:          tempID,
		ConversationKey: key,
		SenderID:        draft.SenderID,
		RecipientID:     peer.Value,
		Content:         draft.Content,
		Type:            msgType,
		Attachments:     draft.Attachments,
		ParentMessageID: draft.ParentMessageID,
		Metadata:        draft.Metadata,
	})
	if err != nil {
		e.failSend(key, tempID, err)
	}
	return err
}

// SendGroupMessage is SendDirectMessage for a group.
func (e *Engine) SendGroupMessage(ctx context.Context, groupID string, draft domain.Draft) (string, error) {
	if err := validator.ValidateMessage(draft.Content, len(draft.Attachments)).Err(); err != nil {
		return "", err
	}

	return query(ctx, e, func() (string, error) {
		draft.SenderID = e.UserID()
		tempID := e.messages.AppendOptimistic(groupID, draft)
		e.groups.ApplyIncoming(groupID, draft.Content, e.now(), true)
		e.notify(Change{Kind: ChangeMessages, Key: groupID})

		return tempID, e.emitGroup(ctx, groupID, tempID, draft)
	})
}

func (e *Engine) emitGroup(ctx context.Context, groupID, tempID string, draft domain.Draft) error {
	msgType := draft.Type
	if msgType == "" {
		msgType = domain.MessageText
	}
	err := e.conn.Emit(ctx, transport.EventGroupSend, transport.GroupSendPayload{
		TempID:          tempID,
		GroupID:         groupID,
		SenderID:        draft.SenderID,
		Content:         draft.Content,
		Type:            msgType,
		Attachments:     draft.Attachments,
		ParentMessageID: draft.ParentMessageID,
		Metadata:        draft.Metadata,
	})
	if err != nil {
		e.failSend(groupID, tempID, err)
	}
	return err
}

func (e *Engine) failSend(key, tempID string, err error) {
	e.messages.MarkFailed(key, tempID)
	e.metrics.SendFailures.Inc()
	e.log.Warn().Err(err).Str("key", key).Str("temp_id", tempID).Msg("Send failed")
	e.notify(Change{Kind: ChangeMessages, Key: key})
}

// RetrySend re-emits a failed message under its original temp id.
func (e *Engine) RetrySend(ctx context.Context, key, tempID string) error {
	return e.do(ctx, func() error {
		msg, ok := e.messages.Retry(key, tempID)
		if !ok {
			return ErrNotPending
		}
		e.notify(Change{Kind: ChangeMessages, Key: key})

		draft := domain.Draft{
			SenderID:        msg.SenderID,
			Content:         msg.Content,
			Type:            msg.Type,
			Attachments:     msg.Attachments,
			ParentMessageID: msg.ParentMessageID,
			Metadata:        msg.Metadata,
		}
		if _, isGroup := e.groups.Get(key); isGroup {
			return e.emitGroup(ctx, key, tempID, draft)
		}
		peer, ok := identity.Peer(e.self, key)
		if !ok {
			return fmt.Errorf("no peer in %q", key)
		}
		return e.emitDirect(ctx, key, peer, tempID, draft)
	})
}

// DiscardSend drops a local message that was never confirmed.
func (e *Engine) DiscardSend(ctx context.Context, key, tempID string) error {
	return e.do(ctx, func() error {
		if !e.messages.Rollback(key, tempID) {
			return ErrNotPending
		}
		e.notify(Change{Kind: ChangeMessages, Key: key})
		return nil
	})
}

// OpenConversation makes the conversation with target active. target is a
// peer id or a conversation key. It returns the canonical key.
func (e *Engine) OpenConversation(ctx context.Context, target string) (string, error) {
	return query(ctx, e, func() (string, error) {
		key := identity.Normalize(target)
		if _, ok := identity.Peer(e.self, key); !ok {
			var err error
			if key, err = identity.KeyFor(e.self, domain.ParseParticipantID(target)); err != nil {
				return "", err
			}
		}

		e.leaveActive(ctx, key)
		e.groups.ClearActive()
		e.conversations.SetActive(key)
		e.notify(Change{Kind: ChangeConversations, Key: key})

		user := e.UserID()
		if err := e.conn.Emit(ctx, transport.EventConversationJoin, transport.ConversationRoomPayload{ConversationKey: key, UserID: user}); err != nil {
			return key, err
		}
		if err := e.conn.Emit(ctx, transport.EventMessageHistory, transport.HistoryRequest{ConversationKey: key, UserID: user, Limit: DefaultHistoryLimit}); err != nil {
			return key, err
		}
		return key, e.readActive(ctx)
	})
}

// OpenGroup makes a group the active room.
func (e *Engine) OpenGroup(ctx context.Context, groupID string) error {
	return e.do(ctx, func() error {
		e.leaveActive(ctx, groupID)
		e.conversations.ClearActive()
		e.groups.SetActive(groupID)
		e.notify(Change{Kind: ChangeGroups, Key: groupID})

		user := e.UserID()
		if err := e.conn.Emit(ctx, transport.EventGroupJoin, transport.GroupMembersRequest{GroupID: groupID, UserID: user}); err != nil {
			return err
		}
		if err := e.conn.Emit(ctx, transport.EventMessageHistory, transport.HistoryRequest{GroupID: groupID, UserID: user, Limit: DefaultHistoryLimit}); err != nil {
			return err
		}
		return e.readActive(ctx)
	})
}

// CloseConversation leaves whatever room is active.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.leaveActive(ctx, "")
		e.conversations.ClearActive()
		e.groups.ClearActive()
		return nil
	})
}

func (e *Engine) leaveActive(ctx context.Context, next string) {
	room, ok := e.ActiveRoom()
	if !ok || room.Key == next {
		return
	}
	delete(e.typing, room.Key)
	var err error
	if room.Group {
		err = e.conn.Emit(ctx, transport.EventGroupLeave, transport.GroupMembersRequest{GroupID: room.Key, UserID: e.UserID()})
	} else {
		err = e.conn.Emit(ctx, transport.EventConversationLeave, transport.ConversationRoomPayload{ConversationKey: room.Key, UserID: e.UserID()})
	}
	if err != nil {
		e.log.Debug().Err(err).Str("key", room.Key).Msg("Leave not sent")
	}
}

// MarkRead clears the active room's unread count locally and on the server.
func (e *Engine) MarkRead(ctx context.Context) error {
	return e.do(ctx, func() error {
		return e.readActive(ctx)
	})
}

func (e *Engine) readActive(ctx context.Context) error {
	kind := ChangeConversations
	key, err := e.conversations.MarkRead()
	if err != nil {
		groupID, ok := e.groups.Active()
		if !ok {
			return err
		}
		e.groups.MarkRead(groupID)
		key, kind = groupID, ChangeGroups
	}
	e.notify(Change{Kind: kind, Key: key})
	return e.conn.Emit(ctx, transport.EventConversationMarkRead, transport.ConversationRoomPayload{ConversationKey: key, UserID: e.UserID()})
}

// rereadActive marks the open room read again when a server count shows
// unread messages in it.
func (e *Engine) rereadActive() {
	room, ok := e.ActiveRoom()
	if !ok {
		return
	}
	unread := e.groups.Unread(room.Key)
	if !room.Group {
		sum, _ := e.conversations.Get(room.Key)
		unread = sum.UnreadCount
	}
	if unread == 0 {
		return
	}
	if err := e.readActive(e.runCtx); err != nil {
		e.log.Debug().Err(err).Str("key", room.Key).Msg("Mark read not sent")
	}
}

// LoadOlder asks for the page of history before the oldest message we have.
func (e *Engine) LoadOlder(ctx context.Context) error {
	return e.do(ctx, func() error {
		room, ok := e.ActiveRoom()
		if !ok {
			return ErrNoActiveConversation
		}
		req := transport.HistoryRequest{UserID: e.UserID(), Limit: DefaultHistoryLimit}
		if room.Group {
			req.GroupID = room.Key
		} else {
			req.ConversationKey = room.Key
		}
		for _, m := range e.messages.Messages(room.Key) {
			if !m.IsEphemeral() {
				id := m.ID
				req.Before = &id
				break
			}
		}
		return e.conn.Emit(ctx, transport.EventMessageHistory, req)
	})
}

// React adds or removes an emoji reaction. The server answers with
// reaction.updated for everyone in the room.
func (e *Engine) React(ctx context.Context, msgID, emoji string, remove bool) error {
	eventType := transport.EventReactionAdd
	if remove {
		eventType = transport.EventReactionRemove
	}
	return e.do(ctx, func() error {
		req := transport.ReactionRequest{MessageID: msgID, UserID: e.UserID(), Emoji: emoji}
		if err := e.addressMessage(msgID, &req.ConversationKey, &req.GroupID); err != nil {
			return err
		}
		return e.conn.Emit(ctx, eventType, req)
	})
}

func (e *Engine) EditMessage(ctx context.Context, msgID, content string) error {
	if err := validator.ValidateMessage(content, 0).Err(); err != nil {
		return err
	}
	return e.do(ctx, func() error {
		req := transport.EditRequest{MessageID: msgID, UserID: e.UserID(), Content: content}
		if err := e.addressMessage(msgID, &req.ConversationKey, &req.GroupID); err != nil {
			return err
		}
		return e.conn.Emit(ctx, transport.EventMessageEdit, req)
	})
}

func (e *Engine) DeleteMessage(ctx context.Context, msgID string) error {
	return e.emitRef(ctx, transport.EventMessageDelete, msgID)
}

func (e *Engine) PinMessage(ctx context.Context, msgID string, pinned bool) error {
	if pinned {
		return e.emitRef(ctx, transport.EventMessagePin, msgID)
	}
	return e.emitRef(ctx, transport.EventMessageUnpin, msgID)
}

// MarkMessageRead sends a read receipt for one message.
func (e *Engine) MarkMessageRead(ctx context.Context, msgID string) error {
	return e.emitRef(ctx, transport.EventMessageRead, msgID)
}

func (e *Engine) emitRef(ctx context.Context, eventType, msgID string) error {
	return e.do(ctx, func() error {
		ref := transport.MessageRef{MessageID: msgID, UserID: e.UserID()}
		if err := e.addressMessage(msgID, &ref.ConversationKey, &ref.GroupID); err != nil {
			return err
		}
		return e.conn.Emit(ctx, eventType, ref)
	})
}

// ForwardMessage forwards a stored message to a peer or, with toGroup set,
// to a group.
func (e *Engine) ForwardMessage(ctx context.Context, msgID, to string, toGroup bool) error {
	return e.do(ctx, func() error {
		from, ok := e.messages.Locate(msgID)
		if !ok {
			return ErrUnknownMessage
		}
		req := transport.ForwardRequest{MessageID: msgID, FromKey: from, SenderID: e.UserID()}
		if toGroup {
			req.ToGroupID = to
		} else {
			peer := domain.ParseParticipantID(to)
			key, err := identity.KeyFor(e.self, peer)
			if err != nil {
				return err
			}
			req.ToConversationKey = key
			req.ToRecipientID = peer.Value
		}
		return e.conn.Emit(ctx, transport.EventMessageForward, req)
	})
}

// Typing reports that the user is typing in the active room. Start
// notifications are throttled per room; stops always go out.
func (e *Engine) Typing(ctx context.Context, typing bool) error {
	return e.do(ctx, func() error {
		room, ok := e.ActiveRoom()
		if !ok {
			return ErrNoActiveConversation
		}
		limiter, ok := e.typing[room.Key]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(typingInterval), 1)
			e.typing[room.Key] = limiter
		}

		eventType := transport.EventTypingStop
		if typing {
			if !limiter.AllowN(e.now(), 1) {
				return nil
			}
			eventType = transport.EventTyping
		}
		payload := transport.TypingPayload{UserID: e.UserID(), DisplayName: e.self.DisplayName}
		if room.Group {
			payload.GroupID = room.Key
		} else {
			payload.ConversationKey = room.Key
		}
		return e.conn.Emit(ctx, eventType, payload)
	})
}

// SendBotCommand posts a command to a bot in a group. The command shows up
// locally like any other message until the server confirms it.
func (e *Engine) SendBotCommand(ctx context.Context, groupID, botID, command string, args json.RawMessage) (string, error) {
	if err := validator.ValidateMessage(command, 0).Err(); err != nil {
		return "", err
	}
	return query(ctx, e, func() (string, error) {
		draft := domain.Draft{SenderID: e.UserID(), Content: command, Type: domain.MessageBotCommand, Metadata: args}
		tempID := e.messages.AppendOptimistic(groupID, draft)
		e.notify(Change{Kind: ChangeMessages, Key: groupID})

		err := e.conn.Emit(ctx, transport.EventBotCommand, transport.BotCommandPayload{
			TempID:   tempID,
			GroupID:  groupID,
			BotID:    botID,
			SenderID: draft.SenderID,
			Command:  command,
			Args:     args,
		})
		if err != nil {
			e.failSend(groupID, tempID, err)
		}
		return tempID, err
	})
}

func (e *Engine) AddBot(ctx context.Context, groupID, botID string) error {
	return e.do(ctx, func() error {
		return e.conn.Emit(ctx, transport.EventBotAdd, transport.BotGroupRequest{GroupID: groupID, BotID: botID, UserID: e.UserID()})
	})
}

func (e *Engine) RemoveBot(ctx context.Context, groupID, botID string) error {
	return e.do(ctx, func() error {
		return e.conn.Emit(ctx, transport.EventBotRemove, transport.BotGroupRequest{GroupID: groupID, BotID: botID, UserID: e.UserID()})
	})
}

// SendCryptoIntent announces a transaction in the active room. Signing and
// submitting it happen elsewhere.
func (e *Engine) SendCryptoIntent(ctx context.Context, intent transport.CryptoIntentPayload) error {
	if intent.Action == "" {
		errs := make(validator.ValidationErrors)
		errs.Add("action", "Action is required")
		return errs
	}
	return e.do(ctx, func() error {
		if intent.ConversationKey == "" && intent.GroupID == "" {
			room, ok := e.ActiveRoom()
			if !ok {
				return ErrNoActiveConversation
			}
			if room.Group {
				intent.GroupID = room.Key
			} else {
				intent.ConversationKey = room.Key
			}
		}
		intent.SenderID = e.UserID()
		return e.conn.Emit(ctx, transport.EventCryptoIntent, intent)
	})
}

// RetryConnection restarts the connection after reconnecting gave up.
func (e *Engine) RetryConnection(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.conn.Retry(e.runCtx)
		return nil
	})
}

// addressMessage fills the conversation key or group id a stored message
// lives under.
func (e *Engine) addressMessage(msgID string, conversationKey, groupID *string) error {
	key, ok := e.messages.Locate(msgID)
	if !ok {
		return ErrUnknownMessage
	}
	if _, isGroup := e.groups.Get(key); isGroup {
		*groupID = key
	} else {
		*conversationKey = key
	}
	return nil
}

// --- Request/response operations. These block on the dispatcher and run on
// the caller's goroutine, never on the engine's.

func (e *Engine) CreateGroup(ctx context.Context, name, description, visibility string, members []string) (domain.Group, error) {
	return e.dispatcher.CreateGroup(ctx, transport.GroupCreateRequest{
		Name:        name,
		Description: description,
		Visibility:  visibility,
		CreatorID:   e.UserID(),
		Members:     members,
	})
}

func (e *Engine) AddMembers(ctx context.Context, groupID string, members []string) ([]domain.GroupMember, error) {
	return e.dispatcher.AddMembers(ctx, groupID, e.UserID(), members)
}

func (e *Engine) SearchUsers(ctx context.Context, q string) ([]domain.UserProfile, error) {
	return e.dispatcher.SearchUsers(ctx, q, 20)
}

func (e *Engine) FetchGroupMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error) {
	return e.dispatcher.FetchGroupMembers(ctx, groupID, e.UserID())
}

func (e *Engine) FetchBotCapabilities(ctx context.Context, botID string) ([]domain.BotCapability, error) {
	return e.dispatcher.FetchBotCapabilities(ctx, botID, e.UserID())
}

func (e *Engine) FetchAvailableBots(ctx context.Context) ([]domain.Bot, error) {
	return e.dispatcher.FetchAvailableBots(ctx, e.UserID())
}

func (e *Engine) SearchMessages(ctx context.Context, q, conversationKey, groupID string) ([]domain.ChatMessage, error) {
	return e.dispatcher.SearchMessages(ctx, transport.MessageSearchRequest{
		Query:           q,
		ConversationKey: identity.Normalize(conversationKey),
		GroupID:         groupID,
		Limit:           DefaultHistoryLimit,
	})
}

// --- Reads.

func (e *Engine) State(ctx context.Context) (domain.ConnectionState, error) {
	return query(ctx, e, func() (domain.ConnectionState, error) {
		return e.conn.State(), nil
	})
}

func (e *Engine) Conversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	return query(ctx, e, func() ([]domain.ConversationSummary, error) {
		return e.conversations.List(), nil
	})
}

func (e *Engine) Conversation(ctx context.Context, key string) (domain.ConversationSummary, bool, error) {
	type result struct {
		sum domain.ConversationSummary
		ok  bool
	}
	r, err := query(ctx, e, func() (result, error) {
		sum, ok := e.conversations.Get(key)
		return result{sum, ok}, nil
	})
	return r.sum, r.ok, err
}

func (e *Engine) Messages(ctx context.Context, key string) ([]domain.ChatMessage, error) {
	return query(ctx, e, func() ([]domain.ChatMessage, error) {
		return e.messages.Messages(identity.Normalize(key)), nil
	})
}

func (e *Engine) Thread(ctx context.Context, key, parentID string) ([]domain.ChatMessage, error) {
	return query(ctx, e, func() ([]domain.ChatMessage, error) {
		return e.messages.Thread(identity.Normalize(key), parentID), nil
	})
}

func (e *Engine) Groups(ctx context.Context) ([]domain.Group, error) {
	return query(ctx, e, func() ([]domain.Group, error) {
		return e.groups.List(), nil
	})
}

func (e *Engine) Presence(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	return query(ctx, e, func() (domain.PresenceRecord, error) {
		return e.presence.Get(userID), nil
	})
}

// OnlineUsers returns the ids currently reported online, sorted.
func (e *Engine) OnlineUsers(ctx context.Context) ([]string, error) {
	return query(ctx, e, func() ([]string, error) {
		return e.presence.Online(), nil
	})
}

// AvailableBots returns the last bot catalogue the server sent.
func (e *Engine) AvailableBots(ctx context.Context) ([]domain.Bot, error) {
	return query(ctx, e, func() ([]domain.Bot, error) {
		return e.groups.AvailableBots(), nil
	})
}

func (e *Engine) GroupBots(ctx context.Context, groupID string) ([]domain.GroupMember, error) {
	return query(ctx, e, func() ([]domain.GroupMember, error) {
		return e.groups.Bots(groupID), nil
	})
}

func (e *Engine) BotCapabilities(ctx context.Context, botID string) ([]domain.BotCapability, bool, error) {
	type caps struct {
		list []domain.BotCapability
		ok   bool
	}
	c, err := query(ctx, e, func() (caps, error) {
		list, ok := e.groups.BotCapabilities(botID)
		return caps{list, ok}, nil
	})
	return c.list, c.ok, err
}

// WhoIsTyping returns the names typing in a room.
func (e *Engine) WhoIsTyping(ctx context.Context, key string) ([]string, error) {
	return query(ctx, e, func() ([]string, error) {
		return e.presence.Typing(e.keyOf(key, "")), nil
	})
}

func (e *Engine) TotalUnread(ctx context.Context) (int, error) {
	return query(ctx, e, func() (int, error) {
		return e.conversations.TotalUnread() + e.groups.TotalUnread(), nil
	})
}

// WaitForState blocks until the connection reaches want.
func (e *Engine) WaitForState(ctx context.Context, want domain.ConnectionState) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := e.State(ctx)
		if err != nil {
			return err
		}
		if state == want {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
