package engine

import (
	"time"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
	"github.com/vedran77/chatsync/internal/store"
	"github.com/vedran77/chatsync/internal/transport"
)

// handle routes one inbound event: stores first, then any waiting request.
func (e *Engine) handle(evt transport.Event) {
	e.metrics.InboundEvents.WithLabelValues(evt.Type).Inc()
	e.log.Debug().Str("type", evt.Type).Msg("Received event")

	if evt.IsLifecycle() {
		e.conn.HandleLifecycle(evt)
		return
	}

	var err error
	switch evt.Type {
	case transport.EventIdentityRegistered:
		var p transport.RegisteredPayload
		if err = evt.Decode(&p); err == nil {
			// Refusals are logged by the manager and do not stop messaging.
			_ = e.conn.HandleRegistered(p)
		}

	case transport.EventHistory, transport.EventGroupHistory:
		err = e.onHistory(evt)

	case transport.EventDMNew, transport.EventDMBroadcast:
		err = e.onDirectMessage(evt)

	case transport.EventGroupMessage:
		err = e.onGroupMessage(evt)

	case transport.EventReactionUpdated:
		var p transport.ReactionUpdatedPayload
		if err = evt.Decode(&p); err == nil {
			key := e.keyOf(p.ConversationKey, p.GroupID)
			if e.messages.ApplyReactions(key, p.MessageID, p.Reactions) {
				e.notifyMessage(key, p.MessageID)
			}
		}

	case transport.EventMessageEdited:
		var p transport.MessageEditedPayload
		if err = evt.Decode(&p); err == nil {
			key := e.keyOf(p.ConversationKey, p.GroupID)
			if e.messages.ApplyEdit(key, p.MessageID, p.Content, p.EditedAt) {
				e.notifyMessage(key, p.MessageID)
			}
		}

	case transport.EventMessageDeleted:
		var p transport.MessageDeletedPayload
		if err = evt.Decode(&p); err == nil {
			key := e.keyOf(p.ConversationKey, p.GroupID)
			if e.messages.ApplyDelete(key, p.MessageID) {
				e.notifyMessage(key, p.MessageID)
			}
		}

	case transport.EventMessagePinned:
		var p transport.MessagePinnedPayload
		if err = evt.Decode(&p); err == nil {
			key := e.keyOf(p.ConversationKey, p.GroupID)
			if e.messages.ApplyPin(key, p.MessageID, p.Pinned) {
				e.notifyMessage(key, p.MessageID)
			}
		}

	case transport.EventMessageReadReceipt:
		var p transport.ReadReceiptPayload
		if err = evt.Decode(&p); err == nil && !e.self.Owns(p.ReaderID) {
			key := e.keyOf(p.ConversationKey, "")
			if e.messages.ApplyStatus(key, p.MessageID, domain.StatusRead) {
				e.notifyMessage(key, p.MessageID)
			}
		}

	case transport.EventTyping, transport.EventTypingStop:
		var p transport.TypingPayload
		if err = evt.Decode(&p); err == nil && !e.self.Owns(p.UserID) {
			key := e.keyOf(p.ConversationKey, p.GroupID)
			e.presence.SetTyping(key, p.UserID, p.DisplayName, evt.Type == transport.EventTyping, e.now())
			e.notify(Change{Kind: ChangeTyping, Key: key})
		}

	case transport.EventPresence:
		var p transport.PresencePayload
		if err = evt.Decode(&p); err == nil {
			if e.presence.Set(p.UserID, p.Status, e.seenAt(p.LastSeenAt)) {
				e.notify(Change{Kind: ChangePresence, Key: p.UserID})
			}
		}

	case transport.EventPresenceSnapshot:
		var p transport.PresenceSnapshotPayload
		if err = evt.Decode(&p); err == nil {
			records := make([]domain.PresenceRecord, 0, len(p.Users))
			for _, u := range p.Users {
				records = append(records, domain.PresenceRecord{UserID: u.UserID, Status: u.Status, LastSeenAt: e.seenAt(u.LastSeenAt)})
			}
			e.presence.ApplySnapshot(records)
			e.notify(Change{Kind: ChangePresence})
		}

	case transport.EventUnreadCounts:
		var p transport.UnreadCountsPayload
		if err = evt.Decode(&p); err == nil {
			e.onUnreadCounts(p.Counts)
		}

	case transport.EventConversationUpdated:
		var p transport.ConversationEntry
		if err = evt.Decode(&p); err == nil {
			e.conversations.Patch(e.patchFromEntry(p))
			e.notify(Change{Kind: ChangeConversations, Key: identity.Normalize(p.Key)})
			e.rereadActive()
		}

	case transport.EventConversationSnapshot:
		var p transport.ConversationListPayload
		if err = evt.Decode(&p); err == nil {
			e.onConversationSnapshot(p.Conversations)
		}

	case transport.EventGroupSnapshot:
		var p transport.GroupListPayload
		if err = evt.Decode(&p); err == nil {
			e.groups.ReplaceAll(p.Groups)
			e.notify(Change{Kind: ChangeGroups})
			e.rereadActive()
		}

	case transport.EventGroupCreated:
		var p transport.GroupCreatedPayload
		if err = evt.Decode(&p); err == nil {
			e.groups.Upsert(p.Group)
			e.notify(Change{Kind: ChangeGroups, Key: p.Group.ID})
		}

	case transport.EventGroupMembersAdded, transport.EventGroupMembers:
		var p transport.GroupMembersPayload
		if err = evt.Decode(&p); err == nil {
			if _, ok := e.groups.Get(p.GroupID); !ok {
				e.groups.Upsert(domain.Group{ID: p.GroupID})
			}
			if evt.Type == transport.EventGroupMembers {
				e.groups.SetMembers(p.GroupID, p.Members)
			} else {
				e.groups.AddMembers(p.GroupID, p.Members)
			}
			e.notify(Change{Kind: ChangeGroups, Key: p.GroupID})
		}

	case transport.EventBotsAvailable:
		var p transport.BotListPayload
		if err = evt.Decode(&p); err == nil {
			e.groups.SetAvailableBots(p.Bots)
		}

	case transport.EventBotAdded:
		var p transport.BotAddedPayload
		if err = evt.Decode(&p); err == nil && e.groups.AddBot(p.GroupID, p.Bot) {
			e.notify(Change{Kind: ChangeGroups, Key: p.GroupID})
		}

	case transport.EventBotRemoved:
		var p transport.BotRemovedPayload
		if err = evt.Decode(&p); err == nil && e.groups.RemoveBot(p.GroupID, p.BotID) {
			e.notify(Change{Kind: ChangeGroups, Key: p.GroupID})
		}

	case transport.EventBotCapabilitiesList:
		var p transport.BotCapabilitiesPayload
		if err = evt.Decode(&p); err == nil {
			e.groups.SetBotCapabilities(p.BotID, p.Capabilities)
		}

	case transport.EventUserSearchResults, transport.EventMessageSearchResults:
		// Only the waiting request cares.

	case transport.EventError:
		var p transport.ErrorPayload
		_ = evt.Decode(&p)
		e.log.Warn().Str("code", p.Code).Str("request_id", evt.RequestID).Msg(p.Message)

	default:
		e.log.Debug().Str("type", evt.Type).Msg("Ignoring unknown event")
	}

	if err != nil {
		e.log.Warn().Err(err).Str("type", evt.Type).Msg("Malformed event payload")
		return
	}
	e.dispatcher.Resolve(evt)
}

func (e *Engine) onDirectMessage(evt transport.Event) error {
	var p transport.MessagePayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	msg := p.ChatMessage
	fromSelf := e.self.Owns(msg.SenderID)

	var peer domain.ParticipantID
	if fromSelf {
		peer = domain.ParseParticipantID(p.ReceiverID)
	} else {
		peer = domain.ParseParticipantID(msg.SenderID)
	}

	key := identity.Normalize(msg.ConversationKey)
	if key == "" {
		var err error
		if key, err = identity.KeyFor(e.self, peer); err != nil {
			e.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping message without a usable conversation")
			return nil
		}
	}
	if peer.IsZero() {
		peer, _ = identity.Peer(e.self, key)
	}
	msg.ConversationKey = key

	res := e.applyServerMessage(key, p.TempID, msg)
	if res.Duplicate || res.Ignored {
		return nil
	}

	in := store.Incoming{
		Key:      key,
		Peer:     peer,
		Content:  preview(msg),
		At:       msg.CreatedAt,
		FromSelf: fromSelf,
	}
	if !fromSelf {
		profileName := ""
		if p.SenderProfile != nil {
			profileName = p.SenderProfile.DisplayName
			in.PeerAvatar = p.SenderProfile.AvatarURL
		}
		if msg.SenderName != "" || profileName != "" {
			in.PeerName = store.ResolveDisplayName(msg.SenderName, profileName, peer)
		}
		e.presence.SetTyping(key, msg.SenderID, "", false, msg.CreatedAt)
	}
	e.conversations.ApplyIncoming(in)

	e.notify(Change{Kind: ChangeMessages, Key: key})
	e.notify(Change{Kind: ChangeConversations, Key: key})
	return nil
}

func (e *Engine) onGroupMessage(evt transport.Event) error {
	var p transport.MessagePayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	msg := p.ChatMessage
	if msg.GroupID == "" {
		e.log.Warn().Str("message_id", msg.ID).Msg("Group message without group id")
		return nil
	}

	res := e.applyServerMessage(msg.GroupID, p.TempID, msg)
	if res.Duplicate || res.Ignored {
		return nil
	}
	fromSelf := e.self.Owns(msg.SenderID)
	if !fromSelf {
		e.presence.SetTyping(msg.GroupID, msg.SenderID, "", false, msg.CreatedAt)
	}
	e.groups.ApplyIncoming(msg.GroupID, preview(msg), msg.CreatedAt, fromSelf)

	e.notify(Change{Kind: ChangeMessages, Key: msg.GroupID})
	e.notify(Change{Kind: ChangeGroups, Key: msg.GroupID})
	return nil
}

func (e *Engine) onHistory(evt transport.Event) error {
	var p transport.HistoryPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	key := p.GroupID
	if key == "" {
		key = identity.Normalize(p.ConversationKey)
	}
	if key == "" {
		return nil
	}
	for _, res := range e.messages.MergeHistory(key, p.Messages) {
		e.recordReconcile(key, res)
	}
	e.notify(Change{Kind: ChangeMessages, Key: key})
	return nil
}

func (e *Engine) onUnreadCounts(counts map[string]int) {
	direct := make(map[string]int, len(counts))
	for key, n := range counts {
		if e.groups.SetUnread(key, n) {
			continue
		}
		direct[key] = n
	}
	e.conversations.ApplyUnreadCounts(direct)
	e.notify(Change{Kind: ChangeConversations})
	e.notify(Change{Kind: ChangeGroups})
	e.rereadActive()
}

func (e *Engine) onConversationSnapshot(entries []transport.ConversationEntry) {
	summaries := make([]domain.ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		key := identity.Normalize(entry.Key)
		sum := domain.ConversationSummary{
			Key:             key,
			LastMessageTime: entry.LastMessageTime,
		}
		if entry.PeerID != "" {
			sum.Peer = domain.ParseParticipantID(entry.PeerID)
		}
		if entry.LastMessage != nil {
			sum.LastMessage = *entry.LastMessage
		}
		if entry.UnreadCount != nil {
			sum.UnreadCount = *entry.UnreadCount
		} else if cur, ok := e.conversations.Get(key); ok {
			sum.UnreadCount = cur.UnreadCount
		}
		sum.PeerName, sum.PeerAvatar = entryName(entry, sum.Peer)
		summaries = append(summaries, sum)
	}
	e.conversations.ReplaceAll(summaries)
	e.notify(Change{Kind: ChangeConversations})
	e.rereadActive()
}

func (e *Engine) patchFromEntry(entry transport.ConversationEntry) domain.ConversationPatch {
	patch := domain.ConversationPatch{
		Key:             entry.Key,
		LastMessage:     entry.LastMessage,
		LastMessageTime: entry.LastMessageTime,
		UnreadCount:     entry.UnreadCount,
	}
	var peer domain.ParticipantID
	if entry.PeerID != "" {
		peer = domain.ParseParticipantID(entry.PeerID)
		patch.Peer = &peer
	}
	if name, avatar := entryName(entry, peer); name != "" {
		patch.PeerName = &name
		patch.PeerAvatar = avatar
	}
	return patch
}

// entryName returns the server-supplied name for a conversation entry, or
// an empty string when there is none.
func entryName(entry transport.ConversationEntry, peer domain.ParticipantID) (string, *string) {
	profileName := ""
	var avatar *string
	if entry.PeerProfile != nil {
		profileName = entry.PeerProfile.DisplayName
		avatar = entry.PeerProfile.AvatarURL
	}
	if entry.Name == "" && profileName == "" {
		return "", avatar
	}
	return store.ResolveDisplayName(entry.Name, profileName, peer), avatar
}

func (e *Engine) applyServerMessage(key, tempID string, msg domain.ChatMessage) store.ApplyResult {
	var res store.ApplyResult
	if tempID != "" {
		res = e.messages.ApplyServerEcho(key, tempID, msg)
	} else {
		res = e.messages.ApplyServerMessage(key, msg)
	}
	e.recordReconcile(key, res)
	return res
}

func (e *Engine) recordReconcile(key string, res store.ApplyResult) {
	outcome := "appended"
	switch {
	case res.Ignored:
		outcome = "ignored"
	case res.Duplicate:
		outcome = "duplicate"
	case res.Ambiguous:
		outcome = "ambiguous"
		e.log.Warn().Str("key", key).Str("temp_id", res.Replaced).Msg("Ambiguous reconciliation, matched oldest pending message")
	case res.Replaced != "":
		outcome = "replaced"
	}
	e.metrics.Reconciliations.WithLabelValues(outcome).Inc()
}

func (e *Engine) notifyMessage(key, msgID string) {
	if key == "" {
		key, _ = e.messages.Locate(msgID)
	}
	e.notify(Change{Kind: ChangeMessages, Key: key})
}

// keyOf picks the store key for an event that names a conversation or a group.
func (e *Engine) keyOf(conversationKey, groupID string) string {
	if groupID != "" {
		return groupID
	}
	return identity.Normalize(conversationKey)
}

func (e *Engine) seenAt(t *time.Time) time.Time {
	if t == nil {
		return e.now()
	}
	return *t
}

// preview is the sidebar text for a message.
func preview(msg domain.ChatMessage) string {
	switch {
	case msg.Deleted:
		return ""
	case msg.Content != "":
		return msg.Content
	case len(msg.Attachments) > 0:
		return "[" + string(msg.Type) + "]"
	}
	return ""
}
