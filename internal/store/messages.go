// Package store holds the local mirror of conversations, messages, groups
// and presence. Nothing in here is safe for concurrent use: the engine owns
// every store and touches it from a single goroutine.
package store

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/vedran77/chatsync/internal/domain"
)

// ReconcileWindow bounds how far apart the optimistic copy and the server
// copy of one send may be stamped and still be treated as the same message.
const ReconcileWindow = 10 * time.Second

// Clock returns the current time.
type Clock func() time.Time

type ApplyResult struct {
	// Duplicate is set when the durable id was already stored.
	Duplicate bool
	// Ignored is set for messages without a durable id.
	Ignored bool
	// Replaced holds the temp id of the optimistic entry that was merged.
	Replaced string
	// Ambiguous is set when more than one optimistic entry matched; the
	// oldest one was chosen.
	Ambiguous bool
}

// Ref points at one message.
type Ref struct {
	Key string
	ID  string
}

type MessageStore struct {
	now     Clock
	lists   map[string][]*domain.ChatMessage
	locator map[string]string // durable id → key
}

func NewMessageStore(now Clock) *MessageStore {
	if now == nil {
		now = time.Now
	}
	return &MessageStore{
		now:     now,
		lists:   make(map[string][]*domain.ChatMessage),
		locator: make(map[string]string),
	}
}

// AppendOptimistic inserts a local copy of a message being sent and returns
// its temp id. It does no I/O.
func (s *MessageStore) AppendOptimistic(key string, draft domain.Draft) string {
	msgType := draft.Type
	if msgType == "" {
		msgType = domain.MessageText
	}
	msg := &domain.ChatMessage{
		ID:              domain.EphemeralPrefix + uuid.NewString(),
		SenderID:        draft.SenderID,
		Content:         draft.Content,
		Type:            msgType,
		Status:          domain.StatusSending,
		Attachments:     draft.Attachments,
		ParentMessageID: draft.ParentMessageID,
		Metadata:        draft.Metadata,
		CreatedAt:       s.now(),
	}
	s.insert(key, msg)
	return msg.ID
}

// ApplyServerMessage merges a durable message, whichever delivery path it
// came from. A repeated durable id is a no-op. Otherwise the oldest local
// copy with the same sender, the same trimmed content and a timestamp
// within ReconcileWindow is dropped in favour of the durable one.
func (s *MessageStore) ApplyServerMessage(key string, msg domain.ChatMessage) ApplyResult {
	return s.apply(key, msg, "")
}

// ApplyServerEcho is ApplyServerMessage for servers that echo the temp id
// back. An unknown temp id falls back to the content heuristic.
func (s *MessageStore) ApplyServerEcho(key, tempID string, msg domain.ChatMessage) ApplyResult {
	return s.apply(key, msg, tempID)
}

func (s *MessageStore) apply(key string, msg domain.ChatMessage, tempID string) ApplyResult {
	if msg.ID == "" || msg.IsEphemeral() {
		return ApplyResult{Ignored: true}
	}
	if _, ok := s.locator[msg.ID]; ok {
		return ApplyResult{Duplicate: true}
	}

	var res ApplyResult
	if idx := s.indexOf(key, tempID); tempID != "" && idx >= 0 && s.lists[key][idx].IsEphemeral() {
		res.Replaced = tempID
		s.removeAt(key, idx)
	} else if idx, count := s.matchOptimistic(key, msg); idx >= 0 {
		res.Replaced = s.lists[key][idx].ID
		res.Ambiguous = count > 1
		s.removeAt(key, idx)
	}

	if msg.Status == "" {
		msg.Status = domain.StatusSent
	}
	stored := msg.Clone()
	s.insert(key, &stored)
	return res
}

// matchOptimistic returns the index of the oldest matching local copy and
// the number of candidates.
func (s *MessageStore) matchOptimistic(key string, msg domain.ChatMessage) (int, int) {
	want := normalizeContent(msg.Content)
	best, count := -1, 0
	for i, m := range s.lists[key] {
		if !m.IsEphemeral() || m.SenderID != msg.SenderID {
			continue
		}
		if normalizeContent(m.Content) != want {
			continue
		}
		if absDuration(msg.CreatedAt.Sub(m.CreatedAt)) >= ReconcileWindow {
			continue
		}
		count++
		if best < 0 || m.CreatedAt.Before(s.lists[key][best].CreatedAt) {
			best = i
		}
	}
	return best, count
}

// Rollback removes an optimistic entry whose send never reached the server.
func (s *MessageStore) Rollback(key, tempID string) bool {
	idx := s.indexOf(key, tempID)
	if idx < 0 || !s.lists[key][idx].IsEphemeral() {
		return false
	}
	s.removeAt(key, idx)
	return true
}

// MarkFailed flags an optimistic entry as failed so the user can retry it.
func (s *MessageStore) MarkFailed(key, tempID string) bool {
	idx := s.indexOf(key, tempID)
	if idx < 0 || !s.lists[key][idx].IsEphemeral() {
		return false
	}
	s.lists[key][idx].Status = domain.StatusFailed
	return true
}

// Retry puts a failed entry back to sending, restamped with the current
// time, and returns a copy for re-emitting.
func (s *MessageStore) Retry(key, tempID string) (domain.ChatMessage, bool) {
	idx := s.indexOf(key, tempID)
	if idx < 0 || !s.lists[key][idx].IsEphemeral() {
		return domain.ChatMessage{}, false
	}
	msg := s.lists[key][idx]
	s.removeAt(key, idx)
	msg.Status = domain.StatusSending
	msg.CreatedAt = s.now()
	s.insert(key, msg)
	return msg.Clone(), true
}

// ExpirePending fails every optimistic entry that has been sending for at
// least timeout and returns them.
func (s *MessageStore) ExpirePending(timeout time.Duration) []Ref {
	now := s.now()
	var expired []Ref
	for key, list := range s.lists {
		for _, m := range list {
			if m.IsEphemeral() && m.Status == domain.StatusSending && now.Sub(m.CreatedAt) >= timeout {
				m.Status = domain.StatusFailed
				expired = append(expired, Ref{Key: key, ID: m.ID})
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Key != expired[j].Key {
			return expired[i].Key < expired[j].Key
		}
		return expired[i].ID < expired[j].ID
	})
	return expired
}

// MergeHistory applies an authoritative history page. Stored durable copies
// are overwritten, unknown messages are reconciled like live ones and
// pending optimistic entries survive. It returns the results per message.
func (s *MessageStore) MergeHistory(key string, msgs []domain.ChatMessage) []ApplyResult {
	results := make([]ApplyResult, 0, len(msgs))
	for _, msg := range msgs {
		if storedKey, ok := s.locator[msg.ID]; ok && storedKey == key {
			idx := s.indexOf(key, msg.ID)
			updated := msg.Clone()
			if updated.Status == "" {
				updated.Status = s.lists[key][idx].Status
			}
			s.removeAt(key, idx)
			s.insert(key, &updated)
			results = append(results, ApplyResult{Duplicate: true})
			continue
		}
		results = append(results, s.apply(key, msg, ""))
	}
	return results
}

func (s *MessageStore) ApplyReactions(key, msgID string, reactions []domain.Reaction) bool {
	m := s.find(key, msgID)
	if m == nil {
		return false
	}
	m.Reactions = append([]domain.Reaction(nil), reactions...)
	return true
}

func (s *MessageStore) ApplyEdit(key, msgID, content string, editedAt time.Time) bool {
	m := s.find(key, msgID)
	if m == nil {
		return false
	}
	m.Content = content
	m.EditedAt = &editedAt
	return true
}

// ApplyDelete keeps the entry as a tombstone so thread replies still resolve.
func (s *MessageStore) ApplyDelete(key, msgID string) bool {
	m := s.find(key, msgID)
	if m == nil {
		return false
	}
	m.Deleted = true
	m.Content = ""
	m.Attachments = nil
	return true
}

func (s *MessageStore) ApplyPin(key, msgID string, pinned bool) bool {
	m := s.find(key, msgID)
	if m == nil {
		return false
	}
	m.Pinned = pinned
	return true
}

var statusRank = map[domain.MessageStatus]int{
	domain.StatusFailed:    0,
	domain.StatusSending:   1,
	domain.StatusSent:      2,
	domain.StatusDelivered: 3,
	domain.StatusRead:      4,
}

// ApplyStatus moves a durable message forward through sent → delivered →
// read. Status never goes backwards.
func (s *MessageStore) ApplyStatus(key, msgID string, status domain.MessageStatus) bool {
	m := s.find(key, msgID)
	if m == nil || statusRank[status] <= statusRank[m.Status] {
		return false
	}
	m.Status = status
	return true
}

// Locate returns the key a durable message is stored under.
func (s *MessageStore) Locate(msgID string) (string, bool) {
	key, ok := s.locator[msgID]
	return key, ok
}

func (s *MessageStore) Get(key, msgID string) (domain.ChatMessage, bool) {
	m := s.find(key, msgID)
	if m == nil {
		return domain.ChatMessage{}, false
	}
	return m.Clone(), true
}

// Messages returns a copy of the ordered list for key.
func (s *MessageStore) Messages(key string) []domain.ChatMessage {
	list := s.lists[key]
	out := make([]domain.ChatMessage, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Pending returns the optimistic entries for key that are not confirmed.
func (s *MessageStore) Pending(key string) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, m := range s.lists[key] {
		if m.IsEphemeral() {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Thread returns the replies to parentID in order.
func (s *MessageStore) Thread(key, parentID string) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, m := range s.lists[key] {
		if m.ParentMessageID != nil && *m.ParentMessageID == parentID {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (s *MessageStore) Keys() []string {
	keys := make([]string, 0, len(s.lists))
	for k := range s.lists {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MessageStore) find(key, msgID string) *domain.ChatMessage {
	if key == "" {
		key = s.locator[msgID]
	}
	idx := s.indexOf(key, msgID)
	if idx < 0 {
		return nil
	}
	return s.lists[key][idx]
}

func (s *MessageStore) indexOf(key, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.lists[key] {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// insert keeps the list ordered by CreatedAt; equal timestamps keep arrival order.
func (s *MessageStore) insert(key string, msg *domain.ChatMessage) {
	list := s.lists[key]
	i := len(list)
	for i > 0 && list[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = msg
	s.lists[key] = list
	if !msg.IsEphemeral() {
		s.locator[msg.ID] = key
	}
}

func (s *MessageStore) removeAt(key string, idx int) {
	list := s.lists[key]
	removed := list[idx]
	s.lists[key] = append(list[:idx], list[idx+1:]...)
	if !removed.IsEphemeral() {
		delete(s.locator, removed.ID)
	}
}

func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
