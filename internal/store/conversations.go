package store

import (
	"errors"
	"sort"
	"time"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
)

var ErrNoActiveConversation = errors.New("no active conversation")

// Incoming describes a message that landed in a conversation.
type Incoming struct {
	Key        string
	Peer       domain.ParticipantID
	PeerName   string
	PeerAvatar *string
	Content    string
	At         time.Time
	FromSelf   bool
}

// ConversationStore is the sidebar: one summary per canonical key plus the
// currently open conversation.
type ConversationStore struct {
	self   domain.Identity
	items  map[string]*domain.ConversationSummary
	active string
}

func NewConversationStore(self domain.Identity) *ConversationStore {
	return &ConversationStore{
		self:  self,
		items: make(map[string]*domain.ConversationSummary),
	}
}

// ReplaceAll swaps the whole map for a server snapshot. Keys are normalised;
// entries that collapse onto one key keep the most recent one.
func (s *ConversationStore) ReplaceAll(summaries []domain.ConversationSummary) {
	items := make(map[string]*domain.ConversationSummary, len(summaries))
	for _, sum := range summaries {
		sum := sum
		sum.Key = identity.Normalize(sum.Key)
		if existing, ok := items[sum.Key]; ok && !later(sum.LastMessageTime, existing.LastMessageTime) {
			continue
		}
		s.fillPeer(&sum)
		items[sum.Key] = &sum
	}
	s.items = items
}

// Patch updates or creates one entry.
func (s *ConversationStore) Patch(p domain.ConversationPatch) {
	key := identity.Normalize(p.Key)
	c := s.entry(key)
	if p.Peer != nil {
		c.Peer = *p.Peer
	}
	if p.PeerName != nil && *p.PeerName != "" {
		c.PeerName = *p.PeerName
	}
	if p.PeerAvatar != nil {
		c.PeerAvatar = p.PeerAvatar
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageTime != nil {
		t := *p.LastMessageTime
		c.LastMessageTime = &t
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	s.fillPeer(c)
}

// ApplyLocalSend records an outgoing message without touching unread.
func (s *ConversationStore) ApplyLocalSend(key string, peer domain.ParticipantID, content string, at time.Time) {
	c := s.entry(identity.Normalize(key))
	if c.Peer.IsZero() {
		c.Peer = peer
	}
	s.fillPeer(c)
	c.LastMessage = content
	c.LastMessageTime = &at
}

// ApplyIncoming records a message delivered by the server. Unread goes up
// only for messages from others in a conversation that is not open right
// now. It reports whether unread changed.
func (s *ConversationStore) ApplyIncoming(in Incoming) bool {
	key := identity.Normalize(in.Key)
	c := s.entry(key)
	if c.Peer.IsZero() {
		c.Peer = in.Peer
	}
	if in.PeerName != "" && !in.FromSelf {
		c.PeerName = in.PeerName
	}
	if in.PeerAvatar != nil && !in.FromSelf {
		c.PeerAvatar = in.PeerAvatar
	}
	s.fillPeer(c)
	if c.LastMessageTime == nil || !in.At.Before(*c.LastMessageTime) {
		at := in.At
		c.LastMessage = in.Content
		c.LastMessageTime = &at
	}
	if in.FromSelf || key == s.active {
		return false
	}
	c.UnreadCount++
	return true
}

// ApplyUnreadCounts overwrites unread counts from the server.
func (s *ConversationStore) ApplyUnreadCounts(counts map[string]int) {
	for raw, n := range counts {
		key := identity.Normalize(raw)
		c := s.entry(key)
		s.fillPeer(c)
		c.UnreadCount = n
	}
}

// SetActive opens a conversation. Its unread count stays until MarkRead.
func (s *ConversationStore) SetActive(key string) string {
	key = identity.Normalize(key)
	s.active = key
	s.fillPeer(s.entry(key))
	return key
}

func (s *ConversationStore) ClearActive() {
	s.active = ""
}

func (s *ConversationStore) Active() (string, bool) {
	return s.active, s.active != ""
}

// MarkRead zeroes the active conversation's unread count and returns its key.
func (s *ConversationStore) MarkRead() (string, error) {
	if s.active == "" {
		return "", ErrNoActiveConversation
	}
	if c, ok := s.items[s.active]; ok {
		c.UnreadCount = 0
	}
	return s.active, nil
}

func (s *ConversationStore) Get(key string) (domain.ConversationSummary, bool) {
	c, ok := s.items[identity.Normalize(key)]
	if !ok {
		return domain.ConversationSummary{}, false
	}
	return *c, true
}

// List returns the conversations, most recent first.
func (s *ConversationStore) List() []domain.ConversationSummary {
	out := make([]domain.ConversationSummary, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		if later(a, b) {
			return true
		}
		if later(b, a) {
			return false
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *ConversationStore) TotalUnread() int {
	total := 0
	for _, c := range s.items {
		total += c.UnreadCount
	}
	return total
}

// ResolveDisplayName picks the name shown for a peer: an explicit name from
// the server, then the profile name, then the shortened id.
func ResolveDisplayName(explicit, profile string, peer domain.ParticipantID) string {
	if explicit != "" {
		return explicit
	}
	if profile != "" {
		return profile
	}
	return identity.ShortDisplay(peer)
}

func (s *ConversationStore) entry(key string) *domain.ConversationSummary {
	c, ok := s.items[key]
	if !ok {
		c = &domain.ConversationSummary{Key: key}
		s.items[key] = c
	}
	return c
}

// fillPeer derives the peer from the key when the server left it out and
// falls back to the short display for the name.
func (s *ConversationStore) fillPeer(c *domain.ConversationSummary) {
	if c.Peer.IsZero() {
		if peer, ok := identity.Peer(s.self, c.Key); ok {
			c.Peer = peer
		}
	}
	if c.PeerName == "" && !c.Peer.IsZero() {
		c.PeerName = identity.ShortDisplay(c.Peer)
	}
}

// later reports whether a is strictly after b; nil sorts last.
func later(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}
