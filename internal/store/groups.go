package store

import (
	"sort"
	"time"

	"github.com/vedran77/chatsync/internal/domain"
)

// GroupDirectory mirrors the groups the user belongs to, their members and
// the bots that can be added to them.
type GroupDirectory struct {
	groups       map[string]*domain.Group
	available    []domain.Bot
	capabilities map[string][]domain.BotCapability
	active       string
}

func NewGroupDirectory() *GroupDirectory {
	return &GroupDirectory{
		groups:       make(map[string]*domain.Group),
		capabilities: make(map[string][]domain.BotCapability),
	}
}

// ReplaceAll swaps in a server snapshot. Member lists we already fetched
// survive when the snapshot leaves them out.
func (d *GroupDirectory) ReplaceAll(groups []domain.Group) {
	next := make(map[string]*domain.Group, len(groups))
	for _, g := range groups {
		g := g.Clone()
		if len(g.Members) == 0 {
			if old, ok := d.groups[g.ID]; ok {
				g.Members = old.Members
			}
		}
		next[g.ID] = &g
	}
	d.groups = next
}

// Upsert merges one group description into the directory.
func (d *GroupDirectory) Upsert(g domain.Group) {
	g = g.Clone()
	if old, ok := d.groups[g.ID]; ok {
		if len(g.Members) == 0 {
			g.Members = old.Members
		}
		if g.LastMessageTime == nil {
			g.LastMessage = old.LastMessage
			g.LastMessageTime = old.LastMessageTime
		}
		if g.UnreadCount == 0 {
			g.UnreadCount = old.UnreadCount
		}
	}
	d.groups[g.ID] = &g
}

// AddMembers adds members, replacing entries for users already present.
func (d *GroupDirectory) AddMembers(groupID string, members []domain.GroupMember) bool {
	g, ok := d.groups[groupID]
	if !ok {
		return false
	}
	for _, m := range members {
		if i := memberIndex(g.Members, m.UserID); i >= 0 {
			g.Members[i] = m
		} else {
			g.Members = append(g.Members, m)
		}
	}
	return true
}

func (d *GroupDirectory) SetMembers(groupID string, members []domain.GroupMember) bool {
	g, ok := d.groups[groupID]
	if !ok {
		return false
	}
	g.Members = append([]domain.GroupMember(nil), members...)
	return true
}

func (d *GroupDirectory) AddBot(groupID string, bot domain.GroupMember) bool {
	bot.Role = domain.RoleBot
	if len(bot.BotCapabilities) == 0 {
		bot.BotCapabilities = d.capabilities[bot.UserID]
	}
	return d.AddMembers(groupID, []domain.GroupMember{bot})
}

func (d *GroupDirectory) RemoveBot(groupID, botID string) bool {
	g, ok := d.groups[groupID]
	if !ok {
		return false
	}
	i := memberIndex(g.Members, botID)
	if i < 0 || !g.Members[i].IsBot() {
		return false
	}
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	return true
}

// SetBotCapabilities caches a bot's commands and updates every group it is in.
func (d *GroupDirectory) SetBotCapabilities(botID string, caps []domain.BotCapability) {
	d.capabilities[botID] = append([]domain.BotCapability(nil), caps...)
	for _, g := range d.groups {
		if i := memberIndex(g.Members, botID); i >= 0 && g.Members[i].IsBot() {
			g.Members[i].BotCapabilities = d.capabilities[botID]
		}
	}
	for i := range d.available {
		if d.available[i].ID == botID {
			d.available[i].Capabilities = d.capabilities[botID]
		}
	}
}

func (d *GroupDirectory) BotCapabilities(botID string) ([]domain.BotCapability, bool) {
	caps, ok := d.capabilities[botID]
	return caps, ok
}

func (d *GroupDirectory) SetAvailableBots(bots []domain.Bot) {
	d.available = append([]domain.Bot(nil), bots...)
}

func (d *GroupDirectory) AvailableBots() []domain.Bot {
	return append([]domain.Bot(nil), d.available...)
}

// ApplyIncoming records a group message and reports whether unread changed.
func (d *GroupDirectory) ApplyIncoming(groupID, content string, at time.Time, fromSelf bool) bool {
	g, ok := d.groups[groupID]
	if !ok {
		g = &domain.Group{ID: groupID}
		d.groups[groupID] = g
	}
	if g.LastMessageTime == nil || !at.Before(*g.LastMessageTime) {
		g.LastMessage = content
		g.LastMessageTime = &at
	}
	if fromSelf || groupID == d.active {
		return false
	}
	g.UnreadCount++
	return true
}

// SetActive opens a group. Its unread count stays until MarkRead.
func (d *GroupDirectory) SetActive(groupID string) {
	d.active = groupID
}

func (d *GroupDirectory) ClearActive() {
	d.active = ""
}

func (d *GroupDirectory) Active() (string, bool) {
	return d.active, d.active != ""
}

// SetUnread overwrites a group's unread count from the server.
func (d *GroupDirectory) SetUnread(groupID string, n int) bool {
	g, ok := d.groups[groupID]
	if !ok {
		return false
	}
	g.UnreadCount = n
	return true
}

func (d *GroupDirectory) MarkRead(groupID string) {
	if g, ok := d.groups[groupID]; ok {
		g.UnreadCount = 0
	}
}

// Unread returns a group's unread count.
func (d *GroupDirectory) Unread(groupID string) int {
	if g, ok := d.groups[groupID]; ok {
		return g.UnreadCount
	}
	return 0
}

func (d *GroupDirectory) Get(groupID string) (domain.Group, bool) {
	g, ok := d.groups[groupID]
	if !ok {
		return domain.Group{}, false
	}
	return g.Clone(), true
}

// List returns groups with the most recent activity first.
func (d *GroupDirectory) List() []domain.Group {
	out := make([]domain.Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		if later(a, b) {
			return true
		}
		if later(b, a) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Bots returns the bot members of a group.
func (d *GroupDirectory) Bots(groupID string) []domain.GroupMember {
	g, ok := d.groups[groupID]
	if !ok {
		return nil
	}
	var out []domain.GroupMember
	for _, m := range g.Members {
		if m.IsBot() {
			out = append(out, m)
		}
	}
	return out
}

func (d *GroupDirectory) TotalUnread() int {
	total := 0
	for _, g := range d.groups {
		total += g.UnreadCount
	}
	return total
}

func memberIndex(members []domain.GroupMember, userID string) int {
	for i, m := range members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}
