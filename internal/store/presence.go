package store

import (
	"sort"
	"time"

	"github.com/vedran77/chatsync/internal/domain"
)

// TypingExpiry is how long a typing indicator stays up without a refresh.
const TypingExpiry = 6 * time.Second

type typist struct {
	name string
	at   time.Time
}

// PresenceTracker keeps the last known status of every user we heard about
// and who is typing where.
type PresenceTracker struct {
	now     Clock
	records map[string]domain.PresenceRecord
	typing  map[string]map[string]typist // key → user → last typing event
}

func NewPresenceTracker(now Clock) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{
		now:     now,
		records: make(map[string]domain.PresenceRecord),
		typing:  make(map[string]map[string]typist),
	}
}

// Set records a status change. Updates older than what we have are dropped.
func (p *PresenceTracker) Set(userID string, status domain.PresenceStatus, at time.Time) bool {
	if userID == "" {
		return false
	}
	if at.IsZero() {
		at = p.now()
	}
	if cur, ok := p.records[userID]; ok && at.Before(cur.LastSeenAt) {
		return false
	}
	p.records[userID] = domain.PresenceRecord{UserID: userID, Status: status, LastSeenAt: at}
	if status == domain.PresenceOffline {
		p.clearTyping(userID)
	}
	return true
}

// ApplySnapshot replaces everything with a server snapshot.
func (p *PresenceTracker) ApplySnapshot(records []domain.PresenceRecord) {
	p.records = make(map[string]domain.PresenceRecord, len(records))
	now := p.now()
	for _, r := range records {
		if r.LastSeenAt.IsZero() {
			r.LastSeenAt = now
		}
		p.records[r.UserID] = r
	}
}

// Get returns the record for userID. Unknown users are offline.
func (p *PresenceTracker) Get(userID string) domain.PresenceRecord {
	if r, ok := p.records[userID]; ok {
		return r
	}
	return domain.PresenceRecord{UserID: userID, Status: domain.PresenceOffline}
}

func (p *PresenceTracker) Online() []string {
	var out []string
	for id, r := range p.records {
		if r.Status == domain.PresenceOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *PresenceTracker) SetTyping(key, userID, name string, on bool, at time.Time) {
	if !on {
		if users, ok := p.typing[key]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(p.typing, key)
			}
		}
		return
	}
	users, ok := p.typing[key]
	if !ok {
		users = make(map[string]typist)
		p.typing[key] = users
	}
	if at.IsZero() {
		at = p.now()
	}
	users[userID] = typist{name: name, at: at}
}

// Typing returns who is typing in key, pruning stale indicators. Names fall
// back to user ids.
func (p *PresenceTracker) Typing(key string) []string {
	users := p.typing[key]
	now := p.now()
	var out []string
	for id, t := range users {
		if now.Sub(t.at) >= TypingExpiry {
			delete(users, id)
			continue
		}
		if t.name != "" {
			out = append(out, t.name)
		} else {
			out = append(out, id)
		}
	}
	if len(users) == 0 {
		delete(p.typing, key)
	}
	sort.Strings(out)
	return out
}

func (p *PresenceTracker) clearTyping(userID string) {
	for key, users := range p.typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, key)
		}
	}
}
