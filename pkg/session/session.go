// Package session holds per-conversation state: the active skill, decaying
// context entries, and language/site metadata. One Session exists per
// independent conversational endpoint; sessions never share state.
package session

import (
	"sync"
	"time"
)

// ContextEntry is a decaying key/value hint created by a skill to bias or
// enable future matches within its session.
type ContextEntry struct {
	Keyword     string
	Value       string
	OriginSkill string
	CreatedAt   time.Time
	// TTL counts utterance turns remaining. Zero or negative at creation
	// means the entry never decays by turns.
	TTL int
}

// Session is one endpoint's accumulated conversational state. Skill handlers
// mutate context while the pipeline reads it, so the mutable state sits
// behind the session's own lock.
type Session struct {
	ID        string
	Lang      string
	SiteID    string
	CreatedAt time.Time

	mu          sync.Mutex
	activeSkill string
	updatedAt   time.Time
	entries     []ContextEntry
}

// ActiveSkill returns the skill currently holding the conversation, or "".
func (s *Session) ActiveSkill() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSkill
}

// UpdatedAt returns the time of the last utterance cycle or reset.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Entries returns a copy of the live context entries in push order.
func (s *Session) Entries() []ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ContextEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Lookup returns the newest live entry for keyword.
func (s *Session) Lookup(keyword string) (ContextEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Keyword == keyword {
			return s.entries[i], true
		}
	}
	return ContextEntry{}, false
}

func (s *Session) setActiveSkill(skillID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSkill = skillID
}

// push inserts or refreshes an entry. Same keyword from the same origin
// skill replaces in place, keeping stack position, rather than duplicating.
func (s *Session) push(entry ContextEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Keyword == entry.Keyword && s.entries[i].OriginSkill == entry.OriginSkill {
			s.entries[i] = entry
			return
		}
	}
	s.entries = append(s.entries, entry)
}

// decayAndPrune decrements turn counters and drops exhausted entries.
func (s *Session) decayAndPrune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.entries[:0]
	for _, entry := range s.entries {
		if entry.TTL > 0 {
			entry.TTL--
			if entry.TTL == 0 {
				continue
			}
		}
		live = append(live, entry)
	}
	s.entries = live
	s.updatedAt = now
}

func (s *Session) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSkill = ""
	s.entries = nil
	s.updatedAt = now
}

func (s *Session) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
