// Package topics keeps the in-memory directory of known forum topics,
// the per-topic responder rosters and the restricted-topic ACLs. The
// alert engine only reads from it; the command layer owns all writes.
package topics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type key struct {
	chatID  int64
	topicID int
}

type Service struct {
	mu      sync.RWMutex
	names   map[key]string
	workers map[key][]string
	// allowed, when non-empty for a chat, lists the only topics the bot
	// reacts in. An absent entry means no restriction.
	allowed map[int64]map[int]bool
}

func NewService() *Service {
	return &Service{
		names:   make(map[key]string),
		workers: make(map[key][]string),
		allowed: make(map[int64]map[int]bool),
	}
}

// RecordTopic remembers (or renames) a topic's display name.
func (s *Service) RecordTopic(chatID int64, topicID int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[key{chatID, topicID}] = name
}

// ForgetTopic drops everything known about the topic: its name, its
// roster and its ACL entry.
func (s *Service) ForgetTopic(chatID int64, topicID int) {
	k := key{chatID, topicID}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, k)
	delete(s.workers, k)
	if set := s.allowed[chatID]; set != nil {
		delete(set, topicID)
		if len(set) == 0 {
			delete(s.allowed, chatID)
		}
	}
}

// TopicName returns the recorded display name, falling back to a generic
// numbered label for topics never seen.
func (s *Service) TopicName(chatID int64, topicID int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.names[key{chatID, topicID}]; ok {
		return n
	}
	return fmt.Sprintf("Тема %d", topicID)
}

// Known reports whether the topic has a recorded name.
func (s *Service) Known(chatID int64, topicID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[key{chatID, topicID}]
	return ok
}

// Topics lists the recorded topic ids for a chat in ascending order.
func (s *Service) Topics(chatID int64) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for k := range s.names {
		if k.chatID == chatID {
			out = append(out, k.topicID)
		}
	}
	sort.Ints(out)
	return out
}

// Chats lists every chat with at least one recorded topic.
func (s *Service) Chats() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[int64]bool)
	for k := range s.names {
		set[k.chatID] = true
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddWorkers appends responders to the topic's roster, preserving
// insertion order and skipping duplicates (case-insensitive, with or
// without the leading @). Returns the number actually added.
func (s *Service) AddWorkers(chatID int64, topicID int, names ...string) int {
	k := key{chatID, topicID}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.workers[k]))
	for _, w := range s.workers[k] {
		seen[normalizeWorker(w)] = true
	}
	added := 0
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || n == "@" {
			continue
		}
		norm := normalizeWorker(n)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		s.workers[k] = append(s.workers[k], strings.TrimPrefix(n, "@"))
		added++
	}
	return added
}

// RemoveWorker drops a responder from the topic's roster. Reports whether
// it was present.
func (s *Service) RemoveWorker(chatID int64, topicID int, name string) bool {
	k := key{chatID, topicID}
	norm := normalizeWorker(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workers[k]
	for i, w := range ws {
		if normalizeWorker(w) == norm {
			s.workers[k] = append(ws[:i:i], ws[i+1:]...)
			if len(s.workers[k]) == 0 {
				delete(s.workers, k)
			}
			return true
		}
	}
	return false
}

// ClearWorkers empties the topic's roster.
func (s *Service) ClearWorkers(chatID int64, topicID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, key{chatID, topicID})
}

// Workers returns a copy of the topic's roster in registration order.
func (s *Service) Workers(chatID int64, topicID int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws := s.workers[key{chatID, topicID}]
	if len(ws) == 0 {
		return nil
	}
	return append([]string(nil), ws...)
}

// Restrict adds the topic to the chat's allow list. Once any topic is
// restricted the bot reacts only in listed topics.
func (s *Service) Restrict(chatID int64, topicID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.allowed[chatID]
	if set == nil {
		set = make(map[int]bool)
		s.allowed[chatID] = set
	}
	set[topicID] = true
}

// Unrestrict removes the topic from the chat's allow list; removing the
// last entry lifts the restriction entirely.
func (s *Service) Unrestrict(chatID int64, topicID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.allowed[chatID]
	if set == nil {
		return
	}
	delete(set, topicID)
	if len(set) == 0 {
		delete(s.allowed, chatID)
	}
}

// AllowedIn reports whether the bot may react in the topic: always true
// while the chat has no allow list, otherwise membership in it.
func (s *Service) AllowedIn(chatID int64, topicID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.allowed[chatID]
	if len(set) == 0 {
		return true
	}
	return set[topicID]
}

// Restricted reports whether the chat has an active allow list.
func (s *Service) Restricted(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allowed[chatID]) > 0
}

func normalizeWorker(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
