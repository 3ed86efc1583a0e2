package alert

import (
	"sort"
	"sync"
	"time"
)

// Key identifies one alert: a forum topic inside a chat.
type Key struct {
	ChatID  int64
	TopicID int
}

// Registry owns the set of currently-active alerts and their activation
// timestamps. It is the single writer of this state; an alert exists here
// if and only if its topic is currently considered alerting.
type Registry struct {
	mu     sync.Mutex
	active map[Key]time.Time
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[Key]time.Time),
		now:    time.Now,
	}
}

// Raise inserts the alert if absent and stamps its activation time to now
// either way: a retrigger resets the idle clock, not just the first
// activation. Reports whether the alert was already active so callers can
// branch dashboard-creation logic, plus the new activation stamp.
func (r *Registry) Raise(chatID int64, topicID int) (wasAlreadyActive bool, at time.Time) {
	k := Key{ChatID: chatID, TopicID: topicID}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, wasAlreadyActive = r.active[k]
	at = r.now()
	r.active[k] = at
	return wasAlreadyActive, at
}

// Clear removes the alert. Clearing an inactive key is a no-op.
func (r *Registry) Clear(chatID int64, topicID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, Key{ChatID: chatID, TopicID: topicID})
}

// ClearIf removes the alert only if its activation stamp still equals at,
// letting a late expiry callback detect that a retrigger superseded it.
// Reports whether the alert was cleared.
func (r *Registry) ClearIf(chatID int64, topicID int, at time.Time) bool {
	k := Key{ChatID: chatID, TopicID: topicID}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.active[k]
	if !ok || !cur.Equal(at) {
		return false
	}
	delete(r.active, k)
	return true
}

func (r *Registry) IsActive(chatID int64, topicID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[Key{ChatID: chatID, TopicID: topicID}]
	return ok
}

// ActivatedAt returns the most recent trigger time for the key.
func (r *Registry) ActivatedAt(chatID int64, topicID int) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[Key{ChatID: chatID, TopicID: topicID}]
	return t, ok
}

// ActiveTopics returns the alerting topic ids for a chat, sorted for a
// stable dashboard order.
func (r *Registry) ActiveTopics(chatID int64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for k := range r.active {
		if k.ChatID == chatID {
			out = append(out, k.TopicID)
		}
	}
	sort.Ints(out)
	return out
}

// HasActive reports whether any topic in the chat is alerting.
func (r *Registry) HasActive(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.active {
		if k.ChatID == chatID {
			return true
		}
	}
	return false
}
