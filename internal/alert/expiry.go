package alert

import (
	"sync"
	"time"
)

// expiryCoordinator owns one pending auto-clear timer per active alert.
// State machine per key: Inactive -> Pending(timer) -> Inactive.
//
// Reschedule cancels any pending timer before arming a fresh one under a
// single lock, so no two live timers for one key can coexist. A fired
// callback that lost the race to a newer Reschedule detects it by handle
// identity and backs off without touching anything.
type expiryCoordinator struct {
	ttl      time.Duration
	onExpire func(chatID int64, topicID int, raisedAt time.Time)

	mu      sync.Mutex
	pending map[Key]*time.Timer
}

func newExpiryCoordinator(ttl time.Duration, onExpire func(chatID int64, topicID int, raisedAt time.Time)) *expiryCoordinator {
	return &expiryCoordinator{
		ttl:      ttl,
		onExpire: onExpire,
		pending:  make(map[Key]*time.Timer),
	}
}

// Reschedule arms the auto-clear for now+TTL, discarding any remaining
// time on a previously armed timer. The newest trigger always owns the
// live timer. raisedAt is the activation stamp the expiry acts against:
// the callback only clears the alert if the stamp is still current.
func (c *expiryCoordinator) Reschedule(chatID int64, topicID int, raisedAt time.Time) {
	k := Key{ChatID: chatID, TopicID: topicID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.pending[k]; old != nil {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.ttl, func() { c.fire(k, t, raisedAt) })
	c.pending[k] = t
}

// Cancel drops the pending expiry for the key, if any. Idempotent;
// a callback already dispatched may still run, and re-validates.
func (c *expiryCoordinator) Cancel(chatID int64, topicID int) {
	k := Key{ChatID: chatID, TopicID: topicID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.pending[k]; t != nil {
		t.Stop()
		delete(c.pending, k)
	}
}

func (c *expiryCoordinator) fire(k Key, self *time.Timer, raisedAt time.Time) {
	c.mu.Lock()
	if c.pending[k] != self {
		// Superseded or cancelled while this callback was in flight.
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)
	c.mu.Unlock()

	c.onExpire(k.ChatID, k.TopicID, raisedAt)
}

// Stop cancels every pending timer. Used on shutdown.
func (c *expiryCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.pending {
		t.Stop()
		delete(c.pending, k)
	}
}

func (c *expiryCoordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
