package core

import (
	"context"
	"sort"
	"sync"

	"sosbot/internal/transport"
)

// adminSet answers "may this user manage the bot in this chat". Owners
// come from config and always pass; extra admins are managed at runtime
// by owners; everyone else falls back to chat administrator status.
type adminSet struct {
	adapter transport.Adapter

	mu     sync.RWMutex
	owners map[int64]bool
	extra  map[int64]bool
}

func newAdminSet(adapter transport.Adapter, owners []int64) *adminSet {
	a := &adminSet{adapter: adapter, extra: make(map[int64]bool)}
	a.SetOwners(owners)
	return a
}

func (a *adminSet) SetOwners(ids []int64) {
	next := make(map[int64]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}
	a.mu.Lock()
	a.owners = next
	a.mu.Unlock()
}

func (a *adminSet) IsOwner(userID int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owners[userID]
}

// Add registers an extra admin. Reports whether it was new.
func (a *adminSet) Add(userID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.extra[userID] {
		return false
	}
	a.extra[userID] = true
	return true
}

// Del removes an extra admin. Reports whether it was present.
func (a *adminSet) Del(userID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.extra[userID] {
		return false
	}
	delete(a.extra, userID)
	return true
}

func (a *adminSet) List() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]int64, 0, len(a.extra))
	for id := range a.extra {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsAdmin checks owner, extra admin, then live chat administrator
// status. A failed admin lookup denies rather than errors.
func (a *adminSet) IsAdmin(ctx context.Context, chatID, userID int64) bool {
	a.mu.RLock()
	ok := a.owners[userID] || a.extra[userID]
	a.mu.RUnlock()
	if ok {
		return true
	}
	admins, err := a.adapter.ChatAdmins(ctx, chatID)
	if err != nil {
		return false
	}
	for _, u := range admins {
		if u.ID == userID {
			return true
		}
	}
	return false
}
