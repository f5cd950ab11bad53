package chatcore

import "sync"

// PresenceTracker maps user ids to their last pushed online status. It is
// written only from inbound channel events; a user never seen is offline.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]bool)}
}

// SetOnline records a user_online event. It reports whether the status changed.
func (p *PresenceTracker) SetOnline(userID string) bool {
	return p.set(userID, true)
}

// SetOffline records a user_offline event. It reports whether the status changed.
func (p *PresenceTracker) SetOffline(userID string) bool {
	return p.set(userID, false)
}

func (p *PresenceTracker) set(userID string, online bool) bool {
	if userID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.online[userID]
	if online {
		p.online[userID] = true
	} else {
		delete(p.online, userID)
	}
	return prev != online
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

// Snapshot returns a copy of the users currently online.
func (p *PresenceTracker) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.online))
	for id := range p.online {
		out[id] = true
	}
	return out
}

// Reset forgets everything; called when the channel (re)connects.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	p.online = make(map[string]bool)
	p.mu.Unlock()
}
