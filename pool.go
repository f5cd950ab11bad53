package chatcore

import (
	"context"
	"errors"
	"sync"
)

// ChannelPool hands out realtime channels, one physical connection per user
// id, reference counted across holders.
type ChannelPool struct {
	config ChannelConfig
	dial   func(userID string, cfg ChannelConfig) *RealtimeChannel

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	channel *RealtimeChannel
	refs    int
}

// ChannelHandle is a holder's claim on a pooled channel.
type ChannelHandle struct {
	pool    *ChannelPool
	channel *RealtimeChannel
	once    sync.Once
}

// Channel returns the underlying channel.
func (h *ChannelHandle) Channel() *RealtimeChannel { return h.channel }

func NewChannelPool(config ChannelConfig) *ChannelPool {
	return &ChannelPool{
		config:  config,
		dial:    NewRealtimeChannel,
		entries: make(map[string]*poolEntry),
	}
}

// Acquire returns a handle on userID's channel, connecting it on first use
// and again when it has given up reconnecting.
// A connect failure does not fail Acquire when the channel reconnects on its
// own; the error surfaces as channel state instead.
func (p *ChannelPool) Acquire(ctx context.Context, userID string) (*ChannelHandle, error) {
	if userID == "" {
		return nil, errors.New("acquire channel: empty user id")
	}

	p.mu.Lock()
	e, ok := p.entries[userID]
	if !ok {
		e = &poolEntry{channel: p.dial(userID, p.config)}
		p.entries[userID] = e
	}
	e.refs++
	p.mu.Unlock()

	if ok && e.channel.State() == StateError {
		if err := e.channel.Connect(ctx); err != nil && !p.config.AutoReconnect {
			p.mu.Lock()
			e.refs--
			p.mu.Unlock()
			return nil, err
		}
	}
	if !ok {
		if err := e.channel.Connect(ctx); err != nil && !p.config.AutoReconnect {
			p.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(p.entries, userID)
			}
			p.mu.Unlock()
			return nil, err
		}
	}
	return &ChannelHandle{pool: p, channel: e.channel}, nil
}

// Release gives a handle back. The channel is closed when its last handle
// is released. Releasing twice is a no-op.
func (p *ChannelPool) Release(h *ChannelHandle) error {
	if h == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		userID := h.channel.UserID()
		p.mu.Lock()
		e, ok := p.entries[userID]
		if !ok || e.channel != h.channel {
			p.mu.Unlock()
			return
		}
		e.refs--
		last := e.refs <= 0
		if last {
			delete(p.entries, userID)
		}
		p.mu.Unlock()
		if last {
			err = e.channel.Close()
		}
	})
	return err
}

// Size returns the number of live channels.
func (p *ChannelPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
