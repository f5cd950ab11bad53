package chatcore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultProvisionalTTL is how long a provisional message may wait for
	// confirmation before a sweep evicts it.
	DefaultProvisionalTTL = 30 * time.Second
	// DefaultSweepInterval is the period of the eviction sweep.
	DefaultSweepInterval = 5 * time.Second

	provisionalPrefix = "temp-"
)

// StoreOptions configures a MessageStore.
type StoreOptions struct {
	ProvisionalTTL time.Duration
	Now            func() time.Time
	Metrics        *Metrics
}

// MessageStore is the ordered, client-local message sequence of the active
// conversation. Display order is insertion order; nothing is re-sorted.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	selfID         string
	messages       []*Message
	seq            uint64

	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
}

func NewMessageStore(opts StoreOptions) *MessageStore {
	s := &MessageStore{
		ttl:     opts.ProvisionalTTL,
		now:     opts.Now,
		metrics: opts.Metrics,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultProvisionalTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Reset drops every message and scopes the store to a new conversation.
func (s *MessageStore) Reset(conversationID, selfID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.selfID = selfID
	s.messages = nil
}

// ConversationID returns the conversation the store is scoped to.
func (s *MessageStore) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Seed loads history ahead of whatever is already in the store. Entries
// already present by id are skipped.
func (s *MessageStore) Seed(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(history)+len(s.messages))
	for _, m := range s.messages {
		seen[m.ID] = true
	}
	seeded := make([]*Message, 0, len(history)+len(s.messages))
	for i := range history {
		m := history[i]
		if m.ID == "" || seen[m.ID] || !s.inScope(&m) {
			continue
		}
		seen[m.ID] = true
		m.State = Confirmed
		seeded = append(seeded, &m)
	}
	s.messages = append(seeded, s.messages...)
}

// AddProvisional appends an optimistic message authored by self and returns it.
func (s *MessageStore) AddProvisional(receiver UserRef, text string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.seq++
	m := &Message{
		ID:             provisionalID(now, s.seq),
		ClientID:       uuid.NewString(),
		ConversationID: s.conversationID,
		Sender:         RefID(s.selfID),
		Receiver:       receiver,
		Text:           text,
		CreatedAt:      now.UTC().Format(time.RFC3339Nano),
		State:          Provisional,
	}
	s.messages = append(s.messages, m)
	s.metrics.message("sent")
	return *m
}

// ConfirmSent applies a message_sent acknowledgment. The self-authored
// provisional entry for this send is replaced in place by the confirmed
// message. An ack for an id already present changes nothing. It reports
// whether a new confirmed entry was inserted.
func (s *MessageStore) ConfirmSent(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inScope(&m) {
		s.metrics.message("foreign_room")
		return false
	}
	if m.ID == "" {
		return false
	}
	if s.indexOf(m.ID) >= 0 {
		s.metrics.message("duplicate")
		return false
	}
	m.State = Confirmed
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}

	victims := s.pendingFor(&m)
	slot := -1
	kept := s.messages[:0:0]
	for i, cur := range s.messages {
		if victims[i] {
			if slot < 0 {
				slot = len(kept)
			}
			continue
		}
		kept = append(kept, cur)
	}
	s.messages = kept

	if slot < 0 {
		s.messages = append(s.messages, &m)
	} else {
		s.messages = append(s.messages[:slot], append([]*Message{&m}, s.messages[slot:]...)...)
	}
	s.metrics.message("confirmed")
	return true
}

// pendingFor picks the provisional entries a confirmation settles: the
// oldest self provisional with identical text, or, when none matches, every
// self provisional (only one send is in flight per interaction).
func (s *MessageStore) pendingFor(m *Message) map[int]bool {
	victims := make(map[int]bool)
	for i, cur := range s.messages {
		if cur.IsProvisional() && SenderID(cur) == s.selfID && cur.Text == m.Text {
			victims[i] = true
			return victims
		}
	}
	for i, cur := range s.messages {
		if cur.IsProvisional() && SenderID(cur) == s.selfID {
			victims[i] = true
		}
	}
	return victims
}

// Receive applies a receive_message event. Self echoes, duplicates by id and
// messages whose text matches a pending provisional are ignored. It reports
// whether the message was appended.
func (s *MessageStore) Receive(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inScope(&m) {
		s.metrics.message("foreign_room")
		return false
	}
	if SenderID(&m) == s.selfID {
		s.metrics.message("echo")
		return false
	}
	if m.ID == "" || s.indexOf(m.ID) >= 0 {
		s.metrics.message("duplicate")
		return false
	}
	for _, cur := range s.messages {
		if cur.IsProvisional() && cur.Text == m.Text {
			s.metrics.message("duplicate")
			return false
		}
	}
	m.State = Confirmed
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	s.messages = append(s.messages, &m)
	s.metrics.message("received")
	return true
}

// Sweep evicts provisional entries whose synthetic timestamp is older than
// the TTL and returns them. Confirmed entries are never removed.
func (s *MessageStore) Sweep() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	var evicted []Message
	kept := s.messages[:0:0]
	for _, m := range s.messages {
		if m.IsProvisional() {
			if ts, ok := provisionalTime(m.ID); ok && ts.Before(cutoff) {
				evicted = append(evicted, *m)
				continue
			}
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.metrics.messages("evicted", len(evicted))
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done. onEvict, when
// set, receives each non-empty batch of evicted messages.
func (s *MessageStore) RunSweeper(ctx context.Context, interval time.Duration, onEvict func([]Message)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.Sweep(); len(evicted) > 0 && onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}

// Messages returns a copy of the sequence in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// PendingCount returns the number of provisional entries.
func (s *MessageStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.IsProvisional() {
			n++
		}
	}
	return n
}

// inScope drops events addressed to any conversation but the active one.
// A store with no active conversation accepts nothing.
func (s *MessageStore) inScope(m *Message) bool {
	if s.conversationID == "" {
		return false
	}
	return m.ConversationID == "" || m.ConversationID == s.conversationID
}

func (s *MessageStore) indexOf(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// Provisional ids
// ============================================================================

func provisionalID(t time.Time, seq uint64) string {
	return fmt.Sprintf("%s%d-%d", provisionalPrefix, t.UnixMilli(), seq)
}

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool {
	_, ok := provisionalTime(id)
	return ok
}

func provisionalTime(id string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(id, provisionalPrefix)
	if !ok {
		return time.Time{}, false
	}
	millis, _, _ := strings.Cut(rest, "-")
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
