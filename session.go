package chatcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the lifecycle of the active conversation selection.
type SessionState string

const (
	SessionIdle           SessionState = "idle"
	SessionResolving      SessionState = "resolving"
	SessionLoadingHistory SessionState = "loading_history"
	SessionReady          SessionState = "ready"
	SessionError          SessionState = "error"
)

// ErrSuperseded is returned by SelectCounterpart when a newer selection
// started before this one finished; its results were discarded.
var ErrSuperseded = errors.New("selection superseded")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Channel is the part of the realtime channel a session drives.
// *RealtimeChannel implements it.
type Channel interface {
	State() ChannelState
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, msg OutboundMessage) error
}

// SessionConfig configures a Session. Self and API are required, and one of
// Pool or Channel.
type SessionConfig struct {
	Self User
	API  ConversationAPI
	// History defaults to API when it also implements HistoryAPI.
	History HistoryAPI
	// ChatList defaults to API when it also implements ChatListSource.
	ChatList ChatListSource

	// Pool supplies the user's channel; the session holds a handle until
	// Close. Channel, when set, is used as is and never closed here.
	Pool    *ChannelPool
	Channel Channel

	Selections       SelectionStore
	ConversationType string
	ProvisionalTTL   time.Duration
	SweepInterval    time.Duration
	Now              func() time.Time
	Logger           *zerolog.Logger
	Metrics          *Metrics
}

// Snapshot is what a UI renders.
type Snapshot struct {
	State             SessionState
	ConversationID    string
	Counterpart       *User
	CounterpartOnline bool
	Messages          []Message
	Channel           ChannelState
	// Evicted lists provisional messages dropped by the latest sweep, if the
	// notification was caused by one.
	Evicted []Message
	Err     error
}

// Session orchestrates conversation selection, history loading, room
// membership and the send path for one authenticated user.
type Session struct {
	self       User
	resolver   *Resolver
	history    HistoryAPI
	chatList   ChatListSource
	selections SelectionStore
	channel    Channel
	pool       *ChannelPool
	handle     *ChannelHandle
	store      *MessageStore
	presence   *PresenceTracker

	sweepInterval time.Duration
	log           zerolog.Logger
	metrics       *Metrics

	// roomMu serializes room joins and leaves so each join is balanced by
	// exactly one leave. It is taken before mu.
	roomMu sync.Mutex

	mu             sync.Mutex
	state          SessionState
	generation     uint64
	conversationID string
	counterpart    *User
	joinedRoom     string
	lastErr        error
	closed         bool
	cancelSweep    context.CancelFunc
	sweepDone      chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// NewSession builds a session and acquires the user's realtime channel.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("new session: self id is required")
	}
	if cfg.API == nil {
		return nil, errors.New("new session: conversation API is required")
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("component", "session").Str("user_id", cfg.Self.ID).Logger()

	s := &Session{
		self:          cfg.Self,
		history:       cfg.History,
		chatList:      cfg.ChatList,
		selections:    cfg.Selections,
		channel:       cfg.Channel,
		pool:          cfg.Pool,
		presence:      NewPresenceTracker(),
		sweepInterval: cfg.SweepInterval,
		log:           log,
		metrics:       cfg.Metrics,
		state:         SessionIdle,
	}
	s.resolver = NewResolver(cfg.API,
		WithConversationType(cfg.ConversationType),
		WithResolverLogger(log),
		WithResolverMetrics(cfg.Metrics),
	)
	s.store = NewMessageStore(StoreOptions{
		ProvisionalTTL: cfg.ProvisionalTTL,
		Now:            cfg.Now,
		Metrics:        cfg.Metrics,
	})
	s.store.Reset("", cfg.Self.ID)

	if s.history == nil {
		if h, ok := cfg.API.(HistoryAPI); ok {
			s.history = h
		}
	}
	if s.chatList == nil {
		if cl, ok := cfg.API.(ChatListSource); ok {
			s.chatList = cl
		}
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}

	if s.channel == nil {
		if s.pool == nil {
			return nil, errors.New("new session: a channel pool or channel is required")
		}
		h, err := s.pool.Acquire(ctx, cfg.Self.ID)
		if err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
		s.handle = h
		s.channel = h.Channel()
	}
	if rc, ok := s.channel.(*RealtimeChannel); ok {
		s.Bind(rc)
	}
	return s, nil
}

// Bind routes a realtime channel's inbound events into the session.
func (s *Session) Bind(ch *RealtimeChannel) {
	ch.OnReceiveMessage(s.HandleReceiveMessage)
	ch.OnMessageSent(s.HandleMessageSent)
	ch.OnUserOnline(s.HandleUserOnline)
	ch.OnUserOffline(s.HandleUserOffline)
	ch.OnConnected(s.presence.Reset)
	ch.OnStateChange(func(ChannelState) { s.notify(nil) })
}

// Start begins the provisional-message eviction sweep.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancelSweep != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelSweep = cancel
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		s.store.RunSweeper(ctx, s.sweepInterval, func(evicted []Message) {
			s.log.Info().Int("count", len(evicted)).Msg("evicted unconfirmed messages")
			s.notify(evicted)
		})
	}()
}

// Close leaves the joined room, stops the sweeper and releases the channel.
func (s *Session) Close() error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	room := s.joinedRoom
	s.joinedRoom = ""
	s.conversationID = ""
	s.counterpart = nil
	s.state = SessionIdle
	cancel, done := s.cancelSweep, s.sweepDone
	s.mu.Unlock()

	s.store.Reset("", s.self.ID)
	if cancel != nil {
		cancel()
		<-done
	}

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if room != "" {
		if err := s.channel.LeaveConversation(ctx, room); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", room).Msg("leave on close failed")
		}
	}
	if s.handle != nil {
		return s.pool.Release(s.handle)
	}
	return nil
}

// OnChange registers a listener for session snapshots. Listeners may be
// called from the channel's read loop and from the sweeper.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// notify is silent once the session is closed; a pooled channel keeps
// calling the handlers Bind registered.
func (s *Session) notify(evicted []Message) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.listenersMu.RLock()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	snap := s.Snapshot()
	snap.Evicted = evicted
	for _, fn := range listeners {
		fn(snap)
	}
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:          s.state,
		ConversationID: s.conversationID,
		Err:            s.lastErr,
	}
	if s.counterpart != nil {
		c := *s.counterpart
		snap.Counterpart = &c
	}
	s.mu.Unlock()

	if snap.Counterpart != nil {
		snap.CounterpartOnline = s.presence.IsOnline(snap.Counterpart.ID)
	}
	snap.Messages = s.store.Messages()
	snap.Channel = s.channel.State()
	return snap
}

// Self returns the authenticated user.
func (s *Session) Self() User { return s.self }

// State returns the selection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the active conversation's messages in display order.
func (s *Session) Messages() []Message { return s.store.Messages() }

// Presence exposes the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// ChatList returns the counterparts available to the user's role.
func (s *Session) ChatList(ctx context.Context) ([]User, error) {
	if s.chatList == nil {
		return nil, errors.New("chat list: no source configured")
	}
	return s.chatList.ChatList(ctx, s.self)
}

// LastCounterpart returns the counterpart id saved by the previous
// selection, or "" when there is none.
func (s *Session) LastCounterpart(ctx context.Context) (string, error) {
	if s.selections == nil {
		return "", nil
	}
	return s.selections.LoadSelection(ctx, s.self.ID)
}

// SelectCounterpart switches the session to the conversation with
// counterpart. Active state is cleared before anything else happens, so no
// stale messages show under the new header. If another selection starts
// before this one finishes, this one returns ErrSuperseded and applies
// nothing.
func (s *Session) SelectCounterpart(ctx context.Context, counterpart User, orderID string) error {
	if counterpart.ID == "" {
		return errors.New("select counterpart: empty id")
	}
	gen, err := s.beginSelection()
	if err != nil {
		return err
	}
	s.notify(nil)
	log := s.log.With().Str("counterpart_id", counterpart.ID).Uint64("generation", gen).Logger()

	res, err := s.resolver.Resolve(ctx, s.self, counterpart, orderID)
	if err != nil {
		if !s.fail(gen, err) {
			return ErrSuperseded
		}
		log.Warn().Err(err).Msg("selection failed")
		s.notify(nil)
		return err
	}

	if !s.beginHistory(gen, res) {
		return ErrSuperseded
	}
	s.notify(nil)

	history := s.loadHistory(ctx, res.ConversationID)

	if !s.finishSelection(ctx, gen, res, history) {
		return ErrSuperseded
	}
	log.Info().Str("conversation_id", res.ConversationID).Bool("created", res.Created).Int("history", len(history)).Msg("conversation ready")

	if s.selections != nil {
		if err := s.selections.SaveSelection(ctx, s.self.ID, counterpart.ID); err != nil {
			log.Warn().Err(err).Msg("save selection failed")
		}
	}
	s.notify(nil)
	return nil
}

// beginSelection invalidates any selection in flight, leaves the joined room
// and clears the active conversation.
func (s *Session) beginSelection() (uint64, error) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	s.generation++
	gen := s.generation
	room := s.joinedRoom
	s.joinedRoom = ""
	s.conversationID = ""
	s.counterpart = nil
	s.lastErr = nil
	s.state = SessionResolving
	s.store.Reset("", s.self.ID)
	s.mu.Unlock()

	if room != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.channel.LeaveConversation(ctx, room); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", room).Msg("leave failed")
		}
	}
	return gen, nil
}

// fail records a resolution error. It reports false when gen is stale.
func (s *Session) fail(gen uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.state = SessionError
	s.lastErr = err
	return true
}

func (s *Session) beginHistory(gen uint64, res *Resolution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	cp := res.Counterpart
	s.conversationID = res.ConversationID
	s.counterpart = &cp
	s.state = SessionLoadingHistory
	s.store.Reset(res.ConversationID, s.self.ID)
	return true
}

// loadHistory soft-fails to an empty history: an empty conversation and a
// failed fetch look the same to the caller.
func (s *Session) loadHistory(ctx context.Context, conversationID string) []Message {
	if s.history == nil {
		return nil
	}
	start := time.Now()
	msgs, err := s.history.MessageHistory(ctx, conversationID)
	s.metrics.historyLoad(start)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("history load failed")
		return nil
	}
	return msgs
}

func (s *Session) finishSelection(ctx context.Context, gen uint64, res *Resolution, history []Message) bool {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.store.Seed(history)
	s.joinedRoom = res.ConversationID
	s.state = SessionReady
	s.mu.Unlock()

	if err := s.channel.JoinConversation(ctx, res.ConversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", res.ConversationID).Msg("join failed")
	}
	return true
}

// Send posts text to the active conversation. It appends a provisional
// message, emits it, and returns the provisional copy. It returns nil and
// does nothing when text is blank, no conversation is resolved, no
// counterpart is known, or the channel is not connected.
func (s *Session) Send(ctx context.Context, text string) *Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.channel.State() != StateConnected {
		return nil
	}

	s.mu.Lock()
	if s.closed || s.conversationID == "" || s.counterpart == nil || s.store.ConversationID() != s.conversationID {
		s.mu.Unlock()
		return nil
	}
	convID := s.conversationID
	receiver := s.counterpart.ID
	msg := s.store.AddProvisional(RefID(receiver), text)
	s.mu.Unlock()
	s.notify(nil)

	err := s.channel.SendMessage(ctx, OutboundMessage{
		ConversationID: convID,
		Sender:         s.self.ID,
		Receiver:       receiver,
		Message:        text,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", convID).Str("message_id", msg.ID).Msg("send failed; message will be evicted")
	}
	return &msg
}

// HandleMessageSent applies a message_sent acknowledgment.
func (s *Session) HandleMessageSent(m Message) {
	s.store.ConfirmSent(m)
	s.notify(nil)
}

// HandleReceiveMessage applies a receive_message event.
func (s *Session) HandleReceiveMessage(m Message) {
	if s.store.Receive(m) {
		s.notify(nil)
	}
}

// HandleUserOnline applies a user_online event.
func (s *Session) HandleUserOnline(userID string) {
	if s.presence.SetOnline(userID) {
		s.notify(nil)
	}
}

// HandleUserOffline applies a user_offline event.
func (s *Session) HandleUserOffline(userID string) {
	if s.presence.SetOffline(userID) {
		s.notify(nil)
	}
}
