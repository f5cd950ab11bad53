package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire protocol
// ============================================================================

// Client -> server events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
)

// Server -> client events.
const (
	EventReceiveMessage = "receive_message"
	EventMessageSent    = "message_sent"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
)

// Envelope is the wire format of every realtime frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrNotConnected is returned by emits while the channel is down.
var ErrNotConnected = errors.New("realtime channel not connected")

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a RealtimeChannel.
type ChannelConfig struct {
	// URL of the realtime endpoint; http(s) schemes are mapped to ws(s).
	URL                  string
	Header               http.Header
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
	Metrics              *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateError        ChannelState = "error"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu            sync.RWMutex
	onReceive     []func(Message)
	onSent        []func(Message)
	onOnline      []func(string)
	onOffline     []func(string)
	onStateChange []func(ChannelState)
	onConnected   []func()
}

// dispatch runs handlers inline so room-scoped events reach them in the
// order the server emitted them.
func (d *eventDispatcher) dispatch(env Envelope, log zerolog.Logger) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case EventReceiveMessage, EventMessageSent:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			log.Warn().Err(err).Str("event", env.Event).Msg("malformed message payload")
			return
		}
		handlers := d.onReceive
		if env.Event == EventMessageSent {
			handlers = d.onSent
		}
		for _, h := range handlers {
			h(m)
		}
	case EventUserOnline, EventUserOffline:
		id, err := decodeUserID(env.Data)
		if err != nil {
			log.Warn().Err(err).Str("event", env.Event).Msg("malformed presence payload")
			return
		}
		handlers := d.onOnline
		if env.Event == EventUserOffline {
			handlers = d.onOffline
		}
		for _, h := range handlers {
			h(id)
		}
	default:
		log.Debug().Str("event", env.Event).Msg("unhandled event")
	}
}

func (d *eventDispatcher) emitState(s ChannelState) {
	d.mu.RLock()
	handlers := append([]func(ChannelState){}, d.onStateChange...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// decodeUserID accepts a bare id string or an object carrying userId/_id/id.
func decodeUserID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id == "" {
			return "", fmt.Errorf("empty user id")
		}
		return id, nil
	}
	var obj struct {
		UserID  string `json:"userId"`
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	for _, v := range []string{obj.UserID, obj.MongoID, obj.ID} {
		if v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no user id in %s", string(data))
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// nextDelay returns the backoff for the next attempt. A connection that
// stayed up for a minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// RealtimeChannel is the single WebSocket connection of one user, multiplexed
// across conversations by room membership.
type RealtimeChannel struct {
	id         string
	userID     string
	config     *ChannelConfig
	dispatcher *eventDispatcher
	recon      *reconnector
	log        zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	rooms            map[string]struct{}
	writeMu          sync.Mutex
}

// NewRealtimeChannel creates a channel for userID. Call Connect to dial.
func NewRealtimeChannel(userID string, config ChannelConfig) *RealtimeChannel {
	cfg := config
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	id := uuid.NewString()
	return &RealtimeChannel{
		id:         id,
		userID:     userID,
		config:     &cfg,
		dispatcher: &eventDispatcher{},
		recon:      newReconnector(&cfg),
		log:        log.With().Str("component", "realtime").Str("user_id", userID).Str("channel_id", id).Logger(),
		state:      StateDisconnected,
		rooms:      make(map[string]struct{}),
	}
}

// OnReceiveMessage registers a handler for messages authored by others.
func (ch *RealtimeChannel) OnReceiveMessage(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onReceive = append(ch.dispatcher.onReceive, h)
	ch.dispatcher.mu.Unlock()
}

// OnMessageSent registers a handler for acknowledgments of own messages.
func (ch *RealtimeChannel) OnMessageSent(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onSent = append(ch.dispatcher.onSent, h)
	ch.dispatcher.mu.Unlock()
}

// OnUserOnline registers a handler for user_online events.
func (ch *RealtimeChannel) OnUserOnline(h func(userID string)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onOnline = append(ch.dispatcher.onOnline, h)
	ch.dispatcher.mu.Unlock()
}

// OnUserOffline registers a handler for user_offline events.
func (ch *RealtimeChannel) OnUserOffline(h func(userID string)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onOffline = append(ch.dispatcher.onOffline, h)
	ch.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler called on every state transition.
func (ch *RealtimeChannel) OnStateChange(h func(ChannelState)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onStateChange = append(ch.dispatcher.onStateChange, h)
	ch.dispatcher.mu.Unlock()
}

// OnConnected registers a handler called after every successful (re)connect,
// before rooms are re-joined.
func (ch *RealtimeChannel) OnConnected(h func()) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onConnected = append(ch.dispatcher.onConnected, h)
	ch.dispatcher.mu.Unlock()
}

// UserID returns the user the channel was opened for.
func (ch *RealtimeChannel) UserID() string { return ch.userID }

// State returns the current connection state.
func (ch *RealtimeChannel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *RealtimeChannel) setState(s ChannelState) {
	ch.mu.Lock()
	changed := ch.state != s
	ch.state = s
	ch.mu.Unlock()
	if !changed {
		return
	}
	ch.config.Metrics.channelState(s)
	ch.log.Debug().Str("state", string(s)).Msg("channel state")
	ch.dispatcher.emitState(s)
}

// dialURL maps the configured URL to a ws(s) URL carrying the user id.
func (ch *RealtimeChannel) dialURL() (string, error) {
	raw := strings.Replace(ch.config.URL, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("userId", ch.userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the realtime endpoint. A dial failure leaves the channel in
// the error state (or reconnecting, when AutoReconnect is set) and is
// returned to the caller. Connecting from the error state starts a fresh
// reconnect budget.
func (ch *RealtimeChannel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.intentionalClose = false
	gaveUp := ch.state == StateError
	ch.mu.Unlock()
	if gaveUp {
		ch.recon.reset()
	}

	err := ch.dial(ctx)
	if err == nil {
		return nil
	}
	if ch.config.AutoReconnect {
		lifeCtx := ch.lifetime()
		go ch.reconnectLoop(lifeCtx)
	} else {
		ch.setState(StateError)
	}
	return err
}

// lifetime returns a context that lives until Close.
func (ch *RealtimeChannel) lifetime() context.Context {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelFn != nil {
		ch.cancelFn()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch.cancelFn = cancel
	return ctx
}

func (ch *RealtimeChannel) dial(ctx context.Context) error {
	ch.setState(StateConnecting)

	wsURL, err := ch.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ch.config.HTTPClient,
		HTTPHeader: ch.config.Header,
	})
	if err != nil {
		ch.log.Warn().Err(err).Msg("dial failed")
		return fmt.Errorf("websocket dial: %w", err)
	}

	ch.mu.Lock()
	if ch.intentionalClose {
		ch.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	ch.conn = conn
	ch.mu.Unlock()
	ch.recon.markConnected()

	connCtx := ch.lifetime()
	ch.setState(StateConnected)
	ch.log.Info().Msg("connected")

	ch.dispatcher.emitConnected()
	ch.rejoinRooms(connCtx)

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)
	return nil
}

// Close gracefully closes the connection and stops reconnecting.
func (ch *RealtimeChannel) Close() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	ch.setState(StateDisconnected)
	ch.recon.reset()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation joins the room of a conversation. The room is remembered
// and re-joined after reconnects; while disconnected the join is deferred.
func (ch *RealtimeChannel) JoinConversation(ctx context.Context, conversationID string) error {
	ch.mu.Lock()
	ch.rooms[conversationID] = struct{}{}
	ch.mu.Unlock()
	err := ch.emit(ctx, EventJoinConversation, conversationID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// LeaveConversation leaves the room of a conversation.
func (ch *RealtimeChannel) LeaveConversation(ctx context.Context, conversationID string) error {
	ch.mu.Lock()
	delete(ch.rooms, conversationID)
	ch.mu.Unlock()
	err := ch.emit(ctx, EventLeaveConversation, conversationID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Rooms returns the conversation ids currently joined.
func (ch *RealtimeChannel) Rooms() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, 0, len(ch.rooms))
	for id := range ch.rooms {
		out = append(out, id)
	}
	return out
}

// SendMessage emits send_message. Delivery is confirmed asynchronously by a
// message_sent event, never by the return value.
func (ch *RealtimeChannel) SendMessage(ctx context.Context, msg OutboundMessage) error {
	return ch.emit(ctx, EventSendMessage, msg)
}

func (ch *RealtimeChannel) emit(ctx context.Context, event string, data interface{}) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeEnvelope(ctx, conn, &ch.writeMu, event, data)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (ch *RealtimeChannel) rejoinRooms(ctx context.Context) {
	ch.mu.Lock()
	conn := ch.conn
	rooms := make([]string, 0, len(ch.rooms))
	for id := range ch.rooms {
		rooms = append(rooms, id)
	}
	ch.mu.Unlock()
	for _, id := range rooms {
		if err := writeEnvelope(ctx, conn, &ch.writeMu, EventJoinConversation, id); err != nil {
			ch.log.Warn().Err(err).Str("conversation_id", id).Msg("rejoin failed")
		}
	}
}

func (ch *RealtimeChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.handleDrop(ctx, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		ch.dispatcher.dispatch(env, ch.log)
	}
}

func (ch *RealtimeChannel) handleDrop(ctx context.Context, conn *websocket.Conn, cause error) {
	ch.mu.Lock()
	intentional := ch.intentionalClose
	current := ch.conn == conn
	if current {
		ch.conn = nil
	}
	ch.mu.Unlock()
	if intentional || !current {
		return
	}

	ch.log.Warn().Err(cause).Msg("connection lost")
	conn.Close(websocket.StatusGoingAway, "read failed")
	if !ch.config.AutoReconnect {
		ch.setState(StateError)
		return
	}
	ch.reconnectLoop(ctx)
}

func (ch *RealtimeChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ch.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop retries with exponential backoff until it connects, the
// attempts run out (state error) or the channel is closed.
func (ch *RealtimeChannel) reconnectLoop(ctx context.Context) {
	for ch.recon.shouldReconnect() {
		delay := ch.recon.nextDelay()
		ch.setState(StateConnecting)
		ch.config.Metrics.reconnect()
		ch.log.Info().Int("attempt", ch.recon.attempts()).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		ch.mu.Lock()
		stop := ch.intentionalClose
		ch.mu.Unlock()
		if stop {
			return
		}

		if err := ch.dial(ctx); err == nil {
			return
		}
	}
	ch.log.Error().Int("attempts", ch.recon.attempts()).Msg("giving up reconnecting")
	ch.setState(StateError)
}
