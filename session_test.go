package chatcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type memSelections struct {
	mu   sync.Mutex
	last map[string]string
}

func (m *memSelections) LoadSelection(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[userID], nil
}

func (m *memSelections) SaveSelection(_ context.Context, userID, counterpartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = make(map[string]string)
	}
	m.last[userID] = counterpartID
	return nil
}

var (
	buyer  = User{ID: "buyer", Name: "Bea", Role: "buyer"}
	seller = User{ID: "seller", Name: "Sol", Role: "seller"}
	maker  = User{ID: "maker", Name: "Mo", Role: "provider"}
)

func newTestSession(t *testing.T, api *fakeAPI, ch Channel, mutate func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{Self: buyer, API: api, Channel: ch}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sameOps(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected room ops %v, got %v", want, got)
	}
}

func TestNewSessionValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewSession(ctx, SessionConfig{API: newFakeAPI(), Channel: newFakeChannel()}); err == nil {
		t.Fatal("expected error without self")
	}
	if _, err := NewSession(ctx, SessionConfig{Self: buyer, Channel: newFakeChannel()}); err == nil {
		t.Fatal("expected error without API")
	}
	if _, err := NewSession(ctx, SessionConfig{Self: buyer, API: newFakeAPI()}); err == nil {
		t.Fatal("expected error without pool or channel")
	}
}

func TestSessionSelectFreshContact(t *testing.T) {
	api := newFakeAPI()
	ch := newFakeChannel()
	sel := &memSelections{}
	s := newTestSession(t, api, ch, func(c *SessionConfig) { c.Selections = sel })

	if s.State() != SessionIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if err := s.SelectCounterpart(context.Background(), seller, "o1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != SessionReady || snap.ConversationID == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Counterpart == nil || snap.Counterpart.Name != "Sol" {
		t.Fatalf("expected fallback counterpart profile, got %+v", snap.Counterpart)
	}
	if len(snap.Messages) != 0 {
		t.Fatalf("expected empty history, got %+v", snap.Messages)
	}
	if api.opened[0].OrderID != "o1" {
		t.Fatalf("expected order id on open, got %+v", api.opened[0])
	}
	sameOps(t, ch.operations(), "join:"+snap.ConversationID)

	if last, _ := s.LastCounterpart(context.Background()); last != "seller" {
		t.Fatalf("expected saved selection, got %q", last)
	}
}

func TestSessionSwitchClearsState(t *testing.T) {
	api := newFakeAPI()
	api.addConversation(Conversation{ID: "c-seller", Participants: []UserRef{RefID("buyer"), RefID("seller")}})
	api.addConversation(Conversation{ID: "c-maker", Participants: []UserRef{RefID("buyer"), RefID("maker")}})
	api.history["c-seller"] = []Message{confirmed("h1", "c-seller", "seller", "hello buyer")}
	api.history["c-maker"] = []Message{confirmed("h2", "c-maker", "maker", "ready soon")}
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)
	ctx := context.Background()

	if err := s.SelectCounterpart(ctx, seller, ""); err != nil {
		t.Fatalf("select seller: %v", err)
	}
	s.HandleReceiveMessage(confirmed("r1", "c-seller", "seller", "still there?"))
	if got := s.Messages(); len(got) != 2 || got[0].ID != "h1" || got[1].ID != "r1" {
		t.Fatalf("unexpected seller messages %+v", got)
	}

	var seen []Snapshot
	var mu sync.Mutex
	s.OnChange(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})

	if err := s.SelectCounterpart(ctx, maker, ""); err != nil {
		t.Fatalf("select maker: %v", err)
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != "h2" {
		t.Fatalf("expected only maker history, got %+v", got)
	}
	sameOps(t, ch.operations(), "join:c-seller", "leave:c-seller", "join:c-maker")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0].State != SessionResolving {
		t.Fatalf("expected a resolving snapshot first, got %+v", seen)
	}
	for _, snap := range seen {
		for _, m := range snap.Messages {
			if m.ConversationID == "c-seller" {
				t.Fatalf("seller message visible during switch: %+v", snap)
			}
		}
	}

	s.HandleReceiveMessage(confirmed("late", "c-seller", "seller", "late reply"))
	if len(s.Messages()) != 1 {
		t.Fatalf("late message for the previous conversation must be dropped, got %+v", s.Messages())
	}
}

func TestSessionStaleSelectionDiscarded(t *testing.T) {
	api := newFakeAPI()
	api.addConversation(Conversation{ID: "c-maker", Participants: []UserRef{RefID("buyer"), RefID("maker")}})
	api.history["c-maker"] = []Message{confirmed("h2", "c-maker", "maker", "ready soon")}
	release := make(chan struct{})
	api.hold = release
	api.entered = make(chan string, 4)
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() { slow <- s.SelectCounterpart(ctx, seller, "") }()
	<-api.entered

	if err := s.SelectCounterpart(ctx, maker, ""); err != nil {
		t.Fatalf("select maker: %v", err)
	}
	<-api.entered
	close(release)

	select {
	case err := <-slow:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slow selection did not return")
	}

	snap := s.Snapshot()
	if snap.ConversationID != "c-maker" || snap.State != SessionReady || snap.Counterpart.ID != "maker" {
		t.Fatalf("stale selection overwrote state: %+v", snap)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "h2" {
		t.Fatalf("unexpected messages %+v", snap.Messages)
	}
	sameOps(t, ch.operations(), "join:c-maker")
}

func TestSessionSend(t *testing.T) {
	api := newFakeAPI()
	api.addConversation(Conversation{ID: "c1", Participants: []UserRef{RefID("buyer"), RefID("seller")}})
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)
	ctx := context.Background()

	t.Run("no conversation", func(t *testing.T) {
		if s.Send(ctx, "hello") != nil {
			t.Fatal("send without a conversation must be a no-op")
		}
	})

	if err := s.SelectCounterpart(ctx, seller, ""); err != nil {
		t.Fatalf("select: %v", err)
	}

	t.Run("blank text", func(t *testing.T) {
		if s.Send(ctx, "   \n") != nil {
			t.Fatal("blank text must be a no-op")
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		ch.setState(StateConnecting)
		defer ch.setState(StateConnected)
		if s.Send(ctx, "hello") != nil {
			t.Fatal("send while disconnected must be a no-op")
		}
	})

	if len(ch.sentMessages()) != 0 || s.store.Len() != 0 {
		t.Fatal("rejected sends must leave no trace")
	}

	msg := s.Send(ctx, "  hello  ")
	if msg == nil || !msg.IsProvisional() || msg.Text != "hello" {
		t.Fatalf("unexpected provisional %+v", msg)
	}
	sent := ch.sentMessages()
	want := OutboundMessage{ConversationID: "c1", Sender: "buyer", Receiver: "seller", Message: "hello"}
	if len(sent) != 1 || sent[0] != want {
		t.Fatalf("expected %+v on the wire, got %+v", want, sent)
	}
	if got := s.Messages(); len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("expected provisional in the store, got %+v", got)
	}

	ack := confirmed("m1", "c1", "buyer", "hello")
	s.HandleMessageSent(ack)
	s.HandleReceiveMessage(ack)
	s.HandleMessageSent(ack)
	got := s.Messages()
	if len(got) != 1 || got[0].ID != "m1" || got[0].IsProvisional() {
		t.Fatalf("expected exactly one confirmed message, got %+v", got)
	}

	s.HandleReceiveMessage(confirmed("r1", "c1", "seller", "hi back"))
	if got := s.Messages(); len(got) != 2 || got[1].ID != "r1" {
		t.Fatalf("expected reply appended, got %+v", got)
	}
}

func TestSessionSendFailureIsEvicted(t *testing.T) {
	api := newFakeAPI()
	api.addConversation(Conversation{ID: "c1", Participants: []UserRef{RefID("buyer"), RefID("seller")}})
	ch := newFakeChannel()
	ch.sendErr = ErrNotConnected
	clock := newFakeClock()
	s := newTestSession(t, api, ch, func(c *SessionConfig) {
		c.Now = clock.Now
		c.SweepInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	if err := s.SelectCounterpart(ctx, seller, ""); err != nil {
		t.Fatalf("select: %v", err)
	}

	evicted := make(chan []Message, 4)
	s.OnChange(func(snap Snapshot) {
		if len(snap.Evicted) > 0 {
			evicted <- snap.Evicted
		}
	})
	s.Start()

	if s.Send(ctx, "lost in transit") == nil {
		t.Fatal("expected a provisional message even when the emit fails")
	}
	clock.Advance(DefaultProvisionalTTL + time.Second)

	select {
	case got := <-evicted:
		if len(got) != 1 || got[0].Text != "lost in transit" {
			t.Fatalf("unexpected eviction %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("provisional message was not evicted")
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("expected an empty transcript, got %+v", s.Messages())
	}
}

func TestSessionHistorySoftFails(t *testing.T) {
	api := newFakeAPI()
	api.addConversation(Conversation{ID: "c1", Participants: []UserRef{RefID("buyer"), RefID("seller")}})
	api.historyErr = errBackend
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)

	if err := s.SelectCounterpart(context.Background(), seller, ""); err != nil {
		t.Fatalf("history failure must not fail the selection: %v", err)
	}
	if s.State() != SessionReady || len(s.Messages()) != 0 {
		t.Fatalf("expected a ready, empty conversation, got %s %+v", s.State(), s.Messages())
	}
	sameOps(t, ch.operations(), "join:c1")
}

func TestSessionResolutionError(t *testing.T) {
	api := newFakeAPI()
	api.listErr = errBackend
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)

	err := s.SelectCounterpart(context.Background(), seller, "")
	if !errors.Is(err, ErrResolve) {
		t.Fatalf("expected resolve error, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != SessionError || !errors.Is(snap.Err, errBackend) || snap.ConversationID != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if api.openCount() != 0 || len(ch.operations()) != 0 {
		t.Fatal("a failed resolution must not open or join anything")
	}
	if s.Send(context.Background(), "hello") != nil {
		t.Fatal("send in the error state must be a no-op")
	}

	api.mu.Lock()
	api.listErr = nil
	api.mu.Unlock()
	if err := s.SelectCounterpart(context.Background(), seller, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.Snapshot().Err != nil {
		t.Fatal("a new selection clears the previous error")
	}
}

func TestSessionPresence(t *testing.T) {
	api := newFakeAPI()
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)
	if err := s.SelectCounterpart(context.Background(), seller, ""); err != nil {
		t.Fatalf("select: %v", err)
	}

	if s.Snapshot().CounterpartOnline {
		t.Fatal("counterpart should start offline")
	}
	s.HandleUserOnline("seller")
	if !s.Snapshot().CounterpartOnline {
		t.Fatal("expected counterpart online")
	}
	s.HandleUserOffline("seller")
	if s.Snapshot().CounterpartOnline {
		t.Fatal("expected counterpart offline")
	}
}

func TestSessionCloseLeavesRoom(t *testing.T) {
	api := newFakeAPI()
	ch := newFakeChannel()
	s := newTestSession(t, api, ch, nil)
	ctx := context.Background()

	if err := s.SelectCounterpart(ctx, seller, ""); err != nil {
		t.Fatalf("select: %v", err)
	}
	conv := s.Snapshot().ConversationID
	s.Start()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	sameOps(t, ch.operations(), "join:"+conv, "leave:"+conv)

	if err := s.SelectCounterpart(ctx, maker, ""); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s.Send(ctx, "hello") != nil {
		t.Fatal("send after close must be a no-op")
	}
}

func TestSessionClosedStaysSilent(t *testing.T) {
	srv := newWSServer(t)
	api := newFakeAPI()
	pool := NewChannelPool(ChannelConfig{URL: srv.URL})
	ctx := context.Background()

	live, err := NewSession(ctx, SessionConfig{Self: buyer, API: api, Pool: pool})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer live.Close()
	conn := srv.nextConn(t)

	closed, err := NewSession(ctx, SessionConfig{Self: buyer, API: api, Pool: pool})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	var mu sync.Mutex
	calls := 0
	closed.OnChange(func(Snapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err := closed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if pool.Size() != 1 {
		t.Fatalf("expected the shared channel to stay open, got %d", pool.Size())
	}

	seen := make(chan struct{}, 1)
	live.OnChange(func(snap Snapshot) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	push(t, conn, EventUserOnline, "seller")
	closed.HandleUserOnline("maker")

	for _, event := range []string{"online", "offline"} {
		if event == "offline" {
			push(t, conn, EventUserOffline, "seller")
		}
		select {
		case <-seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("live session was not notified of %s", event)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("closed session notified its listeners %d times", calls)
	}
}

func TestSessionChatList(t *testing.T) {
	api := newFakeAPI()
	api.contacts = []User{seller, maker}
	s := newTestSession(t, api, newFakeChannel(), nil)

	users, err := s.ChatList(context.Background())
	if err != nil || len(users) != 2 {
		t.Fatalf("unexpected chat list %+v (%v)", users, err)
	}
	if last, err := s.LastCounterpart(context.Background()); err != nil || last != "" {
		t.Fatalf("expected no selection store, got %q (%v)", last, err)
	}
}

func TestSessionOverRealtimeChannel(t *testing.T) {
	srv := newWSServer(t)
	api := newFakeAPI()
	api.addConversation(Conversation{ID: "c1", Participants: []UserRef{RefID("buyer"), RefID("seller")}})
	pool := NewChannelPool(ChannelConfig{URL: srv.URL})

	s, err := NewSession(context.Background(), SessionConfig{Self: buyer, API: api, Pool: pool})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	conn := srv.nextConn(t)

	changed := make(chan Snapshot, 16)
	s.OnChange(func(snap Snapshot) { changed <- snap })

	if err := s.SelectCounterpart(context.Background(), seller, ""); err != nil {
		t.Fatalf("select: %v", err)
	}
	if f := srv.nextFrame(t); f.Event != EventJoinConversation || frameString(t, f) != "c1" {
		t.Fatalf("expected join frame, got %+v", f)
	}

	if s.Send(context.Background(), "hello") == nil {
		t.Fatal("expected send over a connected channel")
	}
	if f := srv.nextFrame(t); f.Event != EventSendMessage {
		t.Fatalf("expected send frame, got %+v", f)
	}

	push(t, conn, EventMessageSent, map[string]interface{}{
		"_id": "m1", "conversationId": "c1", "sender": "buyer", "receiver": "seller", "message": "hello",
	})
	push(t, conn, EventUserOnline, "seller")
	push(t, conn, EventReceiveMessage, map[string]interface{}{
		"_id": "m2", "conversationId": "c1", "sender": map[string]string{"_id": "seller"}, "receiver": "buyer", "message": "hi",
	})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-changed:
			if len(snap.Messages) == 2 && snap.Messages[0].ID == "m1" && snap.Messages[1].ID == "m2" && snap.CounterpartOnline {
				if err := s.Close(); err != nil {
					t.Fatalf("close: %v", err)
				}
				if f := srv.nextFrame(t); f.Event != EventLeaveConversation {
					t.Fatalf("expected leave frame, got %+v", f)
				}
				if pool.Size() != 0 {
					t.Fatalf("expected the channel to be released, got %d", pool.Size())
				}
				return
			}
		case <-deadline:
			t.Fatalf("session never converged: %+v", s.Snapshot())
		}
	}
}
