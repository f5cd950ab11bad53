package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// fakeAPI is an in-memory ConversationAPI, HistoryAPI and ChatListSource.
type fakeAPI struct {
	mu            sync.Mutex
	conversations map[string][]Conversation
	history       map[string][]Message
	contacts      []User
	listErr       error
	openErr       error
	historyErr    error
	listCalls     int
	opened        []OpenConversationRequest
	nextID        int

	// hold, when set, parks the next ListConversations call until it is
	// closed. entered receives the user id of each call.
	hold    chan struct{}
	entered chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conversations: make(map[string][]Conversation),
		history:       make(map[string][]Message),
	}
}

func (f *fakeAPI) addConversation(c Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range c.Participants {
		f.conversations[p.UserID()] = append(f.conversations[p.UserID()], c)
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	f.mu.Lock()
	f.listCalls++
	err := f.listErr
	convs := append([]Conversation(nil), f.conversations[userID]...)
	hold, entered := f.hold, f.entered
	f.hold = nil
	f.mu.Unlock()

	if entered != nil {
		entered <- userID
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (f *fakeAPI) OpenConversation(_ context.Context, req OpenConversationRequest) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.nextID++
	c := Conversation{ID: fmt.Sprintf("new-%d", f.nextID), Type: req.Type, OrderID: req.OrderID}
	for _, p := range req.Participants {
		c.Participants = append(c.Participants, RefID(p))
	}
	for _, p := range req.Participants {
		f.conversations[p] = append(f.conversations[p], c)
	}
	return &c, nil
}

func (f *fakeAPI) MessageHistory(_ context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[conversationID]...), nil
}

func (f *fakeAPI) ChatList(_ context.Context, _ User) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]User(nil), f.contacts...), nil
}

func (f *fakeAPI) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

// fakeChannel records room and send operations.
type fakeChannel struct {
	mu      sync.Mutex
	state   ChannelState
	ops     []string
	sent    []OutboundMessage
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: StateConnected}
}

func (c *fakeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeChannel) JoinConversation(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "join:"+id)
	return nil
}

func (c *fakeChannel) LeaveConversation(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "leave:"+id)
	return nil
}

func (c *fakeChannel) SendMessage(_ context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeChannel) sentMessages() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundMessage(nil), c.sent...)
}

var errBackend = errors.New("backend unavailable")
