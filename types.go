package chatcore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed call to the marketplace REST API.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return strconv.Itoa(e.Status) + ": " + e.Message
}

// ============================================================================
// Users
// ============================================================================

// User is a marketplace account as supplied by the auth/profile provider.
// The chat core references users but never owns or mutates them.
type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
	Role  string `json:"role,omitempty"`
}

// UnmarshalJSON accepts both "_id" and "id" as the identifier key.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		Name    string `json:"name"`
		Image   string `json:"image"`
		Role    string `json:"role"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = raw.MongoID
	if u.ID == "" {
		u.ID = raw.ID
	}
	u.Name, u.Image, u.Role = raw.Name, raw.Image, raw.Role
	return nil
}

// UserRef is a reference to a user that arrives either as a bare id string
// or as a populated profile object, depending on who built the payload.
type UserRef struct {
	ID      string
	Profile *User
}

// RefID builds a bare-id reference.
func RefID(id string) UserRef { return UserRef{ID: id} }

// RefUser builds a populated reference.
func RefUser(u User) UserRef { return UserRef{ID: u.ID, Profile: &u} }

// UserID returns the referenced id regardless of shape.
func (r UserRef) UserID() string {
	if r.ID != "" {
		return r.ID
	}
	if r.Profile != nil {
		return r.Profile.ID
	}
	return ""
}

// IsZero reports whether the reference points at nobody.
func (r UserRef) IsZero() bool { return r.UserID() == "" }

func (r UserRef) MarshalJSON() ([]byte, error) {
	if r.Profile != nil {
		return json.Marshal(r.Profile)
	}
	return json.Marshal(r.ID)
}

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = UserRef{}
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = UserRef{ID: id}
		return nil
	case data[0] == '{':
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		*r = UserRef{ID: u.ID, Profile: &u}
		return nil
	}
	return fmt.Errorf("user reference: unsupported JSON %s", string(data))
}

// ============================================================================
// Conversations
// ============================================================================

// DefaultConversationType is the type sent when opening a conversation.
const DefaultConversationType = "order"

// Conversation is a durable two-party chat thread owned by the server.
type Conversation struct {
	ID           string    `json:"_id"`
	Participants []UserRef `json:"participants"`
	Type         string    `json:"type,omitempty"`
	OrderID      string    `json:"orderId,omitempty"`
}

// UnmarshalJSON accepts both "_id" and "id" as the identifier key.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	var raw struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Conversation(raw.alias)
	if c.ID == "" {
		c.ID = raw.AltID
	}
	return nil
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID() == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the first participant whose id differs from selfID.
func (c *Conversation) Counterpart(selfID string) (UserRef, bool) {
	for _, p := range c.Participants {
		if id := p.UserID(); id != "" && id != selfID {
			return p, true
		}
	}
	return UserRef{}, false
}

// OpenConversationRequest is the body of the open-conversation call.
type OpenConversationRequest struct {
	Participants []string `json:"participants"`
	Type         string   `json:"type"`
	OrderID      string   `json:"orderId,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageState tags where a message is in its confirmation lifecycle.
type MessageState string

const (
	// Provisional messages exist only locally and carry a synthetic id.
	Provisional MessageState = "provisional"
	// Confirmed messages carry the server-assigned id.
	Confirmed MessageState = "confirmed"
)

// Message is a single chat message.
type Message struct {
	ID             string       `json:"_id"`
	ConversationID string       `json:"conversationId"`
	Sender         UserRef      `json:"sender"`
	Receiver       UserRef      `json:"receiver"`
	Text           string       `json:"message"`
	CreatedAt      string       `json:"createdAt,omitempty"`
	UpdatedAt      string       `json:"updatedAt,omitempty"`
	State          MessageState `json:"-"`
	ClientID       string       `json:"-"`
}

// UnmarshalJSON accepts both "_id" and "id" and marks the result confirmed:
// anything decoded off the wire carries a server id.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.alias)
	if m.ID == "" {
		m.ID = raw.AltID
	}
	m.State = Confirmed
	return nil
}

// IsProvisional reports whether the message is still awaiting confirmation.
func (m *Message) IsProvisional() bool { return m.State == Provisional }

// SenderID normalizes the sender of m to a bare id. Every "is this my
// message" comparison goes through here.
func SenderID(m *Message) string {
	if m == nil {
		return ""
	}
	return m.Sender.UserID()
}

// OutboundMessage is the payload of the send_message event.
type OutboundMessage struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Message        string `json:"message"`
}
