package chatcore

import (
	"encoding/json"
	"testing"
)

func TestUserRefShapes(t *testing.T) {
	t.Run("bare id", func(t *testing.T) {
		var r UserRef
		if err := json.Unmarshal([]byte(`"u1"`), &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if r.UserID() != "u1" || r.Profile != nil {
			t.Fatalf("unexpected ref: %+v", r)
		}
	})

	t.Run("populated object", func(t *testing.T) {
		var r UserRef
		if err := json.Unmarshal([]byte(`{"_id":"u2","name":"Ana","role":"seller"}`), &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if r.UserID() != "u2" || r.Profile == nil || r.Profile.Name != "Ana" {
			t.Fatalf("unexpected ref: %+v", r)
		}
	})

	t.Run("object with id key", func(t *testing.T) {
		var r UserRef
		if err := json.Unmarshal([]byte(`{"id":"u3"}`), &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if r.UserID() != "u3" {
			t.Fatalf("expected u3, got %q", r.UserID())
		}
	})

	t.Run("null", func(t *testing.T) {
		r := RefID("stale")
		if err := json.Unmarshal([]byte(`null`), &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !r.IsZero() {
			t.Fatalf("expected zero ref, got %+v", r)
		}
	})

	t.Run("number rejected", func(t *testing.T) {
		var r UserRef
		if err := json.Unmarshal([]byte(`42`), &r); err == nil {
			t.Fatal("expected error for numeric ref")
		}
	})

	t.Run("marshal keeps shape", func(t *testing.T) {
		b, _ := json.Marshal(RefID("u1"))
		if string(b) != `"u1"` {
			t.Fatalf("got %s", b)
		}
		b, _ = json.Marshal(RefUser(User{ID: "u1", Name: "Ana"}))
		if string(b) != `{"_id":"u1","name":"Ana"}` {
			t.Fatalf("got %s", b)
		}
	})
}

func TestSenderIDNormalizes(t *testing.T) {
	payloads := []string{
		`{"_id":"m1","conversationId":"c1","sender":"u1","receiver":"u2","message":"hi"}`,
		`{"id":"m1","conversationId":"c1","sender":{"_id":"u1","name":"Ana"},"receiver":"u2","message":"hi"}`,
	}
	for _, p := range payloads {
		var m Message
		if err := json.Unmarshal([]byte(p), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", p, err)
		}
		if SenderID(&m) != "u1" {
			t.Fatalf("expected sender u1, got %q", SenderID(&m))
		}
		if m.ID != "m1" || m.Text != "hi" {
			t.Fatalf("unexpected message: %+v", m)
		}
		if m.IsProvisional() || m.State != Confirmed {
			t.Fatalf("decoded message should be confirmed, got %q", m.State)
		}
	}
	if SenderID(nil) != "" {
		t.Fatal("nil message should have no sender")
	}
}

func TestConversationParticipants(t *testing.T) {
	var c Conversation
	data := `{"id":"c1","participants":["u1",{"_id":"u2","name":"Bob"}],"type":"order","orderId":"o9"}`
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.ID != "c1" || c.OrderID != "o9" {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	if !c.HasParticipant("u1") || !c.HasParticipant("u2") || c.HasParticipant("u3") {
		t.Fatal("participant check mismatch")
	}
	ref, ok := c.Counterpart("u1")
	if !ok || ref.UserID() != "u2" || ref.Profile == nil || ref.Profile.Name != "Bob" {
		t.Fatalf("unexpected counterpart: %+v", ref)
	}
	if _, ok := (&Conversation{Participants: []UserRef{RefID("u1")}}).Counterpart("u1"); ok {
		t.Fatal("expected no counterpart in a self-only conversation")
	}
}

func TestAPIErrorString(t *testing.T) {
	if got := (&APIError{Status: 404, Message: "not found"}).Error(); got != "404: not found" {
		t.Fatalf("got %q", got)
	}
	if got := (&APIError{Message: "nope"}).Error(); got != "nope" {
		t.Fatalf("got %q", got)
	}
}
