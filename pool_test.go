package chatcore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"nhooyr.io/websocket"
)

func TestChannelPoolSharesConnections(t *testing.T) {
	srv := newWSServer(t)
	pool := NewChannelPool(ChannelConfig{URL: srv.URL})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := pool.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.Channel() != b.Channel() {
		t.Fatal("expected one channel per user")
	}
	c, err := pool.Acquire(ctx, "u2")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c.Channel() == a.Channel() {
		t.Fatal("different users must not share a channel")
	}
	if pool.Size() != 2 {
		t.Fatalf("expected 2 channels, got %d", pool.Size())
	}
	if a.Channel().State() != StateConnected {
		t.Fatalf("expected connected, got %s", a.Channel().State())
	}

	if err := pool.Release(a); err != nil {
		t.Fatalf("release: %v", err)
	}
	pool.Release(a)
	if b.Channel().State() != StateConnected {
		t.Fatal("channel must stay open while a handle remains")
	}

	pool.Release(b)
	if pool.Size() != 1 {
		t.Fatalf("expected 1 channel, got %d", pool.Size())
	}
	if b.Channel().State() != StateDisconnected {
		t.Fatalf("expected the last release to close the channel, got %s", b.Channel().State())
	}
	pool.Release(c)
	if pool.Size() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Size())
	}
}

func TestChannelPoolAcquireErrors(t *testing.T) {
	pool := NewChannelPool(ChannelConfig{})
	if _, err := pool.Acquire(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty user id")
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	pool = NewChannelPool(ChannelConfig{URL: srv.URL})
	if _, err := pool.Acquire(context.Background(), "u1"); err == nil {
		t.Fatal("expected connect error")
	}
	if pool.Size() != 0 {
		t.Fatalf("failed acquire must not leave an entry, got %d", pool.Size())
	}
	if err := pool.Release(nil); err != nil {
		t.Fatalf("release nil: %v", err)
	}
}

func TestChannelPoolRevivesFailedChannel(t *testing.T) {
	srv := newWSServer(t)
	pool := NewChannelPool(ChannelConfig{URL: srv.URL})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(a)
	srv.nextConn(t).Close(websocket.StatusInternalError, "gone")
	waitState(t, a.Channel(), StateError)

	b, err := pool.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	defer pool.Release(b)
	if b.Channel() != a.Channel() {
		t.Fatal("expected the pooled channel to be reused")
	}
	srv.nextConn(t)
	if b.Channel().State() != StateConnected {
		t.Fatalf("expected the channel to reconnect, got %s", b.Channel().State())
	}
}
