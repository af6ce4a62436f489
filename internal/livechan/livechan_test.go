package livechan_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/yvesdamsh/damcash2/internal/livechan"
	"github.com/yvesdamsh/damcash2/internal/push"
	"github.com/yvesdamsh/damcash2/internal/syncp"
)

// the sync controller rides on this exact surface
var _ syncp.LiveChannel = (*livechan.Channel)(nil)

func wsServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		handler(r.Context(), conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectReceiveAndSend(t *testing.T) {
	inbound := make(chan push.Envelope, 1)
	url := wsServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		if err := wsjson.Write(ctx, conn, push.Envelope{Type: push.TypeRefetchHint}); err != nil {
			return
		}
		var env push.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		inbound <- env
		<-ctx.Done()
	})

	ch := livechan.New(url, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close(context.Background())

	if !ch.Connected() {
		t.Fatal("channel must report connected")
	}

	select {
	case env := <-ch.Events():
		if env.Type != push.TypeRefetchHint {
			t.Fatalf("unexpected envelope type %q", env.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for server envelope")
	}

	if err := ch.Send(ctx, push.Envelope{Type: push.TypeMoveAck}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case env := <-inbound:
		if env.Type != push.TypeMoveAck {
			t.Fatalf("server got %q", env.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for relayed envelope")
	}
}

func TestHandshakeHeaders(t *testing.T) {
	got := make(chan string, 1)
	url := wsServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		got <- r.Header.Get("X-Player-Id")
		<-ctx.Done()
	})

	ch := livechan.New(url, 0)
	ch.SetHeaderProvider(func() map[string]string {
		return map[string]string{"X-Player-Id": "alice", "Empty": ""}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close(context.Background())

	select {
	case h := <-got:
		if h != "alice" {
			t.Fatalf("header not forwarded, got %q", h)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for handshake")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	ch := livechan.New("ws://127.0.0.1:1/ws", 0)
	if err := ch.Send(context.Background(), push.Envelope{Type: push.TypeMoveAck}); err == nil {
		t.Fatal("send without a connection must error")
	}
	if ch.Connected() {
		t.Fatal("unconnected channel must not report connected")
	}
}

func TestDialFailureWithoutReconnect(t *testing.T) {
	ch := livechan.New("ws://127.0.0.1:1/ws", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err == nil {
		t.Fatal("dial to a dead port must fail")
	}
	if ch.Connected() {
		t.Fatal("failed dial must not report connected")
	}
}

func TestCloseEndsEventStream(t *testing.T) {
	url := wsServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		<-ctx.Done()
	})

	ch := livechan.New(url, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, open := <-ch.Events():
		if open {
			t.Fatal("events channel must be closed after Close")
		}
	case <-ctx.Done():
		t.Fatal("events channel never closed")
	}
}
