package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{channel}", func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.PathValue("channel"), r.URL.Query().Get("agent"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func TestHub_PublishByChannel(t *testing.T) {
	hub, srv := newHubServer(t)
	ch := EventChannel("evt-1")

	onEvent := dial(t, srv, "/ws/"+ch+"?agent=a1")
	onOther := dial(t, srv, "/ws/"+EventChannel("evt-2"))
	waitFor(t, "subscribers", func() bool { return hub.Count(ch) == 1 && hub.Count(EventChannel("evt-2")) == 1 })

	err := hub.Publish(context.Background(), ch, EventPositionUpdate, PositionUpdate{AgentID: "a1", EventID: "evt-1"})
	if err != nil {
		t.Fatal(err)
	}

	msg := receive(t, onEvent)
	if msg.Type != EventPositionUpdate {
		t.Errorf("type = %q, want %q", msg.Type, EventPositionUpdate)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok || data["agentId"] != "a1" {
		t.Errorf("data = %#v", msg.Data)
	}

	onOther.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var stray WSMessage
	if err := websocket.JSON.Receive(onOther, &stray); err == nil {
		t.Errorf("other channel received %+v", stray)
	}
}

func TestHub_SubscribersCloseAfterFlush(t *testing.T) {
	hub, srv := newHubServer(t)
	ch := EventChannel("evt-1")

	ws := dial(t, srv, "/ws/"+ch+"?agent=a7")
	waitFor(t, "subscriber", func() bool { return hub.Count(ch) == 1 })

	subs := hub.Subscribers("evt-1")
	if len(subs) != 1 || subs[0].AgentID() != "a7" || subs[0].ID() == "" {
		t.Fatalf("subscribers = %+v", subs)
	}
	if err := subs[0].Send(EventAutoDisabled, TrackingAutoDisabled{AgentID: "a7", Reason: "event ended"}); err != nil {
		t.Fatal(err)
	}
	subs[0].Close()

	if msg := receive(t, ws); msg.Type != EventAutoDisabled {
		t.Errorf("type = %q, want %q", msg.Type, EventAutoDisabled)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next WSMessage
	if err := websocket.JSON.Receive(ws, &next); err == nil {
		t.Error("connection still open after Close")
	}
	waitFor(t, "unregister", func() bool { return hub.Count(ch) == 0 })
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv := newHubServer(t)

	ws := dial(t, srv, "/ws/"+GlobalChannel)
	waitFor(t, "subscriber", func() bool { return hub.Count(GlobalChannel) == 1 })

	ws.Close()
	waitFor(t, "unregister", func() bool { return hub.Count(GlobalChannel) == 0 })

	// publishing to an empty room is fine
	if err := hub.Publish(context.Background(), GlobalChannel, EventAgentStopped, AgentStopped{}); err != nil {
		t.Fatal(err)
	}
}

func TestClient_Enqueue(t *testing.T) {
	c := &Client{id: "c1", send: make(chan []byte, 1)}

	if err := c.Send(EventPositionUpdate, PositionUpdate{}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(EventPositionUpdate, PositionUpdate{}); !errors.Is(err, errBufferFull) {
		t.Errorf("full buffer: got %v", err)
	}

	c.Close()
	c.Close()
	if err := c.Send(EventPositionUpdate, PositionUpdate{}); !errors.Is(err, errClientClosed) {
		t.Errorf("after close: got %v", err)
	}
	if _, ok := <-c.send; !ok {
		t.Error("queued frame lost on close")
	}
}

func TestHub_Unmarshalable(t *testing.T) {
	if err := NewHub().Publish(context.Background(), GlobalChannel, "x", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}
