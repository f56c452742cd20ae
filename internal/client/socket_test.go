package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeGateway is a socket endpoint that greets, echoes subscriptions and
// lets the test push events.
type fakeGateway struct {
	t        *testing.T
	received chan Event
	push     chan Event
	closeNow chan struct{}
	query    chan string
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{
		t:        t,
		received: make(chan Event, 16),
		push:     make(chan Event, 16),
		closeNow: make(chan struct{}),
		query:    make(chan string, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket" {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("token") == "bad" {
		http.Error(w, `{"success":false,"message":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	g.query <- r.URL.RawQuery

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		g.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(map[string]any{"event": "connected", "data": map[string]string{"clientId": "c-1"}})

	go func() {
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			g.received <- ev
		}
	}()

	for {
		select {
		case ev := <-g.push:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-g.closeNow:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func nextEvent(t *testing.T, s *Socket) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSocketURL(t *testing.T) {
	for _, tc := range []struct {
		base, token, want string
	}{
		{"http://localhost:5000", "", "ws://localhost:5000/socket"},
		{"https://gw.example/", "", "wss://gw.example/socket"},
		{"http://gw.example/prefix", "t0k", "ws://gw.example/prefix/socket?token=t0k"},
	} {
		got, err := socketURL(tc.base, tc.token)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("socketURL(%q, %q) = %q, want %q", tc.base, tc.token, got, tc.want)
		}
	}
}

func TestSocket_SubscribeAndReceive(t *testing.T) {
	g, srv := newFakeGateway(t)
	s, err := DialSocket(context.Background(), srv.URL, "t0k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if q := <-g.query; q != "token=t0k" {
		t.Fatalf("expected token in query, got %q", q)
	}
	if !s.Connected() {
		t.Fatal("expected connected")
	}
	if ev := nextEvent(t, s); ev.Name != "connected" {
		t.Fatalf("expected greeting, got %q", ev.Name)
	}

	if err := s.Subscribe("task-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-g.received:
		if ev.Name != "subscribe" || ev.TaskID() != "task-1" {
			t.Fatalf("unexpected subscribe message %+v (%s)", ev, ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not receive subscribe")
	}

	g.push <- Event{Name: "frame", Data: json.RawMessage(`{"taskId":"task-1","frameNumber":3,"progress":30,"image":"AAA"}`)}
	ev := nextEvent(t, s)
	if ev.Name != "frame" || ev.TaskID() != "task-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	var frame struct {
		FrameNumber int `json:"frameNumber"`
	}
	if err := ev.Decode(&frame); err != nil || frame.FrameNumber != 3 {
		t.Fatalf("decode frame: %v %+v", err, frame)
	}
}

func TestSocket_ServerCloseEndsEvents(t *testing.T) {
	g, srv := newFakeGateway(t)
	s, err := DialSocket(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	nextEvent(t, s) // connected

	close(g.closeNow)

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("expected events channel to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	if s.Connected() {
		t.Fatal("expected disconnected after server close")
	}
	if s.Err() != nil {
		t.Fatalf("normal close should not be an error, got %v", s.Err())
	}
	if err := s.Subscribe("task-1"); err == nil {
		t.Fatal("expected subscribe on a closed socket to fail")
	}
}

func TestSocket_Close(t *testing.T) {
	_, srv := newFakeGateway(t)
	s, err := DialSocket(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, s)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.Connected() {
		t.Fatal("expected disconnected after Close")
	}
	// A second Close is a no-op.
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSocket_DialRefused(t *testing.T) {
	_, srv := newFakeGateway(t)
	_, err := DialSocket(context.Background(), srv.URL, "bad")

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}
