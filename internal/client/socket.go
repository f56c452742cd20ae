package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	socketWriteWait = 10 * time.Second
	socketBuffer    = 64
)

// Event is one message pushed by the gateway over the socket.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// TaskID returns the payload's taskId, or "" when it has none.
func (e Event) TaskID() string {
	var body struct {
		TaskID string `json:"taskId"`
	}
	_ = json.Unmarshal(e.Data, &body)
	return body.TaskID
}

// Socket is a connection to the gateway's event channel. It does not
// reconnect: once Connected reports false the Events channel is closed and
// a new Socket has to be dialed.
type Socket struct {
	conn      *websocket.Conn
	events    chan Event
	connected atomic.Bool
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// socketURL turns the gateway's HTTP address into its socket address.
func socketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/socket"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// DialSocket connects to the gateway's socket.
func DialSocket(ctx context.Context, baseURL, token string) (*Socket, error) {
	target, err := socketURL(baseURL, token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("dialing socket: %w", err)
	}

	s := &Socket{
		conn:   conn,
		events: make(chan Event, socketBuffer),
		done:   make(chan struct{}),
	}
	s.connected.Store(true)
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	defer close(s.events)
	defer s.connected.Store(false)
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Events delivers pushed events in arrival order. It is closed when the
// connection ends.
func (s *Socket) Events() <-chan Event { return s.events }

// Connected reports whether the connection is still up.
func (s *Socket) Connected() bool { return s.connected.Load() }

// Err returns the error that ended the connection, if it ended abnormally.
// It is only meaningful after Events is closed.
func (s *Socket) Err() error { return s.err }

// Subscribe asks for the events of one task; "*" asks for every task.
func (s *Socket) Subscribe(taskID string) error {
	return s.send("subscribe", map[string]string{"taskId": taskID})
}

func (s *Socket) Unsubscribe(taskID string) error {
	return s.send("unsubscribe", map[string]string{"taskId": taskID})
}

// Ping asks the gateway for a "pong" event.
func (s *Socket) Ping() error {
	return s.send("ping", nil)
}

func (s *Socket) send(event string, data any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.connected.Load() {
		return errors.New("socket is closed")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return s.conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// Close ends the connection with a normal close frame.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(socketWriteWait))
		s.writeMu.Unlock()
		close(s.done)
		s.connected.Store(false)
		err = s.conn.Close()
	})
	return err
}
