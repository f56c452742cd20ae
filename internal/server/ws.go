package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/presence"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsMaxMessage   = 64 << 10
	wsSendQueue    = 64

	// wsAllTasks subscribes a client to every task.
	wsAllTasks = "*"
)

// wsEnvelope is the frame format in both directions.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEnvelope(event string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	msg, _ := json.Marshal(wsEnvelope{Event: event, Data: raw})
	return msg
}

// wsHub tracks socket clients and routes events to them. Task-scoped events
// reach only clients subscribed to that task; unscoped events reach all.
type wsHub struct {
	srv      *Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient is one connected dashboard.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	tasks map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newWSHub(srv *Server, origins []string) *wsHub {
	h := &wsHub{
		srv:     srv,
		clients: make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(origins, r.Header.Get("Origin")) },
	}
	return h
}

// originAllowed applies the CORS origin list to socket upgrades, which CORS
// itself does not cover. Requests without an Origin header are not from a
// browser and pass.
func originAllowed(origins []string, origin string) bool {
	if origin == "" || len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (c *wsClient) wants(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.tasks[wsAllTasks]; ok {
		return true
	}
	_, ok := c.tasks[taskID]
	return ok
}

// enqueue hands a message to the writer without blocking. It reports false
// when the client's queue is full and the message was dropped.
func (c *wsClient) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// broadcast routes one event. taskID "" marks an event for every client.
func (h *wsHub) broadcast(topic, taskID string, payload []byte) {
	msg, _ := json.Marshal(wsEnvelope{Event: events.SocketEvent(topic), Data: payload})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if taskID != "" && !c.wants(taskID) {
			continue
		}
		if c.enqueue(msg) {
			if topic == events.TopicFrame {
				h.srv.metrics.FramesPushed.Add(1)
			}
			h.srv.presence.Sent(c.id)
			continue
		}
		if topic == events.TopicFrame {
			h.srv.metrics.FramesDropped.Add(1)
		}
		h.srv.presence.Dropped(c.id)
	}
}

// serve handles GET /socket.
func (h *wsHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.srv.logger.Debug("socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, wsSendQueue),
		tasks: make(map[string]struct{}),
		done:  make(chan struct{}),
	}

	// Greeting and current lights go out before any broadcast can.
	c.enqueue(encodeEnvelope("connected", map[string]string{
		"clientId": c.id,
		"message":  "connected to " + serviceName,
	}))
	board := h.srv.board
	c.enqueue(encodeEnvelope("traffic", events.NewTrafficUpdate(board.Snapshot(board.DefaultIntersection()), "snapshot")))

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.srv.presence.Connect(presence.Client{
		ID:         c.id,
		Transport:  presence.TransportSocket,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	h.srv.metrics.SocketClients.Add(1)
	h.srv.logger.Info("socket client connected", "client", c.id, "remote", r.RemoteAddr)

	defer h.remove(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()
	h.readPump(c)
	c.close()
	<-writerDone
}

// remove unregisters a client and stops its writer.
func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	if !ok {
		return
	}
	h.srv.presence.Disconnect(c.id)
	h.srv.metrics.SocketClients.Add(-1)
	h.srv.logger.Info("socket client disconnected", "client", c.id)
}

// disconnect closes the client with the given ID, if connected.
func (h *wsHub) disconnect(id string) {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

// closeAll closes every client.
func (h *wsHub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}

func (h *wsHub) readPump(c *wsClient) {
	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		h.srv.presence.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.srv.logger.Debug("socket read failed", "client", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.srv.presence.Touch(c.id)
		h.handleMessage(c, data)
	}
}

// handleMessage applies one client request. Unknown events are ignored.
func (h *wsHub) handleMessage(c *wsClient, data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.srv.logger.Debug("malformed socket message", "client", c.id, "error", err)
		return
	}

	switch env.Event {
	case "subscribe", "unsubscribe":
		taskID := taskIDFrom(env.Data)
		if taskID == "" {
			c.enqueue(encodeEnvelope("subscription_error", map[string]string{"message": "taskId is required"}))
			return
		}
		c.mu.Lock()
		if env.Event == "subscribe" {
			c.tasks[taskID] = struct{}{}
		} else {
			delete(c.tasks, taskID)
		}
		c.mu.Unlock()

		if env.Event == "subscribe" {
			h.srv.presence.Subscribe(c.id, taskID)
			c.enqueue(encodeEnvelope("subscribed", map[string]string{
				"taskId":  taskID,
				"message": "subscribed to task " + taskID,
			}))
			h.srv.logger.Debug("socket subscribed", "client", c.id, "task", taskID)
			return
		}
		h.srv.presence.Unsubscribe(c.id, taskID)
		c.enqueue(encodeEnvelope("unsubscribed", map[string]string{"taskId": taskID}))
	case "ping":
		c.enqueue(encodeEnvelope("pong", map[string]any{"timestamp": time.Now().UTC()}))
	default:
		h.srv.logger.Debug("ignoring socket event", "client", c.id, "event", env.Event)
	}
}

// taskIDFrom accepts {"taskId": "..."} or a bare string.
func taskIDFrom(raw json.RawMessage) string {
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.TaskID != "" {
		return strings.TrimSpace(body.TaskID)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

func (h *wsHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
