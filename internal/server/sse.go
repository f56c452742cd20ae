package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/presence"
)

const (
	// sseReplaySize bounds the events kept for Last-Event-ID replay.
	sseReplaySize = 1000

	sseKeepalive    = 15 * time.Second
	sseClientBuffer = 64
)

type sseEvent struct {
	ID     uint64
	Topic  string
	TaskID string
	Data   []byte
}

// replayLog keeps the newest sseReplaySize events in arrival order.
type replayLog struct {
	mu    sync.RWMutex
	buf   []sseEvent
	start int // index of the oldest entry once buf is full
}

func (l *replayLog) add(evt sseEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) < sseReplaySize {
		l.buf = append(l.buf, evt)
		return
	}
	l.buf[l.start] = evt
	l.start = (l.start + 1) % sseReplaySize
}

// after returns the kept events with ID > id, oldest first.
func (l *replayLog) after(id uint64) []*sseEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*sseEvent
	for i := range len(l.buf) {
		evt := l.buf[(l.start+i)%len(l.buf)]
		if evt.ID > id {
			out = append(out, &evt)
		}
	}
	return out
}

// sseHub fans events out to /v1/events/stream clients. Frames go out live
// but are left out of the replay log.
type sseHub struct {
	seq    atomic.Uint64
	replay replayLog

	mu      sync.RWMutex
	clients map[*sseClient]struct{}
}

type sseClient struct {
	id      string
	topics  []string // patterns; empty means every topic
	taskID  string   // empty means every task
	ch      chan *sseEvent
	dropped atomic.Int64
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[*sseClient]struct{})}
}

func (h *sseHub) broadcast(topic, taskID string, payload []byte) {
	evt := &sseEvent{ID: h.seq.Add(1), Topic: topic, TaskID: taskID, Data: payload}
	if topic != events.TopicFrame {
		h.replay.add(*evt)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(evt) {
			continue
		}
		select {
		case c.ch <- evt:
		default:
			c.dropped.Add(1)
		}
	}
}

func (h *sseHub) subscribe(topics []string, taskID string) *sseClient {
	c := &sseClient{
		id:     uuid.NewString(),
		topics: topics,
		taskID: taskID,
		ch:     make(chan *sseEvent, sseClientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *sseHub) unsubscribe(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *sseHub) eventsSince(id uint64) []*sseEvent {
	return h.replay.after(id)
}

// matches applies the client's filters. Events without a task reach every
// client.
func (c *sseClient) matches(evt *sseEvent) bool {
	if c.taskID != "" && evt.TaskID != "" && evt.TaskID != c.taskID {
		return false
	}
	return len(c.topics) == 0 || lo.ContainsBy(c.topics, func(p string) bool {
		return matchTopicPattern(p, evt.Topic)
	})
}

// matchTopicPattern matches dot-separated topics, NATS style: "*" is one
// segment and a trailing ">" is one or more.
func matchTopicPattern(pattern, topic string) bool {
	pat := strings.Split(pattern, ".")
	top := strings.Split(topic, ".")
	for i, seg := range pat {
		switch {
		case seg == ">" && i == len(pat)-1:
			return len(top) > i
		case i >= len(top):
			return false
		case seg != "*" && seg != top[i]:
			return false
		}
	}
	return len(pat) == len(top)
}

func parseTopics(q string) []string {
	return lo.Compact(lo.Map(strings.Split(q, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

// handleEventStream handles GET /v1/events/stream.
// Query: topics (comma-separated patterns), taskId.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	q := r.URL.Query()
	taskID := strings.TrimSpace(q.Get("taskId"))
	c := s.sseHub.subscribe(parseTopics(q.Get("topics")), taskID)
	defer s.sseHub.unsubscribe(c)

	s.presence.Connect(presence.Client{
		ID:         c.id,
		Transport:  presence.TransportStream,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if taskID != "" {
		s.presence.Subscribe(c.id, taskID)
	}
	s.metrics.StreamClients.Add(1)
	defer func() {
		s.metrics.StreamClients.Add(-1)
		s.presence.Disconnect(c.id)
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if last, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		for _, evt := range s.sseHub.eventsSince(last) {
			if c.matches(evt) {
				writeSSEEvent(w, evt)
			}
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	var reported int64
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-c.ch:
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			s.presence.Sent(c.id)
		case <-keepalive.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			s.presence.Touch(c.id)
			for n := c.dropped.Load(); reported < n; reported++ {
				s.presence.Dropped(c.id)
			}
		}
	}
}

// writeSSEEvent writes evt under its dashboard event name.
func writeSSEEvent(w io.Writer, evt *sseEvent) error {
	_, err := fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", evt.ID, events.SocketEvent(evt.Topic), evt.Data)
	return err
}
