package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/events"
)

func TestSSEHub_BroadcastAndReceive(t *testing.T) {
	hub := newSSEHub()

	client := hub.subscribe(nil, "") // all topics
	defer hub.unsubscribe(client)

	hub.broadcast(events.TopicViolation, "task-1", []byte(`{"id":"vio-1"}`))

	select {
	case evt := <-client.ch:
		if evt.Topic != events.TopicViolation {
			t.Fatalf("expected topic=%q, got %q", events.TopicViolation, evt.Topic)
		}
		if string(evt.Data) != `{"id":"vio-1"}` {
			t.Fatalf("expected data=%q, got %q", `{"id":"vio-1"}`, string(evt.Data))
		}
		if evt.ID != 1 || evt.TaskID != "task-1" {
			t.Fatalf("expected id=1 task=task-1, got %d %q", evt.ID, evt.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSSEHub_TopicFiltering(t *testing.T) {
	hub := newSSEHub()

	// Client only wants task lifecycle events.
	client := hub.subscribe([]string{"trafficmind.task.*"}, "")
	defer hub.unsubscribe(client)

	hub.broadcast(events.TopicTraffic, "", []byte(`{}`))
	hub.broadcast(events.TopicTaskStatus, "task-1", []byte(`{}`))

	select {
	case evt := <-client.ch:
		if evt.Topic != events.TopicTaskStatus {
			t.Fatalf("expected topic=%q, got %q", events.TopicTaskStatus, evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-client.ch:
		t.Fatalf("unexpected event: topic=%q", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHub_TaskScope(t *testing.T) {
	hub := newSSEHub()

	client := hub.subscribe(nil, "task-a")
	defer hub.unsubscribe(client)

	hub.broadcast(events.TopicViolation, "task-b", []byte(`{"n":1}`))
	hub.broadcast(events.TopicViolation, "task-a", []byte(`{"n":2}`))
	hub.broadcast(events.TopicTraffic, "", []byte(`{"n":3}`)) // unscoped

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case evt := <-client.ch:
			got = append(got, string(evt.Data))
		case <-timeout:
			t.Fatalf("expected 2 events, got %v", got)
		}
	}
	if got[0] != `{"n":2}` || got[1] != `{"n":3}` {
		t.Fatalf("expected task-a and unscoped events, got %v", got)
	}

	select {
	case evt := <-client.ch:
		t.Fatalf("unexpected event %s", evt.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHub_Unsubscribe(t *testing.T) {
	hub := newSSEHub()

	client := hub.subscribe(nil, "")
	hub.unsubscribe(client)

	hub.broadcast(events.TopicTraffic, "", []byte(`{}`))

	select {
	case <-client.ch:
		t.Fatal("should not receive events after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHub_SlowClientDrops(t *testing.T) {
	hub := newSSEHub()
	client := hub.subscribe(nil, "")
	defer hub.unsubscribe(client)

	for range cap(client.ch) + 5 {
		hub.broadcast(events.TopicTraffic, "", []byte(`{}`))
	}
	if got := client.dropped.Load(); got != 5 {
		t.Fatalf("expected 5 dropped, got %d", got)
	}
}

func TestSSEHub_EventsSince(t *testing.T) {
	hub := newSSEHub()

	for range 5 {
		hub.broadcast(events.TopicTaskStatus, "task-1", []byte(`{}`))
	}

	// Get events after ID 2 (should return IDs 3, 4, 5).
	evts := hub.eventsSince(2)
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
	if evts[0].ID != 3 || evts[1].ID != 4 || evts[2].ID != 5 {
		t.Fatalf("expected IDs [3,4,5], got [%d,%d,%d]", evts[0].ID, evts[1].ID, evts[2].ID)
	}
}

func TestSSEHub_EventsSince_Empty(t *testing.T) {
	hub := newSSEHub()
	if evts := hub.eventsSince(0); len(evts) != 0 {
		t.Fatalf("expected 0 events, got %d", len(evts))
	}
}

func TestSSEHub_FramesAreNotReplayed(t *testing.T) {
	hub := newSSEHub()
	hub.broadcast(events.TopicTaskStatus, "task-1", []byte(`{}`))
	hub.broadcast(events.TopicFrame, "task-1", []byte(`{"image":"..."}`))
	hub.broadcast(events.TopicTaskComplete, "task-1", []byte(`{}`))

	evts := hub.eventsSince(0)
	if len(evts) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(evts))
	}
	if evts[0].ID != 1 || evts[1].ID != 3 {
		t.Fatalf("expected IDs [1,3], got [%d,%d]", evts[0].ID, evts[1].ID)
	}
}

func TestSSEHub_ReplayWrap(t *testing.T) {
	hub := newSSEHub()

	for range sseReplaySize + 100 {
		hub.broadcast(events.TopicTraffic, "", []byte(`{}`))
	}

	// The oldest event in the buffer should have ID = 101 (100 were evicted).
	evts := hub.eventsSince(0)
	if len(evts) != sseReplaySize {
		t.Fatalf("expected %d events, got %d", sseReplaySize, len(evts))
	}
	if evts[0].ID != 101 {
		t.Fatalf("expected oldest event ID=101, got %d", evts[0].ID)
	}
}

func TestMatchTopicPattern(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"trafficmind.violation", "trafficmind.violation", true},
		{"trafficmind.violation", "trafficmind.traffic", false},
		{"trafficmind.task.*", "trafficmind.task.status", true},
		{"trafficmind.task.*", "trafficmind.task.complete", true},
		{"trafficmind.task.*", "trafficmind.violation", false},
		{"trafficmind.>", "trafficmind.task.error", true},
		{"trafficmind.>", "trafficmind.frame", true},
		{"trafficmind.>", "other.topic", false},
		{"*.*.*", "trafficmind.task.status", true},
		{"*.*.*", "trafficmind.task", false},
	} {
		t.Run(tc.pattern+"_"+tc.topic, func(t *testing.T) {
			if got := matchTopicPattern(tc.pattern, tc.topic); got != tc.want {
				t.Fatalf("matchTopicPattern(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
			}
		})
	}
}

// serveStream runs the stream handler until the callback returns, then
// cancels the request and returns the body.
func serveStream(t *testing.T, env *testEnv, target, lastEventID string, during func()) (*httptest.ResponseRecorder, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", target, nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.srv.Handler().ServeHTTP(rec, req)
	}()

	// Give the handler time to register the subscription.
	time.Sleep(50 * time.Millisecond)
	if during != nil {
		during()
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	return rec, rec.Body.String()
}

func TestHandleEventStream_SSE(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := serveStream(t, env, "/v1/events/stream", "", func() {
		env.srv.sseHub.broadcast(events.TopicViolation, "task-1", []byte(`{"id":"vio-sse1"}`))
	})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type=text/event-stream, got %q", ct)
	}
	if !strings.Contains(body, "event:violation") {
		t.Fatalf("expected event:violation in body, got:\n%s", body)
	}
	if !strings.Contains(body, `data:{"id":"vio-sse1"}`) {
		t.Fatalf("expected data with vio-sse1 in body, got:\n%s", body)
	}
	if !strings.Contains(body, "id:") {
		t.Fatalf("expected id: field in body, got:\n%s", body)
	}
}

func TestHandleEventStream_TopicFilter(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := serveStream(t, env, "/v1/events/stream?topics=trafficmind.traffic", "", func() {
		env.srv.sseHub.broadcast(events.TopicViolation, "", []byte(`{"id":"vio-1"}`))
		env.srv.sseHub.broadcast(events.TopicTraffic, "", []byte(`{"north_bound":"green"}`))
	})

	if strings.Contains(body, "event:violation") {
		t.Fatalf("expected violation to be filtered out, got:\n%s", body)
	}
	if !strings.Contains(body, "event:traffic") {
		t.Fatalf("expected traffic event in body, got:\n%s", body)
	}
}

func TestHandleEventStream_LastEventID(t *testing.T) {
	env := newTestEnv(t, nil)

	env.srv.sseHub.broadcast(events.TopicTaskStatus, "task-1", []byte(`{"n":1}`))
	env.srv.sseHub.broadcast(events.TopicTaskStatus, "task-1", []byte(`{"n":2}`))
	env.srv.sseHub.broadcast(events.TopicTaskComplete, "task-1", []byte(`{"n":3}`))

	_, body := serveStream(t, env, "/v1/events/stream", "1", nil)

	if strings.Contains(body, `data:{"n":1}`) {
		t.Fatalf("event 1 should not be replayed, got:\n%s", body)
	}
	if !strings.Contains(body, `data:{"n":2}`) || !strings.Contains(body, "event:complete") {
		t.Fatalf("expected events 2 and 3 replayed, got:\n%s", body)
	}
}

func TestHandleEventStream_TracksPresence(t *testing.T) {
	env := newTestEnv(t, nil)

	var during []string
	serveStream(t, env, "/v1/events/stream?taskId=task-9", "", func() {
		for _, e := range env.srv.Presence().Roster() {
			during = append(during, e.Transport+":"+strings.Join(e.Subscriptions, ","))
		}
	})

	if len(during) != 1 || during[0] != "sse:task-9" {
		t.Fatalf("expected one sse client on task-9, got %v", during)
	}
	if n := env.srv.Presence().Count(); n != 0 {
		t.Fatalf("expected client removed after disconnect, got %d", n)
	}
	if n := env.srv.metrics.StreamClients.Load(); n != 0 {
		t.Fatalf("expected stream gauge back to 0, got %d", n)
	}
}
