// Package presence tracks the dashboards connected to the gateway.
//
// The server registers every socket and event-stream client on connect and
// updates its record as messages flow. A background reaper drops records
// that stopped showing signs of life, which happens when a connection dies
// without a clean close.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Transports a client can be connected over.
const (
	TransportSocket = "socket"
	TransportStream = "sse"
)

// Entry is a snapshot of one connected client.
type Entry struct {
	ClientID      string    `json:"clientId"`
	Transport     string    `json:"transport"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeen      time.Time `json:"lastSeen"`
	IdleSecs      float64   `json:"idleSecs"`
	Sent          int64     `json:"sent"`
	Dropped       int64     `json:"dropped"`
}

// Client identifies a new connection.
type Client struct {
	ID         string
	Transport  string
	RemoteAddr string
	UserAgent  string
}

// ReaperConfig configures the background stale-client reaper.
type ReaperConfig struct {
	// StaleAfter is how long a client may stay silent before its record is
	// dropped. Default: 2 minutes.
	StaleAfter time.Duration

	// SweepInterval is how often the reaper scans. Default: 30 seconds.
	SweepInterval time.Duration

	// OnStale is called for each dropped client, outside the lock.
	OnStale func(clientID string)
}

// Tracker maintains the in-memory roster of connected clients.
type Tracker struct {
	mu      sync.RWMutex
	clients map[string]*clientState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type clientState struct {
	transport   string
	remoteAddr  string
	userAgent   string
	subs        map[string]struct{}
	connectedAt time.Time
	lastSeen    time.Time
	sent        int64
	dropped     int64
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{clients: make(map[string]*clientState)}
}

// Connect registers a client. Registering an existing ID resets its record.
func (t *Tracker) Connect(c Client) {
	if c.ID == "" {
		return
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.ID] = &clientState{
		transport:   c.Transport,
		remoteAddr:  c.RemoteAddr,
		userAgent:   c.UserAgent,
		subs:        make(map[string]struct{}),
		connectedAt: now,
		lastSeen:    now,
	}
}

// Disconnect removes a client.
func (t *Tracker) Disconnect(id string) {
	t.mu.Lock()
	delete(t.clients, id)
	t.mu.Unlock()
}

// Touch marks a client as alive.
func (t *Tracker) Touch(id string) {
	t.with(id, func(s *clientState) { s.lastSeen = time.Now() })
}

// Subscribe records that a client follows a task.
func (t *Tracker) Subscribe(id, taskID string) {
	t.with(id, func(s *clientState) {
		s.subs[taskID] = struct{}{}
		s.lastSeen = time.Now()
	})
}

// Unsubscribe records that a client stopped following a task.
func (t *Tracker) Unsubscribe(id, taskID string) {
	t.with(id, func(s *clientState) {
		delete(s.subs, taskID)
		s.lastSeen = time.Now()
	})
}

// Sent counts one message delivered to a client.
func (t *Tracker) Sent(id string) {
	t.with(id, func(s *clientState) { s.sent++ })
}

// Dropped counts one message discarded because the client fell behind.
func (t *Tracker) Dropped(id string) {
	t.with(id, func(s *clientState) { s.dropped++ })
}

func (t *Tracker) with(id string, fn func(*clientState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.clients[id]; ok {
		fn(s)
	}
}

// Count returns the number of tracked clients.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Roster returns a snapshot of all clients, most recently active first.
func (t *Tracker) Roster() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	entries := make([]Entry, 0, len(t.clients))
	for id, s := range t.clients {
		subs := make([]string, 0, len(s.subs))
		for task := range s.subs {
			subs = append(subs, task)
		}
		sort.Strings(subs)
		entries = append(entries, Entry{
			ClientID:      id,
			Transport:     s.transport,
			RemoteAddr:    s.remoteAddr,
			UserAgent:     s.userAgent,
			Subscriptions: subs,
			ConnectedAt:   s.connectedAt,
			LastSeen:      s.lastSeen,
			IdleSecs:      now.Sub(s.lastSeen).Seconds(),
			Sent:          s.sent,
			Dropped:       s.dropped,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].ClientID < entries[j].ClientID
		}
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}

// StartReaper launches a background goroutine that periodically drops
// silent clients. Call Stop() to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	slog.Info("presence: reaper started",
		"stale_after", cfg.StaleAfter,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := time.Now()
	var stale []string

	t.mu.Lock()
	for id, s := range t.clients {
		if now.Sub(s.lastSeen) > cfg.StaleAfter {
			delete(t.clients, id)
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		slog.Info("presence: reaper dropped silent client", "client", id, "threshold", cfg.StaleAfter)
		if cfg.OnStale != nil {
			cfg.OnStale(id)
		}
	}
}
