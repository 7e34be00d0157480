package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published while an analysis runs
const (
	EventAnalysisStarted   = "ANALYSIS_STARTED"
	EventStageStarted      = "STAGE_STARTED"
	EventStageCacheHit     = "STAGE_CACHE_HIT"
	EventStageRetry        = "STAGE_RETRY"
	EventStageCompleted    = "STAGE_COMPLETED"
	EventAnalysisCompleted = "ANALYSIS_COMPLETED"
	EventAnalysisFailed    = "ANALYSIS_FAILED"
)

// Event is a progress notification for one analysis request
type Event struct {
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// IsTerminal reports whether no further events follow for the request
func (e Event) IsTerminal() bool {
	return e.Type == EventAnalysisCompleted || e.Type == EventAnalysisFailed
}

// Marshal returns JSON for websocket frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for analysis events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-request ring buffer for replay and last_event_id support
	history    map[string]*ring
	order      []string // request ids in first-publish order
	capacity   int
	maxStreams int
}

var (
	defaultMgr        *Manager
	once              sync.Once
	defaultCapacity   = 256
	defaultMaxStreams = 1024
)

// NewManager creates a manager keeping capacity events per request and
// the history of at most maxStreams requests.
func NewManager(capacity, maxStreams int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if maxStreams <= 0 {
		maxStreams = defaultMaxStreams
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		maxStreams:  maxStreams,
	}
}

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity, defaultMaxStreams)
	})
	return defaultMgr
}

// Configure sets the ring capacity for rings created from now on.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	m := Get()
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for a request; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(requestID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[requestID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[requestID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(requestID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[requestID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, requestID)
		}
	}
}

// Publish records the event and sends it to all subscribers of the request (non-blocking).
func (m *Manager) Publish(requestID string, evt Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	rg := m.history[requestID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[requestID] = rg
		m.order = append(m.order, requestID)
		m.evictLocked()
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.RequestID = requestID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)

	// Sends happen under the lock so Unsubscribe cannot close a channel mid-send
	for ch := range m.subscribers[requestID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow; it can resync with ReplaySince
		}
	}
	return evt
}

// evictLocked drops the oldest histories nobody is watching
func (m *Manager) evictLocked() {
	for len(m.order) > m.maxStreams {
		victim := -1
		for i, id := range m.order {
			if len(m.subscribers[id]) == 0 {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(m.history, m.order[victim])
		m.order = append(m.order[:victim], m.order[victim+1:]...)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[requestID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
