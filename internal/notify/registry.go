// Package notify delivers workflow events to connected clients. A Registry
// tracks one live channel per user and keeps a small per-user buffer of
// missed events that survives disconnects, so a browser that reconnects
// still sees what happened while it was away.
package notify

import (
	"sync"
	"time"

	"seqcore/internal/logging"
)

const (
	// BufferCap bounds the per-user backlog of undelivered events. When it
	// overflows the oldest event is evicted.
	BufferCap = 10

	// ReapInterval is how often idle entries are swept.
	ReapInterval = 30 * time.Second

	// IdleTimeout evicts an entry that has seen no delivery for this long.
	// Transport heartbeats do not count as activity.
	IdleTimeout = 60 * time.Second

	// HeartbeatInterval paces the ping frames the stream transports emit.
	HeartbeatInterval = 25 * time.Second

	// channelDepth is the in-flight capacity of a subscriber channel. It
	// must hold at least a full flushed buffer.
	channelDepth = 2 * BufferCap
)

// Event is the wire shape pushed to stream clients.
type Event struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type entry struct {
	ch           chan Event
	lastActivity time.Time
}

// Registry fans events out to subscribed users. One live channel per user;
// a second Subscribe for the same user tears down the first. Buffers are
// keyed by user and outlive the entry they were accumulated for.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	buffers map[string][]Event
	logger  logging.Logger
	metrics *Metrics
	nowFn   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics overrides the default prometheus collectors. Tests pass a
// Metrics bound to a fresh registry.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry builds an empty registry. The reaper does not run until Start.
func NewRegistry(logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		buffers: make(map[string][]Event),
		logger:  logging.OrNop(logger),
		metrics: defaultMetrics(),
		nowFn:   time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNow overrides the clock and returns a restore function.
func (r *Registry) SetNow(fn func() time.Time) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.nowFn
	if fn == nil {
		fn = time.Now
	}
	r.nowFn = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nowFn = prev
	}
}

// Subscribe registers a live channel for userID and flushes any buffered
// events into it, oldest first. The buffer is consumed by the flush; a
// reconnect does not replay events it already received. The returned cancel
// function detaches the channel and closes it.
func (r *Registry) Subscribe(userID string) (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[userID]; ok {
		close(prev.ch)
	} else {
		r.metrics.addSubscribers(1)
	}

	ch := make(chan Event, channelDepth)
	e := &entry{ch: ch, lastActivity: r.nowFn()}
	r.entries[userID] = e

	if backlog := r.buffers[userID]; len(backlog) > 0 {
		for _, ev := range backlog {
			ch <- ev
		}
		delete(r.buffers, userID)
		r.logger.Debug("notify: flushed %d buffered event(s) to %s", len(backlog), userID)
	}

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.entries[userID]; ok && cur == e {
			delete(r.entries, userID)
			close(cur.ch)
			r.metrics.addSubscribers(-1)
		}
	}
	return ch, cancel
}

// Publish delivers an event to userID, or buffers it if the user is not
// connected or their channel is saturated. Delivery refreshes the entry's
// activity stamp.
func (r *Registry) Publish(userID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := Event{Event: event, Data: data, Timestamp: r.nowFn().UTC()}
	if e, ok := r.entries[userID]; ok {
		select {
		case e.ch <- ev:
			e.lastActivity = r.nowFn()
			r.metrics.incDelivered("publish")
			return
		default:
			r.logger.Warn("notify: channel for %s saturated, buffering %s", userID, event)
		}
	}
	r.bufferLocked(userID, ev)
	r.metrics.incBuffered()
}

// Broadcast delivers an event to every connected user. Broadcasts are
// best-effort and never buffered; a saturated channel drops the event.
func (r *Registry) Broadcast(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := Event{Event: event, Data: data, Timestamp: r.nowFn().UTC()}
	for userID, e := range r.entries {
		select {
		case e.ch <- ev:
			e.lastActivity = r.nowFn()
			r.metrics.incDelivered("broadcast")
		default:
			r.logger.Warn("notify: dropping broadcast %s for %s", event, userID)
			r.metrics.incDropped()
		}
	}
}

// NotifyUser makes Registry a service-level notifier.
func (r *Registry) NotifyUser(userID, event string, data any) {
	r.Publish(userID, event, data)
}

// bufferLocked appends to the user's backlog, evicting the oldest event
// once the cap is reached. Caller holds r.mu.
func (r *Registry) bufferLocked(userID string, ev Event) {
	backlog := append(r.buffers[userID], ev)
	if len(backlog) > BufferCap {
		backlog = backlog[len(backlog)-BufferCap:]
	}
	r.buffers[userID] = backlog
}

// Start launches the idle reaper. It stops when Stop is called.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the reaper. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Reap evicts entries idle beyond IdleTimeout. The buffers for evicted
// users are kept so later events still accumulate for them.
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.nowFn().Add(-IdleTimeout)
	for userID, e := range r.entries {
		if e.lastActivity.After(cutoff) {
			continue
		}
		delete(r.entries, userID)
		close(e.ch)
		r.metrics.addSubscribers(-1)
		r.metrics.incReaped()
		r.logger.Info("notify: reaped idle subscriber %s", userID)
	}
}

// Connected reports whether userID currently has a live channel.
func (r *Registry) Connected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	return ok
}

// BufferedCount returns the number of events waiting for userID.
func (r *Registry) BufferedCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers[userID])
}
