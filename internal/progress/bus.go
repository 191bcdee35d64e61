package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultQueueCap      = 64
	defaultIdleTimeout   = 30 * time.Second
	defaultGraceDelay    = 2 * time.Second
	defaultSweepInterval = 5 * time.Second
)

// Options tunes Bus queue and lifecycle behavior. Zero values select the
// documented defaults.
type Options struct {
	QueueCap      int           // per-subscriber outbound queue capacity
	IdleTimeout   time.Duration // evict runs with no events for this long and no terminal event
	GraceDelay    time.Duration // delay between the terminal event and run teardown
	SweepInterval time.Duration // idle sweep period
}

func (o Options) withDefaults() Options {
	if o.QueueCap <= 0 {
		o.QueueCap = defaultQueueCap
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.GraceDelay <= 0 {
		o.GraceDelay = defaultGraceDelay
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	return o
}

// Subscriber is one connected observer of a conversation's progress stream.
// It is created by Bus.Subscribe and owns a bounded outbound event queue;
// the queue channel is closed when the subscriber is evicted or the run is
// torn down.
type Subscriber struct {
	id             string
	conversationID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Events returns the subscriber's outbound queue. The channel closes when
// the subscription ends.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// ConversationID returns the conversation this subscriber observes.
func (s *Subscriber) ConversationID() string { return s.conversationID }

// push enqueues without ever blocking the publisher. When the queue is
// full the oldest entry is dropped — progress events are lossy — except
// that a queued terminal event is never displaced by a non-terminal one.
func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case old := <-s.ch:
			if old.Stage.Terminal() && !ev.Stage.Terminal() {
				// Keep the terminal event, drop the newcomer instead.
				s.ch <- old
				return
			}
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// runState is the live record of one in-flight run: its latest event and
// the set of attached subscribers.
type runState struct {
	mu          sync.Mutex
	gen         int64 // bumped by StartRun; stale teardowns compare against it
	lastEvent   *Event
	subscribers map[string]*Subscriber
	terminal    bool
	updatedAt   time.Time
}

// Bus decouples pipeline stages (producers) from stream transports
// (consumers). Publishing is fire-and-forget: it never blocks, never
// fails, and is safe with zero subscribers. One Bus instance is created
// at startup and injected into the orchestrator and the transports.
type Bus struct {
	mu   sync.RWMutex
	runs map[string]*runState

	opts   Options
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewBus creates a Bus and starts its idle-timeout sweep.
func NewBus(opts Options, logger *zap.Logger) *Bus {
	b := &Bus{
		runs:   make(map[string]*runState),
		opts:   opts.withDefaults(),
		logger: logger,
		stop:   make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// StartRun brackets the beginning of one orchestrator execution. A
// previous run's terminal state on the same conversation is reset so a
// late subscriber cannot observe its last event during the new run, and
// any teardown still scheduled for it becomes a no-op. A non-terminal
// last event is kept: a pre-pipeline stage published just before the
// run opens must stay replayable. Subscribers that attached before the
// run started stay registered.
func (b *Bus) StartRun(conversationID string) {
	b.mu.Lock()
	rs, ok := b.runs[conversationID]
	if !ok {
		rs = newRunState()
		b.runs[conversationID] = rs
	}
	b.mu.Unlock()

	rs.mu.Lock()
	rs.gen++
	if rs.terminal {
		rs.lastEvent = nil
		rs.terminal = false
	}
	rs.updatedAt = time.Now()
	rs.mu.Unlock()
}

// Publish delivers an event to every live subscriber of the conversation
// and records it as the run's latest state. It is a no-op when the
// conversation has no run state.
func (b *Bus) Publish(conversationID string, ev Event) {
	rs := b.run(conversationID)
	if rs == nil {
		b.logger.Debug("dropping event for unknown conversation",
			zap.String("conversation", conversationID),
			zap.String("stage", string(ev.Stage)))
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.terminal {
		// Nothing may follow the terminal event of a run.
		return
	}
	evCopy := ev
	rs.lastEvent = &evCopy
	rs.terminal = ev.Stage.Terminal()
	rs.updatedAt = time.Now()
	for _, sub := range rs.subscribers {
		sub.push(ev)
	}
}

// Subscribe registers a new subscriber for the conversation, creating run
// state if none exists yet (a client may connect before the run starts).
// If the run already has a latest event it is replayed immediately.
func (b *Bus) Subscribe(conversationID string) *Subscriber {
	b.mu.Lock()
	rs, ok := b.runs[conversationID]
	if !ok {
		rs = newRunState()
		b.runs[conversationID] = rs
	}
	b.mu.Unlock()

	sub := &Subscriber{
		id:             uuid.New().String(),
		conversationID: conversationID,
		ch:             make(chan Event, b.opts.QueueCap),
	}

	rs.mu.Lock()
	rs.subscribers[sub.id] = sub
	if rs.lastEvent != nil {
		sub.push(*rs.lastEvent)
	}
	rs.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its queue. It is idempotent.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	if rs := b.run(sub.conversationID); rs != nil {
		rs.mu.Lock()
		delete(rs.subscribers, sub.id)
		rs.mu.Unlock()
	}
	sub.close()
}

// EndRun publishes the terminal event for the run and schedules teardown
// of its state. With subscribers attached, teardown waits for the grace
// delay so slow consumers still receive the terminal event; with none it
// is immediate.
func (b *Bus) EndRun(conversationID string, terminal Event) {
	rs := b.run(conversationID)
	if rs == nil {
		b.logger.Debug("end of run for unknown conversation",
			zap.String("conversation", conversationID))
		return
	}
	if !terminal.Stage.Terminal() {
		terminal.Stage = StageCompleted
	}

	rs.mu.Lock()
	if rs.terminal {
		// The run already ended; teardown is scheduled.
		rs.mu.Unlock()
		return
	}
	evCopy := terminal
	rs.lastEvent = &evCopy
	rs.terminal = true
	rs.updatedAt = time.Now()
	for _, sub := range rs.subscribers {
		sub.push(terminal)
	}
	subscriberCount := len(rs.subscribers)
	gen := rs.gen
	rs.mu.Unlock()

	if subscriberCount == 0 {
		b.evictRun(conversationID, gen)
		return
	}
	time.AfterFunc(b.opts.GraceDelay, func() {
		b.evictRun(conversationID, gen)
	})
}

// SubscriberCount reports live subscribers for a conversation.
func (b *Bus) SubscriberCount(conversationID string) int {
	rs := b.run(conversationID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.subscribers)
}

// LastEvent returns the most recent event of the conversation's run, or
// false when no run state exists.
func (b *Bus) LastEvent(conversationID string) (Event, bool) {
	rs := b.run(conversationID)
	if rs == nil {
		return Event{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastEvent == nil {
		return Event{}, false
	}
	return *rs.lastEvent, true
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	ActiveRuns        int `json:"active_runs"`
	ActiveSubscribers int `json:"active_subscribers"`
}

// Status reports current bus activity for diagnostics endpoints.
func (b *Bus) Status() Stats {
	b.mu.RLock()
	states := make([]*runState, 0, len(b.runs))
	for _, rs := range b.runs {
		states = append(states, rs)
	}
	b.mu.RUnlock()

	st := Stats{ActiveRuns: len(states)}
	for _, rs := range states {
		rs.mu.Lock()
		st.ActiveSubscribers += len(rs.subscribers)
		rs.mu.Unlock()
	}
	return st
}

// Close stops the idle sweep and evicts all remaining run state.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	ids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.evict(id)
	}
}

func newRunState() *runState {
	return &runState{
		subscribers: make(map[string]*Subscriber),
		updatedAt:   time.Now(),
	}
}

func (b *Bus) run(conversationID string) *runState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runs[conversationID]
}

// evict removes the conversation's run state and closes all of its
// subscriber queues, unconditionally.
func (b *Bus) evict(conversationID string) {
	b.evictRun(conversationID, -1)
}

// evictRun is evict with a staleness check: a non-negative gen only
// tears the state down if no StartRun has reused it since the teardown
// was scheduled. A back-to-back run inside the grace window would
// otherwise be killed by the previous run's timer.
func (b *Bus) evictRun(conversationID string, gen int64) {
	b.mu.Lock()
	rs, ok := b.runs[conversationID]
	if ok && gen >= 0 {
		rs.mu.Lock()
		stale := rs.gen != gen
		rs.mu.Unlock()
		if stale {
			b.mu.Unlock()
			return
		}
	}
	if ok {
		delete(b.runs, conversationID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	subs := make([]*Subscriber, 0, len(rs.subscribers))
	for _, sub := range rs.subscribers {
		subs = append(subs, sub)
	}
	rs.subscribers = make(map[string]*Subscriber)
	rs.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		b.logger.Debug("evicted run state",
			zap.String("conversation", conversationID),
			zap.Int("subscribers", len(subs)))
	}
}

// sweepLoop periodically evicts run state that went idle without a
// terminal event, the fallback for runs that die without EndRun. Each
// entry is checked under its own lock; the sweep holds no global lock
// while scanning.
func (b *Bus) sweepLoop() {
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

func (b *Bus) sweep(now time.Time) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		rs := b.run(id)
		if rs == nil {
			continue
		}
		rs.mu.Lock()
		idle := now.Sub(rs.updatedAt)
		expired := idle > b.opts.IdleTimeout
		rs.mu.Unlock()
		if expired {
			b.logger.Warn("evicting idle run state",
				zap.String("conversation", id),
				zap.Duration("idle", idle))
			b.evict(id)
		}
	}
}
