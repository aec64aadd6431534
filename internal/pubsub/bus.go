// Package pubsub is the in-process fan-out bus used by upgraded
// connections: named or 64-bit filter channels, per-subscription bounded
// queues with configurable overflow, per-subscription encoders with
// one-encode-per-kind caching on the message envelope.
package pubsub

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Encoding hints how a subscriber wants payloads rendered.
type Encoding uint8

const (
	EncodingRaw Encoding = iota
	EncodingWSText
	EncodingWSBinary
	EncodingSSE
)

// OverflowPolicy selects what happens when a subscription queue is full.
type OverflowPolicy uint8

const (
	DropOldest OverflowPolicy = iota
	DropNewest
	CloseSubscriber
)

// DefaultQueueLimit bounds a subscription queue unless overridden.
const DefaultQueueLimit = 64

// ChannelHash maps a channel name to its 64-bit routing key.
func ChannelHash(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// Message is the refcounted publish envelope. The raw payload is stored
// once; per-encoding renderings are cached so one publish pays for each
// encoding at most once across subscribers.
type Message struct {
	Channel string
	Filter  uint64
	Data    []byte
	// ID is surfaced to SSE subscribers as the event id.
	ID string

	refs      int32
	onRelease func()

	mu      sync.Mutex
	encoded map[Encoding][]byte
}

// NewMessage builds an envelope with one reference.
func NewMessage(channel string, filter uint64, data []byte) *Message {
	return &Message{Channel: channel, Filter: filter, Data: data, refs: 1}
}

// Ref takes an additional reference.
func (m *Message) Ref() *Message {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Unref drops a reference; at zero the release hook runs exactly once.
func (m *Message) Unref() {
	if atomic.AddInt32(&m.refs, -1) > 0 {
		return
	}
	if m.onRelease != nil {
		f := m.onRelease
		m.onRelease = nil
		f()
	}
}

// SetReleaseHook installs a function run when the last reference drops.
func (m *Message) SetReleaseHook(f func()) { m.onRelease = f }

// Encoded returns the rendering for enc, computing and caching it on
// first use.
func (m *Message) Encoded(enc Encoding, encode func(*Message) []byte) []byte {
	if enc == EncodingRaw || encode == nil {
		return m.Data
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.encoded[enc]; ok {
		return b
	}
	if m.encoded == nil {
		m.encoded = make(map[Encoding][]byte)
	}
	b := encode(m)
	m.encoded[enc] = b
	return b
}

// Sink is where a subscription delivers. Implementations serialize
// Deliver with the rest of their connection's traffic; Schedule hands a
// drain task to the sink's executor (the reactor for connection sinks).
type Sink interface {
	Schedule(fn func())
	Deliver(payload []byte) error
	CloseFromBus()
}

// SubscribeOptions describe one subscription.
type SubscribeOptions struct {
	// Channel or Filter identifies the routing key; Channel wins when
	// both are set.
	Channel string
	Filter  uint64

	Sink       Sink
	Enc        Encoding
	Encode     func(*Message) []byte
	Policy     OverflowPolicy
	QueueLimit int

	// OnMessage, when set, replaces Sink.Deliver for each message.
	OnMessage func(s *Subscription, m *Message)
	// OnUnsubscribe fires once when the subscription is cancelled.
	OnUnsubscribe func(s *Subscription)
}

// Subscription binds a sink to a channel. Delivery per subscription is
// FIFO with respect to publish order on any single publisher.
type Subscription struct {
	ID      uuid.UUID
	Channel string
	Filter  uint64

	bus   *Bus
	named bool
	opts  SubscribeOptions

	mu       sync.Mutex
	queue    []*Message
	draining bool
	closed   bool
}

// Bus routes messages to subscriptions. Subscription tables are the only
// bus state shared across goroutines; a plain mutex per table aspect is
// preferred over packed multi-sublocks.
type Bus struct {
	log *slog.Logger

	mu      sync.RWMutex
	named   map[uint64]map[uuid.UUID]*Subscription
	filters map[uint64]map[uuid.UUID]*Subscription
}

// NewBus builds an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:     log,
		named:   make(map[uint64]map[uuid.UUID]*Subscription),
		filters: make(map[uint64]map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers a new subscription and returns it.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	s := &Subscription{
		ID:      uuid.New(),
		Channel: opts.Channel,
		Filter:  opts.Filter,
		bus:     b,
		named:   opts.Channel != "",
		opts:    opts,
	}
	key := s.key()
	b.mu.Lock()
	table := b.table(s.named)
	if table[key] == nil {
		table[key] = make(map[uuid.UUID]*Subscription)
	}
	table[key][s.ID] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe cancels a subscription and releases its queued messages.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	table := b.table(s.named)
	key := s.key()
	if set := table[key]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(table, key)
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	q := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, m := range q {
		m.Unref()
	}
	if s.opts.OnUnsubscribe != nil {
		s.opts.OnUnsubscribe(s)
	}
}

func (s *Subscription) key() uint64 {
	if s.named {
		return ChannelHash(s.Channel)
	}
	return s.Filter
}

func (b *Bus) table(named bool) map[uint64]map[uuid.UUID]*Subscription {
	if named {
		return b.named
	}
	return b.filters
}

// Publish fans data out to every subscriber of the named channel.
// Synchronous-enqueue, asynchronous-deliver: the call returns once each
// subscription holds a reference.
func (b *Bus) Publish(channel string, data []byte) {
	m := NewMessage(channel, 0, data)
	b.fanOut(true, ChannelHash(channel), m)
	m.Unref()
}

// PublishFilter fans data out on a 64-bit filter channel.
func (b *Bus) PublishFilter(filter uint64, data []byte) {
	m := NewMessage("", filter, data)
	b.fanOut(false, filter, m)
	m.Unref()
}

// PublishMessage fans out a caller-built envelope (e.g. with an SSE id).
func (b *Bus) PublishMessage(m *Message) {
	if m.Channel != "" {
		b.fanOut(true, ChannelHash(m.Channel), m)
	} else {
		b.fanOut(false, m.Filter, m)
	}
	m.Unref()
}

func (b *Bus) fanOut(named bool, key uint64, m *Message) {
	b.mu.RLock()
	set := b.table(named)[key]
	subs := make([]*Subscription, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.enqueue(m)
	}
}

// enqueue applies the overflow policy and schedules a drain if one is
// not already running.
func (s *Subscription) enqueue(m *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.opts.QueueLimit {
		switch s.opts.Policy {
		case DropOldest:
			dropped := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			dropped.Unref()
			s.mu.Lock()
		case DropNewest:
			s.mu.Unlock()
			return
		case CloseSubscriber:
			s.mu.Unlock()
			s.bus.log.Warn("subscription overflow, closing subscriber", "channel", s.Channel)
			s.bus.Unsubscribe(s)
			s.opts.Sink.CloseFromBus()
			return
		}
	}
	s.queue = append(s.queue, m.Ref())
	kick := !s.draining
	if kick {
		s.draining = true
	}
	s.mu.Unlock()
	if kick {
		s.opts.Sink.Schedule(s.drain)
	}
}

// drain delivers queued messages in order until the queue is empty. A
// failing sink write cancels the subscription and closes the sink.
func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		var err error
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(s, m)
		} else {
			err = s.opts.Sink.Deliver(m.Encoded(s.opts.Enc, s.opts.Encode))
		}
		m.Unref()
		if err != nil {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
			s.bus.Unsubscribe(s)
			s.opts.Sink.CloseFromBus()
			return
		}
	}
}
