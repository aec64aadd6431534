package pubsub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSink runs drains inline and records deliveries.
type testSink struct {
	mu        sync.Mutex
	delivered []string
	failAfter int // deliveries before Deliver starts failing; 0 = never
	closed    bool
}

func (s *testSink) Schedule(fn func()) { fn() }

func (s *testSink) Deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.delivered) >= s.failAfter {
		return fmt.Errorf("sink write failed")
	}
	s.delivered = append(s.delivered, string(payload))
	return nil
}

func (s *testSink) CloseFromBus() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *testSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func TestBus_PublishNamedChannel(t *testing.T) {
	b := NewBus(nil)
	sink := &testSink{}
	b.Subscribe(SubscribeOptions{Channel: "chat", Sink: sink})

	b.Publish("chat", []byte("one"))
	b.Publish("chat", []byte("two"))
	b.Publish("other", []byte("nope"))

	assert.Equal(t, []string{"one", "two"}, sink.got())
}

func TestBus_FilterChannelsAreSeparate(t *testing.T) {
	b := NewBus(nil)
	named := &testSink{}
	filtered := &testSink{}
	b.Subscribe(SubscribeOptions{Channel: "chat", Sink: named})
	b.Subscribe(SubscribeOptions{Filter: 1, Sink: filtered})

	b.PublishFilter(1, []byte("f"))
	b.Publish("chat", []byte("n"))

	assert.Equal(t, []string{"f"}, filtered.got())
	assert.Equal(t, []string{"n"}, named.got())
}

// Delivery order for one publisher and one subscriber equals publish
// order.
func TestBus_FIFOPerSubscriber(t *testing.T) {
	b := NewBus(nil)
	sink := &testSink{}
	b.Subscribe(SubscribeOptions{Channel: "seq", Sink: sink, QueueLimit: 2048})

	var want []string
	for i := 0; i < 1000; i++ {
		msg := fmt.Sprintf("m%04d", i)
		want = append(want, msg)
		b.Publish("seq", []byte(msg))
	}
	assert.Equal(t, want, sink.got())
}

// deferSink queues drains so overflow policies can be exercised.
type deferSink struct {
	testSink
	pending []func()
}

func (s *deferSink) Schedule(fn func()) { s.pending = append(s.pending, fn) }

func (s *deferSink) flush() {
	for _, fn := range s.pending {
		fn()
	}
	s.pending = nil
}

func TestBus_OverflowPolicies(t *testing.T) {
	t.Run("drop newest keeps a prefix", func(t *testing.T) {
		b := NewBus(nil)
		sink := &deferSink{}
		b.Subscribe(SubscribeOptions{Channel: "c", Sink: sink, QueueLimit: 3, Policy: DropNewest})
		for i := 0; i < 10; i++ {
			b.Publish("c", []byte(fmt.Sprintf("m%d", i)))
		}
		sink.flush()
		assert.Equal(t, []string{"m0", "m1", "m2"}, sink.got())
	})

	t.Run("drop oldest keeps a suffix", func(t *testing.T) {
		b := NewBus(nil)
		sink := &deferSink{}
		b.Subscribe(SubscribeOptions{Channel: "c", Sink: sink, QueueLimit: 3, Policy: DropOldest})
		for i := 0; i < 10; i++ {
			b.Publish("c", []byte(fmt.Sprintf("m%d", i)))
		}
		sink.flush()
		assert.Equal(t, []string{"m7", "m8", "m9"}, sink.got())
	})

	t.Run("close subscriber", func(t *testing.T) {
		b := NewBus(nil)
		sink := &deferSink{}
		b.Subscribe(SubscribeOptions{Channel: "c", Sink: sink, QueueLimit: 1, Policy: CloseSubscriber})
		for i := 0; i < 3; i++ {
			b.Publish("c", []byte("x"))
		}
		assert.True(t, sink.closed)
	})
}

func TestBus_SinkFailureClosesSubscription(t *testing.T) {
	b := NewBus(nil)
	sink := &testSink{failAfter: 1}
	b.Subscribe(SubscribeOptions{Channel: "c", Sink: sink})

	b.Publish("c", []byte("ok"))
	b.Publish("c", []byte("boom"))
	b.Publish("c", []byte("after"))

	assert.Equal(t, []string{"ok"}, sink.got())
	assert.True(t, sink.closed)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	sink := &testSink{}
	var gone bool
	sub := b.Subscribe(SubscribeOptions{
		Channel:       "c",
		Sink:          sink,
		OnUnsubscribe: func(*Subscription) { gone = true },
	})
	b.Publish("c", []byte("one"))
	b.Unsubscribe(sub)
	b.Publish("c", []byte("two"))

	assert.Equal(t, []string{"one"}, sink.got())
	assert.True(t, gone)

	t.Run("idempotent", func(t *testing.T) {
		b.Unsubscribe(sub)
	})
}

// Equal ref/unref counts release the envelope exactly once.
func TestMessage_RefCounting(t *testing.T) {
	m := NewMessage("c", 0, []byte("x"))
	released := 0
	m.SetReleaseHook(func() { released++ })

	m.Ref()
	m.Ref()
	m.Unref()
	m.Unref()
	assert.Equal(t, 0, released)
	m.Unref()
	assert.Equal(t, 1, released)
}

func TestMessage_EncodingCachedOnce(t *testing.T) {
	m := NewMessage("c", 0, []byte("payload"))
	calls := 0
	enc := func(m *Message) []byte {
		calls++
		return append([]byte("F:"), m.Data...)
	}
	first := m.Encoded(EncodingWSText, enc)
	second := m.Encoded(EncodingWSText, enc)
	assert.Equal(t, "F:payload", string(first))
	assert.Equal(t, 1, calls)
	assert.Same(t, &first[0], &second[0], "same cached rendering")

	t.Run("raw bypasses cache", func(t *testing.T) {
		assert.Equal(t, "payload", string(m.Encoded(EncodingRaw, enc)))
		assert.Equal(t, 1, calls)
	})
}

func TestChannelHash_Stable(t *testing.T) {
	require.Equal(t, ChannelHash("chat"), ChannelHash("chat"))
	assert.NotEqual(t, ChannelHash("chat"), ChannelHash("chat2"))
}
