package edge

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/beam/internal/metrics"
)

// DefaultExpiry is how long a topic without subscribers is kept before
// Cleanup removes it.
const DefaultExpiry = 30 * time.Second

// DefaultReceiverBuffer is the per-subscriber queue length.
const DefaultReceiverBuffer = 64

// TopicMapConfig configures a TopicMap.
type TopicMapConfig struct {
	Expiry time.Duration
	// Buffer is the per-subscriber queue length. A subscriber that falls
	// further behind is cut off; see Receiver.Lagged.
	Buffer  int
	Now     func() time.Time
	Metrics *metrics.Metrics
}

// TopicMap broadcasts values to the subscribers of a topic and caches the
// last value of every live topic.
type TopicMap[T any] struct {
	expiry  time.Duration
	buffer  int
	now     func() time.Time
	metrics *metrics.Metrics

	mu    sync.Mutex
	slots map[string]*slot[T]
}

type slot[T any] struct {
	subs      map[*Receiver[T]]struct{}
	last      T
	hasLast   bool
	expiresAt time.Time // zero while subscribed
}

// NewTopicMap returns an empty map.
func NewTopicMap[T any](cfg TopicMapConfig) *TopicMap[T] {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultReceiverBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TopicMap[T]{
		expiry:  cfg.Expiry,
		buffer:  cfg.Buffer,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		slots:   make(map[string]*slot[T]),
	}
}

// Receiver is one subscription to a topic.
type Receiver[T any] struct {
	key    string
	ch     chan T
	m      *TopicMap[T]
	lagged bool
	once   sync.Once
}

// C delivers published values in order. It is closed when the topic is
// closed, the receiver lags, or Close is called.
func (r *Receiver[T]) C() <-chan T { return r.ch }

// Key returns the topic key.
func (r *Receiver[T]) Key() string { return r.key }

// Lagged reports whether the receiver was cut off for falling behind.
func (r *Receiver[T]) Lagged() bool {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.lagged
}

// Close unsubscribes.
func (r *Receiver[T]) Close() { r.m.unsubscribe(r) }

// Subscribe joins topic key, creating or reactivating its slot. It returns
// the cached last value, if any, and a receiver for later values.
func (m *TopicMap[T]) Subscribe(key string) (last T, ok bool, rx *Receiver[T]) {
	rx = &Receiver[T]{key: key, ch: make(chan T, m.buffer), m: m}

	m.mu.Lock()
	s, exists := m.slots[key]
	if !exists {
		s = &slot[T]{subs: make(map[*Receiver[T]]struct{})}
		m.slots[key] = s
	}
	s.subs[rx] = struct{}{}
	s.expiresAt = time.Time{}
	last, ok = s.last, s.hasLast
	n := len(m.slots)
	m.mu.Unlock()

	m.metrics.Subscribed()
	m.metrics.SetEdgeTopics(n)
	return last, ok, rx
}

func (m *TopicMap[T]) unsubscribe(rx *Receiver[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked(rx)
}

// detachLocked removes rx from its slot and closes its channel. Caller
// holds mu.
func (m *TopicMap[T]) detachLocked(rx *Receiver[T]) {
	rx.once.Do(func() {
		close(rx.ch)
		s, ok := m.slots[rx.key]
		if !ok {
			return
		}
		delete(s.subs, rx)
		if len(s.subs) == 0 {
			s.expiresAt = m.now().Add(m.expiry)
		}
	})
}

// Publish stores value as the last value of key and delivers it to every
// subscriber. It returns false, and stores nothing, when key has no slot.
func (m *TopicMap[T]) Publish(key string, value T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		return false
	}
	s.last, s.hasLast = value, true
	for rx := range s.subs {
		select {
		case rx.ch <- value:
		default:
			rx.lagged = true
			m.detachLocked(rx)
		}
	}
	return true
}

// Close removes key immediately and closes its receivers.
func (m *TopicMap[T]) Close(key string) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if ok {
		delete(m.slots, key)
		for rx := range s.subs {
			rx.once.Do(func() { close(rx.ch) })
		}
	}
	n := len(m.slots)
	m.mu.Unlock()
	if ok {
		m.metrics.SetEdgeTopics(n)
	}
}

// Cleanup removes every slot whose expiry has passed and that still has no
// subscribers, and returns the removed keys.
func (m *TopicMap[T]) Cleanup() []string {
	now := m.now()
	m.mu.Lock()
	var removed []string
	for key, s := range m.slots {
		if len(s.subs) == 0 && !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
			delete(m.slots, key)
			removed = append(removed, key)
		}
	}
	n := len(m.slots)
	m.mu.Unlock()

	if len(removed) > 0 {
		m.metrics.SetEdgeTopics(n)
	}
	return removed
}

// Len returns the number of slots, expired or not.
func (m *TopicMap[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// RunCleanup calls Cleanup every interval until ctx ends, passing removed
// keys to onRemoved when it is not nil.
func (m *TopicMap[T]) RunCleanup(ctx context.Context, interval time.Duration, onRemoved func([]string)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if removed := m.Cleanup(); len(removed) > 0 && onRemoved != nil {
				onRemoved(removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
