package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/metrics"
)

const defaultSubscriberBufferSize = 128

// Event is any typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	HistorySize          int
	Registry             *metrics.Registry
}

// Bus fans typed events out to buffered subscriber channels. Slow
// subscribers lose events rather than stall publishers; drops are
// counted in the metrics registry.
type Bus[T any] struct {
	mu           sync.Mutex
	subscribers  map[uint64]subscription[T]
	nextSubID    uint64
	closed       bool
	closeOnce    sync.Once
	options      BusOptions
	registry     *metrics.Registry
	history      []T
	historyNext  int
	historyCount int
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		registry:    opts.Registry,
	}
	if opts.HistorySize > 0 {
		bus.history = make([]T, opts.HistorySize)
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	count := len(b.subscribers)
	b.mu.Unlock()

	b.registry.SetEventSubscriberCount(b.busName(), count)
	return ch, func() { b.removeSubscriber(id) }
}

func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	typeSet := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType != "" {
			typeSet[eventType] = struct{}{}
		}
	}
	if len(typeSet) == 0 {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	return b.SubscribeFiltered(func(evt T) bool {
		typed, ok := any(evt).(Event)
		if !ok {
			return false
		}
		_, matched := typeSet[typed.Type()]
		return matched
	})
}

func (b *Bus[T]) Publish(evt T) {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(evt)
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := b.eventType(evt)
	b.registry.IncEventPublished(b.busName(), eventType)

	for _, sub := range subscribers {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.registry.IncEventDropped(b.busName(), eventType)
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
		b.registry.SetEventSubscriberCount(b.busName(), 0)
	})
}

// ReplayLast returns up to count of the most recent events in order.
// Used to re-send recent delivery events after a broker reconnect.
func (b *Bus[T]) ReplayLast(count int) []T {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.historyCount == 0 {
		return nil
	}
	if count <= 0 || count > b.historyCount {
		count = b.historyCount
	}
	out := make([]T, 0, count)
	start := b.historyNext - count
	if start < 0 {
		start += len(b.history)
	}
	for i := 0; i < count; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) appendHistoryLocked(evt T) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyNext] = evt
	b.historyNext = (b.historyNext + 1) % len(b.history)
	if b.historyCount < len(b.history) {
		b.historyCount++
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.registry.SetEventSubscriberCount(b.busName(), count)
	}
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func (b *Bus[T]) eventType(evt T) string {
	typed, ok := any(evt).(Event)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}
