package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects delivery pipeline counters. All methods are safe for
// concurrent use and tolerate a nil receiver.
type Registry struct {
	deliveriesQueued   atomic.Int64
	deliveriesInjected atomic.Int64
	deliveriesRetried  atomic.Int64

	verifiedByMethod sync.Map // string -> *atomic.Int64
	failedByReason   sync.Map // string -> *atomic.Int64
	droppedByTier    sync.Map // string -> *atomic.Int64

	eventsPublished sync.Map // bus:type -> *atomic.Int64
	eventsDropped   sync.Map // bus:type -> *atomic.Int64

	subscriberMu     sync.Mutex
	subscriberCounts map[string]int
}

var Default = &Registry{}

func (r *Registry) IncDeliveryQueued() {
	if r == nil {
		return
	}
	r.deliveriesQueued.Add(1)
}

func (r *Registry) IncDeliveryInjected() {
	if r == nil {
		return
	}
	r.deliveriesInjected.Add(1)
}

func (r *Registry) IncDeliveryRetried() {
	if r == nil {
		return
	}
	r.deliveriesRetried.Add(1)
}

func (r *Registry) IncDeliveryVerified(method string) {
	r.incLabeled(&r.verifiedByMethod, method)
}

func (r *Registry) IncDeliveryFailed(reason string) {
	r.incLabeled(&r.failedByReason, reason)
}

func (r *Registry) IncDeliveryDropped(tier string) {
	r.incLabeled(&r.droppedByTier, tier)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	r.incLabeled(&r.eventsPublished, bus+":"+eventType)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	r.incLabeled(&r.eventsDropped, bus+":"+eventType)
}

func (r *Registry) SetEventSubscriberCount(bus string, count int) {
	if r == nil {
		return
	}
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if r.subscriberCounts == nil {
		r.subscriberCounts = make(map[string]int)
	}
	r.subscriberCounts[bus] = count
}

func (r *Registry) DeliveriesQueued() int64 {
	if r == nil {
		return 0
	}
	return r.deliveriesQueued.Load()
}

func (r *Registry) DeliveriesInjected() int64 {
	if r == nil {
		return 0
	}
	return r.deliveriesInjected.Load()
}

func (r *Registry) DeliveriesRetried() int64 {
	if r == nil {
		return 0
	}
	return r.deliveriesRetried.Load()
}

func (r *Registry) DeliveriesVerified(method string) int64 {
	return r.labeledValue(&r.verifiedByMethod, method)
}

func (r *Registry) DeliveriesFailed(reason string) int64 {
	return r.labeledValue(&r.failedByReason, reason)
}

func (r *Registry) DeliveriesDropped(tier string) int64 {
	return r.labeledValue(&r.droppedByTier, tier)
}

func (r *Registry) EventsPublished(bus, eventType string) int64 {
	return r.labeledValue(&r.eventsPublished, bus+":"+eventType)
}

func (r *Registry) EventsDropped(bus, eventType string) int64 {
	return r.labeledValue(&r.eventsDropped, bus+":"+eventType)
}

// WritePrometheus renders the registry in Prometheus text exposition format.
func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil || writer == nil {
		return nil
	}

	var err error
	write := func(format string, args ...any) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}

	write("# TYPE courier_deliveries_queued_total counter\n")
	write("courier_deliveries_queued_total %d\n", r.deliveriesQueued.Load())
	write("# TYPE courier_deliveries_injected_total counter\n")
	write("courier_deliveries_injected_total %d\n", r.deliveriesInjected.Load())
	write("# TYPE courier_deliveries_retried_total counter\n")
	write("courier_deliveries_retried_total %d\n", r.deliveriesRetried.Load())

	writeLabeled := func(name, label string, m *sync.Map) {
		write("# TYPE %s counter\n", name)
		for _, entry := range sortedEntries(m) {
			write("%s{%s=%q} %d\n", name, label, entry.key, entry.value)
		}
	}
	writeLabeled("courier_deliveries_verified_total", "method", &r.verifiedByMethod)
	writeLabeled("courier_deliveries_failed_total", "reason", &r.failedByReason)
	writeLabeled("courier_deliveries_dropped_total", "tier", &r.droppedByTier)
	writeLabeled("courier_events_published_total", "event", &r.eventsPublished)
	writeLabeled("courier_events_dropped_total", "event", &r.eventsDropped)

	return err
}

type labeledEntry struct {
	key   string
	value int64
}

func sortedEntries(m *sync.Map) []labeledEntry {
	var entries []labeledEntry
	m.Range(func(key, value any) bool {
		counter, ok := value.(*atomic.Int64)
		if !ok {
			return true
		}
		entries = append(entries, labeledEntry{key: key.(string), value: counter.Load()})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	return entries
}

func (r *Registry) incLabeled(m *sync.Map, key string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	counter, _ := m.LoadOrStore(key, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

func (r *Registry) labeledValue(m *sync.Map, key string) int64 {
	if r == nil {
		return 0
	}
	value, ok := m.Load(key)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}
