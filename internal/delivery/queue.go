package delivery

// QueueCaps bound each priority tier's queue.
type QueueCaps struct {
	MaxMessages int
	MaxBytes    int64
}

const (
	DefaultQueueMaxMessages = 200
	DefaultQueueMaxBytes    = 5 * 1024 * 1024
)

func (c QueueCaps) normalized() QueueCaps {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultQueueMaxMessages
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultQueueMaxBytes
	}
	return c
}

// tierQueues holds the four scheduler queues (P1..P4). P0 traffic never
// reaches the scheduler. On overflow the oldest item of the lowest
// priority non-empty tier is dropped; P1 is never dropped.
type tierQueues struct {
	caps  QueueCaps
	items [4][]*PendingDelivery
	bytes [4]int64
}

func newTierQueues(caps QueueCaps) *tierQueues {
	return &tierQueues{caps: caps.normalized()}
}

func tierIndex(p Priority) int {
	switch p {
	case PrioritySystem:
		return 0
	case PriorityDirect:
		return 1
	case PriorityChannel:
		return 2
	default:
		return 3
	}
}

// push enqueues the delivery and returns any deliveries evicted to stay
// within the tier's caps.
func (q *tierQueues) push(d *PendingDelivery) []*PendingDelivery {
	idx := tierIndex(d.Priority)
	q.items[idx] = append(q.items[idx], d)
	q.bytes[idx] += int64(len(d.Body))

	var dropped []*PendingDelivery
	for q.overflowing(idx) {
		victim := q.dropOldestLowTier()
		if victim == nil {
			break
		}
		dropped = append(dropped, victim)
		if tierIndex(victim.Priority) != idx {
			// Shedding from a lower tier relieves the pressure; the
			// offending tier keeps its newest arrivals.
			break
		}
	}
	return dropped
}

func (q *tierQueues) overflowing(idx int) bool {
	return len(q.items[idx]) > q.caps.MaxMessages || q.bytes[idx] > q.caps.MaxBytes
}

// dropOldestLowTier removes the oldest item from the lowest-priority
// tier that has one, never touching P1 (index 0).
func (q *tierQueues) dropOldestLowTier() *PendingDelivery {
	for idx := 3; idx >= 1; idx-- {
		if len(q.items[idx]) == 0 {
			continue
		}
		victim := q.items[idx][0]
		q.items[idx] = q.items[idx][1:]
		q.bytes[idx] -= int64(len(victim.Body))
		return victim
	}
	return nil
}

// takeSender removes every queued delivery from the given sender in the
// tier, preserving arrival order. These form one InjectionBlock.
func (q *tierQueues) takeSender(idx int, sender string) []*PendingDelivery {
	var taken []*PendingDelivery
	remaining := q.items[idx][:0]
	for _, d := range q.items[idx] {
		if d.From == sender {
			taken = append(taken, d)
			q.bytes[idx] -= int64(len(d.Body))
			continue
		}
		remaining = append(remaining, d)
	}
	q.items[idx] = remaining
	return taken
}

// remove drops a single delivery (already finalized elsewhere).
func (q *tierQueues) remove(d *PendingDelivery) {
	idx := tierIndex(d.Priority)
	for i, queued := range q.items[idx] {
		if queued == d {
			q.items[idx] = append(q.items[idx][:i], q.items[idx][i+1:]...)
			q.bytes[idx] -= int64(len(d.Body))
			return
		}
	}
}

func (q *tierQueues) empty() bool {
	for idx := range q.items {
		if len(q.items[idx]) > 0 {
			return false
		}
	}
	return true
}

func (q *tierQueues) len() int {
	total := 0
	for idx := range q.items {
		total += len(q.items[idx])
	}
	return total
}
