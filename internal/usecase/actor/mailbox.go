package actor

import (
	"sync"

	"parley/internal/domain"
)

// OverflowPolicy decides what a bounded mailbox does when full.
type OverflowPolicy string

const (
	OverflowUnbounded  OverflowPolicy = "unbounded"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDropNewest OverflowPolicy = "drop_newest"
	OverflowReject     OverflowPolicy = "reject"
)

// Delivery is one envelope routed to an actor, with the topic it came from.
type Delivery struct {
	TopicID  string
	Envelope domain.Envelope
}

// Mailbox is a many-producer, single-consumer FIFO. Push never blocks.
type Mailbox struct {
	mu       sync.Mutex
	items    []Delivery
	capacity int
	policy   OverflowPolicy
	notify   chan struct{}
	dropped  uint64
}

// NewMailbox creates a mailbox. A capacity of zero or the unbounded policy
// never drops.
func NewMailbox(capacity int, policy OverflowPolicy) *Mailbox {
	if policy == "" || capacity <= 0 {
		policy = OverflowUnbounded
	}
	return &Mailbox{
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends d. dropped is true when an envelope was discarded to make
// room or d itself was discarded. The reject policy returns ErrMailboxFull
// instead.
func (m *Mailbox) Push(d Delivery) (dropped bool, err error) {
	m.mu.Lock()
	if m.policy != OverflowUnbounded && len(m.items) >= m.capacity {
		switch m.policy {
		case OverflowReject:
			m.mu.Unlock()
			return false, domain.ErrMailboxFull
		case OverflowDropNewest:
			m.dropped++
			m.mu.Unlock()
			return true, nil
		case OverflowDropOldest:
			m.items[0] = Delivery{}
			m.items = m.items[1:]
			m.dropped++
			dropped = true
		}
	}
	m.items = append(m.items, d)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Pop removes the oldest delivery.
func (m *Mailbox) Pop() (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Delivery{}, false
	}
	d := m.items[0]
	m.items[0] = Delivery{}
	m.items = m.items[1:]
	return d, true
}

// Len returns the number of queued deliveries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Dropped returns how many deliveries overflow discarded.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Ready is signalled after a push. It holds at most one pending signal.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.notify
}
