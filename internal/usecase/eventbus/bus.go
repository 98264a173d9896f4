// Package eventbus is the in-process pub/sub transport under the topic bus.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"parley/internal/domain"
)

// Bus is an in-process, goroutine-safe channel transport. Publish never
// blocks: payloads for subscribed channels are queued and a single pump
// goroutine forwards them to Messages in publish order.
type Bus struct {
	mu       sync.Mutex
	channels map[string]struct{}
	queue    []domain.TransportMessage
	notify   chan struct{}
	out      chan domain.TransportMessage
	done     chan struct{}
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

var _ domain.Transport = (*Bus)(nil)

// New creates an in-process transport.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		channels: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		out:      make(chan domain.TransportMessage, 64),
		done:     make(chan struct{}),
		logger:   logger,
	}
	b.wg.Add(1)
	go b.pump()
	return b
}

// Publish queues payload for delivery when channel has been subscribed.
// Payloads for unwatched channels are discarded, as with a network broker.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.closed.Load() {
		return domain.NewDomainError("eventbus.Publish", domain.ErrBusClosed, channel)
	}

	b.mu.Lock()
	if _, ok := b.channels[channel]; !ok {
		b.mu.Unlock()
		b.dropped.Add(1)
		return nil
	}
	b.queue = append(b.queue, domain.TransportMessage{Channel: channel, Payload: payload})
	b.mu.Unlock()

	b.published.Add(1)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe starts delivering the given channels.
func (b *Bus) Subscribe(_ context.Context, channels ...string) error {
	if b.closed.Load() {
		return domain.NewDomainError("eventbus.Subscribe", domain.ErrBusClosed, "")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		b.channels[ch] = struct{}{}
	}
	return nil
}

// Unsubscribe stops delivering the given channels. Payloads already queued
// are still delivered.
func (b *Bus) Unsubscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		delete(b.channels, ch)
	}
	return nil
}

// Messages returns the delivery channel. It is closed by Close.
func (b *Bus) Messages() <-chan domain.TransportMessage { return b.out }

// Stats returns the number of queued and discarded publishes.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close prevents new publishes, stops the pump and closes Messages.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)
	b.wg.Wait()
	return nil
}

func (b *Bus) pump() {
	defer b.wg.Done()
	defer close(b.out)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus pump panicked", "panic", r)
		}
	}()

	for {
		select {
		case <-b.done:
			return
		case <-b.notify:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			msg := b.queue[0]
			b.queue[0] = domain.TransportMessage{}
			b.queue = b.queue[1:]
			b.mu.Unlock()

			select {
			case b.out <- msg:
			case <-b.done:
				return
			}
		}
	}
}
