// Package pubsub provides the Redis pub/sub transport for topic channels.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"parley/internal/domain"
)

// RedisClient abstracts the Redis pub/sub operations the transport needs.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// Publish publishes a payload to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe adds channels to the client's subscription.
	Subscribe(ctx context.Context, channels ...string) error
	// Unsubscribe removes channels from the client's subscription.
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages returns every message received on a subscribed channel.
	Messages() <-chan domain.TransportMessage
	// Close shuts down the client.
	Close() error
}

// Transport implements domain.Transport over Redis pub/sub.
type Transport struct {
	client RedisClient
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]struct{}

	out    chan domain.TransportMessage
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ domain.Transport = (*Transport)(nil)

// NewTransport wraps client and starts forwarding its messages.
func NewTransport(client RedisClient, logger *slog.Logger) *Transport {
	t := &Transport{
		client:   client,
		logger:   logger,
		channels: make(map[string]struct{}),
		out:      make(chan domain.TransportMessage, 64),
		stopCh:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.forward()
	return t
}

// Publish sends payload to channel.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return domain.NewDomainError("pubsub.Publish", domain.ErrBusClosed, channel)
	}
	if err := t.client.Publish(ctx, channel, payload); err != nil {
		return domain.NewDomainError("pubsub.Publish", domain.ErrTransport, err.Error())
	}
	return nil
}

// Subscribe subscribes the channels not yet watched.
func (t *Transport) Subscribe(ctx context.Context, channels ...string) error {
	if t.closed.Load() {
		return domain.NewDomainError("pubsub.Subscribe", domain.ErrBusClosed, "")
	}

	t.mu.Lock()
	var fresh []string
	for _, ch := range channels {
		if _, ok := t.channels[ch]; !ok {
			fresh = append(fresh, ch)
		}
	}
	t.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	if err := t.client.Subscribe(ctx, fresh...); err != nil {
		return domain.NewDomainError("pubsub.Subscribe", domain.ErrTransport, err.Error())
	}

	t.mu.Lock()
	for _, ch := range fresh {
		t.channels[ch] = struct{}{}
	}
	t.mu.Unlock()
	t.logger.Debug("redis channels subscribed", "channels", fresh)
	return nil
}

// Unsubscribe drops the given channels.
func (t *Transport) Unsubscribe(ctx context.Context, channels ...string) error {
	if t.closed.Load() {
		return nil
	}
	if err := t.client.Unsubscribe(ctx, channels...); err != nil {
		return domain.NewDomainError("pubsub.Unsubscribe", domain.ErrTransport, err.Error())
	}
	t.mu.Lock()
	for _, ch := range channels {
		delete(t.channels, ch)
	}
	t.mu.Unlock()
	return nil
}

// Messages returns the delivery channel. It is closed by Close.
func (t *Transport) Messages() <-chan domain.TransportMessage { return t.out }

// Channels returns the number of channels currently subscribed.
func (t *Transport) Channels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Close shuts down forwarding and the client.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.stopCh)
	err := t.client.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) forward() {
	defer t.wg.Done()
	defer close(t.out)

	in := t.client.Messages()
	for {
		select {
		case <-t.stopCh:
			return
		case msg, ok := <-in:
			if !ok {
				t.logger.Warn("redis subscription closed")
				return
			}
			t.mu.Lock()
			_, watched := t.channels[msg.Channel]
			t.mu.Unlock()
			if !watched {
				continue
			}
			select {
			case t.out <- msg:
			case <-t.stopCh:
				return
			}
		}
	}
}
