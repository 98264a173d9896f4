package pubsub

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"parley/internal/domain"
)

// goRedisClient wraps a go-redis client and one shared PubSub connection to
// implement RedisClient.
type goRedisClient struct {
	client *goredis.Client
	ps     *goredis.PubSub
	out    chan domain.TransportMessage
	done   chan struct{}
	once   sync.Once
}

// Dial connects to url, verifies the connection and returns a RedisClient.
func Dial(ctx context.Context, url string) (RedisClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newGoRedisClient(ctx, rdb), nil
}

func newGoRedisClient(ctx context.Context, rdb *goredis.Client) *goRedisClient {
	r := &goRedisClient{
		client: rdb,
		ps:     rdb.Subscribe(ctx),
		out:    make(chan domain.TransportMessage, 64),
		done:   make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *goRedisClient) pump() {
	defer close(r.out)
	for msg := range r.ps.Channel() {
		select {
		case r.out <- domain.TransportMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-r.done:
			return
		}
	}
}

func (r *goRedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *goRedisClient) Subscribe(ctx context.Context, channels ...string) error {
	return r.ps.Subscribe(ctx, channels...)
}

func (r *goRedisClient) Unsubscribe(ctx context.Context, channels ...string) error {
	return r.ps.Unsubscribe(ctx, channels...)
}

func (r *goRedisClient) Messages() <-chan domain.TransportMessage { return r.out }

func (r *goRedisClient) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		if psErr := r.ps.Close(); psErr != nil {
			err = psErr
		}
		if cErr := r.client.Close(); cErr != nil && err == nil {
			err = cErr
		}
	})
	return err
}
