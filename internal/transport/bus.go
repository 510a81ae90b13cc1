package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus is the pub/sub and dead-letter surface the transport needs.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	DeadLetter(ctx context.Context, key string, payload []byte) error
}

// Subscription delivers raw messages until closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

const defaultDeadLetterCap = 10_000

// RedisBus implements Bus on Redis pub/sub and a capped list per
// dead-letter key.
type RedisBus struct {
	client        *redis.Client
	deadLetterCap int64
}

// NewRedisBus wraps client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, deadLetterCap: defaultDeadLetterCap}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b == nil || b.client == nil {
		return errors.New("nil redis bus")
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, out: make(chan []byte), done: make(chan struct{})}
	in := pubsub.Channel(redis.WithChannelSize(256))
	go func() {
		defer close(sub.out)
		for msg := range in {
			select {
			case sub.out <- []byte(msg.Payload):
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// DeadLetter appends payload to the list at key, keeping only the newest
// entries.
func (b *RedisBus) DeadLetter(ctx context.Context, key string, payload []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, -b.deadLetterCap, -1)
		return nil
	})
	return err
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
