package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// BrokerMessage is one message received from the broker for a topic.
type BrokerMessage struct {
	Topic   string
	Payload []byte
}

// Broker is the publish channel the hub bridges to local connections. A
// broker-level subscription for a topic exists exactly while the hub
// holds local subscribers for it.
type Broker interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Messages() <-chan BrokerMessage
	Close() error
}

// RedisBroker bridges Redis PubSub to the hub.
type RedisBroker struct {
	pubsub *redis.PubSub
	out    chan BrokerMessage
	done   chan struct{}
}

// NewRedisBroker creates a broker on an existing Redis client. The
// underlying subscription starts with no channels; topics are attached
// and detached as local subscriber counts cross zero.
func NewRedisBroker(ctx context.Context, client *redis.Client) *RedisBroker {
	b := &RedisBroker{
		pubsub: client.Subscribe(ctx),
		out:    make(chan BrokerMessage, 256),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *RedisBroker) pump() {
	defer close(b.out)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.out <- BrokerMessage{Topic: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}
}

// Subscribe attaches a broker-level subscription for a topic.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) error {
	return b.pubsub.Subscribe(ctx, topic)
}

// Unsubscribe detaches the broker-level subscription for a topic.
func (b *RedisBroker) Unsubscribe(ctx context.Context, topic string) error {
	return b.pubsub.Unsubscribe(ctx, topic)
}

// Messages returns the stream of broker messages.
func (b *RedisBroker) Messages() <-chan BrokerMessage {
	return b.out
}

// Close stops the pump and the underlying subscription.
func (b *RedisBroker) Close() error {
	close(b.done)
	return b.pubsub.Close()
}
