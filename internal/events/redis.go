package events

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waitline/internal/queue"
)

// ChannelPrefix добавляется к топику при публикации в Redis.
const ChannelPrefix = "waitline:"

// Broadcaster: локальная рассылка подписчикам, обычно ws.Hub.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// RedisPublisher публикует изменения в Redis pub/sub, чтобы их получили
// подписчики всех экземпляров сервиса.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, d queue.Delta) error {
	payload, err := Encode(topic, d)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, ChannelPrefix+topic, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", topic)
	}
	return nil
}

// Relay читает сообщения из Redis и передаёт их локальным подписчикам.
type Relay struct {
	client *redis.Client
	local  Broadcaster
	logger logrus.FieldLogger
}

func NewRelay(client *redis.Client, local Broadcaster, logger logrus.FieldLogger) *Relay {
	return &Relay{client: client, local: local, logger: logger}
}

// Run подписывается на все топики очередей и работает до отмены ctx.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, ChannelPrefix+"queue-*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "redis psubscribe")
	}
	r.logger.Info("ретрансляция событий из Redis запущена")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis relay channel closed")
			}
			topic := strings.TrimPrefix(msg.Channel, ChannelPrefix)
			r.local.Broadcast(topic, []byte(msg.Payload))
		}
	}
}
