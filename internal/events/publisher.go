package events

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"waitline/internal/queue"
)

// Publisher доставляет изменения очереди подписчикам топика. Доставка не
// гарантирована: пропустивший изменение подписчик перечитывает снимок.
type Publisher interface {
	Publish(ctx context.Context, topic string, d queue.Delta) error
}

// Message: сообщение, которое получает подписчик по websocket.
type Message struct {
	EventType string      `json:"event_type"`
	Topic     string      `json:"topic"`
	Data      interface{} `json:"data"`
}

// SnapshotEvent отправляется подписчику сразу после подключения.
const SnapshotEvent = "queue-snapshot"

// Encode сериализует изменение в сообщение для подписчиков.
func Encode(topic string, d queue.Delta) ([]byte, error) {
	payload, err := json.Marshal(Message{
		EventType: string(d.Type),
		Topic:     topic,
		Data:      d,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode delta")
	}
	return payload, nil
}

// EncodeSnapshot сериализует полный снимок очереди.
func EncodeSnapshot(topic string, snap queue.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(Message{
		EventType: SnapshotEvent,
		Topic:     topic,
		Data:      snap,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return payload, nil
}

// Multi рассылает изменение всем издателям по очереди. Ошибка одного
// не мешает остальным, возвращается первая.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, d queue.Delta) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, d); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop ничего не публикует.
type Nop struct{}

func (Nop) Publish(context.Context, string, queue.Delta) error { return nil }

// Local рассылает изменения только подписчикам этого экземпляра.
type Local struct {
	Hub Broadcaster
}

func (l Local) Publish(_ context.Context, topic string, d queue.Delta) error {
	payload, err := Encode(topic, d)
	if err != nil {
		return err
	}
	l.Hub.Broadcast(topic, payload)
	return nil
}
