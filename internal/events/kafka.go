package events

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"waitline/internal/queue"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher пишет поток изменений очередей в Kafka для внешних
// потребителей. Ключом сообщения служит топик очереди, так что изменения одной
// очереди попадают в одну партицию и сохраняют порядок.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaWriter создаёт асинхронного писателя: Publish не ждёт брокера,
// ошибки доставки только логируются.
func NewKafkaWriter(brokers, topic string, logger logrus.FieldLogger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    512,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.WithError(err).WithField("messages", len(messages)).Warn("не удалось записать изменения очередей в kafka")
			}
		},
	}
}

func NewKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, d queue.Delta) error {
	payload, err := Encode(topic, d)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Time:  d.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(d.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "kafka write %s", topic)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
