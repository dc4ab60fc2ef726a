package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayedMessage struct {
	topic   string
	payload []byte
}

type syncBroadcaster struct {
	mu       sync.Mutex
	received []relayedMessage
}

func (b *syncBroadcaster) Broadcast(topic string, payload []byte) {
	b.mu.Lock()
	b.received = append(b.received, relayedMessage{topic: topic, payload: payload})
	b.mu.Unlock()
}

func (b *syncBroadcaster) messages() []relayedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]relayedMessage(nil), b.received...)
}

func startRelay(t *testing.T) (*miniredis.Miniredis, *redis.Client, *syncBroadcaster, context.CancelFunc, <-chan error) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	local := &syncBroadcaster{}
	relay := NewRelay(client, local, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return mr.PubSubNumPat() > 0 }, time.Second, 5*time.Millisecond)
	return mr, client, local, cancel, done
}

func TestRelayDeliversPublishedDelta(t *testing.T) {
	_, client, local, cancel, done := startRelay(t)

	publisher := NewRedisPublisher(client)
	require.NoError(t, publisher.Publish(context.Background(), "queue-1", sampleDelta()))

	require.Eventually(t, func() bool { return len(local.messages()) == 1 }, time.Second, 5*time.Millisecond)
	got := local.messages()[0]
	assert.Equal(t, "queue-1", got.topic)

	var msg Message
	require.NoError(t, json.Unmarshal(got.payload, &msg))
	assert.Equal(t, "member-joined", msg.EventType)
	assert.Equal(t, "queue-1", msg.Topic)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ретрансляция не остановилась после отмены")
	}
}

func TestRelayIgnoresForeignChannels(t *testing.T) {
	_, client, local, _, _ := startRelay(t)
	ctx := context.Background()

	require.NoError(t, client.Publish(ctx, "other:queue-1", "x").Err())
	require.NoError(t, client.Publish(ctx, ChannelPrefix+"stats", "x").Err())
	require.NoError(t, NewRedisPublisher(client).Publish(ctx, "queue-2-5", sampleDelta()))

	require.Eventually(t, func() bool { return len(local.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "queue-2-5", local.messages()[0].topic)
}
