package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/:topic", func(c *gin.Context) {
		topic := c.Param("topic")
		hub.ServeWS(c, topic, []byte(`{"event_type":"queue-snapshot","topic":"`+topic+`"}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server, topic string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + topic
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestSubscriberGetsSnapshotThenBroadcasts(t *testing.T) {
	hub, srv, _ := newTestHub(t)

	conn := dial(t, srv, "queue-1")
	defer conn.Close()
	other := dial(t, srv, "queue-2")
	defer other.Close()

	assert.Contains(t, readText(t, conn), "queue-snapshot")
	assert.Contains(t, readText(t, other), "queue-snapshot")
	assert.Eventually(t, func() bool { return hub.Subscribers("queue-1") == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast("queue-1", []byte(`{"event_type":"member-joined"}`))
	assert.Contains(t, readText(t, conn), "member-joined")

	// Подписчик другого топика сообщение не получает.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv, _ := newTestHub(t)

	conn := dial(t, srv, "queue-3")
	readText(t, conn)
	assert.Eventually(t, func() bool { return hub.Subscribers("queue-3") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("queue-3") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	hub, srv, cancel := newTestHub(t)

	conn := dial(t, srv, "queue-4")
	defer conn.Close()
	readText(t, conn)
	assert.Eventually(t, func() bool { return hub.Subscribers("queue-4") == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Subscribers("queue-4"))

	// После остановки рассылка не блокируется.
	hub.Broadcast("queue-4", []byte("x"))
}
