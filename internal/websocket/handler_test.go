package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/models"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketSession(t *testing.T) {
	h := NewHub(HubConfig{QueueSize: 16}, nil)
	h.PublishSnapshot(units(3))

	conn := dial(t, h)

	assert.Equal(t, models.MessageWelcome, readMessage(t, conn).Type)
	snap := readMessage(t, conn)
	assert.Equal(t, models.MessageSnapshot, snap.Type)
	require.Len(t, snap.Units, 1)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	h.PublishEvent(tripEvent(2))
	ev := readMessage(t, conn)
	assert.Equal(t, models.MessageEvent, ev.Type)
	require.NotNil(t, ev.Event)
	assert.Equal(t, 2, ev.Event.UnitID)
	assert.Equal(t, models.TripOpened, ev.Event.Kind)

	require.NoError(t, conn.WriteJSON(models.CommandMessage{Type: "ping"}))
	assert.Equal(t, models.MessagePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(models.CommandMessage{Type: "resync"}))
	assert.Equal(t, models.MessageSnapshot, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(models.CommandMessage{Type: "reboot"}))
	errMsg := readMessage(t, conn)
	assert.Equal(t, models.MessageError, errMsg.Type)
	assert.Contains(t, errMsg.Error, "reboot")
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	h := NewHub(HubConfig{}, nil)
	conn := dial(t, h)
	readMessage(t, conn)

	h.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	h := NewHub(HubConfig{}, nil)
	conn := dial(t, h)
	readMessage(t, conn)
	require.Equal(t, 1, h.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpgradeRefusedAfterShutdown(t *testing.T) {
	h := NewHub(HubConfig{}, nil)
	h.Shutdown()

	srv := httptest.NewServer(NewHandler(h))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}
