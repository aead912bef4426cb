package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petwatch/internal/pipeline"
)

func publication(seq uint64, final bool) *pipeline.Publication {
	return &pipeline.Publication{
		Seq:      seq,
		Snapshot: &pipeline.StatisticsSnapshot{Version: seq, PeakHour: -1},
		Events:   []pipeline.Event{},
		Final:    final,
	}
}

func TestClientOfferKeepsNewest(t *testing.T) {
	c := newClient()
	assert.False(t, c.offer([]byte("1")))
	assert.True(t, c.offer([]byte("2")))
	assert.True(t, c.offer([]byte("3")))
	assert.Equal(t, []byte("3"), <-c.pending)
}

func TestHubSupersedesUnsentPublications(t *testing.T) {
	h := NewHub()
	c := newClient()
	h.register(c)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, h.OnPublication(context.Background(), publication(i, i == 3)))
	}
	assert.Equal(t, uint64(2), h.Superseded())

	var msg struct {
		Type  string `json:"type"`
		Seq   uint64 `json:"seq"`
		Final bool   `json:"final"`
	}
	require.NoError(t, json.Unmarshal(<-c.pending, &msg))
	assert.Equal(t, TypePublication, msg.Type)
	assert.Equal(t, uint64(3), msg.Seq)
	assert.True(t, msg.Final, "the final publication is the one kept")
	require.NotNil(t, h.Latest())
	assert.Equal(t, uint64(3), h.Latest().Seq)

	h.unregister(c)
	assert.Equal(t, 0, h.ClientCount())
}

func TestHubHonoursCancelledContext(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.OnPublication(ctx, publication(1, false)), context.Canceled)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHandlerPushesPublications(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv)

	var hello HelloMessage
	readJSON(t, conn, &hello)
	assert.Equal(t, TypeHello, hello.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.OnPublication(context.Background(), publication(7, false)))

	var msg map[string]any
	readJSON(t, conn, &msg)
	assert.Equal(t, TypePublication, msg["type"])
	assert.Equal(t, float64(7), msg["seq"])
	snapshot, ok := msg["snapshot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-1), snapshot["peak_hour"])
}

func TestLateJoinerReceivesLatest(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.OnPublication(context.Background(), publication(4, false)))

	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()
	conn := dial(t, srv)

	var hello HelloMessage
	readJSON(t, conn, &hello)

	var msg map[string]any
	readJSON(t, conn, &msg)
	assert.Equal(t, float64(4), msg["seq"])
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewHub(), []string{"http://petwatch.local"}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()
	conn := dial(t, srv)

	var hello HelloMessage
	readJSON(t, conn, &hello)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
