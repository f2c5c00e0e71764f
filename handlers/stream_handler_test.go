package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/livetail"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStreamServer(t *testing.T, origins []string) (*httptest.Server, *livetail.Hub) {
	t.Helper()
	hub := livetail.NewHub(livetail.DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, hub.Start())
	t.Cleanup(func() { _ = hub.Stop(time.Second) })

	h := NewStreamHandler(hub, origins, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	t.Cleanup(srv.Close)
	return srv, hub
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamHandler_Tail(t *testing.T) {
	srv, hub := newStreamServer(t, []string{"https://console.example.org"})

	header := http.Header{"Origin": []string{"https://console.example.org"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(trace.Event{
		Time:      time.Now().UTC(),
		Layer:     trace.LayerInterpreted,
		Category:  "INT",
		Direction: trace.DirSent,
		ContextID: "s1",
		Payload:   "<presence/>",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got trace.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "s1", got.ContextID)
	assert.Equal(t, "<presence/>", got.Payload)
}

func TestStreamHandler_Origins(t *testing.T) {
	srv, _ := newStreamServer(t, []string{"https://console.example.org"})

	t.Run("foreign origin is refused", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("no origin is accepted", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.NoError(t, err)
		_ = conn.Close()
	})

	t.Run("plain http is not upgraded", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStreamHandler_WildcardOrigin(t *testing.T) {
	srv, _ := newStreamServer(t, []string{"*"})

	header := http.Header{"Origin": []string{"https://anything.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	_ = conn.Close()
}
