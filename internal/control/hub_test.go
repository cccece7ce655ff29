package control

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHubServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", hub.ServeWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
}

func TestHub_BroadcastsEventToUnfilteredClient(t *testing.T) {
	hub := NewHub(nil)
	t.Cleanup(hub.Stop)
	_, wsURL := newTestHubServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	key := testInstrument("BTC")
	ev := marketevent.NewTrade(key, time.Now(), 100, 1, marketevent.SideBuy)
	hub.BroadcastEvent(ev)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg feedMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "event", msg.Kind)
}

func TestHub_FiltersBySubscription(t *testing.T) {
	hub := NewHub(nil)
	t.Cleanup(hub.Stop)
	_, wsURL := newTestHubServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?exchange=sim&base=ETH&quote=USDT", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	unmatched := marketevent.NewTrade(testInstrument("BTC"), time.Now(), 100, 1, marketevent.SideBuy)
	hub.BroadcastEvent(unmatched)

	hub.BroadcastAnomaly(marketevent.NewAnomalyDetection(testInstrument("ETH"), marketevent.AnomalyVolumeSpike, marketevent.SeverityHigh, marketevent.Metrics{}, "spike"))

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg feedMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "anomaly", msg.Kind)
}

func TestHub_ClientCountDropsOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	t.Cleanup(hub.Stop)
	_, wsURL := newTestHubServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
