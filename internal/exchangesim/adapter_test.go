package exchangesim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketwatch/anomaly-engine/internal/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSAdapter_DialSubscribeAndReceiveTrade(t *testing.T) {
	received := make(chan subscribeFrame, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		var sub subscribeFrame
		require.NoError(t, conn.ReadJSON(&sub))
		received <- sub

		require.NoError(t, conn.WriteJSON(wireFrame{
			Type: "trade", Base: "BTC", Quote: "USDT", Side: "buy", Price: 100.5, Qty: 2,
		}))
		time.Sleep(50 * time.Millisecond)
	})

	adapter := NewWSAdapter("sim", wsURL(srv))
	ctx := context.Background()
	require.NoError(t, adapter.Dial(ctx))
	defer adapter.Close()

	require.NoError(t, adapter.SetSubscriptions(ctx, []stream.Subscription{{Base: "BTC", Quote: "USDT"}}))

	sub := <-received
	assert.Equal(t, "subscribe", sub.Action)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "BTC", sub.Subscriptions[0].Base)

	event, err := adapter.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BTC", event.Instrument.Base)
	require.NotNil(t, event.Trade)
	assert.True(t, event.Trade.Price.Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, event.Trade.Qty.Equal(decimal.NewFromFloat(2)))
}

func TestWSAdapter_NonTradeFrameIsProtocolNoise(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		var sub subscribeFrame
		_ = conn.ReadJSON(&sub)
		require.NoError(t, conn.WriteJSON(wireFrame{Type: "pong"}))
		time.Sleep(50 * time.Millisecond)
	})

	adapter := NewWSAdapter("sim", wsURL(srv))
	ctx := context.Background()
	require.NoError(t, adapter.Dial(ctx))
	defer adapter.Close()
	require.NoError(t, adapter.SetSubscriptions(ctx, nil))

	_, err := adapter.Recv(ctx)
	require.Error(t, err)
	assert.Equal(t, stream.ClassProtocolNoise, stream.Classify(err))
}

func TestWSAdapter_MalformedFrameIsDecodeError(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		var sub subscribeFrame
		_ = conn.ReadJSON(&sub)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		time.Sleep(50 * time.Millisecond)
	})

	adapter := NewWSAdapter("sim", wsURL(srv))
	ctx := context.Background()
	require.NoError(t, adapter.Dial(ctx))
	defer adapter.Close()
	require.NoError(t, adapter.SetSubscriptions(ctx, nil))

	_, err := adapter.Recv(ctx)
	require.Error(t, err)
	assert.Equal(t, stream.ClassDecoder, stream.Classify(err))
}

func TestWSAdapter_Dial_BadURLIsTransportError(t *testing.T) {
	adapter := NewWSAdapter("sim", "ws://127.0.0.1:1/nonexistent")
	err := adapter.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, stream.ClassTransport, stream.Classify(err))
}
