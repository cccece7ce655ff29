// Package exchangesim provides WSAdapter, a reference stream.Source that
// speaks a tiny normalized JSON frame over a websocket connection. It does
// not decode any real exchange's wire protocol; it exists to exercise real
// dial/backoff/resubscribe logic end to end without depending on
// exchange-specific formats. Grounded on
// internal/api/handlers/websocket.go's readPump/writePump pair
// (ping/pong deadlines, gorilla/websocket), repurposed from
// server-side-accept to client-side-dial.
package exchangesim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketwatch/anomaly-engine/internal/stream"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// wireFrame is the tiny normalized frame this adapter speaks: a real
// Binance/OKX/Bybit decoder sitting in front of this adapter's position
// in the pipeline would translate its own exchange's messages into this
// shape. Type distinguishes control frames ("pong", "subscribed") from
// data frames ("trade").
type wireFrame struct {
	Type  string  `json:"type"`
	Base  string  `json:"base"`
	Quote string  `json:"quote"`
	Side  string  `json:"side"`
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

type subscribeFrame struct {
	Action        string                `json:"action"`
	Subscriptions []stream.Subscription `json:"subscriptions"`
}

// WSAdapter is a stream.Source backed by a single websocket connection.
type WSAdapter struct {
	exchangeID string
	url        string

	mu         sync.Mutex
	conn       *websocket.Conn
	pingDone   chan struct{}
	pingStopWg sync.WaitGroup
}

// NewWSAdapter creates an adapter that dials url and tags every emitted
// event with exchangeID.
func NewWSAdapter(exchangeID, url string) *WSAdapter {
	return &WSAdapter{exchangeID: exchangeID, url: url}
}

// Dial opens the websocket connection and starts the background ping loop.
func (a *WSAdapter) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return &stream.TransportError{Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	a.mu.Lock()
	a.conn = conn
	a.pingDone = make(chan struct{})
	a.mu.Unlock()

	a.pingStopWg.Add(1)
	go a.pingLoop(a.pingDone)

	return nil
}

// SetSubscriptions sends the instrument subscription set as a single
// normalized subscribe frame. Called on every (re)connect.
func (a *WSAdapter) SetSubscriptions(ctx context.Context, subs []stream.Subscription) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return &stream.TransportError{Err: fmt.Errorf("not connected")}
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Subscriptions: subs}); err != nil {
		return &stream.TransportError{Err: err}
	}
	return nil
}

// Recv blocks for the next normalized frame and translates it into a
// MarketEvent, classifying failures for the supervisor: connection-level
// read errors are transport errors, unparseable payloads are decode
// errors, and non-trade frame types (acks, pongs) are protocol noise.
func (a *WSAdapter) Recv(ctx context.Context) (marketevent.MarketEvent, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return marketevent.MarketEvent{}, &stream.TransportError{Err: fmt.Errorf("not connected")}
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return marketevent.MarketEvent{}, &stream.TransportError{Err: err}
	}

	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return marketevent.MarketEvent{}, &stream.DecodeError{Err: err}
	}

	if frame.Type != "trade" {
		return marketevent.MarketEvent{}, &stream.ProtocolNoiseError{Err: fmt.Errorf("frame type %q", frame.Type)}
	}

	side := marketevent.SideBuy
	if frame.Side == "sell" {
		side = marketevent.SideSell
	}

	key := marketevent.InstrumentKey{
		Exchange: a.exchangeID,
		Base:     frame.Base,
		Quote:    frame.Quote,
		Kind:     marketevent.KindSpot,
	}
	return marketevent.NewTrade(key, time.Now().UTC(), frame.Price, frame.Qty, side), nil
}

// Close tears down the connection and stops the ping loop.
func (a *WSAdapter) Close() error {
	a.mu.Lock()
	conn := a.conn
	done := a.pingDone
	a.conn = nil
	a.pingDone = nil
	a.mu.Unlock()

	if done != nil {
		close(done)
		a.pingStopWg.Wait()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *WSAdapter) pingLoop(done <-chan struct{}) {
	defer a.pingStopWg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			conn := a.conn
			a.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
