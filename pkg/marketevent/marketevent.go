// Package marketevent defines the wire schema shared by the pipeline, the
// bus and the control plane: instrument identity, normalized market events
// and anomaly detections, encoded as UTF-8 JSON. Trade and top-of-book
// prices and quantities are decimal strings; anomaly metrics are plain
// JSON numbers.
package marketevent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstrumentKind distinguishes the market structure of an instrument.
type InstrumentKind string

const (
	KindSpot      InstrumentKind = "spot"
	KindPerpetual InstrumentKind = "perpetual"
	KindOther     InstrumentKind = "other"
)

// InstrumentKey identifies a tradable market. Its String form is the
// canonical fingerprint used both as a map key inside the engine and as
// the partition key on the bus.
type InstrumentKey struct {
	Exchange string         `json:"exchange"`
	Base     string         `json:"base"`
	Quote    string         `json:"quote"`
	Kind     InstrumentKind `json:"kind"`
}

// String returns the canonical "{exchange}:{base}/{quote}:{kind}" form.
func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s:%s/%s:%s", k.Exchange, k.Base, k.Quote, k.Kind)
}

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// EventKind discriminates the payload carried by a MarketEvent.
type EventKind string

const (
	EventTrade   EventKind = "trade"
	EventBookTop EventKind = "book_top"
)

// MarketEvent is a normalized event emitted by an exchange stream
// supervisor and consumed by the pipeline. Exactly one of Trade or
// BookTop is populated, selected by Kind.
type MarketEvent struct {
	Instrument   InstrumentKey `json:"instrument_key"`
	ExchangeTime time.Time     `json:"exchange_time"`
	IngestTime   time.Time     `json:"ingest_time"`
	Kind         EventKind     `json:"kind"`
	Trade        *TradeData    `json:"trade,omitempty"`
	BookTop      *BookTopData  `json:"book_top,omitempty"`
}

// TradeData carries a single executed trade. Price and Qty are decimal
// strings on the wire; internal arithmetic uses their float64 views
// from decimal.Decimal.InexactFloat64.
type TradeData struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Side  Side            `json:"side"`
}

// BookTopData carries the top of book (best bid/ask) at a point in time.
type BookTopData struct {
	BidPrice decimal.Decimal `json:"bid_price"`
	BidQty   decimal.Decimal `json:"bid_qty"`
	AskPrice decimal.Decimal `json:"ask_price"`
	AskQty   decimal.Decimal `json:"ask_qty"`
}

// NewTrade builds a MarketEvent carrying trade data from float inputs,
// as produced internally by exchange adapters.
func NewTrade(key InstrumentKey, exchangeTime time.Time, price, qty float64, side Side) MarketEvent {
	return MarketEvent{
		Instrument:   key,
		ExchangeTime: exchangeTime,
		IngestTime:   time.Now().UTC(),
		Kind:         EventTrade,
		Trade: &TradeData{
			Price: decimal.NewFromFloat(price),
			Qty:   decimal.NewFromFloat(qty),
			Side:  side,
		},
	}
}

// NewBookTop builds a MarketEvent carrying top-of-book data from float
// inputs.
func NewBookTop(key InstrumentKey, exchangeTime time.Time, bidPrice, bidQty, askPrice, askQty float64) MarketEvent {
	return MarketEvent{
		Instrument:   key,
		ExchangeTime: exchangeTime,
		IngestTime:   time.Now().UTC(),
		Kind:         EventBookTop,
		BookTop: &BookTopData{
			BidPrice: decimal.NewFromFloat(bidPrice),
			BidQty:   decimal.NewFromFloat(bidQty),
			AskPrice: decimal.NewFromFloat(askPrice),
			AskQty:   decimal.NewFromFloat(askQty),
		},
	}
}

// AnomalyKind enumerates the anomaly categories a detector can emit.
type AnomalyKind string

const (
	AnomalyVolumeSpike      AnomalyKind = "VolumeSpike"
	AnomalyPriceSpike       AnomalyKind = "PriceSpike"
	AnomalyFlashCrash       AnomalyKind = "FlashCrash"
	AnomalyPumpDump         AnomalyKind = "PumpDump"
	AnomalyUnusualActivity  AnomalyKind = "UnusualActivity"
)

// Severity ranks an anomaly's urgency.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Metrics carries the numeric evidence behind an AnomalyDetection. Fields
// that do not apply to a given detector are left at their zero value and
// omitted from the wire encoding.
type Metrics struct {
	Current  float64  `json:"current"`
	Expected float64  `json:"expected"`
	Deviation float64 `json:"deviation"`
	ZScore   *float64 `json:"z_score,omitempty"`
	PctChange *float64 `json:"pct_change,omitempty"`
	HistAvg  *float64 `json:"hist_avg,omitempty"`
	HistStd  *float64 `json:"hist_std,omitempty"`
}

// AnomalyDetection is an immutable record of a detected anomaly for one
// instrument. ID is a 128-bit random identifier, globally unique.
type AnomalyDetection struct {
	ID          uuid.UUID     `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Instrument  InstrumentKey `json:"instrument_key"`
	Kind        AnomalyKind   `json:"kind"`
	Severity    Severity      `json:"severity"`
	Metrics     Metrics       `json:"metrics"`
	Description string        `json:"description"`
}

// NewAnomalyDetection stamps a fresh ID and timestamp onto a detection.
func NewAnomalyDetection(key InstrumentKey, kind AnomalyKind, severity Severity, metrics Metrics, description string) AnomalyDetection {
	return AnomalyDetection{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		Instrument:  key,
		Kind:        kind,
		Severity:    severity,
		Metrics:     metrics,
		Description: description,
	}
}

// Topic names a logical, partitioned stream on the bus.
type Topic string

// TopicNames builds the configured topic set from a prefix, matching the
// five names enumerated for the external bus interface: the namespaced
// market feeds ({prefix}.market.trades, {prefix}.market.book), the full
// anomaly audit stream ({prefix}.anomalies), a filtered high-severity
// subset for paging consumers ({prefix}.alerts), and a flat trades mirror
// for consumers that don't want the "market" namespace ({prefix}.trades).
func TopicNames(prefix string) map[string]Topic {
	return map[string]Topic{
		"market_trades": Topic(prefix + ".market.trades"),
		"market_book":   Topic(prefix + ".market.book"),
		"anomalies":     Topic(prefix + ".anomalies"),
		"alerts":        Topic(prefix + ".alerts"),
		"trades":        Topic(prefix + ".trades"),
	}
}
