package model

import (
	"encoding/json"
	"time"
)

// EventKind classifies events published off the instrument task.
type EventKind string

const (
	EventCandle      EventKind = "candle"
	EventSignal      EventKind = "signal"
	EventEntry       EventKind = "entry"
	EventOrderFailed EventKind = "order_failed"
)

// Event is an immutable notification for downstream sinks (archive, pub/sub).
type Event struct {
	Kind     EventKind   `json:"kind"`
	Symbol   string      `json:"symbol"`
	TS       time.Time   `json:"ts"`
	Candle   *Candle     `json:"candle,omitempty"`
	Signal   *SignalInfo `json:"signal,omitempty"`
	Position *Position   `json:"position,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// SignalInfo is the wire form of a non-flat signal.
type SignalInfo struct {
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Size       float64   `json:"size"`
}

// JSON returns the JSON-encoded event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
