package model

import "time"

// Position is the in-memory record of an entry accepted by the signal engine.
type Position struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Size       float64   `json:"size"`
	OrderID    string    `json:"order_id"`
	OpenedAt   time.Time `json:"opened_at"`
}

// PositionInfo is the venue view of a position.
type PositionInfo struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"` // empty when flat
	Size          float64 `json:"size"`
	AvgPrice      float64 `json:"avg_price"`
	MarkPrice     float64 `json:"mark_price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// IsFlat reports whether the venue holds no exposure.
func (p *PositionInfo) IsFlat() bool {
	return p == nil || p.Size == 0 || p.Side == ""
}
