package model

import "time"

// Direction is the trade direction a signal asks for.
type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Side maps a direction to the venue order side. Flat has no side.
func (d Direction) Side() Side {
	switch d {
	case Long:
		return SideBuy
	case Short:
		return SideSell
	default:
		return ""
	}
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Side is the venue order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderRequest is a market entry with attached stop-loss and take-profit.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Qty        float64 `json:"qty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	ReduceOnly bool    `json:"reduce_only,omitempty"`

	// RefPrice is the close that produced the signal. Venues ignore it for
	// market orders; the paper gateway fills at it.
	RefPrice float64 `json:"ref_price,omitempty"`
}

// OrderResult is the venue acknowledgement of a placed order.
type OrderResult struct {
	OrderID     string    `json:"order_id"`
	OrderLinkID string    `json:"order_link_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price,omitempty"` // fill price when known (paper)
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
