package model

import "context"

// ── Collaborator Port Interfaces ──
// These decouple the signal pipeline from concrete venues and sinks.

// OrderGateway places, queries and closes positions on a venue.
//
// Implementations report failures as errors; a nil result with a nil error is
// treated by callers as "no effect".
type OrderGateway interface {
	// PlaceOrder submits a market entry with stop-loss / take-profit attached.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// GetPosition returns the venue position for symbol. A flat position
	// may be reported as nil or as a zero-size PositionInfo.
	GetPosition(ctx context.Context, symbol string) (*PositionInfo, error)

	// ClosePosition flattens any exposure on symbol. Returns nil, nil when
	// there was nothing to close.
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
}

// EventPublisher receives events without blocking the caller.
type EventPublisher interface {
	// Publish enqueues ev and reports whether it was accepted.
	Publish(ev Event) bool
}
