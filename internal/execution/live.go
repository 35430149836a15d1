// Package execution implements model.OrderGateway against Bybit (live) and in
// memory (paper), and polls venue positions so engines learn about closes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"klinebot/internal/model"
	"klinebot/pkg/bybit"
)

// ErrQtyTooSmall is returned when a quantity truncates to zero at the
// instrument's precision.
var ErrQtyTooSmall = errors.New("execution: quantity below instrument precision")

// BybitAPI is the subset of *bybit.Client the live gateway trades through.
type BybitAPI interface {
	PlaceOrder(ctx context.Context, req bybit.PlaceOrderRequest) (*bybit.OrderAck, error)
	GetPositions(ctx context.Context, category, symbol string) ([]bybit.PositionRecord, error)
}

// Precision is the number of decimals the venue accepts for an instrument.
type Precision struct {
	Qty   int32
	Price int32
}

// DefaultPrecision suits most USDT linear perpetuals.
var DefaultPrecision = Precision{Qty: 3, Price: 2}

// LiveGateway places market orders on Bybit linear perpetuals.
type LiveGateway struct {
	api      BybitAPI
	category string
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	precision map[string]Precision
}

// NewLiveGateway wraps api.
func NewLiveGateway(api BybitAPI, log zerolog.Logger) *LiveGateway {
	return &LiveGateway{
		api:       api,
		category:  bybit.CategoryLinear,
		log:       log.With().Str("component", "live_gateway").Logger(),
		now:       time.Now,
		precision: make(map[string]Precision),
	}
}

// SetPrecision overrides DefaultPrecision for symbol.
func (g *LiveGateway) SetPrecision(symbol string, p Precision) {
	g.mu.Lock()
	g.precision[symbol] = p
	g.mu.Unlock()
}

func (g *LiveGateway) precisionFor(symbol string) Precision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.precision[symbol]; ok {
		return p
	}
	return DefaultPrecision
}

// PlaceOrder truncates the quantity and rounds stop-loss / take-profit to the
// instrument precision, then submits a market order tagged with a fresh
// orderLinkId.
func (g *LiveGateway) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	p := g.precisionFor(req.Symbol)
	qty := decimal.NewFromFloat(req.Qty).Truncate(p.Qty)
	return g.submit(ctx, req.Symbol, req.Side, qty,
		roundPrice(req.StopLoss, p.Price), roundPrice(req.TakeProfit, p.Price), req.ReduceOnly)
}

func (g *LiveGateway) submit(ctx context.Context, symbol string, side model.Side, qty, sl, tp decimal.Decimal, reduceOnly bool) (*model.OrderResult, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: %s qty %s", ErrQtyTooSmall, symbol, qty)
	}
	linkID := uuid.NewString()

	ack, err := g.api.PlaceOrder(ctx, bybit.PlaceOrderRequest{
		Category:    g.category,
		Symbol:      symbol,
		Side:        string(side),
		Qty:         qty,
		StopLoss:    sl,
		TakeProfit:  tp,
		OrderLinkID: linkID,
		ReduceOnly:  reduceOnly,
	})
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Str("side", string(side)).
			Str("qty", qty.String()).Str("order_link_id", linkID).Msg("order rejected")
		return nil, err
	}

	g.log.Info().Str("symbol", symbol).Str("side", string(side)).Str("qty", qty.String()).
		Str("order_id", ack.OrderID).Str("order_link_id", linkID).Bool("reduce_only", reduceOnly).
		Msg("order placed")

	return &model.OrderResult{
		OrderID:     ack.OrderID,
		OrderLinkID: linkID,
		Symbol:      symbol,
		Side:        side,
		Qty:         qty.InexactFloat64(),
		Status:      "New",
		CreatedAt:   g.now().UTC(),
	}, nil
}

// GetPosition returns the open position on symbol, or nil when flat.
func (g *LiveGateway) GetPosition(ctx context.Context, symbol string) (*model.PositionInfo, error) {
	rec, err := g.openRecord(ctx, symbol)
	if err != nil || rec == nil {
		return nil, err
	}
	return &model.PositionInfo{
		Symbol:        rec.Symbol,
		Side:          model.Side(rec.Side),
		Size:          rec.Size.InexactFloat64(),
		AvgPrice:      rec.AvgPrice.InexactFloat64(),
		MarkPrice:     rec.MarkPrice.InexactFloat64(),
		StopLoss:      rec.StopLoss.InexactFloat64(),
		TakeProfit:    rec.TakeProfit.InexactFloat64(),
		UnrealizedPnL: rec.UnrealisedPnl.InexactFloat64(),
	}, nil
}

// ClosePosition flattens symbol with a reduce-only market order on the
// opposite side for the full position size. Returns nil, nil when flat.
func (g *LiveGateway) ClosePosition(ctx context.Context, symbol string) (*model.OrderResult, error) {
	rec, err := g.openRecord(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		g.log.Info().Str("symbol", symbol).Msg("no position to close")
		return nil, nil
	}
	side := model.Side(rec.Side).Opposite()
	return g.submit(ctx, symbol, side, rec.Size, decimal.Zero, decimal.Zero, true)
}

func (g *LiveGateway) openRecord(ctx context.Context, symbol string) (*bybit.PositionRecord, error) {
	recs, err := g.api.GetPositions(ctx, g.category, symbol)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		r := recs[i]
		if r.Symbol == symbol && r.Side != "" && r.Size.IsPositive() {
			return &r, nil
		}
	}
	return nil, nil
}

func roundPrice(v float64, places int32) decimal.Decimal {
	if v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(places)
}
