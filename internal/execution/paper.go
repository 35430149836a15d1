package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"klinebot/internal/model"
)

// Close reasons recorded on paper exit fills.
const (
	ReasonEntry      = "entry"
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
)

var (
	ErrPaperPositionOpen = errors.New("paper: position already open")
	ErrPaperNoPrice      = errors.New("paper: no reference price")
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID  string     `json:"order_id"`
	Symbol   string     `json:"symbol"`
	Side     model.Side `json:"side"`
	Qty      float64    `json:"qty"`
	Price    float64    `json:"price"`
	Slippage float64    `json:"slippage"` // price units
	Reason   string     `json:"reason"`
	PnL      float64    `json:"pnl,omitempty"` // realized, exits only
	FilledAt time.Time  `json:"filled_at"`
}

type paperPosition struct {
	side       model.Side
	qty        float64
	entry      float64
	stopLoss   float64
	takeProfit float64
	mark       float64
}

// PaperGateway simulates execution without venue calls: market orders fill
// immediately at the reference price plus slippage, one position per symbol,
// and Mark closes positions whose stop-loss or take-profit was touched.
type PaperGateway struct {
	mu        sync.RWMutex
	positions map[string]*paperPosition
	fills     []Fill

	// slippageBps is basis points of adverse slippage (e.g. 5 = 0.05%)
	slippageBps float64
	log         zerolog.Logger
	now         func() time.Time
}

// NewPaperGateway creates a paper gateway.
func NewPaperGateway(slippageBps float64, log zerolog.Logger) *PaperGateway {
	return &PaperGateway{
		positions:   make(map[string]*paperPosition),
		fills:       make([]Fill, 0, 64),
		slippageBps: slippageBps,
		log:         log.With().Str("component", "paper_gateway").Logger(),
		now:         time.Now,
	}
}

// Fills returns a snapshot of all fills.
func (p *PaperGateway) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

func (p *PaperGateway) PlaceOrder(_ context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("paper: %s qty %v", req.Symbol, req.Qty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ReduceOnly {
		pos, ok := p.positions[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("paper: %s reduce-only with no position", req.Symbol)
		}
		f := p.exitLocked(req.Symbol, pos, p.priceOr(req.RefPrice, pos.mark), ReasonManual, true)
		return f.result(), nil
	}

	if _, ok := p.positions[req.Symbol]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPaperPositionOpen, req.Symbol)
	}
	if req.RefPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrPaperNoPrice, req.Symbol)
	}

	price, slip := p.slip(req.RefPrice, req.Side)
	p.positions[req.Symbol] = &paperPosition{
		side:       req.Side,
		qty:        req.Qty,
		entry:      price,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
		mark:       req.RefPrice,
	}
	f := p.recordLocked(Fill{
		Symbol: req.Symbol, Side: req.Side, Qty: req.Qty,
		Price: price, Slippage: slip, Reason: ReasonEntry,
	})
	return f.result(), nil
}

func (p *PaperGateway) GetPosition(_ context.Context, symbol string) (*model.PositionInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &model.PositionInfo{
		Symbol:        symbol,
		Side:          pos.side,
		Size:          pos.qty,
		AvgPrice:      pos.entry,
		MarkPrice:     pos.mark,
		StopLoss:      pos.stopLoss,
		TakeProfit:    pos.takeProfit,
		UnrealizedPnL: pnl(pos, pos.mark),
	}, nil
}

// ClosePosition exits at the last mark price. Returns nil, nil when flat.
func (p *PaperGateway) ClosePosition(_ context.Context, symbol string) (*model.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	f := p.exitLocked(symbol, pos, pos.mark, ReasonManual, true)
	return f.result(), nil
}

// Mark updates the mark price from a closed candle and exits a position
// whose stop-loss or take-profit lies inside the candle's range. When both
// are touched the stop-loss wins. Exits at the level itself, without
// slippage.
func (p *PaperGateway) Mark(c model.Candle) (Fill, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[c.Symbol]
	if !ok {
		return Fill{}, false
	}
	pos.mark = c.Close

	long := pos.side == model.SideBuy
	switch {
	case pos.stopLoss > 0 && ((long && c.Low <= pos.stopLoss) || (!long && c.High >= pos.stopLoss)):
		return p.exitLocked(c.Symbol, pos, pos.stopLoss, ReasonStopLoss, false), true
	case pos.takeProfit > 0 && ((long && c.High >= pos.takeProfit) || (!long && c.Low <= pos.takeProfit)):
		return p.exitLocked(c.Symbol, pos, pos.takeProfit, ReasonTakeProfit, false), true
	}
	return Fill{}, false
}

func (p *PaperGateway) exitLocked(symbol string, pos *paperPosition, level float64, reason string, slipped bool) Fill {
	side := pos.side.Opposite()
	price, slip := level, 0.0
	if slipped {
		price, slip = p.slip(level, side)
	}
	delete(p.positions, symbol)
	return p.recordLocked(Fill{
		Symbol: symbol, Side: side, Qty: pos.qty,
		Price: price, Slippage: slip, Reason: reason, PnL: pnl(pos, price),
	})
}

func (p *PaperGateway) recordLocked(f Fill) Fill {
	f.OrderID = "PAPER-" + uuid.NewString()
	f.FilledAt = p.now().UTC()
	p.fills = append(p.fills, f)

	p.log.Info().Str("symbol", f.Symbol).Str("side", string(f.Side)).Float64("qty", f.Qty).
		Float64("price", f.Price).Float64("slip", f.Slippage).Str("reason", f.Reason).
		Float64("pnl", f.PnL).Str("order_id", f.OrderID).Msg("paper fill")
	return f
}

// slip moves price against the taker: buy higher, sell lower.
func (p *PaperGateway) slip(price float64, side model.Side) (float64, float64) {
	s := price * p.slippageBps / 10000
	if side == model.SideBuy {
		return price + s, s
	}
	return price - s, s
}

func (p *PaperGateway) priceOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func pnl(pos *paperPosition, exit float64) float64 {
	if pos.side == model.SideBuy {
		return (exit - pos.entry) * pos.qty
	}
	return (pos.entry - exit) * pos.qty
}

func (f Fill) result() *model.OrderResult {
	return &model.OrderResult{
		OrderID:   f.OrderID,
		Symbol:    f.Symbol,
		Side:      f.Side,
		Qty:       f.Qty,
		Price:     f.Price,
		Status:    "Filled",
		CreatedAt: f.FilledAt,
	}
}
