package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"klinebot/internal/model"
)

// FallbackHistory consults Secondary when Primary fails or returns nothing.
type FallbackHistory struct {
	Primary   HistoryFetcher
	Secondary HistoryFetcher
	Log       zerolog.Logger
}

func (f FallbackHistory) FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	candles, err := f.Primary.FetchRecent(ctx, symbol, interval, limit)
	if err == nil && len(candles) > 0 {
		return candles, nil
	}
	if f.Secondary == nil {
		return candles, err
	}
	if err != nil {
		f.Log.Warn().Err(err).Str("symbol", symbol).Msg("primary history failed, using archive")
	}

	archived, err2 := f.Secondary.FetchRecent(ctx, symbol, interval, limit)
	if err2 != nil {
		return nil, fmt.Errorf("history %s: %w", symbol, errors.Join(err, err2))
	}
	return archived, nil
}
