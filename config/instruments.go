package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"klinebot/internal/indicator"
	"klinebot/internal/model"
	"klinebot/internal/strategy"
)

// Built-in defaults applied beneath the file's defaults block.
const (
	DefaultInterval      = "15"
	DefaultBufferSize    = 100
	DefaultBackfillLimit = 200

	DefaultATRMultiplier   = 2.0
	DefaultRiskRewardRatio = 2.0
	DefaultWinRate         = 0.6061
	DefaultKellyFraction   = 0.10
)

// InstrumentFile is the YAML instrument setup.
type InstrumentFile struct {
	Account     Account      `yaml:"account"`
	Defaults    Defaults     `yaml:"defaults"`
	Instruments []Instrument `yaml:"instruments"`
}

// Account is the equity that allocations are fractions of.
type Account struct {
	Size float64 `yaml:"size"`
}

// Defaults fill zero-valued instrument fields.
type Defaults struct {
	Interval      string         `yaml:"interval"`
	BufferSize    int            `yaml:"buffer_size"`
	BackfillLimit int            `yaml:"backfill_limit"`
	Strategy      StrategyParams `yaml:"strategy"`
	Trading       TradingParams  `yaml:"trading"`
}

// StrategyParams are the indicator periods and exit multipliers.
type StrategyParams struct {
	FastEMA         int     `yaml:"fast_ema"`
	SlowEMA         int     `yaml:"slow_ema"`
	StochPeriod     int     `yaml:"stoch_period"`
	StochKPeriod    int     `yaml:"stoch_k_period"`
	ATRPeriod       int     `yaml:"atr_period"`
	VolumePeriod    int     `yaml:"volume_period"`
	ATRMultiplier   float64 `yaml:"atr_multiplier"`
	RiskRewardRatio float64 `yaml:"risk_reward_ratio"`
}

// TradingParams are the sizing inputs and venue precision.
type TradingParams struct {
	WinRate       float64 `yaml:"win_rate"`
	KellyFraction float64 `yaml:"kelly_fraction"`
	QtyDecimals   *int32  `yaml:"qty_decimals"`
	PriceDecimals *int32  `yaml:"price_decimals"`
}

// Instrument is one symbol entry. Strategy and Trading, when present,
// override the defaults field by field.
type Instrument struct {
	Symbol        string          `yaml:"symbol"`
	Enabled       *bool           `yaml:"enabled"` // default true
	Allocation    float64         `yaml:"allocation"`
	Interval      string          `yaml:"interval"`
	BufferSize    int             `yaml:"buffer_size"`
	BackfillLimit int             `yaml:"backfill_limit"`
	Strategy      *StrategyParams `yaml:"strategy"`
	Trading       *TradingParams  `yaml:"trading"`
}

// IsEnabled reports whether the instrument should run.
func (i Instrument) IsEnabled() bool { return i.Enabled == nil || *i.Enabled }

// LoadInstruments reads, merges and validates the instrument file.
func LoadInstruments(path string) (*InstrumentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseInstruments(data)
}

// ParseInstruments is LoadInstruments on in-memory YAML.
func ParseInstruments(data []byte) (*InstrumentFile, error) {
	var f InstrumentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse instruments: %v", ErrInvalid, err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *InstrumentFile) applyDefaults() {
	d := &f.Defaults
	d.Interval = orString(d.Interval, DefaultInterval)
	d.BufferSize = orInt(d.BufferSize, DefaultBufferSize)
	d.BackfillLimit = orInt(d.BackfillLimit, DefaultBackfillLimit)

	p := indicator.DefaultParams()
	d.Strategy = d.Strategy.merge(StrategyParams{
		FastEMA:         p.FastEMA,
		SlowEMA:         p.SlowEMA,
		StochPeriod:     p.StochPeriod,
		StochKPeriod:    p.StochDPeriod,
		ATRPeriod:       p.ATRPeriod,
		VolumePeriod:    p.VolumePeriod,
		ATRMultiplier:   DefaultATRMultiplier,
		RiskRewardRatio: DefaultRiskRewardRatio,
	})
	d.Trading = d.Trading.merge(TradingParams{WinRate: DefaultWinRate, KellyFraction: DefaultKellyFraction})

	for i := range f.Instruments {
		in := &f.Instruments[i]
		in.Interval = orString(in.Interval, d.Interval)
		in.BufferSize = orInt(in.BufferSize, d.BufferSize)
		in.BackfillLimit = orInt(in.BackfillLimit, d.BackfillLimit)

		s := d.Strategy
		if in.Strategy != nil {
			s = in.Strategy.merge(d.Strategy)
		}
		in.Strategy = &s

		t := d.Trading
		if in.Trading != nil {
			t = in.Trading.merge(d.Trading)
		}
		in.Trading = &t
	}
}

func (s StrategyParams) merge(d StrategyParams) StrategyParams {
	return StrategyParams{
		FastEMA:         orInt(s.FastEMA, d.FastEMA),
		SlowEMA:         orInt(s.SlowEMA, d.SlowEMA),
		StochPeriod:     orInt(s.StochPeriod, d.StochPeriod),
		StochKPeriod:    orInt(s.StochKPeriod, d.StochKPeriod),
		ATRPeriod:       orInt(s.ATRPeriod, d.ATRPeriod),
		VolumePeriod:    orInt(s.VolumePeriod, d.VolumePeriod),
		ATRMultiplier:   orFloat(s.ATRMultiplier, d.ATRMultiplier),
		RiskRewardRatio: orFloat(s.RiskRewardRatio, d.RiskRewardRatio),
	}
}

func (t TradingParams) merge(d TradingParams) TradingParams {
	out := TradingParams{
		WinRate:       orFloat(t.WinRate, d.WinRate),
		KellyFraction: orFloat(t.KellyFraction, d.KellyFraction),
		QtyDecimals:   t.QtyDecimals,
		PriceDecimals: t.PriceDecimals,
	}
	if out.QtyDecimals == nil {
		out.QtyDecimals = d.QtyDecimals
	}
	if out.PriceDecimals == nil {
		out.PriceDecimals = d.PriceDecimals
	}
	return out
}

// Validate reports every problem in the merged file; each wraps ErrInvalid.
func (f *InstrumentFile) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if f.Account.Size <= 0 {
		bad("account.size must be positive, got %v", f.Account.Size)
	}

	seen := make(map[string]bool, len(f.Instruments))
	total, enabled := 0.0, 0
	for _, in := range f.Instruments {
		if in.Symbol == "" {
			bad("instrument without symbol")
			continue
		}
		if seen[in.Symbol] {
			bad("duplicate instrument %s", in.Symbol)
		}
		seen[in.Symbol] = true

		if in.Allocation <= 0 || in.Allocation > 1 {
			bad("%s: allocation must be in (0,1], got %v", in.Symbol, in.Allocation)
		}
		if in.IsEnabled() {
			total += in.Allocation
			enabled++
		}
		if _, err := model.IntervalDuration(in.Interval); err != nil {
			bad("%s: %v", in.Symbol, err)
		}
		if in.BackfillLimit < 0 {
			bad("%s: backfill_limit must not be negative", in.Symbol)
		}
		if in.Trading != nil {
			if q := in.Trading.QtyDecimals; q != nil && *q < 0 {
				bad("%s: qty_decimals must not be negative", in.Symbol)
			}
			if p := in.Trading.PriceDecimals; p != nil && *p < 0 {
				bad("%s: price_decimals must not be negative", in.Symbol)
			}
		}

		cfg := in.StrategyConfig(f.Account.Size)
		cfg.AccountSize, cfg.Allocation = 1, 1 // checked above
		if err := cfg.Validate(); err != nil {
			bad("%s: %v", in.Symbol, err)
			continue
		}
		if cfg.Params.FastEMA >= cfg.Params.SlowEMA {
			bad("%s: fast_ema %d must be below slow_ema %d", in.Symbol, cfg.Params.FastEMA, cfg.Params.SlowEMA)
		}
		need := max(cfg.Params.MinLength(), cfg.Params.VolumePeriod)
		if in.BufferSize < need {
			bad("%s: buffer_size %d is below the %d candles the indicators need", in.Symbol, in.BufferSize, need)
		}
	}
	if enabled == 0 {
		bad("no enabled instruments")
	}
	if total > 1+1e-9 {
		bad("enabled allocations sum to %.4f, above 1", total)
	}
	return errors.Join(errs...)
}

// Enabled returns the instruments that should run.
func (f *InstrumentFile) Enabled() []Instrument {
	var out []Instrument
	for _, in := range f.Instruments {
		if in.IsEnabled() {
			out = append(out, in)
		}
	}
	return out
}

// StrategyConfig builds the engine configuration for a merged instrument.
func (i Instrument) StrategyConfig(accountSize float64) strategy.Config {
	var s StrategyParams
	if i.Strategy != nil {
		s = *i.Strategy
	}
	var t TradingParams
	if i.Trading != nil {
		t = *i.Trading
	}
	return strategy.Config{
		Symbol: i.Symbol,
		Params: indicator.Params{
			FastEMA:      s.FastEMA,
			SlowEMA:      s.SlowEMA,
			StochPeriod:  s.StochPeriod,
			StochDPeriod: s.StochKPeriod,
			ATRPeriod:    s.ATRPeriod,
			VolumePeriod: s.VolumePeriod,
		},
		ATRMultiplier:   s.ATRMultiplier,
		RiskRewardRatio: s.RiskRewardRatio,
		WinRate:         t.WinRate,
		KellyFraction:   t.KellyFraction,
		AccountSize:     accountSize,
		Allocation:      i.Allocation,
	}
}

func orString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func orFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}
