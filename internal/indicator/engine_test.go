package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"klinebot/internal/model"
)

const eps = 1e-9

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func bar(i int, open, high, low, closePrice, volume float64) model.Candle {
	return model.Candle{
		Symbol:   "TEST",
		Interval: "15",
		TS:       t0.Add(time.Duration(i) * 15 * time.Minute),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}
}

// crossingSeries is 23 ascending bars, a sharp drop that pushes %K below 20,
// then a high-volume bar that takes %K back above 20.
func crossingSeries() []model.Candle {
	var out []model.Candle
	for i := 0; i < 23; i++ {
		c := 100 + float64(i)
		out = append(out, bar(i, c-0.5, c+1, c-1, c, 1000))
	}
	out = append(out, bar(23, 122, 122.5, 94, 95, 1000))
	out = append(out, bar(24, 95, 131, 94.5, 130, 5000))
	return out
}

func flatSeries(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = bar(i, 100, 100, 100, 100, 500)
	}
	return out
}

func assertClose(t *testing.T, name string, want, got float64) {
	t.Helper()
	if math.Abs(want-got) > eps {
		t.Errorf("%s: expected %.12f, got %.12f", name, want, got)
	}
}

func TestEMA_SeededWithFirstValue(t *testing.T) {
	e := NewEMA(3) // α = 0.5
	for _, v := range []float64{1, 2, 3} {
		e.Update(v)
	}
	// 1 → 1.5 → 2.25
	assertClose(t, "ema", 2.25, e.Value())

	e.Reset()
	e.Update(42)
	assertClose(t, "ema after reset", 42, e.Value())
}

func TestWindow_Rolling(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{5, 1, 4, 2} {
		w.Push(v)
	}
	if !w.Full() || w.Len() != 3 {
		t.Fatalf("expected full window of 3, got len=%d", w.Len())
	}
	assertClose(t, "mean", 7.0/3.0, w.Mean())
	assertClose(t, "min", 1, w.Min())
	assertClose(t, "max", 4, w.Max())

	vals := w.Values()
	want := []float64{1, 4, 2}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("values: expected %v, got %v", want, vals)
		}
	}
}

func TestWindow_PartialMean(t *testing.T) {
	w := NewWindow(14)
	w.Push(2)
	w.Push(3)
	assertClose(t, "partial mean", 2.5, w.Mean())
	if w.Full() {
		t.Fatal("window of 2/14 reported full")
	}
}

func TestStochastic_FlatRangeSentinel(t *testing.T) {
	s := NewStochastic(5, 3)
	for _, c := range flatSeries(6) {
		s.Update(c)
	}
	if !s.PrevReady() {
		t.Fatal("expected previous %K after period+1 bars")
	}
	assertClose(t, "k", FlatRangeK, s.K())
	assertClose(t, "d", FlatRangeK, s.D())
}

func TestATR_UsesPreviousClose(t *testing.T) {
	a := NewATR(14)
	a.Update(bar(0, 9, 10, 8, 9, 1))      // TR = 2 (no previous close)
	a.Update(bar(1, 11, 12, 11, 11.5, 1)) // TR = max(1, |12-9|, |11-9|) = 3
	assertClose(t, "atr", 2.5, a.Value())
}

func TestVolumeStats_SampleDeviation(t *testing.T) {
	w := NewWindow(20)
	for i := 0; i < 19; i++ {
		w.Push(1000)
	}
	w.Push(5000)

	vs := ComputeVolumeStats(w)
	if !vs.Ready {
		t.Fatal("expected ready stats for a full window")
	}
	assertClose(t, "mean", 1200, vs.Mean)
	assertClose(t, "std", math.Sqrt(800000), vs.Std)
	if !vs.Surge(5000) {
		t.Error("5000 should exceed mean+std")
	}
	if vs.Surge(2000) {
		t.Error("2000 should not exceed mean+std")
	}
}

func TestVolumeStats_NotReadyNeverSurges(t *testing.T) {
	w := NewWindow(20)
	for i := 0; i < 19; i++ {
		w.Push(float64(i * 1000))
	}
	vs := ComputeVolumeStats(w)
	if vs.Ready || vs.Surge(1e12) {
		t.Fatalf("expected filter to fail with 19/20 bars, got %+v", vs)
	}
}

func TestParams_MinLength(t *testing.T) {
	p := DefaultParams()
	if got := p.MinLength(); got != 22 {
		t.Fatalf("expected min length 22, got %d", got)
	}
	p.StochPeriod = 30
	if got := p.MinLength(); got != 31 {
		t.Fatalf("expected min length 31, got %d", got)
	}
}

func TestParams_Validate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	p := DefaultParams()
	p.ATRPeriod = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for zero atr period")
	}
}

func TestCompute_InsufficientData(t *testing.T) {
	p := DefaultParams()
	_, err := Compute(flatSeries(p.MinLength()-1), p)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if _, err := Compute(flatSeries(p.MinLength()), p); err != nil {
		t.Fatalf("expected success at min length, got %v", err)
	}
}

func TestCompute_FlatSeries(t *testing.T) {
	snap, err := Compute(flatSeries(40), DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "atr", 0, snap.ATR)
	assertClose(t, "k", FlatRangeK, snap.StochK)
	assertClose(t, "prev k", FlatRangeK, snap.PrevStochK)
	assertClose(t, "d", FlatRangeK, snap.StochD)
	assertClose(t, "ema fast", 100, snap.EMAFast)
	assertClose(t, "ema slow", 100, snap.EMASlow)
	for name, v := range map[string]float64{
		"atr": snap.ATR, "k": snap.StochK, "d": snap.StochD, "vol std": snap.VolumeStd,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s is not finite: %v", name, v)
		}
	}
	if snap.VolumeSurge {
		t.Error("constant volume must not pass the volume filter")
	}
}

func TestCompute_CrossingSeries(t *testing.T) {
	snap, err := Compute(crossingSeries(), DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "close", 130, snap.Close)
	assertClose(t, "ema fast", 116.73888946593152, snap.EMAFast)
	assertClose(t, "ema slow", 113.24666093862537, snap.EMASlow)
	assertClose(t, "k", 100*36.0/37.0, snap.StochK)
	assertClose(t, "prev k", 100*1.0/29.0, snap.PrevStochK)
	assertClose(t, "d", 64.69296883089986, snap.StochD)
	assertClose(t, "atr", 89.0/14.0, snap.ATR)
	assertClose(t, "volume sma", 1200, snap.VolumeSMA)
	assertClose(t, "volume std", math.Sqrt(800000), snap.VolumeStd)
	if !snap.VolumeSurge {
		t.Error("expected the crossing bar to pass the volume filter")
	}
}

func TestCompute_PureFunction(t *testing.T) {
	in := crossingSeries()
	orig := append([]model.Candle(nil), in...)

	a, err := Compute(in, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Compute(in, DefaultParams())
	if a != b {
		t.Fatalf("recomputation differs:\n%+v\n%+v", a, b)
	}
	for i := range in {
		if in[i] != orig[i] {
			t.Fatalf("input mutated at %d", i)
		}
	}
}
