package ringbuf

import (
	"errors"
	"sync"
	"testing"
	"time"

	"klinebot/internal/model"
)

var base = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func candleAt(i int) model.Candle {
	return model.Candle{
		Symbol:   "TEST",
		Interval: "1",
		TS:       base.Add(time.Duration(i) * time.Minute),
		Open:     float64(100 + i),
		High:     float64(101 + i),
		Low:      float64(99 + i),
		Close:    float64(100 + i),
		Volume:   10,
	}
}

func TestBuffer_AppendAndSnapshot(t *testing.T) {
	b := New(4)

	for i := 0; i < 3; i++ {
		if err := b.Append(candleAt(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if b.Len() != 3 {
		t.Fatalf("expected len=3, got %d", b.Len())
	}

	snap := b.Snapshot()
	for i, c := range snap {
		if !c.TS.Equal(candleAt(i).TS) {
			t.Fatalf("index %d: expected ts %v, got %v", i, candleAt(i).TS, c.TS)
		}
	}
}

func TestBuffer_EvictsOldestWhenFull(t *testing.T) {
	b := New(3)

	for i := 0; i < 10; i++ {
		if err := b.Append(candleAt(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if b.Len() > b.Cap() {
			t.Fatalf("len %d exceeds cap %d", b.Len(), b.Cap())
		}
	}

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(snap))
	}
	// Remaining candles stay in order: 7, 8, 9
	for i, c := range snap {
		want := candleAt(7 + i)
		if !c.TS.Equal(want.TS) {
			t.Fatalf("index %d: expected ts %v, got %v", i, want.TS, c.TS)
		}
	}

	last, ok := b.Last()
	if !ok || !last.TS.Equal(candleAt(9).TS) {
		t.Fatalf("expected last = candle 9, got %v ok=%v", last.TS, ok)
	}
}

func TestBuffer_RejectsOutOfOrder(t *testing.T) {
	b := New(5)
	b.Append(candleAt(0))
	b.Append(candleAt(1))

	// duplicate timestamp
	err := b.Append(candleAt(1))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for duplicate, got %v", err)
	}
	// older timestamp
	err = b.Append(candleAt(0))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for older candle, got %v", err)
	}

	if b.Len() != 2 {
		t.Fatalf("rejected appends must not change len, got %d", b.Len())
	}
	if b.Rejected() != 2 {
		t.Fatalf("expected 2 rejections, got %d", b.Rejected())
	}
}

func TestBuffer_RejectsOutOfOrderWhenFull(t *testing.T) {
	b := New(2)
	b.Append(candleAt(5))
	b.Append(candleAt(6))

	if err := b.Append(candleAt(6)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	snap := b.Snapshot()
	if !snap[0].TS.Equal(candleAt(5).TS) || !snap[1].TS.Equal(candleAt(6).TS) {
		t.Fatalf("rejected append changed buffer contents: %v", snap)
	}
}

func TestBuffer_SnapshotIsACopy(t *testing.T) {
	b := New(3)
	b.Append(candleAt(0))
	b.Append(candleAt(1))

	snap := b.Snapshot()
	snap[0].Close = -1

	again := b.Snapshot()
	if again[0].Close == -1 {
		t.Fatal("mutating a snapshot leaked into the buffer")
	}
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	if got := New(0).Cap(); got != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, got)
	}
}

func TestBuffer_ConcurrentSnapshots(t *testing.T) {
	const count = 5000
	b := New(64)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			if err := b.Append(candleAt(i)); err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			snap := b.Snapshot()
			for j := 1; j < len(snap); j++ {
				if !snap[j].TS.After(snap[j-1].TS) {
					t.Errorf("snapshot out of order at %d", j)
					return
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent snapshot test timed out")
	}
}
