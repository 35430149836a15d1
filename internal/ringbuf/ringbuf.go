// Package ringbuf provides CandleBuffer, a fixed-capacity, time-ordered ring
// of closed candles for one instrument. Appends are O(1); when the ring is
// full the oldest candle is overwritten.
package ringbuf

import (
	"errors"
	"fmt"
	"sync"

	"klinebot/internal/model"
)

// DefaultCapacity is the number of candles kept when no capacity is given.
const DefaultCapacity = 100

// ErrOutOfOrder is returned by Append for a candle whose timestamp is not
// strictly after the last accepted one.
var ErrOutOfOrder = errors.New("ringbuf: out-of-order candle")

// CandleBuffer is a bounded ring of candles ordered by timestamp.
// Safe for one writer and any number of concurrent Snapshot readers.
type CandleBuffer struct {
	mu    sync.RWMutex
	buf   []model.Candle
	head  int // index of the oldest candle
	count int

	// Rejected counts out-of-order appends (for metrics).
	rejected uint64
}

// New creates a buffer holding at most capacity candles.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *CandleBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CandleBuffer{buf: make([]model.Candle, capacity)}
}

// Append stores c after the newest candle, evicting the oldest when full.
// A candle whose timestamp is not strictly greater than the last accepted
// timestamp is rejected with ErrOutOfOrder and the buffer is unchanged.
func (b *CandleBuffer) Append(c model.Candle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 {
		last := b.buf[b.index(b.count-1)]
		if !c.TS.After(last.TS) {
			b.rejected++
			return fmt.Errorf("%w: ts=%d last=%d", ErrOutOfOrder, c.UnixMilli(), last.UnixMilli())
		}
	}

	if b.count < len(b.buf) {
		b.buf[b.index(b.count)] = c
		b.count++
		return nil
	}

	// Full: overwrite the oldest slot and advance head.
	b.buf[b.head] = c
	b.head = (b.head + 1) % len(b.buf)
	return nil
}

// Snapshot returns a copy of the buffered candles, oldest first.
// The returned slice never aliases the buffer's storage.
func (b *CandleBuffer) Snapshot() []model.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Candle, b.count)
	n := copy(out, b.buf[b.head:min(b.head+b.count, len(b.buf))])
	copy(out[n:], b.buf[:b.count-n])
	return out
}

// Last returns the newest candle, if any.
func (b *CandleBuffer) Last() (model.Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return model.Candle{}, false
	}
	return b.buf[b.index(b.count-1)], true
}

// Len returns the number of buffered candles.
func (b *CandleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *CandleBuffer) Cap() int {
	return len(b.buf)
}

// Rejected returns the total number of out-of-order appends.
func (b *CandleBuffer) Rejected() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rejected
}

// index maps a logical position (0 = oldest) to a slot in buf.
func (b *CandleBuffer) index(i int) int {
	return (b.head + i) % len(b.buf)
}
