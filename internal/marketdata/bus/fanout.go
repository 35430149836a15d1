// Package bus fans instrument events out to downstream sinks without ever
// blocking the instrument task that produced them.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"klinebot/internal/model"
)

// FanOut broadcasts events from a single input queue to N subscriber
// channels. If a subscriber channel is full the event is dropped for that
// subscriber only, so a slow sink cannot stall the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Event
	names   []string
	bufSize int

	input chan model.Event
	log   zerolog.Logger

	// OnDrop is called when an event is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int, name string)
}

// New creates a FanOut whose inbound queue holds inputSize events and whose
// subscriber channels hold outputSize events each.
func New(inputSize, outputSize int, log zerolog.Logger) *FanOut {
	if inputSize <= 0 {
		inputSize = 1
	}
	return &FanOut{
		bufSize: outputSize,
		input:   make(chan model.Event, inputSize),
		log:     log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe creates and returns a new named output channel. Subscribe
// before Run; channels are closed when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.Event {
	ch := make(chan model.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Publish enqueues ev without blocking. It returns false when the inbound
// queue is full and the event was discarded.
func (f *FanOut) Publish(ev model.Event) bool {
	select {
	case f.input <- ev:
		return true
	default:
		f.drop(-1, "input", ev)
		return false
	}
}

// Run delivers queued events to all subscribers until ctx is cancelled.
func (f *FanOut) Run(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.input:
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- ev:
				default:
					f.drop(i, f.names[i], ev)
				}
			}
			f.mu.RUnlock()
		}
	}
}

func (f *FanOut) drop(idx int, name string, ev model.Event) {
	if f.OnDrop != nil {
		f.OnDrop(idx, name)
		return
	}
	f.log.Warn().Str("subscriber", name).Str("kind", string(ev.Kind)).
		Str("symbol", ev.Symbol).Msg("queue full, dropping event")
}

// ChannelStat reports saturation of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
