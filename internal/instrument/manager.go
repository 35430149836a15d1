package instrument

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"klinebot/internal/execution"
)

// Manager owns every instrument context.
type Manager struct {
	contexts map[string]*Context
	order    []string
	log      zerolog.Logger
}

// NewManager indexes contexts by symbol. Duplicate symbols are an error.
func NewManager(log zerolog.Logger, contexts ...*Context) (*Manager, error) {
	m := &Manager{contexts: make(map[string]*Context, len(contexts)), log: log}
	for _, c := range contexts {
		if _, dup := m.contexts[c.Symbol]; dup {
			return nil, fmt.Errorf("instrument: duplicate symbol %s", c.Symbol)
		}
		m.contexts[c.Symbol] = c
		m.order = append(m.order, c.Symbol)
	}
	sort.Strings(m.order)
	return m, nil
}

// Run starts every connector and blocks until all of them have stopped,
// which happens once ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sym := range m.order {
		c := m.contexts[sym]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Feed.Run(ctx); err != nil {
				m.log.Error().Err(err).Str("symbol", c.Symbol).Msg("feed exited")
			}
		}()
	}
	m.log.Info().Int("instruments", len(m.order)).Msg("instruments running")
	wg.Wait()
}

// Stop stops every connector.
func (m *Manager) Stop() {
	for _, c := range m.contexts {
		c.Feed.Stop()
	}
}

// Lookup returns the context for symbol.
func (m *Manager) Lookup(symbol string) (*Context, bool) {
	c, ok := m.contexts[symbol]
	return c, ok
}

// Statuses returns every instrument's status, sorted by symbol.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.order))
	for _, sym := range m.order {
		out = append(out, m.contexts[sym].Status())
	}
	return out
}

// Tracked returns the engines for the position monitor.
func (m *Manager) Tracked() []execution.Tracked {
	out := make([]execution.Tracked, 0, len(m.order))
	for _, sym := range m.order {
		out = append(out, m.contexts[sym].Engine)
	}
	return out
}

// Status returns the status of one instrument.
func (m *Manager) Status(symbol string) (Status, bool) {
	c, ok := m.contexts[symbol]
	if !ok {
		return Status{}, false
	}
	return c.Status(), true
}
