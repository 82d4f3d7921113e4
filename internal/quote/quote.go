// Package quote supplies last-traded price, bid and ask for trading symbols.
// The engine depends only on the Source interface; concrete sources are a
// random-walk mock, an in-process map, Redis, and a circuit-breaker wrapper.
package quote

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Source returns the latest quote for a trading symbol, or an error
// wrapping model.ErrQuoteUnavailable.
type Source interface {
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, symbol string) (*model.Quote, error)

func (f SourceFunc) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	return f(ctx, symbol)
}

var (
	spreadDown = decimal.RequireFromString("0.98")
	spreadUp   = decimal.RequireFromString("1.02")
)

// Spread builds a quote around ltp with bid/ask at ±2%.
func Spread(symbol string, ltp decimal.Decimal, volume, oi int64, at time.Time) *model.Quote {
	return &model.Quote{
		Symbol:    symbol,
		LTP:       ltp.Round(2),
		Bid:       ltp.Mul(spreadDown).Round(2),
		Ask:       ltp.Mul(spreadUp).Round(2),
		Volume:    volume,
		OI:        oi,
		Timestamp: at,
	}
}

// RandomSource is the mock feed. Each symbol starts at a random price in
// [100, 1100) and then random-walks by at most Step (a fraction) per call.
type RandomSource struct {
	mu    sync.Mutex
	rng   *rand.Rand
	last  map[string]float64
	step  float64
	clock func() time.Time
}

// NewRandomSource creates a mock source. step is the maximum relative move
// between consecutive quotes of the same symbol (e.g. 0.01 = 1%).
func NewRandomSource(seed uint64, step float64) *RandomSource {
	return &RandomSource{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		last:  make(map[string]float64),
		step:  step,
		clock: time.Now,
	}
}

func (s *RandomSource) GetQuote(_ context.Context, symbol string) (*model.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.last[symbol]
	if !ok {
		p = s.rng.Float64()*1000 + 100
	} else {
		p *= 1 + (s.rng.Float64()*2-1)*s.step
		if p < 0.05 {
			p = 0.05
		}
	}
	s.last[symbol] = p

	return Spread(symbol, decimal.NewFromFloat(p),
		s.rng.Int64N(100000), s.rng.Int64N(1000000), s.clock().UTC()), nil
}

// MapSource serves quotes set in-process. Symbols never set are unavailable.
type MapSource struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewMapSource creates an empty MapSource.
func NewMapSource() *MapSource {
	return &MapSource{quotes: make(map[string]model.Quote)}
}

// Set stores a quote built around ltp.
func (s *MapSource) Set(symbol string, ltp decimal.Decimal) {
	q := Spread(symbol, ltp, 0, 0, time.Now().UTC())
	s.SetQuote(*q)
}

// SetQuote stores q as the latest quote for q.Symbol.
func (s *MapSource) SetQuote(q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

// Delete makes symbol unavailable.
func (s *MapSource) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, symbol)
}

func (s *MapSource) GetQuote(_ context.Context, symbol string) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrQuoteUnavailable, symbol)
	}
	return &q, nil
}
