package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// BreakerConfig controls when the breaker opens.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"` // probes allowed while half-open
	Interval     time.Duration `yaml:"interval"`     // closed-state counter reset period
	Timeout      time.Duration `yaml:"timeout"`      // open → half-open delay
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// DefaultBreakerConfig returns conservative breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     30 * time.Second,
		Timeout:      10 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.5,
	}
}

// BreakerSource guards a Source with a circuit breaker. While the breaker
// is open every lookup reports ErrQuoteUnavailable without touching the
// inner source. An unavailable symbol is a normal answer and never counts
// as a failure.
type BreakerSource struct {
	inner Source
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps inner.
func NewBreakerSource(name string, inner Source, cfg BreakerConfig) *BreakerSource {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("quote breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, model.ErrQuoteUnavailable)
		},
	}
	return &BreakerSource{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func (s *BreakerSource) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.GetQuote(ctx, symbol)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.QuoteFailures.WithLabelValues("breaker_open").Inc()
			return nil, fmt.Errorf("%w: %s: %v", model.ErrQuoteUnavailable, symbol, err)
		}
		return nil, err
	}
	return res.(*model.Quote), nil
}

// State reports the breaker state, for health checks.
func (s *BreakerSource) State() gobreaker.State {
	return s.cb.State()
}
