// Package risk implements position limits for paper accounts.
//
// Options on the same underlying move together, so besides a per-contract
// cap the limiter bounds the aggregate absolute exposure an account holds
// across every contract of one underlying.
package risk

import (
	"errors"
	"fmt"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrPerContractLimitExceeded is returned when an order would push a
	// single contract's net position beyond the per-contract maximum.
	ErrPerContractLimitExceeded = fmt.Errorf("risk: per-contract %w", model.ErrLimitExceeded)

	// ErrUnderlyingLimitExceeded is returned when an order would push the
	// aggregate exposure across one underlying beyond the maximum.
	ErrUnderlyingLimitExceeded = fmt.Errorf("risk: per-underlying %w", model.ErrLimitExceeded)
)

// Exposure is the signed net position held in one contract.
type Exposure struct {
	ContractID string
	Underlying string
	NetLots    int64
}

// PositionLimiter enforces lot limits. A zero limit disables that check.
type PositionLimiter struct {
	// MaxLotsPerContract is the maximum absolute net lots in any single contract.
	MaxLotsPerContract int64

	// MaxLotsPerUnderlying is the maximum sum of absolute net lots across
	// all contracts sharing an underlying.
	MaxLotsPerUnderlying int64
}

// NewPositionLimiter creates a limiter with the given per-contract and
// per-underlying limits.
func NewPositionLimiter(maxPerContract, maxPerUnderlying int64) *PositionLimiter {
	return &PositionLimiter{
		MaxLotsPerContract:   maxPerContract,
		MaxLotsPerUnderlying: maxPerUnderlying,
	}
}

// CheckLimit validates whether an order respects position limits.
//
// Parameters:
//   - target: the contract being traded, with Underlying set
//   - deltaLots: signed change in lots (+BUY / -SELL)
//   - existing: the account's current exposures
//
// Orders that only reduce exposure are always allowed, so a user at the
// limit can still close out.
func (l *PositionLimiter) CheckLimit(target model.Contract, deltaLots int64, existing []Exposure) error {
	if l == nil {
		return nil
	}

	var current int64
	for _, e := range existing {
		if e.ContractID == target.ID {
			current = e.NetLots
			break
		}
	}
	next := current + deltaLots
	if abs(next) <= abs(current) {
		return nil
	}

	// 1. Per-contract limit.
	if l.MaxLotsPerContract > 0 && abs(next) > l.MaxLotsPerContract {
		return fmt.Errorf("%w: %d lots > %d", ErrPerContractLimitExceeded, abs(next), l.MaxLotsPerContract)
	}

	// 2. Aggregate exposure across the underlying.
	if l.MaxLotsPerUnderlying > 0 {
		total := abs(next)
		for _, e := range existing {
			if e.ContractID == target.ID {
				continue // already counted via next above
			}
			if e.Underlying == target.Underlying {
				total += abs(e.NetLots)
			}
		}
		if total > l.MaxLotsPerUnderlying {
			return fmt.Errorf("%w: %d lots on %s > %d", ErrUnderlyingLimitExceeded, total, target.Underlying, l.MaxLotsPerUnderlying)
		}
	}

	return nil
}

// IsLimitError reports whether err is a limit violation.
func IsLimitError(err error) bool {
	return errors.Is(err, model.ErrLimitExceeded)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
