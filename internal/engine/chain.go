package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-engine/internal/contract"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// quoteFanout bounds concurrent quote lookups for one chain request.
const quoteFanout = 8

// ChainLeg is one side of a strike row.
type ChainLeg struct {
	model.Contract
	Quote *model.Quote `json:"quote,omitempty"` // nil when unavailable
}

// ChainRow groups the call and put at one strike.
type ChainRow struct {
	Strike decimal.Decimal `json:"strike"`
	Call   *ChainLeg       `json:"call,omitempty"`
	Put    *ChainLeg       `json:"put,omitempty"`
}

// OptionChain is the catalog view for one underlying and expiry.
type OptionChain struct {
	Underlying string     `json:"underlying"`
	Expiry     time.Time  `json:"expiry"`
	Rows       []ChainRow `json:"rows"`
}

// OptionChain returns contracts for underlying with live quotes, grouped
// by strike. A nil expiry selects the nearest expiry not yet past.
func (e *Engine) OptionChain(ctx context.Context, underlying string, expiry *time.Time) (*OptionChain, error) {
	if underlying == "" {
		return nil, fmt.Errorf("%w: underlying is required", model.ErrInvalidParameters)
	}

	if expiry == nil {
		all, err := e.store.ListContracts(ctx, store.ContractFilter{Underlying: underlying})
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: no contracts for %s", model.ErrContractNotFound, underlying)
		}
		now := e.now()
		pick := all[0].Expiry
		for _, c := range all {
			if !c.Expiry.Before(now) {
				pick = c.Expiry
				break
			}
		}
		expiry = &pick
	}

	contracts, err := e.store.ListContracts(ctx, store.ContractFilter{Underlying: underlying, Expiry: expiry})
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: no contracts for %s expiring %s",
			model.ErrContractNotFound, underlying, expiry.Format(time.DateOnly))
	}

	legs := make([]ChainLeg, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(quoteFanout)
	for i := range contracts {
		legs[i].Contract = contracts[i]
		g.Go(func() error {
			q, err := e.quotes.GetQuote(gctx, contracts[i].TradingSymbol)
			if err != nil {
				// A missing quote leaves the leg unpriced.
				return nil
			}
			legs[i].Quote = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Contracts arrive ordered by strike, then option type.
	var rows []ChainRow
	for i := range legs {
		leg := &legs[i]
		if len(rows) == 0 || !rows[len(rows)-1].Strike.Equal(leg.Strike) {
			rows = append(rows, ChainRow{Strike: leg.Strike})
		}
		row := &rows[len(rows)-1]
		if leg.OptionType == model.Call {
			row.Call = leg
		} else {
			row.Put = leg
		}
	}

	return &OptionChain{Underlying: underlying, Expiry: contracts[0].Expiry, Rows: rows}, nil
}

// SeedCatalog creates the option chain of each underlying for expiry.
// Contracts already in the catalog are skipped. It returns how many were
// created.
func (e *Engine) SeedCatalog(ctx context.Context, underlyings []contract.Underlying, expiry time.Time) (int, error) {
	created := 0
	for _, u := range underlyings {
		chain, err := contract.GenerateChain(u, expiry)
		if err != nil {
			return created, err
		}
		for i := range chain {
			err := e.store.CreateContract(ctx, &chain[i])
			if errors.Is(err, store.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return created, fmt.Errorf("seed %s: %w", chain[i].TradingSymbol, err)
			}
			created++
		}
		slog.Info("catalog seeded", "underlying", u.Symbol, "expiry", expiry.Format(time.DateOnly), "contracts", len(chain))
	}
	return created, nil
}
