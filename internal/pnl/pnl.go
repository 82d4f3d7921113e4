// Package pnl derives account P&L from open positions, the cash ledger and
// live quotes. It never writes.
package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/store"
)

// DefaultQuoteFanout bounds concurrent quote lookups per request.
const DefaultQuoteFanout = 8

// Aggregator computes AccountPnL on demand.
type Aggregator struct {
	store  store.Store
	quotes quote.Source
	fanout int
	now    func() time.Time
}

// NewAggregator creates an aggregator over a store and a quote source.
func NewAggregator(st store.Store, quotes quote.Source) *Aggregator {
	return &Aggregator{
		store:  st,
		quotes: quotes,
		fanout: DefaultQuoteFanout,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetAccountPnL marks every open position to market and folds in the ledger.
//
//	mtm         = netLots · lotSize · (ltp − avgPrice)
//	realizedPnL = Σ CREDIT
//	fees        = Σ DEBIT whose reason contains "FEE"
//	capitalUsed = baseCapital − Σ other DEBIT
//	netPnL      = totalMtm + realizedPnL − fees
//	capitalLeft = capitalUsed + realizedPnL + totalMtm
//
// A position whose quote is unavailable is marked at its avg price.
func (a *Aggregator) GetAccountPnL(ctx context.Context, accountID string) (*model.AccountPnL, error) {
	acc, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	positions, err := a.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	entries, err := a.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	rows := make([]model.PositionPnL, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fanout)
	for i := range positions {
		g.Go(func() error {
			row, err := a.markPosition(gctx, positions[i])
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	totalMTM := decimal.Zero
	for _, r := range rows {
		totalMTM = totalMTM.Add(r.MTM)
	}

	realized, fees, otherDebits := decimal.Zero, decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch {
		case e.Type == model.Credit:
			realized = realized.Add(e.Amount)
		case strings.Contains(string(e.Reason), "FEE"):
			fees = fees.Add(e.Amount)
		default:
			otherDebits = otherDebits.Add(e.Amount)
		}
	}
	capitalUsed := acc.BaseCapital.Sub(otherDebits)

	return &model.AccountPnL{
		AccountID:   accountID,
		Positions:   rows,
		TotalMTM:    totalMTM,
		RealizedPnL: realized,
		Fees:        fees,
		NetPnL:      totalMTM.Add(realized).Sub(fees),
		CapitalUsed: capitalUsed,
		CapitalLeft: capitalUsed.Add(realized).Add(totalMTM),
		ComputedAt:  a.now(),
	}, nil
}

func (a *Aggregator) markPosition(ctx context.Context, p model.Position) (model.PositionPnL, error) {
	c, err := a.store.GetContract(ctx, p.ContractID)
	if err != nil {
		return model.PositionPnL{}, fmt.Errorf("contract for position: %w", err)
	}

	ltp := p.AvgPrice
	q, err := a.quotes.GetQuote(ctx, c.TradingSymbol)
	switch {
	case err != nil:
		metrics.QuoteFailures.WithLabelValues("pnl").Inc()
		slog.Debug("pnl: quote unavailable, marking at avg price", "symbol", c.TradingSymbol, "error", err)
	case q.LTP.IsPositive():
		ltp = q.LTP
	}

	units := p.NetLots * c.LotSize
	return model.PositionPnL{
		ContractID:    p.ContractID,
		TradingSymbol: c.TradingSymbol,
		NetLots:       p.NetLots,
		NetUnits:      units,
		LotSize:       c.LotSize,
		AvgPrice:      p.AvgPrice,
		LTP:           ltp,
		MTM:           decimal.NewFromInt(units).Mul(ltp.Sub(p.AvgPrice)),
	}, nil
}
