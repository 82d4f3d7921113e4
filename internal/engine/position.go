package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// fillOutcome is the position effect of one fill.
type fillOutcome struct {
	// Position is the new open position, or nil when the fill goes flat.
	Position *model.Position

	// ClosedLots is how many lots had their P&L realized: the whole old
	// position on a flatten or a reversal, zero otherwise.
	ClosedLots int64

	// Realized is the signed P&L on ClosedLots. Positive is a gain.
	Realized decimal.Decimal
}

// applyFill computes the position after filling lots on side at price.
//
//   - flat: open at the fill price
//   - same direction: lots add, avg price is volume weighted
//   - opposite, partial close: avg price re-weighted over the remaining
//     lots, (oldNet·avg + signed·price) / newNet, nothing realized
//   - opposite, exact close: position removed, all lots realized
//   - opposite, reversal: old position fully realized, new leg at fill price
func applyFill(prev *model.Position, accountID, contractID string, side model.Side, lots int64,
	price decimal.Decimal, lotSize int64, at time.Time) fillOutcome {

	signed := side.Sign() * lots
	if prev == nil || prev.NetLots == 0 {
		return fillOutcome{Position: &model.Position{
			AccountID:  accountID,
			ContractID: contractID,
			NetLots:    signed,
			AvgPrice:   price,
			UpdatedAt:  at,
		}}
	}

	oldNet := prev.NetLots
	newNet := oldNet + signed
	next := &model.Position{
		AccountID:  accountID,
		ContractID: contractID,
		NetLots:    newNet,
		AvgPrice:   prev.AvgPrice,
		UpdatedAt:  at,
	}

	if sameSign(oldNet, signed) {
		oldValue := prev.AvgPrice.Mul(decimal.NewFromInt(abs(oldNet)))
		addValue := price.Mul(decimal.NewFromInt(lots))
		next.AvgPrice = oldValue.Add(addValue).Div(decimal.NewFromInt(abs(newNet)))
		return fillOutcome{Position: next}
	}

	if newNet != 0 && sameSign(newNet, oldNet) {
		oldValue := prev.AvgPrice.Mul(decimal.NewFromInt(oldNet))
		fillValue := price.Mul(decimal.NewFromInt(signed))
		next.AvgPrice = oldValue.Add(fillValue).Div(decimal.NewFromInt(newNet))
		return fillOutcome{Position: next}
	}

	closed := abs(oldNet)
	realized := price.Sub(prev.AvgPrice).
		Mul(decimal.NewFromInt(closed * lotSize)).
		Mul(decimal.NewFromInt(sign(oldNet)))

	out := fillOutcome{ClosedLots: closed, Realized: realized}
	if newNet != 0 {
		next.AvgPrice = price
		out.Position = next
	}
	return out
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func sign(n int64) int64 {
	if n < 0 {
		return -1
	}
	return 1
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
