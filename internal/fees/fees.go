// Package fees computes simulated transaction costs for option trades.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Rates are the proportional charges applied to turnover. GST is charged on
// brokerage, not on turnover.
type Rates struct {
	Brokerage   decimal.Decimal `yaml:"brokerage"`
	ExchangeTxn decimal.Decimal `yaml:"exchange_txn"`
	GST         decimal.Decimal `yaml:"gst"`
	SEBI        decimal.Decimal `yaml:"sebi"`
	StampDuty   decimal.Decimal `yaml:"stamp_duty"`
}

// DefaultRates returns the standard schedule: brokerage 0.03%, exchange
// 0.05%, GST 18% of brokerage, SEBI 0.0001%, stamp duty 0.003%.
func DefaultRates() Rates {
	return Rates{
		Brokerage:   decimal.RequireFromString("0.0003"),
		ExchangeTxn: decimal.RequireFromString("0.0005"),
		GST:         decimal.RequireFromString("0.18"),
		SEBI:        decimal.RequireFromString("0.000001"),
		StampDuty:   decimal.RequireFromString("0.00003"),
	}
}

// Calculator is a pure function of (price, units). It is safe for
// concurrent use.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a calculator with the given rates.
func NewCalculator(r Rates) *Calculator {
	return &Calculator{rates: r}
}

// Rates returns the configured schedule.
func (c *Calculator) Rates() Rates { return c.rates }

// Compute returns the total transaction cost of trading units at price:
//
//	turnover*(brokerage + exchange + stamp) + turnover*brokerage*gst + turnover*sebi
func (c *Calculator) Compute(price, units decimal.Decimal) (decimal.Decimal, error) {
	if price.IsNegative() || units.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: fees of price=%s units=%s",
			model.ErrInvalidParameters, price, units)
	}

	turnover := price.Mul(units)
	brokerage := turnover.Mul(c.rates.Brokerage)
	exchange := turnover.Mul(c.rates.ExchangeTxn)
	gst := brokerage.Mul(c.rates.GST)
	sebi := turnover.Mul(c.rates.SEBI)
	stamp := turnover.Mul(c.rates.StampDuty)

	return brokerage.Add(exchange).Add(gst).Add(sebi).Add(stamp), nil
}
