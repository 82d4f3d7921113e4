// Package contract handles option trading-symbol formatting and parsing,
// tick rounding, and generation of the option chain used to seed the
// contract catalog.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// DefaultTickSize is the minimum price increment for index options.
var DefaultTickSize = decimal.RequireFromString("0.05")

var months = [...]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

// symbolRegex matches: {UNDERLYING}{YY}{MON}{DD}{STRIKE}{CE|PE}
// Example: NIFTY25AUG1425000CE
var symbolRegex = regexp.MustCompile(
	`^([A-Z]+)(\d{2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d{2})(\d+)(CE|PE)$`,
)

var (
	ErrInvalidSymbol     = errors.New("contract: invalid trading symbol")
	ErrInvalidUnderlying = errors.New("contract: invalid underlying configuration")
)

// Symbol is the parsed form of a trading symbol.
type Symbol struct {
	Underlying string
	Expiry     time.Time
	Strike     decimal.Decimal
	OptionType model.OptionType
}

// FormatSymbol builds the trading symbol for an option.
func FormatSymbol(underlying string, expiry time.Time, strike decimal.Decimal, ot model.OptionType) string {
	return fmt.Sprintf("%s%02d%s%02d%s%s",
		strings.ToUpper(underlying),
		expiry.Year()%100,
		months[expiry.Month()-1],
		expiry.Day(),
		strike.StringFixed(0),
		ot,
	)
}

// ParseSymbol parses and validates a trading symbol.
// Format: {UNDERLYING}{YY}{MON}{DD}{STRIKE}{CE|PE}
func ParseSymbol(symbol string) (*Symbol, error) {
	m := symbolRegex.FindStringSubmatch(symbol)
	if m == nil {
		return nil, fmt.Errorf("%w: %s (expected {underlying}{yy}{mon}{dd}{strike}{CE|PE})",
			ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("06Jan02", m[2]+titleMonth(m[3])+m[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry in %s", ErrInvalidSymbol, symbol)
	}
	strike, err := decimal.NewFromString(m[5])
	if err != nil || !strike.IsPositive() {
		return nil, fmt.Errorf("%w: invalid strike in %s", ErrInvalidSymbol, symbol)
	}

	return &Symbol{
		Underlying: m[1],
		Expiry:     expiry,
		Strike:     strike,
		OptionType: model.OptionType(m[6]),
	}, nil
}

func titleMonth(mon string) string {
	return mon[:1] + strings.ToLower(mon[1:])
}

// RoundToTick rounds price to the nearest multiple of tick. A non-positive
// tick leaves the price unchanged.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// OnTick reports whether price is a whole multiple of tick. Every price is
// on a non-positive tick.
func OnTick(price, tick decimal.Decimal) bool {
	if !tick.IsPositive() {
		return true
	}
	return price.Mod(tick).IsZero()
}

// Underlying describes an index whose option chain is seeded into the catalog.
type Underlying struct {
	Symbol          string          `yaml:"symbol"`
	LotSize         int64           `yaml:"lot_size"`
	BasePrice       decimal.Decimal `yaml:"base_price"`
	StrikeStep      decimal.Decimal `yaml:"strike_step"`
	StrikesEachSide int             `yaml:"strikes_each_side"`
}

// Validate checks the underlying can produce a chain.
func (u Underlying) Validate() error {
	switch {
	case u.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidUnderlying)
	case u.LotSize <= 0:
		return fmt.Errorf("%w: %s lot size must be positive", ErrInvalidUnderlying, u.Symbol)
	case !u.BasePrice.IsPositive():
		return fmt.Errorf("%w: %s base price must be positive", ErrInvalidUnderlying, u.Symbol)
	case !u.StrikeStep.IsPositive():
		return fmt.Errorf("%w: %s strike step must be positive", ErrInvalidUnderlying, u.Symbol)
	case u.StrikesEachSide < 0:
		return fmt.Errorf("%w: %s strikes_each_side must be >= 0", ErrInvalidUnderlying, u.Symbol)
	}
	return nil
}

// NextExpiry returns the next occurrence of weekday strictly after now's
// date, at 15:30 in now's location. Index weeklies expire on Thursday.
func NextExpiry(now time.Time, weekday time.Weekday) time.Time {
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	d := now.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 15, 30, 0, 0, now.Location())
}

// GenerateChain builds CE and PE contracts for StrikesEachSide strikes on
// each side of the at-the-money strike (base price rounded to 100).
func GenerateChain(u Underlying, expiry time.Time) ([]model.Contract, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	atm := u.BasePrice.Div(hundred).Round(0).Mul(hundred)

	chain := make([]model.Contract, 0, (2*u.StrikesEachSide+1)*2)
	for i := -u.StrikesEachSide; i <= u.StrikesEachSide; i++ {
		strike := atm.Add(u.StrikeStep.Mul(decimal.NewFromInt(int64(i))))
		if !strike.IsPositive() {
			continue
		}
		for _, ot := range []model.OptionType{model.Call, model.Put} {
			chain = append(chain, model.Contract{
				ID:            uuid.New().String(),
				TradingSymbol: FormatSymbol(u.Symbol, expiry, strike, ot),
				Underlying:    u.Symbol,
				Strike:        strike,
				OptionType:    ot,
				Expiry:        expiry,
				LotSize:       u.LotSize,
			})
		}
	}
	return chain, nil
}
