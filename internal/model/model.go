// Package model defines the core domain types shared across the paper
// trading engine. All monetary values use shopspring/decimal, never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

// OrderType selects how the engine decides the fill price.
type OrderType string

const (
	Market     OrderType = "MARKET"
	Limit      OrderType = "LIMIT"
	Stop       OrderType = "STOP"        // stop-limit
	StopMarket OrderType = "STOP_MARKET" // stop that fills at LTP once triggered
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case Market, Limit, Stop, StopMarket:
		return true
	}
	return false
}

// OrderStatus is the order state machine: OPEN → FILLED | CANCELLED.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// LedgerType is the cash direction of a ledger entry.
type LedgerType string

const (
	Credit LedgerType = "CREDIT"
	Debit  LedgerType = "DEBIT"
)

// LedgerReason tags why cash moved.
type LedgerReason string

const (
	ReasonTrade       LedgerReason = "TRADE"
	ReasonFees        LedgerReason = "TRADING_FEES"
	ReasonRealizedPnL LedgerReason = "REALIZED_PNL"
)

// Account holds the immutable starting capital of a paper account.
// Remaining capital is always derived from the ledger, never stored.
type Account struct {
	ID          string          `json:"id" db:"id"`
	BaseCapital decimal.Decimal `json:"base_capital" db:"base_capital"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Contract identifies one tradable option. Immutable once created.
type Contract struct {
	ID            string          `json:"id" db:"id"`
	TradingSymbol string          `json:"trading_symbol" db:"trading_symbol"`
	Underlying    string          `json:"underlying" db:"underlying"`
	Strike        decimal.Decimal `json:"strike" db:"strike"`
	OptionType    OptionType      `json:"option_type" db:"option_type"`
	Expiry        time.Time       `json:"expiry" db:"expiry"`
	LotSize       int64           `json:"lot_size" db:"lot_size"`
}

// Order is a request to trade a number of lots of one contract.
// Mutated only by the engine; immutable once FILLED or CANCELLED.
type Order struct {
	ID            string           `json:"id" db:"id"`
	AccountID     string           `json:"account_id" db:"account_id"`
	ContractID    string           `json:"contract_id" db:"contract_id"`
	TradingSymbol string           `json:"trading_symbol" db:"trading_symbol"`
	Side          Side             `json:"side" db:"side"`
	Lots          int64            `json:"lots" db:"lots"`
	Type          OrderType        `json:"order_type" db:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	TriggerPrice  *decimal.Decimal `json:"trigger_price,omitempty" db:"trigger_price"`
	Status        OrderStatus      `json:"status" db:"status"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable fill record.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	Side       Side            `json:"side" db:"side"`
	Lots       int64           `json:"lots" db:"lots"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is the open net quantity of one contract in one account.
// NetLots is signed: positive = long, negative = short. A flat position
// does not exist.
type Position struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	NetLots    int64           `json:"net_lots" db:"net_lots"`
	AvgPrice   decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable cash movement. Once appended, entries are
// never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Type      LedgerType      `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // always >= 0
	Reason    LedgerReason    `json:"reason" db:"reason"`
	RefID     string          `json:"ref_id" db:"ref_id"` // order id
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Quote is a market snapshot for one trading symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    int64           `json:"volume"`
	OI        int64           `json:"oi"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionPnL is the mark-to-market view of one open position.
type PositionPnL struct {
	ContractID    string          `json:"contract_id"`
	TradingSymbol string          `json:"trading_symbol"`
	NetLots       int64           `json:"net_lots"`
	NetUnits      int64           `json:"net_units"`
	LotSize       int64           `json:"lot_size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	LTP           decimal.Decimal `json:"ltp"`
	MTM           decimal.Decimal `json:"mtm"`
}

// AccountPnL aggregates positions and ledger into the account's P&L.
type AccountPnL struct {
	AccountID   string          `json:"account_id"`
	Positions   []PositionPnL   `json:"positions"`
	TotalMTM    decimal.Decimal `json:"total_mtm"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	CapitalUsed decimal.Decimal `json:"capital_used"`
	CapitalLeft decimal.Decimal `json:"capital_left"`
	ComputedAt  time.Time       `json:"computed_at"`
}
