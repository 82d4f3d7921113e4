// Package engine is the order execution core: it validates and places
// orders, decides fill prices against live quotes, and books fills into
// positions and the cash ledger atomically.
//
// All monetary values use shopspring/decimal, never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/contract"
	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/risk"
	"github.com/atmx/paper-engine/internal/store"
)

// DefaultListLimit caps ListOrders.
const DefaultListLimit = 50

// Notifier receives an account id after a fill commits. Implementations
// must not block.
type Notifier interface {
	Notify(accountID string)
}

// Config tunes the engine.
type Config struct {
	TickSize              decimal.Decimal
	MaxInflightPerAccount int64

	// Quote lookup retry in AttemptFill.
	QuoteMaxTries        uint
	QuoteInitialInterval time.Duration
	QuoteMaxInterval     time.Duration

	// MaxConflictRetries bounds store-conflict retries per fill.
	MaxConflictRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickSize:              contract.DefaultTickSize,
		MaxInflightPerAccount: 4,
		QuoteMaxTries:         3,
		QuoteInitialInterval:  50 * time.Millisecond,
		QuoteMaxInterval:      500 * time.Millisecond,
		MaxConflictRetries:    5,
	}
}

// Engine executes orders. Safe for concurrent use.
type Engine struct {
	store    store.Store
	quotes   quote.Source
	fees     *fees.Calculator
	limiter  *risk.PositionLimiter
	notifier Notifier
	cfg      Config

	locks    *keyedMutex
	inflight *accountLimiter
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithLimiter enables position limits at placement.
func WithLimiter(l *risk.PositionLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithNotifier sets the post-commit fill notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over a store, a quote source and a fee calculator.
func New(st store.Store, quotes quote.Source, fc *fees.Calculator, cfg Config, opts ...Option) *Engine {
	if cfg.TickSize.IsZero() {
		cfg.TickSize = DefaultConfig().TickSize
	}
	if cfg.QuoteMaxTries == 0 {
		cfg.QuoteMaxTries = 1
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 1
	}
	e := &Engine{
		store:    st,
		quotes:   quotes,
		fees:     fc,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		inflight: newAccountLimiter(cfg.MaxInflightPerAccount),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Request/Response types ---

// PlaceOrderRequest is the input to PlaceOrder.
type PlaceOrderRequest struct {
	AccountID     string           `json:"account_id"`
	TradingSymbol string           `json:"trading_symbol"`
	Side          model.Side       `json:"side"`
	Lots          int64            `json:"lots"`
	OrderType     model.OrderType  `json:"order_type"` // empty → MARKET
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice  *decimal.Decimal `json:"trigger_price,omitempty"`
}

// Validate checks the request shape. It normalizes an empty order type to MARKET.
func (r *PlaceOrderRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", model.ErrInvalidParameters)
	}
	if r.TradingSymbol == "" {
		return fmt.Errorf("%w: trading_symbol is required", model.ErrInvalidParameters)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidParameters)
	}
	if r.Lots <= 0 {
		return fmt.Errorf("%w: lots must be a positive integer", model.ErrInvalidParameters)
	}
	if r.OrderType == "" {
		r.OrderType = model.Market
	}
	if !r.OrderType.Valid() {
		return fmt.Errorf("%w: unknown order_type %q", model.ErrInvalidParameters, r.OrderType)
	}

	needLimit := r.OrderType == model.Limit || r.OrderType == model.Stop
	needTrigger := r.OrderType == model.Stop || r.OrderType == model.StopMarket
	if needLimit && !positive(r.LimitPrice) {
		return fmt.Errorf("%w: %s order requires a positive limit_price", model.ErrInvalidParameters, r.OrderType)
	}
	if needTrigger && !positive(r.TriggerPrice) {
		return fmt.Errorf("%w: %s order requires a positive trigger_price", model.ErrInvalidParameters, r.OrderType)
	}
	return nil
}

// OrderDetail is an order with its fills.
type OrderDetail struct {
	model.Order
	Trades []model.Trade `json:"trades"`
}

// --- Orders ---

// PlaceOrder validates req, creates an OPEN order and attempts one fill.
// The returned order may already be FILLED.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if err := req.Validate(); err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := e.checkTick(req); err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		metrics.OrdersRejected.WithLabelValues("account").Inc()
		return nil, err
	}

	c, err := e.store.GetContractBySymbol(ctx, req.TradingSymbol)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("contract").Inc()
		return nil, err
	}

	if err := e.checkLimit(ctx, req.AccountID, c, req.Side.Sign()*req.Lots); err != nil {
		metrics.OrdersRejected.WithLabelValues("limit").Inc()
		return nil, err
	}

	now := e.now()
	order := &model.Order{
		ID:            uuid.New().String(),
		AccountID:     req.AccountID,
		ContractID:    c.ID,
		TradingSymbol: c.TradingSymbol,
		Side:          req.Side,
		Lots:          req.Lots,
		Type:          req.OrderType,
		LimitPrice:    req.LimitPrice,
		TriggerPrice:  req.TriggerPrice,
		Status:        model.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(order.Type), string(order.Side)).Inc()

	slog.Info("order placed",
		"order_id", order.ID,
		"account", order.AccountID,
		"symbol", order.TradingSymbol,
		"side", order.Side,
		"lots", order.Lots,
		"type", order.Type,
	)

	// The order is persisted either way. A failed attempt leaves it OPEN
	// for the matching pass.
	if err := e.AttemptFill(ctx, order.ID); err != nil {
		slog.Error("fill attempt failed, order left open", "order_id", order.ID, "error", err)
		return order, nil
	}
	if current, err := e.store.GetOrder(ctx, order.ID); err == nil {
		return current, nil
	}
	return order, nil
}

// checkTick rejects limit and trigger prices off the tick grid. Fills at
// the limit are then never rounded through it.
func (e *Engine) checkTick(req PlaceOrderRequest) error {
	if req.LimitPrice != nil && !contract.OnTick(*req.LimitPrice, e.cfg.TickSize) {
		return fmt.Errorf("%w: limit_price %s is not a multiple of tick %s",
			model.ErrInvalidParameters, req.LimitPrice, e.cfg.TickSize)
	}
	if req.TriggerPrice != nil && !contract.OnTick(*req.TriggerPrice, e.cfg.TickSize) {
		return fmt.Errorf("%w: trigger_price %s is not a multiple of tick %s",
			model.ErrInvalidParameters, req.TriggerPrice, e.cfg.TickSize)
	}
	return nil
}

// checkLimit runs the position limiter against the account's exposures.
func (e *Engine) checkLimit(ctx context.Context, accountID string, c *model.Contract, deltaLots int64) error {
	if e.limiter == nil {
		return nil
	}
	positions, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	exposures := make([]risk.Exposure, 0, len(positions))
	for _, p := range positions {
		pc, err := e.store.GetContract(ctx, p.ContractID)
		if err != nil {
			return fmt.Errorf("load contract %s: %w", p.ContractID, err)
		}
		exposures = append(exposures, risk.Exposure{
			ContractID: p.ContractID,
			Underlying: pc.Underlying,
			NetLots:    p.NetLots,
		})
	}
	return e.limiter.CheckLimit(*c, deltaLots, exposures)
}

// AttemptFill tries to fill an order against the current quote. It is a
// no-op unless the order is OPEN. An unavailable quote or an unmet price
// condition leaves the order OPEN and returns nil.
func (e *Engine) AttemptFill(ctx context.Context, orderID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.StatusOpen {
		return nil
	}

	q, err := e.fetchQuote(ctx, order.TradingSymbol)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		metrics.QuoteFailures.WithLabelValues("exhausted").Inc()
		slog.Warn("quote unavailable, order stays open",
			"order_id", order.ID,
			"symbol", order.TradingSymbol,
			"error", err,
		)
		return nil
	}

	price, ok := fillPrice(order, q.LTP)
	if !ok {
		return nil
	}
	price = contract.RoundToTick(price, e.cfg.TickSize)

	c, err := e.store.GetContract(ctx, order.ContractID)
	if err != nil {
		return err
	}
	return e.executeFill(ctx, order, c, price)
}

// fetchQuote looks up a quote with bounded exponential backoff.
func (e *Engine) fetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.QuoteInitialInterval
	b.MaxInterval = e.cfg.QuoteMaxInterval

	return backoff.Retry(ctx, func() (*model.Quote, error) {
		q, err := e.quotes.GetQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if !q.LTP.IsPositive() {
			return nil, fmt.Errorf("%w: non-positive ltp %s for %s", model.ErrQuoteUnavailable, q.LTP, symbol)
		}
		return q, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.QuoteMaxTries),
		backoff.WithMaxElapsedTime(0),
	)
}

// fillPrice decides whether an order fills at ltp, and at what price.
//
//   - MARKET fills at LTP.
//   - LIMIT fills at the limit once LTP crosses it (BUY: LTP ≤ limit,
//     SELL: LTP ≥ limit). It never fills through the limit.
//   - STOP_MARKET fills at LTP once triggered (BUY: LTP ≥ trigger,
//     SELL: LTP ≤ trigger).
//   - STOP fills at the limit when the trigger and the limit condition
//     both hold on the same quote.
func fillPrice(o *model.Order, ltp decimal.Decimal) (decimal.Decimal, bool) {
	switch o.Type {
	case model.Market:
		return ltp, true
	case model.Limit:
		if o.LimitPrice != nil && limitCrossed(o.Side, ltp, *o.LimitPrice) {
			return *o.LimitPrice, true
		}
	case model.StopMarket:
		if o.TriggerPrice != nil && triggered(o.Side, ltp, *o.TriggerPrice) {
			return ltp, true
		}
	case model.Stop:
		if o.TriggerPrice != nil && o.LimitPrice != nil &&
			triggered(o.Side, ltp, *o.TriggerPrice) && limitCrossed(o.Side, ltp, *o.LimitPrice) {
			return *o.LimitPrice, true
		}
	}
	return decimal.Zero, false
}

func limitCrossed(side model.Side, ltp, limit decimal.Decimal) bool {
	if side == model.Buy {
		return ltp.LessThanOrEqual(limit)
	}
	return ltp.GreaterThanOrEqual(limit)
}

func triggered(side model.Side, ltp, trigger decimal.Decimal) bool {
	if side == model.Buy {
		return ltp.GreaterThanOrEqual(trigger)
	}
	return ltp.LessThanOrEqual(trigger)
}

// errNotOpen aborts a fill transaction whose order was filled or
// cancelled concurrently.
var errNotOpen = errors.New("engine: order no longer open")

// executeFill books one full fill of order at price: trade, order status,
// position, and ledger, all in one store transaction. Fills are serialized
// per (account, contract) and bounded per account.
func (e *Engine) executeFill(ctx context.Context, order *model.Order, c *model.Contract, price decimal.Decimal) error {
	release, err := e.inflight.Acquire(ctx, order.AccountID)
	if err != nil {
		return err
	}
	defer release()

	unlock := e.locks.Lock(order.AccountID + "|" + order.ContractID)
	defer unlock()

	// Resting orders were checked against the book at placement; other
	// fills may have moved it since.
	if err := e.checkLimit(ctx, order.AccountID, c, order.Side.Sign()*order.Lots); err != nil {
		if risk.IsLimitError(err) {
			slog.Warn("fill deferred by position limit, order stays open",
				"order_id", order.ID,
				"account", order.AccountID,
				"error", err,
			)
			return nil
		}
		return err
	}

	start := time.Now()
	units := decimal.NewFromInt(order.Lots * c.LotSize)
	premium := price.Mul(units)
	fee, err := e.fees.Compute(price, units)
	if err != nil {
		return err
	}

	var outcome fillOutcome
	for attempt := 1; ; attempt++ {
		outcome, err = e.bookFill(ctx, order, c, price, premium, fee)
		if !errors.Is(err, model.ErrConflict) || attempt >= e.cfg.MaxConflictRetries {
			break
		}
		metrics.FillConflicts.Inc()
		slog.Warn("fill conflict, retrying", "order_id", order.ID, "attempt", attempt, "error", err)
	}
	if errors.Is(err, errNotOpen) || errors.Is(err, model.ErrInvalidState) {
		// Lost the race to a concurrent fill or cancel.
		return nil
	}
	if err != nil {
		return fmt.Errorf("execute fill: %w", err)
	}

	metrics.FillsTotal.WithLabelValues(string(order.Side)).Inc()
	metrics.FillLatency.WithLabelValues(string(order.Side)).Observe(time.Since(start).Seconds())

	slog.Info("order filled",
		"order_id", order.ID,
		"account", order.AccountID,
		"symbol", order.TradingSymbol,
		"side", order.Side,
		"lots", order.Lots,
		"price", price.String(),
		"fees", fee.String(),
		"realized", outcome.Realized.String(),
	)

	if e.notifier != nil {
		e.notifier.Notify(order.AccountID)
	}
	return nil
}

// bookFill runs the fill transaction once.
func (e *Engine) bookFill(ctx context.Context, order *model.Order, c *model.Contract,
	price, premium, fee decimal.Decimal) (fillOutcome, error) {

	var outcome fillOutcome
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockPosition(ctx, order.AccountID, order.ContractID); err != nil {
			return err
		}
		current, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Status != model.StatusOpen {
			return errNotOpen
		}

		now := e.now()
		if err := tx.InsertTrade(ctx, &model.Trade{
			ID:         uuid.New().String(),
			OrderID:    order.ID,
			AccountID:  order.AccountID,
			ContractID: order.ContractID,
			Side:       order.Side,
			Lots:       order.Lots,
			Price:      price,
			Timestamp:  now,
		}); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		if err := tx.TransitionOrder(ctx, order.ID, model.StatusOpen, model.StatusFilled, now); err != nil {
			return err
		}

		prev, err := tx.GetPosition(ctx, order.AccountID, order.ContractID)
		if err != nil {
			return fmt.Errorf("get position: %w", err)
		}
		outcome = applyFill(prev, order.AccountID, order.ContractID, order.Side, order.Lots, price, c.LotSize, now)
		if outcome.Position == nil {
			if prev != nil {
				if err := tx.DeletePosition(ctx, order.AccountID, order.ContractID); err != nil {
					return fmt.Errorf("delete position: %w", err)
				}
			}
		} else if err := tx.UpsertPosition(ctx, outcome.Position); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		entries := make([]model.LedgerEntry, 0, 3)
		if outcome.ClosedLots > 0 {
			typ := model.Credit
			if outcome.Realized.IsNegative() {
				typ = model.Debit
			}
			entries = append(entries, ledgerEntry(order, typ, outcome.Realized.Abs(), model.ReasonRealizedPnL, now))
		}
		entries = append(entries, ledgerEntry(order, model.Debit, fee, model.ReasonFees, now))
		tradeType := model.Debit
		if order.Side == model.Sell {
			tradeType = model.Credit
		}
		entries = append(entries, ledgerEntry(order, tradeType, premium, model.ReasonTrade, now))

		for i := range entries {
			if err := tx.AppendLedgerEntry(ctx, &entries[i]); err != nil {
				return fmt.Errorf("append ledger: %w", err)
			}
		}
		return nil
	})
	return outcome, err
}

func ledgerEntry(o *model.Order, typ model.LedgerType, amount decimal.Decimal,
	reason model.LedgerReason, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        ulid.Make().String(),
		AccountID: o.AccountID,
		Type:      typ,
		Amount:    amount,
		Reason:    reason,
		RefID:     o.ID,
		Timestamp: at,
	}
}

// CancelOrder moves an OPEN order to CANCELLED. It fails with
// model.ErrInvalidState for any other status.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.StatusOpen {
		return fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, order.Status)
	}

	// Same key as executeFill so a cancel cannot interleave with a fill.
	unlock := e.locks.Lock(order.AccountID + "|" + order.ContractID)
	defer unlock()

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.TransitionOrder(ctx, orderID, model.StatusOpen, model.StatusCancelled, e.now())
	})
	if err != nil {
		return err
	}
	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "order_id", orderID, "account", order.AccountID)
	return nil
}

// GetOrder returns an order with its fills.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.ListTradesByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return &OrderDetail{Order: *order, Trades: trades}, nil
}

// ListOrders returns an account's most recent orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", model.ErrInvalidParameters)
	}
	orders, err := e.store.ListOrders(ctx, accountID, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// --- Positions, ledger, accounts ---

// GetPositions returns an account's open positions.
func (e *Engine) GetPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", model.ErrInvalidParameters)
	}
	positions, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// ListLedger returns an account's cash ledger in append order.
func (e *Engine) ListLedger(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// CreateAccount opens a paper account with the given base capital.
func (e *Engine) CreateAccount(ctx context.Context, baseCapital decimal.Decimal) (*model.Account, error) {
	if baseCapital.IsNegative() {
		return nil, fmt.Errorf("%w: base_capital must not be negative", model.ErrInvalidParameters)
	}
	acc := &model.Account{
		ID:          uuid.New().String(),
		BaseCapital: baseCapital,
		CreatedAt:   e.now(),
	}
	if err := e.store.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	slog.Info("account created", "account", acc.ID, "base_capital", baseCapital.String())
	return acc, nil
}

// GetAccount returns an account.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

func positive(d *decimal.Decimal) bool {
	return d != nil && d.IsPositive()
}
