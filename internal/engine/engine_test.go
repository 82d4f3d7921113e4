package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/contract"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/risk"
	"github.com/atmx/paper-engine/internal/store"
)

const (
	symbol  = "NIFTY25AUG1425000CE"
	lotSize = 75
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type env struct {
	eng     *engine.Engine
	store   *store.MemoryStore
	quotes  *quote.MapSource
	account string
}

type countingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *countingNotifier) Notify(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[accountID]++
}

func (n *countingNotifier) count(accountID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[accountID]
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.QuoteInitialInterval = time.Millisecond
	cfg.QuoteMaxInterval = 2 * time.Millisecond
	return cfg
}

func newEnv(t *testing.T, opts ...engine.Option) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	quotes := quote.NewMapSource()
	eng := engine.New(ms, quotes, fees.NewCalculator(fees.DefaultRates()), testConfig(), opts...)

	ctx := context.Background()
	acc, err := eng.CreateAccount(ctx, d("100000"))
	require.NoError(t, err)

	seedContract(t, ms, "c-nifty-25000-ce", symbol, "NIFTY")
	return &env{eng: eng, store: ms, quotes: quotes, account: acc.ID}
}

func seedContract(t *testing.T, ms *store.MemoryStore, id, sym, underlying string) {
	t.Helper()
	parsed, err := contract.ParseSymbol(sym)
	require.NoError(t, err)
	require.NoError(t, ms.CreateContract(context.Background(), &model.Contract{
		ID:            id,
		TradingSymbol: sym,
		Underlying:    underlying,
		Strike:        parsed.Strike,
		OptionType:    parsed.OptionType,
		Expiry:        parsed.Expiry,
		LotSize:       lotSize,
	}))
}

func (e *env) place(t *testing.T, req engine.PlaceOrderRequest) *model.Order {
	t.Helper()
	if req.AccountID == "" {
		req.AccountID = e.account
	}
	if req.TradingSymbol == "" {
		req.TradingSymbol = symbol
	}
	o, err := e.eng.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	return o
}

func (e *env) market(t *testing.T, side model.Side, lots int64, ltp string) *model.Order {
	t.Helper()
	e.quotes.Set(symbol, d(ltp))
	return e.place(t, engine.PlaceOrderRequest{Side: side, Lots: lots, OrderType: model.Market})
}

func (e *env) ledger(t *testing.T) []model.LedgerEntry {
	t.Helper()
	entries, err := e.eng.ListLedger(context.Background(), e.account)
	require.NoError(t, err)
	return entries
}

func (e *env) position(t *testing.T) *model.Position {
	t.Helper()
	positions, err := e.eng.GetPositions(context.Background(), e.account)
	require.NoError(t, err)
	require.LessOrEqual(t, len(positions), 1)
	if len(positions) == 0 {
		return nil
	}
	return &positions[0]
}

func findEntries(entries []model.LedgerEntry, reason model.LedgerReason) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range entries {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

// --- Scenarios ---

func TestMarketBuyOpensPosition(t *testing.T) {
	e := newEnv(t)

	o := e.market(t, model.Buy, 2, "100")
	assert.Equal(t, model.StatusFilled, o.Status)

	pos := e.position(t)
	require.NotNil(t, pos)
	assert.Equal(t, int64(2), pos.NetLots)
	assert.True(t, pos.AvgPrice.Equal(d("100")), "avg %s", pos.AvgPrice)

	entries := e.ledger(t)
	trade := findEntries(entries, model.ReasonTrade)
	require.Len(t, trade, 1)
	assert.Equal(t, model.Debit, trade[0].Type)
	assert.True(t, trade[0].Amount.Equal(d("15000")), "premium %s", trade[0].Amount)
	assert.Equal(t, o.ID, trade[0].RefID)

	fee := findEntries(entries, model.ReasonFees)
	require.Len(t, fee, 1)
	assert.Equal(t, model.Debit, fee[0].Type)
	assert.True(t, fee[0].Amount.Equal(d("13.275")), "fees %s", fee[0].Amount)

	assert.Empty(t, findEntries(entries, model.ReasonRealizedPnL))
}

func TestSellFlattensAndRealizes(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 2, "100")

	e.market(t, model.Sell, 2, "120")
	assert.Nil(t, e.position(t), "position should be deleted when flat")

	entries := e.ledger(t)
	realized := findEntries(entries, model.ReasonRealizedPnL)
	require.Len(t, realized, 1)
	assert.Equal(t, model.Credit, realized[0].Type)
	assert.True(t, realized[0].Amount.Equal(d("3000")), "realized %s", realized[0].Amount)

	trades := findEntries(entries, model.ReasonTrade)
	require.Len(t, trades, 2)
	assert.Equal(t, model.Credit, trades[1].Type)
	assert.True(t, trades[1].Amount.Equal(d("18000")))
}

func TestLimitBuyWaitsForPrice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.quotes.Set(symbol, d("95"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90")})
	assert.Equal(t, model.StatusOpen, o.Status)
	assert.Nil(t, e.position(t))
	assert.Empty(t, e.ledger(t))

	e.quotes.Set(symbol, d("90"))
	require.NoError(t, e.eng.AttemptFill(ctx, o.ID))

	detail, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, detail.Status)
	require.Len(t, detail.Trades, 1)
	assert.True(t, detail.Trades[0].Price.Equal(d("90")), "limit fill must be pinned to the limit, got %s", detail.Trades[0].Price)

	trade := findEntries(e.ledger(t), model.ReasonTrade)
	require.Len(t, trade, 1)
	assert.True(t, trade[0].Amount.Equal(d("6750")), "premium %s", trade[0].Amount) // 90*75
}

func TestLimitSellFillsAtLimit(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 1, "100")

	e.quotes.Set(symbol, d("104"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Sell, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("105")})
	assert.Equal(t, model.StatusOpen, o.Status)

	e.quotes.Set(symbol, d("110"))
	require.NoError(t, e.eng.AttemptFill(context.Background(), o.ID))

	realized := findEntries(e.ledger(t), model.ReasonRealizedPnL)
	require.Len(t, realized, 1)
	assert.True(t, realized[0].Amount.Equal(d("375")), "realized %s", realized[0].Amount) // (105-100)*75
}

func TestCancelFilledOrderFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.market(t, model.Buy, 2, "100")

	before := e.ledger(t)
	err := e.eng.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	after, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, after.Status)
	assert.Equal(t, before, e.ledger(t))
	assert.Equal(t, int64(2), e.position(t).NetLots)
}

func TestCancelOpenOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.quotes.Set(symbol, d("95"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90")})
	require.NoError(t, e.eng.CancelOrder(ctx, o.ID))

	// A cancelled order never fills.
	e.quotes.Set(symbol, d("80"))
	require.NoError(t, e.eng.AttemptFill(ctx, o.ID))

	got, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Empty(t, got.Trades)
	assert.Empty(t, e.ledger(t))

	assert.ErrorIs(t, e.eng.CancelOrder(ctx, o.ID), model.ErrInvalidState)
	assert.ErrorIs(t, e.eng.CancelOrder(ctx, "missing"), model.ErrOrderNotFound)
}

// --- Properties ---

func TestAttemptFillIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.market(t, model.Buy, 1, "100")

	before := e.ledger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.eng.AttemptFill(ctx, o.ID))
	}
	assert.Equal(t, before, e.ledger(t))

	detail, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Trades, 1)
	assert.Equal(t, int64(1), e.position(t).NetLots)
}

func TestSameDirectionAveragesPrice(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 2, "100")
	e.market(t, model.Buy, 1, "130")

	pos := e.position(t)
	assert.Equal(t, int64(3), pos.NetLots)
	assert.True(t, pos.AvgPrice.Equal(d("110")), "avg %s", pos.AvgPrice)
	assert.True(t, pos.AvgPrice.GreaterThanOrEqual(d("100")) && pos.AvgPrice.LessThanOrEqual(d("130")))
}

func TestPartialCloseReweightsAverage(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 4, "100")
	e.market(t, model.Sell, 2, "120")

	pos := e.position(t)
	require.NotNil(t, pos)
	assert.Equal(t, int64(2), pos.NetLots)
	assert.True(t, pos.AvgPrice.Equal(d("80")), "avg %s, want (4*100 - 2*120)/2", pos.AvgPrice)
	assert.Empty(t, findEntries(e.ledger(t), model.ReasonRealizedPnL))

	// Closing the rest realizes against the re-weighted average.
	e.market(t, model.Sell, 2, "120")
	assert.Nil(t, e.position(t))
	realized := findEntries(e.ledger(t), model.ReasonRealizedPnL)
	require.Len(t, realized, 1)
	assert.Equal(t, model.Credit, realized[0].Type)
	assert.True(t, realized[0].Amount.Equal(d("6000")), "realized %s", realized[0].Amount) // (120-80)*2*75
}

func TestReversalRealizesOldLegAndRestarts(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 2, "100")
	e.market(t, model.Sell, 5, "90")

	pos := e.position(t)
	assert.Equal(t, int64(-3), pos.NetLots)
	assert.True(t, pos.AvgPrice.Equal(d("90")), "new leg starts at the fill price, got %s", pos.AvgPrice)

	realized := findEntries(e.ledger(t), model.ReasonRealizedPnL)
	require.Len(t, realized, 1)
	assert.Equal(t, model.Debit, realized[0].Type)
	assert.True(t, realized[0].Amount.Equal(d("1500")), "realized %s", realized[0].Amount)
}

func TestShortCoverIsSignAware(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Sell, 2, "100")
	assert.Equal(t, int64(-2), e.position(t).NetLots)

	e.market(t, model.Buy, 2, "80")
	assert.Nil(t, e.position(t))

	realized := findEntries(e.ledger(t), model.ReasonRealizedPnL)
	require.Len(t, realized, 1)
	assert.Equal(t, model.Credit, realized[0].Type, "price fell on a short: gain")
	assert.True(t, realized[0].Amount.Equal(d("3000")))
}

func TestBreakEvenCloseBooksZeroCredit(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 1, "100")
	e.market(t, model.Sell, 1, "100")

	realized := findEntries(e.ledger(t), model.ReasonRealizedPnL)
	require.Len(t, realized, 1)
	assert.Equal(t, model.Credit, realized[0].Type)
	assert.True(t, realized[0].Amount.IsZero())
}

func TestFillPriceRoundedToTick(t *testing.T) {
	e := newEnv(t)
	o := e.market(t, model.Buy, 1, "100.03")

	detail, err := e.eng.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, detail.Trades, 1)
	assert.True(t, detail.Trades[0].Price.Equal(d("100.05")), "price %s", detail.Trades[0].Price)
}

// --- Stops ---

func TestLimitNeverFillsThroughLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A limit between ticks would round past itself, so it is refused.
	e.quotes.Set(symbol, d("90"))
	_, err := e.eng.PlaceOrder(ctx, engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol,
		Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90.03")})
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	assert.Empty(t, e.ledger(t))

	// On-tick limits fill exactly at the limit even when LTP is off-tick.
	e.quotes.Set(symbol, d("89.98"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90.05")})
	require.Equal(t, model.StatusFilled, o.Status)
	detail, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, detail.Trades, 1)
	assert.True(t, detail.Trades[0].Price.LessThanOrEqual(d("90.05")), "price %s above limit", detail.Trades[0].Price)
	assert.True(t, detail.Trades[0].Price.Equal(d("90.05")))
}

func TestStopMarketTriggers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.quotes.Set(symbol, d("100"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.StopMarket, TriggerPrice: ptr("110")})
	assert.Equal(t, model.StatusOpen, o.Status)

	e.quotes.Set(symbol, d("112"))
	require.NoError(t, e.eng.AttemptFill(ctx, o.ID))

	detail, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, detail.Status)
	assert.True(t, detail.Trades[0].Price.Equal(d("112")), "stop-market fills at LTP, got %s", detail.Trades[0].Price)
}

func TestSellStopMarketTriggersOnDrop(t *testing.T) {
	e := newEnv(t)
	e.market(t, model.Buy, 1, "100")

	e.quotes.Set(symbol, d("95"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Sell, Lots: 1, OrderType: model.StopMarket, TriggerPrice: ptr("90")})
	assert.Equal(t, model.StatusOpen, o.Status)

	e.quotes.Set(symbol, d("89"))
	require.NoError(t, e.eng.AttemptFill(context.Background(), o.ID))
	assert.Nil(t, e.position(t))
}

func TestStopLimitNeedsBothConditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// BUY stop-limit: trigger 110, limit 112.
	e.quotes.Set(symbol, d("100"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Stop,
		TriggerPrice: ptr("110"), LimitPrice: ptr("112")})
	assert.Equal(t, model.StatusOpen, o.Status)

	// Triggered but above the limit.
	e.quotes.Set(symbol, d("115"))
	require.NoError(t, e.eng.AttemptFill(ctx, o.ID))
	got, _ := e.eng.GetOrder(ctx, o.ID)
	assert.Equal(t, model.StatusOpen, got.Status)

	e.quotes.Set(symbol, d("111"))
	require.NoError(t, e.eng.AttemptFill(ctx, o.ID))
	got, _ = e.eng.GetOrder(ctx, o.ID)
	require.Equal(t, model.StatusFilled, got.Status)
	assert.True(t, got.Trades[0].Price.Equal(d("112")))
}

// --- Failure modes ---

func TestQuoteUnavailableLeavesOrderOpen(t *testing.T) {
	e := newEnv(t)

	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Market})
	assert.Equal(t, model.StatusOpen, o.Status)
	assert.Empty(t, e.ledger(t))

	e.quotes.Set(symbol, d("100"))
	filled, err := e.eng.MatchOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, filled)
	assert.Equal(t, int64(1), e.position(t).NetLots)
}

func TestQuoteRetriedWithBackoff(t *testing.T) {
	ms := store.NewMemoryStore()
	var calls atomic.Int32
	flaky := quote.SourceFunc(func(ctx context.Context, sym string) (*model.Quote, error) {
		if calls.Add(1) < 3 {
			return nil, model.ErrQuoteUnavailable
		}
		return quote.Spread(sym, d("100"), 0, 0, time.Now()), nil
	})
	eng := engine.New(ms, flaky, fees.NewCalculator(fees.DefaultRates()), testConfig())
	seedContract(t, ms, "c1", symbol, "NIFTY")
	acc, err := eng.CreateAccount(context.Background(), d("100000"))
	require.NoError(t, err)

	o, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		AccountID: acc.ID, TradingSymbol: symbol, Side: model.Buy, Lots: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPlaceOrderValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  engine.PlaceOrderRequest
	}{
		{"missing account", engine.PlaceOrderRequest{TradingSymbol: symbol, Side: model.Buy, Lots: 1}},
		{"missing symbol", engine.PlaceOrderRequest{AccountID: e.account, Side: model.Buy, Lots: 1}},
		{"bad side", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: "HOLD", Lots: 1}},
		{"zero lots", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy}},
		{"negative lots", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: -1}},
		{"bad type", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1, OrderType: "ICEBERG"}},
		{"limit without price", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1, OrderType: model.Limit}},
		{"limit zero price", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("0")}},
		{"stop without trigger", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1, OrderType: model.Stop, LimitPrice: ptr("10")}},
		{"stop market without trigger", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Sell, Lots: 1, OrderType: model.StopMarket}},
		{"limit off tick", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90.03")}},
		{"trigger off tick", engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: symbol, Side: model.Sell, Lots: 1, OrderType: model.StopMarket, TriggerPrice: ptr("89.99")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.eng.PlaceOrder(ctx, tc.req)
			assert.ErrorIs(t, err, model.ErrInvalidParameters)
		})
	}

	orders, err := e.eng.ListOrders(ctx, e.account)
	require.NoError(t, err)
	assert.Empty(t, orders, "rejected orders must not be created")
}

func TestPlaceOrderUnknownContractAndAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.eng.PlaceOrder(ctx, engine.PlaceOrderRequest{AccountID: e.account, TradingSymbol: "NIFTY25AUG1499999CE", Side: model.Buy, Lots: 1})
	assert.ErrorIs(t, err, model.ErrContractNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = e.eng.PlaceOrder(ctx, engine.PlaceOrderRequest{AccountID: "ghost", TradingSymbol: symbol, Side: model.Buy, Lots: 1})
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestEmptyOrderTypeDefaultsToMarket(t *testing.T) {
	e := newEnv(t)
	e.quotes.Set(symbol, d("50"))

	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1})
	assert.Equal(t, model.Market, o.Type)
	assert.Equal(t, model.StatusFilled, o.Status)
}

func TestPositionLimitRejects(t *testing.T) {
	e := newEnv(t, engine.WithLimiter(risk.NewPositionLimiter(3, 0)))
	e.market(t, model.Buy, 3, "100")

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1,
	})
	assert.ErrorIs(t, err, model.ErrLimitExceeded)

	// Reducing is still allowed.
	e.market(t, model.Sell, 2, "100")
	assert.Equal(t, int64(1), e.position(t).NetLots)
}

func TestPositionLimitRecheckedAtFill(t *testing.T) {
	e := newEnv(t, engine.WithLimiter(risk.NewPositionLimiter(3, 0)))
	ctx := context.Background()

	// Each resting order fits on its own.
	e.quotes.Set(symbol, d("95"))
	first := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 2, OrderType: model.Limit, LimitPrice: ptr("90")})
	second := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 2, OrderType: model.Limit, LimitPrice: ptr("90")})
	require.Equal(t, model.StatusOpen, first.Status)
	require.Equal(t, model.StatusOpen, second.Status)

	e.quotes.Set(symbol, d("90"))
	filled, err := e.eng.MatchOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, filled)
	assert.Equal(t, int64(2), e.position(t).NetLots)

	open, err := e.store.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "the order over the limit stays open")
	assert.Contains(t, []string{first.ID, second.ID}, open[0].ID)

	// Once exposure drops the deferred order fills.
	e.market(t, model.Sell, 1, "90")
	filled, err = e.eng.MatchOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, filled)
	assert.Equal(t, int64(3), e.position(t).NetLots)
}

// conflictStore fails the first n transactions with a persistence conflict.
type conflictStore struct {
	*store.MemoryStore
	remaining atomic.Int32
}

func (s *conflictStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.remaining.Add(-1) >= 0 {
		return model.ErrConflict
	}
	return s.MemoryStore.InTx(ctx, fn)
}

func TestConflictIsRetried(t *testing.T) {
	cs := &conflictStore{MemoryStore: store.NewMemoryStore()}
	quotes := quote.NewMapSource()
	eng := engine.New(cs, quotes, fees.NewCalculator(fees.DefaultRates()), testConfig())
	seedContract(t, cs.MemoryStore, "c1", symbol, "NIFTY")
	acc, err := eng.CreateAccount(context.Background(), d("100000"))
	require.NoError(t, err)

	cs.remaining.Store(2)
	quotes.Set(symbol, d("100"))
	o, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		AccountID: acc.ID, TradingSymbol: symbol, Side: model.Buy, Lots: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)

	entries, err := eng.ListLedger(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	cs := &conflictStore{MemoryStore: store.NewMemoryStore()}
	quotes := quote.NewMapSource()
	eng := engine.New(cs, quotes, fees.NewCalculator(fees.DefaultRates()), testConfig())
	seedContract(t, cs.MemoryStore, "c1", symbol, "NIFTY")
	acc, err := eng.CreateAccount(context.Background(), d("100000"))
	require.NoError(t, err)

	cs.remaining.Store(1000)
	quotes.Set(symbol, d("100"))
	o, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		AccountID: acc.ID, TradingSymbol: symbol, Side: model.Buy, Lots: 1,
	})
	require.NoError(t, err, "a persisted order is returned even when its fill fails")
	require.NotNil(t, o)
	assert.Equal(t, model.StatusOpen, o.Status)
	assert.Equal(t, int32(1000-5), cs.remaining.Load(), "five attempts, then give up")

	orders, err := eng.ListOrders(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, o.ID, orders[0].ID)
	assert.Equal(t, model.StatusOpen, orders[0].Status)

	// The matching pass picks it up once the store recovers.
	cs.remaining.Store(0)
	filled, err := eng.MatchOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, filled)
}

// --- Concurrency ---

func TestConcurrentFillsSerialize(t *testing.T) {
	n := &countingNotifier{}
	e := newEnv(t, engine.WithNotifier(n))
	e.quotes.Set(symbol, d("100"))

	const workers = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
				AccountID: e.account, TradingSymbol: symbol, Side: model.Buy, Lots: 1,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pos := e.position(t)
	assert.Equal(t, int64(workers), pos.NetLots)
	assert.True(t, pos.AvgPrice.Equal(d("100")))
	assert.Len(t, findEntries(e.ledger(t), model.ReasonTrade), workers)
	assert.Equal(t, workers, n.count(e.account))
}

func TestConcurrentAttemptFillBooksOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.quotes.Set(symbol, d("95"))
	o := e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90")})
	e.quotes.Set(symbol, d("90"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.eng.AttemptFill(ctx, o.ID))
		}()
	}
	wg.Wait()

	detail, err := e.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Trades, 1)
	assert.Len(t, e.ledger(t), 2)
}

func TestNotifierNotCalledWithoutFill(t *testing.T) {
	n := &countingNotifier{}
	e := newEnv(t, engine.WithNotifier(n))

	e.quotes.Set(symbol, d("95"))
	e.place(t, engine.PlaceOrderRequest{Side: model.Buy, Lots: 1, OrderType: model.Limit, LimitPrice: ptr("90")})
	assert.Equal(t, 0, n.count(e.account))
}

// --- Reads ---

func TestListOrdersNewestFirst(t *testing.T) {
	now := time.Date(2025, 8, 1, 9, 15, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(tick.Add(1)) * time.Second) }

	e := newEnv(t, engine.WithClock(clock))
	first := e.market(t, model.Buy, 1, "100")
	second := e.market(t, model.Buy, 1, "101")

	orders, err := e.eng.ListOrders(context.Background(), e.account)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)

	_, err = e.eng.ListOrders(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
}

func TestListLedgerUnknownAccount(t *testing.T) {
	e := newEnv(t)
	_, err := e.eng.ListLedger(context.Background(), "ghost")
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))
}

func TestCreateAccountRejectsNegativeCapital(t *testing.T) {
	e := newEnv(t)
	_, err := e.eng.CreateAccount(context.Background(), d("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
}

func TestSeedCatalogAndOptionChain(t *testing.T) {
	ms := store.NewMemoryStore()
	quotes := quote.NewMapSource()
	eng := engine.New(ms, quotes, fees.NewCalculator(fees.DefaultRates()), testConfig())
	ctx := context.Background()

	expiry := time.Date(2099, 8, 14, 15, 30, 0, 0, time.UTC)
	u := contract.Underlying{Symbol: "NIFTY", LotSize: 75, BasePrice: d("25012"), StrikeStep: d("50"), StrikesEachSide: 2}

	created, err := eng.SeedCatalog(ctx, []contract.Underlying{u}, expiry)
	require.NoError(t, err)
	assert.Equal(t, 10, created)

	again, err := eng.SeedCatalog(ctx, []contract.Underlying{u}, expiry)
	require.NoError(t, err)
	assert.Equal(t, 0, again, "reseeding is a no-op")

	quotes.Set("NIFTY99AUG1425000CE", d("120"))

	chain, err := eng.OptionChain(ctx, "NIFTY", nil)
	require.NoError(t, err)
	require.Len(t, chain.Rows, 5)
	assert.True(t, chain.Rows[0].Strike.Equal(d("24900")))
	atm := chain.Rows[2]
	assert.True(t, atm.Strike.Equal(d("25000")))
	require.NotNil(t, atm.Call)
	require.NotNil(t, atm.Put)
	require.NotNil(t, atm.Call.Quote)
	assert.True(t, atm.Call.Quote.LTP.Equal(d("120")))
	assert.Nil(t, atm.Put.Quote)

	_, err = eng.OptionChain(ctx, "", nil)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	_, err = eng.OptionChain(ctx, "SENSEX", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
