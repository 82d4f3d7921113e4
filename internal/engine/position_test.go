package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pos(net int64, avg string) *model.Position {
	return &model.Position{AccountID: "a", ContractID: "c", NetLots: net, AvgPrice: dec(avg)}
}

func TestApplyFill(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name       string
		prev       *model.Position
		side       model.Side
		lots       int64
		price      string
		wantNet    int64 // 0 means flat
		wantAvg    string
		wantClosed int64
		wantPnL    string
	}{
		{"open long", nil, model.Buy, 2, "100", 2, "100", 0, "0"},
		{"open short", nil, model.Sell, 3, "50", -3, "50", 0, "0"},
		{"add long", pos(2, "100"), model.Buy, 2, "120", 4, "110", 0, "0"},
		{"add short", pos(-1, "90"), model.Sell, 3, "70", -4, "75", 0, "0"},
		{"flatten long gain", pos(2, "100"), model.Sell, 2, "120", 0, "", 2, "3000"},
		{"flatten long loss", pos(2, "100"), model.Sell, 2, "80", 0, "", 2, "-3000"},
		{"flatten short gain", pos(-2, "100"), model.Buy, 2, "80", 0, "", 2, "3000"},
		{"partial close long", pos(3, "100"), model.Sell, 1, "120", 2, "90", 0, "0"},
		{"partial close half", pos(4, "100"), model.Sell, 2, "120", 2, "80", 0, "0"},
		{"partial cover short", pos(-4, "60"), model.Buy, 1, "72", -3, "56", 0, "0"},
		{"reverse long to short", pos(2, "100"), model.Sell, 5, "90", -3, "90", 2, "-1500"},
		{"reverse short to long", pos(-1, "40"), model.Buy, 3, "30", 2, "30", 1, "750"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := applyFill(tc.prev, "a", "c", tc.side, tc.lots, dec(tc.price), 75, now)

			if tc.wantNet == 0 {
				assert.Nil(t, out.Position)
			} else {
				require.NotNil(t, out.Position)
				assert.Equal(t, tc.wantNet, out.Position.NetLots)
				assert.True(t, out.Position.AvgPrice.Equal(dec(tc.wantAvg)), "avg %s, want %s", out.Position.AvgPrice, tc.wantAvg)
				assert.Equal(t, now, out.Position.UpdatedAt)
			}
			assert.Equal(t, tc.wantClosed, out.ClosedLots)
			assert.True(t, out.Realized.Equal(dec(tc.wantPnL)), "realized %s, want %s", out.Realized, tc.wantPnL)
		})
	}
}

func TestApplyFill_AverageStaysBetween(t *testing.T) {
	prices := []string{"100", "101.35", "87.5", "250", "0.05", "99.95"}
	for _, a := range prices {
		for _, b := range prices {
			out := applyFill(pos(3, a), "a", "c", model.Buy, 7, dec(b), 50, time.Now())
			lo, hi := decimal.Min(dec(a), dec(b)), decimal.Max(dec(a), dec(b))
			avg := out.Position.AvgPrice
			assert.True(t, avg.GreaterThanOrEqual(lo) && avg.LessThanOrEqual(hi),
				"avg %s outside [%s, %s]", avg, lo, hi)
		}
	}
}

func TestKeyedMutex_SerializesAndFrees(t *testing.T) {
	k := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("acc|c1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.size(), "idle keys must be released")
}

func TestFillPrice(t *testing.T) {
	limit := dec("90")
	trigger := dec("110")

	cases := []struct {
		name  string
		order model.Order
		ltp   string
		want  string // empty means no fill
	}{
		{"market", model.Order{Type: model.Market, Side: model.Buy}, "101.2", "101.2"},
		{"buy limit above", model.Order{Type: model.Limit, Side: model.Buy, LimitPrice: &limit}, "95", ""},
		{"buy limit at", model.Order{Type: model.Limit, Side: model.Buy, LimitPrice: &limit}, "90", "90"},
		{"buy limit below", model.Order{Type: model.Limit, Side: model.Buy, LimitPrice: &limit}, "85", "90"},
		{"sell limit below", model.Order{Type: model.Limit, Side: model.Sell, LimitPrice: &limit}, "85", ""},
		{"sell limit above", model.Order{Type: model.Limit, Side: model.Sell, LimitPrice: &limit}, "95", "90"},
		{"buy stop market untriggered", model.Order{Type: model.StopMarket, Side: model.Buy, TriggerPrice: &trigger}, "109", ""},
		{"buy stop market triggered", model.Order{Type: model.StopMarket, Side: model.Buy, TriggerPrice: &trigger}, "111", "111"},
		{"sell stop market triggered", model.Order{Type: model.StopMarket, Side: model.Sell, TriggerPrice: &trigger}, "100", "100"},
		{"sell stop limit both hold", model.Order{Type: model.Stop, Side: model.Sell, TriggerPrice: &trigger, LimitPrice: &limit}, "100", "90"},
		{"sell stop limit trigger only", model.Order{Type: model.Stop, Side: model.Sell, TriggerPrice: &trigger, LimitPrice: &limit}, "85", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := fillPrice(&tc.order, dec(tc.ltp))
			if tc.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.True(t, got.Equal(dec(tc.want)), "got %s, want %s", got, tc.want)
		})
	}
}
