package quote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// RedisSource reads quotes published into Redis by an external feed.
// It prefers the hash quote:{symbol} (ltp, bid, ask, volume, oi, ts) and
// falls back to the plain string key ltp:{symbol}.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource creates a Redis-backed quote source.
func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	fields, err := s.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis quote %s: %w", symbol, err)
	}
	if ltpStr, ok := fields["ltp"]; ok {
		return parseQuote(symbol, ltpStr, fields)
	}

	ltpStr, err := s.rdb.Get(ctx, ltpKey(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrQuoteUnavailable, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("redis ltp %s: %w", symbol, err)
	}
	return parseQuote(symbol, ltpStr, nil)
}

// SetQuote publishes q under both keys so that LTP-only readers see it too.
func (s *RedisSource) SetQuote(ctx context.Context, q model.Quote, ttl time.Duration) error {
	ts := q.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, quoteKey(q.Symbol),
		"ltp", q.LTP.String(),
		"bid", q.Bid.String(),
		"ask", q.Ask.String(),
		"volume", q.Volume,
		"oi", q.OI,
		"ts", ts.UnixMilli(),
	)
	pipe.Set(ctx, ltpKey(q.Symbol), q.LTP.String(), ttl)
	if ttl > 0 {
		pipe.Expire(ctx, quoteKey(q.Symbol), ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func parseQuote(symbol, ltpStr string, fields map[string]string) (*model.Quote, error) {
	ltp, err := decimal.NewFromString(ltpStr)
	if err != nil || !ltp.IsPositive() {
		return nil, fmt.Errorf("%w: %s has bad ltp %q", model.ErrQuoteUnavailable, symbol, ltpStr)
	}

	q := &model.Quote{Symbol: symbol, LTP: ltp, Bid: ltp, Ask: ltp, Timestamp: time.Now().UTC()}
	if fields == nil {
		return q, nil
	}
	if v, err := decimal.NewFromString(fields["bid"]); err == nil {
		q.Bid = v
	}
	if v, err := decimal.NewFromString(fields["ask"]); err == nil {
		q.Ask = v
	}
	q.Volume, _ = strconv.ParseInt(fields["volume"], 10, 64)
	q.OI, _ = strconv.ParseInt(fields["oi"], 10, 64)
	if ms, err := strconv.ParseInt(fields["ts"], 10, 64); err == nil {
		q.Timestamp = time.UnixMilli(ms).UTC()
	}
	return q, nil
}

func quoteKey(symbol string) string { return "quote:" + symbol }
func ltpKey(symbol string) string   { return "ltp:" + symbol }
