package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// RedisPublisher publishes P&L snapshots to the pub/sub channel
// pnl:<accountId> so other processes can stream them.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a publisher on rdb.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Name identifies the publisher in metrics.
func (p *RedisPublisher) Name() string { return "redis" }

// Publish sends pnl as JSON on the account's channel.
func (p *RedisPublisher) Publish(ctx context.Context, pnl *model.AccountPnL) error {
	data, err := json.Marshal(pnl)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, Channel(pnl.AccountID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Channel returns the pub/sub channel for an account.
func Channel(accountID string) string { return "pnl:" + accountID }
