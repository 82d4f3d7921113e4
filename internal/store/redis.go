package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for immutable rows: contracts and accounts. Mutable state (orders,
// positions, ledger) always reads from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := s.primary.CreateContract(ctx, c); err != nil {
		return err
	}
	s.cacheContract(ctx, c)
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.load(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acc, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(id), acc)
	return acc, nil
}

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	var c model.Contract
	if s.load(ctx, contractKey(id), &c) {
		return &c, nil
	}

	ct, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheContract(ctx, ct)
	return ct, nil
}

func (s *CachedStore) GetContractBySymbol(ctx context.Context, symbol string) (*model.Contract, error) {
	// Try cache via symbol→contractID mapping.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetContract(ctx, id)
	}

	ct, err := s.primary.GetContractBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheContract(ctx, ct)
	return ct, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.Contract, error) {
	return s.primary.ListContracts(ctx, f)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, accountID string, limit int) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, accountID, limit)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

func (s *CachedStore) ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error) {
	return s.primary.ListTradesByOrder(ctx, orderID)
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, accountID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.primary.InTx(ctx, fn)
}

// --- Cache helpers ---

func (s *CachedStore) cacheContract(ctx context.Context, c *model.Contract) {
	s.cache(ctx, contractKey(c.ID), c)
	s.rdb.Set(ctx, symbolKey(c.TradingSymbol), c.ID, s.ttl)
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// load reports whether key was found and decoded into v.
func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func accountKey(id string) string  { return fmt.Sprintf("account:%s", id) }
func contractKey(id string) string { return fmt.Sprintf("contract:%s", id) }
func symbolKey(sym string) string  { return fmt.Sprintf("symbol:%s", sym) }
