package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/paper-engine/internal/model"
)

type posKey struct {
	accountID  string
	contractID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration and stage
// their writes; staged writes are applied only when fn returns nil.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	contracts map[string]*model.Contract
	bySymbol  map[string]string // trading symbol → contract id
	orders    map[string]*model.Order
	trades    []model.Trade
	positions map[posKey]*model.Position
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		contracts: make(map[string]*model.Contract),
		bySymbol:  make(map[string]string),
		orders:    make(map[string]*model.Order),
		positions: make(map[posKey]*model.Position),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, a.ID)
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySymbol[c.TradingSymbol]; ok {
		return fmt.Errorf("%w: contract %s", ErrAlreadyExists, c.TradingSymbol)
	}
	if _, ok := s.contracts[c.ID]; ok {
		return fmt.Errorf("%w: contract id %s", ErrAlreadyExists, c.ID)
	}
	cp := *c
	s.contracts[c.ID] = &cp
	s.bySymbol[c.TradingSymbol] = c.ID
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrContractNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetContractBySymbol(_ context.Context, symbol string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrContractNotFound, symbol)
	}
	cp := *s.contracts[id]
	return &cp, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, f ContractFilter) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Contract
	for _, c := range s.contracts {
		if f.Underlying != "" && c.Underlying != f.Underlying {
			continue
		}
		if f.Expiry != nil && !sameDate(c.Expiry, *f.Expiry) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if !a.Strike.Equal(b.Strike) {
			return a.Strike.LessThan(b.Strike)
		}
		return a.OptionType < b.OptionType
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrAlreadyExists, o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListTradesByOrder(_ context.Context, orderID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

// InTx holds the store's write lock while fn runs, so fn must only use tx.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		orders:    make(map[string]*model.Order),
		positions: make(map[posKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes against a locked MemoryStore. A nil entry in
// positions marks a staged delete.
type memTx struct {
	s         *MemoryStore
	orders    map[string]*model.Order
	trades    []model.Trade
	positions map[posKey]*model.Position
	ledger    []model.LedgerEntry
}

// LockPosition is a no-op: the store-wide lock already serializes transactions.
func (tx *memTx) LockPosition(context.Context, string, string) error { return nil }

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (tx *memTx) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	o, err := tx.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != from {
		return fmt.Errorf("%w: order %s is %s, not %s", model.ErrInvalidState, id, o.Status, from)
	}
	o.Status = to
	o.UpdatedAt = at
	tx.orders[id] = o
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, accountID, contractID string) (*model.Position, error) {
	k := posKey{accountID, contractID}
	if p, ok := tx.positions[k]; ok {
		if p == nil {
			return nil, nil
		}
		cp := *p
		return &cp, nil
	}
	p, ok := tx.s.positions[k]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	tx.positions[posKey{p.AccountID, p.ContractID}] = &cp
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, accountID, contractID string) error {
	tx.positions[posKey{accountID, contractID}] = nil
	return nil
}

func (tx *memTx) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, *e)
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.trades = append(s.trades, tx.trades...)
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = p
	}
	s.ledger = append(s.ledger, tx.ledger...)
}
