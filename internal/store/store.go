// Package store defines the persistence interface for the paper engine.
// Implementations include PostgreSQL (source of truth), a Redis read-through
// cache for the contract catalog, and in-memory (for testing and dev).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/paper-engine/internal/model"
)

// ErrAlreadyExists is returned when creating an entity whose id or unique
// key is taken.
var ErrAlreadyExists = errors.New("store: already exists")

// ContractFilter narrows ListContracts. Zero fields match everything.
type ContractFilter struct {
	Underlying string
	Expiry     *time.Time // matched by calendar date
	Limit      int
}

// Store is the persistence interface. Reads outside InTx observe only
// committed state; every fill mutation goes through InTx.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount returns model.ErrAccountNotFound for an unknown id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Contract catalog ---

	// CreateContract persists an immutable contract. Trading symbols are unique.
	CreateContract(ctx context.Context, c *model.Contract) error

	// GetContract returns model.ErrContractNotFound for an unknown id.
	GetContract(ctx context.Context, id string) (*model.Contract, error)

	// GetContractBySymbol returns model.ErrContractNotFound for an unknown symbol.
	GetContractBySymbol(ctx context.Context, symbol string) (*model.Contract, error)

	// ListContracts returns contracts ordered by expiry, strike, option type.
	ListContracts(ctx context.Context, f ContractFilter) ([]model.Contract, error)

	// --- Orders & trades ---

	// CreateOrder persists a new OPEN order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder returns model.ErrOrderNotFound for an unknown id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns an account's orders, newest first. limit <= 0 means all.
	ListOrders(ctx context.Context, accountID string, limit int) ([]model.Order, error)

	// ListOpenOrders returns every OPEN order, oldest first.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// ListTradesByOrder returns the fills of one order in execution order.
	ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error)

	// --- Positions & ledger ---

	// ListPositions returns an account's open positions.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListLedgerEntries returns an account's ledger in append order.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// InTx runs fn in a single transaction. Either every write made through
	// tx is committed or none is. A concurrent-write race is reported as an
	// error wrapping model.ErrConflict.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view used by the engine. Reads observe writes
// made earlier in the same transaction.
type Tx interface {
	// LockPosition serializes transactions on one (account, contract) key,
	// including when no position row exists yet.
	LockPosition(ctx context.Context, accountID, contractID string) error

	// GetOrder reads an order for update.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// TransitionOrder moves an order from status `from` to `to`. It returns
	// model.ErrInvalidState if the order is not currently in `from`.
	TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error

	// InsertTrade records an immutable fill.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// GetPosition returns the open position, or nil if the key is flat.
	GetPosition(ctx context.Context, accountID, contractID string) (*model.Position, error)

	// UpsertPosition creates or replaces the position for its key.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the position for a key (flat).
	DeletePosition(ctx context.Context, accountID, contractID string) error

	// AppendLedgerEntry appends an immutable cash movement.
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}

// sameDate reports whether a and b fall on the same calendar date.
func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
