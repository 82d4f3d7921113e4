package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, base_capital, created_at) VALUES ($1, $2::NUMERIC, $3)`,
		a.ID, a.BaseCapital.String(), a.CreatedAt)
	return mapError(err, "create account "+a.ID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var capital string
	err := s.pool.QueryRow(ctx,
		`SELECT id, base_capital::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &capital, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.BaseCapital, _ = decimal.NewFromString(capital)
	return &a, nil
}

// --- Contracts ---

const contractColumns = `id, trading_symbol, underlying, strike::TEXT, option_type, expiry, lot_size`

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contracts (id, trading_symbol, underlying, strike, option_type, expiry, lot_size)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		c.ID, c.TradingSymbol, c.Underlying, c.Strike.String(), string(c.OptionType), c.Expiry, c.LotSize)
	return mapError(err, "create contract "+c.TradingSymbol)
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrContractNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) GetContractBySymbol(ctx context.Context, symbol string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE trading_symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrContractNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract by symbol %s: %w", symbol, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.Contract, error) {
	var expiryDate *time.Time
	if f.Expiry != nil {
		d := time.Date(f.Expiry.Year(), f.Expiry.Month(), f.Expiry.Day(), 0, 0, 0, 0, time.UTC)
		expiryDate = &d
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100000
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts
		 WHERE ($1 = '' OR underlying = $1)
		   AND ($2::DATE IS NULL OR expiry::DATE = $2::DATE)
		 ORDER BY expiry, strike, option_type
		 LIMIT $3`, f.Underlying, expiryDate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var strike, ot string
	if err := row.Scan(&c.ID, &c.TradingSymbol, &c.Underlying, &strike, &ot, &c.Expiry, &c.LotSize); err != nil {
		return nil, err
	}
	c.Strike, _ = decimal.NewFromString(strike)
	c.OptionType = model.OptionType(ot)
	return &c, nil
}

// --- Orders & trades ---

const orderColumns = `id, account_id, contract_id, trading_symbol, side, lots, order_type,
	limit_price::TEXT, trigger_price::TEXT, status, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, contract_id, trading_symbol, side, lots, order_type,
		                     limit_price, trigger_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		o.ID, o.AccountID, o.ContractID, o.TradingSymbol, string(o.Side), o.Lots, string(o.Type),
		optDecimal(o.LimitPrice), optDecimal(o.TriggerPrice), string(o.Status), o.CreatedAt, o.UpdatedAt)
	return mapError(err, "create order "+o.ID)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'OPEN' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, account_id, contract_id, side, lots, price::TEXT, timestamp
		 FROM trades WHERE order_id = $1 ORDER BY timestamp, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, price string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.ContractID, &side, &t.Lots, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(price)
		out = append(out, t)
	}
	return out, rows.Err()
}

func getOrder(ctx context.Context, q querier, id, suffix string) (*model.Order, error) {
	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 `+suffix, id)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return &orders[0], nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var side, typ, status string
		var limit, trigger *string
		if err := rows.Scan(&o.ID, &o.AccountID, &o.ContractID, &o.TradingSymbol, &side, &o.Lots, &typ,
			&limit, &trigger, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Type = model.OrderType(typ)
		o.Status = model.OrderStatus(status)
		o.LimitPrice = parseOptDecimal(limit)
		o.TriggerPrice = parseOptDecimal(trigger)
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Positions & ledger ---

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, contract_id, net_lots, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY contract_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.AccountID, &p.ContractID, &p.NetLots, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgPrice, _ = decimal.NewFromString(avg)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, amount::TEXT, reason, ref_id, timestamp
		 FROM cash_ledger WHERE account_id = $1 ORDER BY timestamp, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var typ, amount, reason string
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &amount, &reason, &e.RefID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = model.LedgerType(typ)
		e.Reason = model.LedgerReason(reason)
		e.Amount, _ = decimal.NewFromString(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapError(err, "tx")
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit")
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// LockPosition takes a transaction-scoped advisory lock on the key, which
// also covers the case where no position row exists yet.
func (t *pgTx) LockPosition(ctx context.Context, accountID, contractID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		accountID+"|"+contractID)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id, "FOR UPDATE")
}

func (t *pgTx) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	o, err := getOrder(ctx, t.tx, id, "")
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s, not %s", model.ErrInvalidState, id, o.Status, from)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, order_id, account_id, contract_id, side, lots, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		tr.ID, tr.OrderID, tr.AccountID, tr.ContractID, string(tr.Side), tr.Lots, tr.Price.String(), tr.Timestamp)
	return err
}

func (t *pgTx) GetPosition(ctx context.Context, accountID, contractID string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, contract_id, net_lots, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND contract_id = $2 FOR UPDATE`,
		accountID, contractID).
		Scan(&p.AccountID, &p.ContractID, &p.NetLots, &avg, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.AvgPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, contract_id, net_lots, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (account_id, contract_id) DO UPDATE
		 SET net_lots = EXCLUDED.net_lots, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.ContractID, p.NetLots, p.AvgPrice.String(), p.UpdatedAt)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, accountID, contractID string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND contract_id = $2`, accountID, contractID)
	return err
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO cash_ledger (id, account_id, type, amount, reason, ref_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		e.ID, e.AccountID, string(e.Type), e.Amount.String(), string(e.Reason), e.RefID, e.Timestamp)
	return err
}

// --- Helpers ---

// mapError translates PostgreSQL error codes into the store's error
// taxonomy: serialization failures and deadlocks become model.ErrConflict,
// unique violations become ErrAlreadyExists.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %v", op, model.ErrConflict, err)
		case "23505":
			return fmt.Errorf("%s: %w: %v", op, ErrAlreadyExists, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func optDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseOptDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
