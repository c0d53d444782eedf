package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres LedgerStore. Every commit is one database
// transaction; the wallet row update is conditioned on its revision.
type Repo struct{ DB *pgxpool.Pool }

const pgUniqueViolation = "23505"

const walletColumns = `parent_id, balance, revision, updated_at`

const orderColumns = `id, idempotency_key, parent_id, student_id, service_date, total_cost,
	balance_after, status, created_at, cancelled_at`

func (r *Repo) EnsureWallet(ctx context.Context, parentID string) (Wallet, error) {
	if _, err := r.DB.Exec(ctx, `INSERT INTO wallets(parent_id) VALUES ($1) ON CONFLICT (parent_id) DO NOTHING`, parentID); err != nil {
		return Wallet{}, err
	}
	return r.ReadWallet(ctx, parentID)
}

func (r *Repo) ReadWallet(ctx context.Context, parentID string) (Wallet, error) {
	var w Wallet
	err := r.DB.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE parent_id=$1`, parentID).
		Scan(&w.ParentID, &w.Balance, &w.Revision, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, err
}

// moveBalance applies delta to the wallet iff its revision still matches.
// No row back means either a missing wallet or a moved revision.
func moveBalance(ctx context.Context, tx pgx.Tx, parentID string, expectedRevision, delta int64) (Wallet, error) {
	var w Wallet
	err := tx.QueryRow(ctx, `
		UPDATE wallets SET balance = balance + $3, revision = revision + 1, updated_at = now()
		WHERE parent_id = $1 AND revision = $2 AND balance + $3 >= 0
		RETURNING `+walletColumns, parentID, expectedRevision, delta).
		Scan(&w.ParentID, &w.Balance, &w.Revision, &w.UpdatedAt)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM wallets WHERE parent_id=$1)`, parentID).Scan(&exists); err != nil {
		return Wallet{}, err
	}
	if !exists {
		return Wallet{}, ErrWalletNotFound
	}
	return Wallet{}, ErrRevisionConflict
}

func insertEntry(ctx context.Context, tx pgx.Tx, w Wallet, kind EntryKind, amount int64, orderID, reference string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries(id, parent_id, kind, amount, balance_after, revision, order_id, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9)`,
		uuid.NewString(), w.ParentID, string(kind), amount, w.Balance, w.Revision, orderID, reference, at)
	return err
}

func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

// CommitDebitAndOrder: debit wallet + insert order, items, entry dalam satu tx.
func (r *Repo) CommitDebitAndOrder(ctx context.Context, parentID string, expectedRevision, debit int64, o Order) (Wallet, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w, err := moveBalance(ctx, tx, parentID, expectedRevision, -debit)
	if err != nil {
		return Wallet{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, idempotency_key, parent_id, student_id, service_date, total_cost, balance_after, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.IdempotencyKey, parentID, o.StudentID, o.ServiceDate, o.TotalCost, w.Balance, string(StatusConfirmed), o.CreatedAt)
	if uniqueViolation(err, "orders_idempotency_key_key") {
		return Wallet{}, ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("insert order: %w", err)
	}

	for i, li := range o.LineItems {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, position, menu_item_id, name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, i, li.MenuItemID, li.Name, li.Quantity, li.UnitPrice); err != nil {
			return Wallet{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := insertEntry(ctx, tx, w, EntryDebit, debit, o.ID, "", o.CreatedAt); err != nil {
		return Wallet{}, fmt.Errorf("insert wallet entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
}

func (r *Repo) FindOrderByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=$1`, key)
}

func (r *Repo) findOrder(ctx context.Context, query string, arg string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	items, err := r.loadItems(ctx, []string{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.LineItems = items[o.ID]
	return o, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.IdempotencyKey, &o.ParentID, &o.StudentID, &o.ServiceDate, &o.TotalCost,
		&o.BalanceAfter, &status, &o.CreatedAt, &o.CancelledAt)
	o.Status = Status(status)
	return o, err
}

func (r *Repo) loadItems(ctx context.Context, orderIDs []string) (map[string][]LineItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, menu_item_id, name, quantity, unit_price
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]LineItem{}
	for rows.Next() {
		var (
			orderID string
			li      LineItem
		)
		if err := rows.Scan(&orderID, &li.MenuItemID, &li.Name, &li.Quantity, &li.UnitPrice); err != nil {
			return nil, err
		}
		out[orderID] = append(out[orderID], li)
	}
	return out, rows.Err()
}

func (r *Repo) OrderedQuantities(ctx context.Context, studentID string, serviceDate time.Time) (map[string]int, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT i.menu_item_id, SUM(i.quantity)
		FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE o.student_id=$1 AND o.service_date=$2 AND o.status <> 'cancelled'
		GROUP BY i.menu_item_id`, studentID, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			id  string
			qty int
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		out[id] = qty
	}
	return out, rows.Err()
}

func (r *Repo) ListOrders(ctx context.Context, parentID string, from, to time.Time) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE parent_id=$1 AND service_date BETWEEN $2 AND $3
		ORDER BY service_date, created_at`, parentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []Order
		ids []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].LineItems = items[out[i].ID]
	}
	return out, nil
}
