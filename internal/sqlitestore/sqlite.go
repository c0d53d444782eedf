// Package sqlitestore is the embedded LedgerStore used for single-node
// deployments and for exercising real transactions in tests.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/menu"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var _ orders.LedgerStore = (*Store)(nil)

const timeLayout = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	parent_id  TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	revision   INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	parent_id       TEXT NOT NULL REFERENCES wallets(parent_id),
	student_id      TEXT NOT NULL,
	service_date    TEXT NOT NULL,
	total_cost      INTEGER NOT NULL CHECK (total_cost > 0),
	balance_after   INTEGER NOT NULL,
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	cancelled_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_orders_parent_date ON orders(parent_id, service_date);
CREATE INDEX IF NOT EXISTS idx_orders_student_date ON orders(student_id, service_date);

CREATE TABLE IF NOT EXISTS order_items (
	order_id     TEXT NOT NULL REFERENCES orders(id),
	position     INTEGER NOT NULL,
	menu_item_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	quantity     INTEGER NOT NULL CHECK (quantity > 0),
	unit_price   INTEGER NOT NULL CHECK (unit_price >= 0),
	PRIMARY KEY (order_id, menu_item_id)
);

CREATE TABLE IF NOT EXISTS wallet_entries (
	id            TEXT PRIMARY KEY,
	parent_id     TEXT NOT NULL REFERENCES wallets(parent_id),
	kind          TEXT NOT NULL,
	amount        INTEGER NOT NULL CHECK (amount > 0),
	balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
	revision      INTEGER NOT NULL,
	order_id      TEXT,
	reference     TEXT UNIQUE,
	created_at    TEXT NOT NULL,
	UNIQUE (parent_id, revision)
);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-process database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	zap.L().Info("Opening SQLite ledger", zap.String("file", path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// DB exposes the handle for tests and maintenance tooling.
func (s *Store) DB() *sql.DB { return s.db }

func uniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(se.Error(), column)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func (s *Store) EnsureWallet(ctx context.Context, parentID string) (orders.Wallet, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO wallets(parent_id, updated_at) VALUES (?, ?)
		ON CONFLICT(parent_id) DO NOTHING`, parentID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return orders.Wallet{}, err
	}
	return s.ReadWallet(ctx, parentID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readWallet(ctx context.Context, q queryer, parentID string) (orders.Wallet, error) {
	var (
		w       orders.Wallet
		updated string
	)
	err := q.QueryRowContext(ctx, `SELECT parent_id, balance, revision, updated_at FROM wallets WHERE parent_id=?`, parentID).
		Scan(&w.ParentID, &w.Balance, &w.Revision, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Wallet{}, orders.ErrWalletNotFound
	}
	if err != nil {
		return orders.Wallet{}, err
	}
	w.UpdatedAt, err = parseTime(updated)
	return w, err
}

func (s *Store) ReadWallet(ctx context.Context, parentID string) (orders.Wallet, error) {
	return readWallet(ctx, s.db, parentID)
}

// moveBalance applies delta iff the wallet is still at expectedRevision.
func moveBalance(ctx context.Context, tx *sql.Tx, parentID string, expectedRevision, delta int64) (orders.Wallet, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance + ?, revision = revision + 1, updated_at = ?
		WHERE parent_id = ? AND revision = ? AND balance + ? >= 0`,
		delta, time.Now().UTC().Format(timeLayout), parentID, expectedRevision, delta)
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := readWallet(ctx, tx, parentID); err != nil {
			return orders.Wallet{}, err
		}
		return orders.Wallet{}, orders.ErrRevisionConflict
	}
	return readWallet(ctx, tx, parentID)
}

func insertEntry(ctx context.Context, tx *sql.Tx, w orders.Wallet, kind orders.EntryKind, amount int64, orderID, reference string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries(id, parent_id, kind, amount, balance_after, revision, order_id, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		uuid.NewString(), w.ParentID, string(kind), amount, w.Balance, w.Revision, orderID, reference, at.UTC().Format(timeLayout))
	return err
}

func (s *Store) CommitDebitAndOrder(ctx context.Context, parentID string, expectedRevision, debit int64, o orders.Order) (orders.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := moveBalance(ctx, tx, parentID, expectedRevision, -debit)
	if err != nil {
		return orders.Wallet{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders(id, idempotency_key, parent_id, student_id, service_date, total_cost, balance_after, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.IdempotencyKey, parentID, o.StudentID, menu.FormatDate(o.ServiceDate), o.TotalCost, w.Balance,
		string(orders.StatusConfirmed), o.CreatedAt.UTC().Format(timeLayout))
	if uniqueViolation(err, "orders.idempotency_key") {
		return orders.Wallet{}, orders.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to insert order: %w", err)
	}

	for i, li := range o.LineItems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items(order_id, position, menu_item_id, name, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, i, li.MenuItemID, li.Name, li.Quantity, li.UnitPrice); err != nil {
			return orders.Wallet{}, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := insertEntry(ctx, tx, w, orders.EntryDebit, debit, o.ID, "", o.CreatedAt); err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to insert wallet entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return w, nil
}

func (s *Store) CommitCredit(ctx context.Context, parentID string, expectedRevision, amount int64, reference string, at time.Time) (orders.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := moveBalance(ctx, tx, parentID, expectedRevision, amount)
	if err != nil {
		return orders.Wallet{}, err
	}
	err = insertEntry(ctx, tx, w, orders.EntryCredit, amount, "", reference, at)
	if uniqueViolation(err, "wallet_entries.reference") {
		return orders.Wallet{}, orders.ErrDuplicateReference
	}
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to insert wallet entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return w, nil
}

func (s *Store) CommitCancellation(ctx context.Context, parentID string, expectedRevision int64, orderID string, at time.Time) (orders.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var refund int64
	err = tx.QueryRowContext(ctx, `SELECT total_cost FROM orders WHERE id=? AND parent_id=? AND status='confirmed'`,
		orderID, parentID).Scan(&refund)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Wallet{}, missingOrder(ctx, tx, orderID)
	}
	if err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to load order: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status='cancelled', cancelled_at=? WHERE id=?`,
		at.UTC().Format(timeLayout), orderID); err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to cancel order: %w", err)
	}

	w, err := moveBalance(ctx, tx, parentID, expectedRevision, refund)
	if err != nil {
		return orders.Wallet{}, err
	}
	if err := insertEntry(ctx, tx, w, orders.EntryRefund, refund, orderID, "", at); err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to insert wallet entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return orders.Wallet{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return w, nil
}

func missingOrder(ctx context.Context, q queryer, orderID string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE id=?`, orderID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return orders.ErrOrderNotFound
	}
	return orders.ErrInvalidTransition
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from, to orders.Status) error {
	if !orders.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, from, to)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status=? WHERE id=? AND status=?`, string(to), orderID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return missingOrder(ctx, s.db, orderID)
	}
	return nil
}

const orderColumns = `id, idempotency_key, parent_id, student_id, service_date, total_cost,
	balance_after, status, created_at, COALESCE(cancelled_at, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (orders.Order, error) {
	var (
		o                          orders.Order
		date, status, created, cxl string
	)
	if err := row.Scan(&o.ID, &o.IdempotencyKey, &o.ParentID, &o.StudentID, &date, &o.TotalCost,
		&o.BalanceAfter, &status, &created, &cxl); err != nil {
		return orders.Order{}, err
	}
	var err error
	o.Status = orders.Status(status)
	if o.ServiceDate, err = menu.ParseDate(date); err != nil {
		return orders.Order{}, err
	}
	if o.CreatedAt, err = parseTime(created); err != nil {
		return orders.Order{}, err
	}
	if cxl != "" {
		t, err := parseTime(cxl)
		if err != nil {
			return orders.Order{}, err
		}
		o.CancelledAt = &t
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return s.findOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, orderID)
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (orders.Order, error) {
	return s.findOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=?`, key)
}

func (s *Store) findOrder(ctx context.Context, query, arg string) (orders.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	if o.LineItems, err = s.loadItems(ctx, o.ID); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (s *Store) loadItems(ctx context.Context, orderID string) ([]orders.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT menu_item_id, name, quantity, unit_price FROM order_items
		WHERE order_id=? ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.LineItem
	for rows.Next() {
		var li orders.LineItem
		if err := rows.Scan(&li.MenuItemID, &li.Name, &li.Quantity, &li.UnitPrice); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *Store) FindEntryByReference(ctx context.Context, reference string) (orders.WalletEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM wallet_entries WHERE reference=?`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.WalletEntry{}, orders.ErrEntryNotFound
	}
	return e, err
}

func (s *Store) OrderedQuantities(ctx context.Context, studentID string, serviceDate time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.menu_item_id, SUM(i.quantity)
		FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE o.student_id=? AND o.service_date=? AND o.status <> 'cancelled'
		GROUP BY i.menu_item_id`, studentID, menu.FormatDate(serviceDate))
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

func (s *Store) ListOrders(ctx context.Context, parentID string, from, to time.Time) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE parent_id=? AND service_date BETWEEN ? AND ?
		ORDER BY service_date, created_at`, parentID, menu.FormatDate(from), menu.FormatDate(to))
	if err != nil {
		return nil, err
	}
	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// release the connection before loading items; :memory: runs on one
	rows.Close()

	for i := range out {
		if out[i].LineItems, err = s.loadItems(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const entryColumns = `id, parent_id, kind, amount, balance_after, revision,
	COALESCE(order_id, ''), COALESCE(reference, ''), created_at`

func scanEntry(row scanner) (orders.WalletEntry, error) {
	var (
		e             orders.WalletEntry
		kind, created string
	)
	if err := row.Scan(&e.ID, &e.ParentID, &kind, &e.Amount, &e.BalanceAfter, &e.Revision, &e.OrderID, &e.Reference, &created); err != nil {
		return orders.WalletEntry{}, err
	}
	e.Kind = orders.EntryKind(kind)
	var err error
	e.CreatedAt, err = parseTime(created)
	return e, err
}

func (s *Store) ListEntries(ctx context.Context, parentID string, limit int) ([]orders.WalletEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM wallet_entries WHERE parent_id=? ORDER BY revision DESC`
	args := []any{parentID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.WalletEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
