package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const entryColumns = `id, parent_id, kind, amount, balance_after, revision,
	COALESCE(order_id, ''), COALESCE(reference, ''), created_at`

// CommitCredit: top-up yang sudah di-approve, idempotent via reference.
func (r *Repo) CommitCredit(ctx context.Context, parentID string, expectedRevision, amount int64, reference string, at time.Time) (Wallet, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w, err := moveBalance(ctx, tx, parentID, expectedRevision, amount)
	if err != nil {
		return Wallet{}, err
	}
	err = insertEntry(ctx, tx, w, EntryCredit, amount, "", reference, at)
	if uniqueViolation(err, "wallet_entries_reference_key") {
		return Wallet{}, ErrDuplicateReference
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("insert wallet entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// CommitCancellation: refund + status cancelled. Kalau order sudah tidak
// confirmed, tidak ada perubahan yang di-commit (rollback).
func (r *Repo) CommitCancellation(ctx context.Context, parentID string, expectedRevision int64, orderID string, at time.Time) (Wallet, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var refund int64
	err = tx.QueryRow(ctx, `
		UPDATE orders SET status='cancelled', cancelled_at=$3
		WHERE id=$1 AND parent_id=$2 AND status='confirmed'
		RETURNING total_cost`, orderID, parentID, at).Scan(&refund)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, r.missingOrder(ctx, orderID)
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("cancel order: %w", err)
	}

	w, err := moveBalance(ctx, tx, parentID, expectedRevision, refund)
	if err != nil {
		return Wallet{}, err
	}
	if err := insertEntry(ctx, tx, w, EntryRefund, refund, orderID, "", at); err != nil {
		return Wallet{}, fmt.Errorf("insert wallet entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// missingOrder distinguishes an unknown order from one in the wrong status.
func (r *Repo) missingOrder(ctx context.Context, orderID string) error {
	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrInvalidTransition
}

func (r *Repo) UpdateOrderStatus(ctx context.Context, orderID string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET status=$3 WHERE id=$1 AND status=$2`, orderID, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return r.missingOrder(ctx, orderID)
	}
	return nil
}

func (r *Repo) FindEntryByReference(ctx context.Context, reference string) (WalletEntry, error) {
	e, err := scanEntry(r.DB.QueryRow(ctx, `SELECT `+entryColumns+` FROM wallet_entries WHERE reference=$1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return WalletEntry{}, ErrEntryNotFound
	}
	return e, err
}

func (r *Repo) ListEntries(ctx context.Context, parentID string, limit int) ([]WalletEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM wallet_entries WHERE parent_id=$1 ORDER BY revision DESC`
	args := []any{parentID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (WalletEntry, error) {
	var (
		e    WalletEntry
		kind string
	)
	err := row.Scan(&e.ID, &e.ParentID, &kind, &e.Amount, &e.BalanceAfter, &e.Revision, &e.OrderID, &e.Reference, &e.CreatedAt)
	e.Kind = EntryKind(kind)
	return e, err
}
