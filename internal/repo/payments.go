package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const paymentColumns = `id,project_id,milestone_id,amount,status,escrow_held,COALESCE(method,''),COALESCE(reference,''),released_at,created_at`

func scanPayment(scan func(dest ...any) error) (domain.Payment, error) {
	var p domain.Payment
	var milestoneID, releasedAt sql.NullString
	var escrowHeld int
	err := scan(&p.ID, &p.ProjectID, &milestoneID, &p.Amount, &p.Status,
		&escrowHeld, &p.Method, &p.Reference, &releasedAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.MilestoneID = optionalString(milestoneID)
	p.EscrowHeld = escrowHeld == 1
	p.ReleasedAt = optionalString(releasedAt)
	return p, nil
}

func (r Repo) InsertPaymentTx(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payments(id,project_id,milestone_id,amount,status,escrow_held,method,reference,released_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, nullableStringPtr(p.MilestoneID), p.Amount, p.Status,
		boolToInt(p.EscrowHeld), nullable(p.Method), nullable(p.Reference),
		nullableStringPtr(p.ReleasedAt), p.CreatedAt)
	return err
}

func (r Repo) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id)
	return scanPayment(row.Scan)
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Payment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id)
	return scanPayment(row.Scan)
}

// ListPayments returns a project's payments, newest first.
func (r Repo) ListPayments(ctx context.Context, projectID string) ([]domain.Payment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePaymentTx(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	res, err := tx.ExecContext(ctx, `UPDATE payments SET status=?, escrow_held=?, released_at=? WHERE id=?`,
		p.Status, boolToInt(p.EscrowHeld), nullableStringPtr(p.ReleasedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEscrowEntry(scan func(dest ...any) error) (domain.EscrowEntry, error) {
	var e domain.EscrowEntry
	var paymentID, changeOrderID sql.NullString
	err := scan(&e.ID, &e.ProjectID, &paymentID, &changeOrderID,
		&e.EntryType, &e.Amount, &e.BalanceAfter, &e.TS)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.PaymentID = optionalString(paymentID)
	e.ChangeOrderID = optionalString(changeOrderID)
	return e, nil
}

// AppendEscrowEntryTx appends one ledger row. Entries are never updated or
// deleted; the row id comes back for callers that report it.
func (r Repo) AppendEscrowEntryTx(ctx context.Context, tx *sql.Tx, e domain.EscrowEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO escrow_entries(project_id,payment_id,change_order_id,entry_type,amount,balance_after,ts)
VALUES (?,?,?,?,?,?,?)`,
		e.ProjectID, nullableStringPtr(e.PaymentID), nullableStringPtr(e.ChangeOrderID),
		e.EntryType, e.Amount, e.BalanceAfter, e.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListEscrowEntries returns the ledger in append order.
func (r Repo) ListEscrowEntries(ctx context.Context, projectID string) ([]domain.EscrowEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,payment_id,change_order_id,entry_type,amount,balance_after,ts FROM escrow_entries WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscrowEntry
	for rows.Next() {
		e, err := scanEscrowEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
