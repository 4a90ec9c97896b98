package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const changeOrderColumns = `id,project_id,description,COALESCE(reason,''),cost_impact,schedule_impact_days,status,approved_at,implemented_at,created_by,created_at`

func scanChangeOrder(scan func(dest ...any) error) (domain.ChangeOrder, error) {
	var co domain.ChangeOrder
	var approvedAt, implementedAt sql.NullString
	err := scan(&co.ID, &co.ProjectID, &co.Description, &co.Reason,
		&co.CostImpact, &co.ScheduleImpactDays, &co.Status,
		&approvedAt, &implementedAt, &co.CreatedBy, &co.CreatedAt)
	if err == sql.ErrNoRows {
		return co, ErrNotFound
	}
	if err != nil {
		return co, err
	}
	co.ApprovedAt = optionalString(approvedAt)
	co.ImplementedAt = optionalString(implementedAt)
	return co, nil
}

func (r Repo) InsertChangeOrderTx(ctx context.Context, tx *sql.Tx, co domain.ChangeOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_orders(id,project_id,description,reason,cost_impact,schedule_impact_days,status,approved_at,implemented_at,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		co.ID, co.ProjectID, co.Description, nullable(co.Reason),
		co.CostImpact, co.ScheduleImpactDays, co.Status,
		nullableStringPtr(co.ApprovedAt), nullableStringPtr(co.ImplementedAt),
		co.CreatedBy, co.CreatedAt)
	return err
}

func (r Repo) GetChangeOrder(ctx context.Context, id string) (domain.ChangeOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+changeOrderColumns+` FROM change_orders WHERE id=?`, id)
	return scanChangeOrder(row.Scan)
}

func (r Repo) GetChangeOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeOrder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+changeOrderColumns+` FROM change_orders WHERE id=?`, id)
	return scanChangeOrder(row.Scan)
}

func (r Repo) ListChangeOrders(ctx context.Context, projectID string) ([]domain.ChangeOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+changeOrderColumns+` FROM change_orders WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeOrder
	for rows.Next() {
		co, err := scanChangeOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, co)
	}
	return res, rows.Err()
}

func (r Repo) UpdateChangeOrderTx(ctx context.Context, tx *sql.Tx, co domain.ChangeOrder) error {
	res, err := tx.ExecContext(ctx, `UPDATE change_orders SET status=?, approved_at=?, implemented_at=? WHERE id=?`,
		co.Status, nullableStringPtr(co.ApprovedAt), nullableStringPtr(co.ImplementedAt), co.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
