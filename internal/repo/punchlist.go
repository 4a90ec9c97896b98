package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const punchItemColumns = `id,project_id,title,COALESCE(location,''),status,created_by,created_at,completed_at`

func scanPunchItem(scan func(dest ...any) error) (domain.PunchListItem, error) {
	var it domain.PunchListItem
	var completedAt sql.NullString
	err := scan(&it.ID, &it.ProjectID, &it.Title, &it.Location,
		&it.Status, &it.CreatedBy, &it.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.CompletedAt = optionalString(completedAt)
	return it, nil
}

func (r Repo) InsertPunchItemTx(ctx context.Context, tx *sql.Tx, it domain.PunchListItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO punch_list_items(id,project_id,title,location,status,created_by,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Title, nullable(it.Location),
		it.Status, it.CreatedBy, it.CreatedAt, nullableStringPtr(it.CompletedAt))
	return err
}

func (r Repo) GetPunchItem(ctx context.Context, id string) (domain.PunchListItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+punchItemColumns+` FROM punch_list_items WHERE id=?`, id)
	return scanPunchItem(row.Scan)
}

func (r Repo) GetPunchItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.PunchListItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+punchItemColumns+` FROM punch_list_items WHERE id=?`, id)
	return scanPunchItem(row.Scan)
}

func (r Repo) ListPunchItems(ctx context.Context, projectID string) ([]domain.PunchListItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+punchItemColumns+` FROM punch_list_items WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PunchListItem
	for rows.Next() {
		it, err := scanPunchItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePunchItemTx(ctx context.Context, tx *sql.Tx, it domain.PunchListItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE punch_list_items SET status=?, completed_at=? WHERE id=?`,
		it.Status, nullableStringPtr(it.CompletedAt), it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenPunchItemsTx counts items still open, gating project completion.
func (r Repo) OpenPunchItemsTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM punch_list_items WHERE project_id=? AND status='open'`, projectID).Scan(&n)
	return n, err
}
