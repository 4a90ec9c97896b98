package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const milestoneColumns = `id,project_id,title,COALESCE(description,''),COALESCE(due_date,''),payment_amount,COALESCE(deliverables,''),COALESCE(acceptance_criteria,''),order_number,status,revision_count,rejection_reason,submitted_at,approved_at,approved_by,created_at,updated_at`

func scanMilestone(scan func(dest ...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var rejection, submitted, approved, approvedBy sql.NullString
	err := scan(&m.ID, &m.ProjectID, &m.Title, &m.Description, &m.DueDate,
		&m.PaymentAmount, &m.Deliverables, &m.AcceptanceCriteria,
		&m.OrderNumber, &m.Status, &m.RevisionCount,
		&rejection, &submitted, &approved, &approvedBy,
		&m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.RejectionReason = optionalString(rejection)
	m.SubmittedAt = optionalString(submitted)
	m.ApprovedAt = optionalString(approved)
	m.ApprovedBy = optionalString(approvedBy)
	return m, nil
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,project_id,title,description,due_date,payment_amount,deliverables,acceptance_criteria,order_number,status,revision_count,rejection_reason,submitted_at,approved_at,approved_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Title, nullable(m.Description), nullable(m.DueDate),
		m.PaymentAmount, nullable(m.Deliverables), nullable(m.AcceptanceCriteria),
		m.OrderNumber, m.Status, m.RevisionCount,
		nullableStringPtr(m.RejectionReason), nullableStringPtr(m.SubmittedAt),
		nullableStringPtr(m.ApprovedAt), nullableStringPtr(m.ApprovedBy),
		m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

// ListMilestones returns a project's milestones in schedule order.
func (r Repo) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY order_number ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMilestonesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Milestone, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY order_number ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET title=?, description=?, due_date=?, payment_amount=?, deliverables=?, acceptance_criteria=?, order_number=?, status=?, revision_count=?, rejection_reason=?, submitted_at=?, approved_at=?, approved_by=?, updated_at=? WHERE id=?`,
		m.Title, nullable(m.Description), nullable(m.DueDate), m.PaymentAmount,
		nullable(m.Deliverables), nullable(m.AcceptanceCriteria), m.OrderNumber,
		m.Status, m.RevisionCount,
		nullableStringPtr(m.RejectionReason), nullableStringPtr(m.SubmittedAt),
		nullableStringPtr(m.ApprovedAt), nullableStringPtr(m.ApprovedBy),
		m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MilestoneCountsTx reports total and approved milestones for completion math.
func (r Repo) MilestoneCountsTx(ctx context.Context, tx *sql.Tx, projectID string) (total, approved int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='approved' THEN 1 ELSE 0 END),0) FROM milestones WHERE project_id=?`, projectID).Scan(&total, &approved)
	return total, approved, err
}

func (r Repo) NextMilestoneOrderTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_number),0)+1 FROM milestones WHERE project_id=?`, projectID).Scan(&next)
	return next, err
}
