package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const disputeColumns = `id,project_id,milestone_id,filed_by,dispute_type,description,evidence_json,amount_disputed,COALESCE(desired_resolution,''),status,resolution_stage,resolution,resolved_at,created_at`

func scanDispute(scan func(dest ...any) error) (domain.Dispute, error) {
	var d domain.Dispute
	var milestoneID, evidence, resolution, resolvedAt sql.NullString
	var amount sql.NullInt64
	err := scan(&d.ID, &d.ProjectID, &milestoneID, &d.FiledBy, &d.DisputeType,
		&d.Description, &evidence, &amount, &d.DesiredResolution,
		&d.Status, &d.ResolutionStage, &resolution, &resolvedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.MilestoneID = optionalString(milestoneID)
	d.EvidenceJSON = optionalString(evidence)
	if amount.Valid {
		v := amount.Int64
		d.AmountDisputed = &v
	}
	d.Resolution = optionalString(resolution)
	d.ResolvedAt = optionalString(resolvedAt)
	return d, nil
}

func (r Repo) InsertDisputeTx(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,project_id,milestone_id,filed_by,dispute_type,description,evidence_json,amount_disputed,desired_resolution,status,resolution_stage,resolution,resolved_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, nullableStringPtr(d.MilestoneID), d.FiledBy, d.DisputeType,
		d.Description, nullableStringPtr(d.EvidenceJSON), nullableInt64Ptr(d.AmountDisputed),
		nullable(d.DesiredResolution), d.Status, d.ResolutionStage,
		nullableStringPtr(d.Resolution), nullableStringPtr(d.ResolvedAt), d.CreatedAt)
	return err
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id)
	return scanDispute(row.Scan)
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id)
	return scanDispute(row.Scan)
}

func (r Repo) ListDisputes(ctx context.Context, projectID string) ([]domain.Dispute, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDisputeTx(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status=?, resolution_stage=?, resolution=?, resolved_at=? WHERE id=?`,
		d.Status, d.ResolutionStage, nullableStringPtr(d.Resolution), nullableStringPtr(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenDisputesTx counts disputes that are neither resolved nor closed.
func (r Repo) OpenDisputesTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes WHERE project_id=? AND status NOT IN ('resolved','closed')`, projectID).Scan(&n)
	return n, err
}
