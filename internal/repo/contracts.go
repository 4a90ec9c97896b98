package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const scopeColumns = `id,project_id,version,COALESCE(work_breakdown,''),COALESCE(materials,''),COALESCE(requirements,''),COALESCE(exclusions,''),owner_approved,contractor_approved,created_at`

func scanScope(scan func(dest ...any) error) (domain.ScopeOfWork, error) {
	var s domain.ScopeOfWork
	var ownerApproved, contractorApproved int
	err := scan(&s.ID, &s.ProjectID, &s.Version, &s.WorkBreakdown, &s.Materials,
		&s.Requirements, &s.Exclusions, &ownerApproved, &contractorApproved, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.OwnerApproved = ownerApproved == 1
	s.ContractorApproved = contractorApproved == 1
	return s, nil
}

func (r Repo) InsertScopeTx(ctx context.Context, tx *sql.Tx, s domain.ScopeOfWork) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scopes_of_work(id,project_id,version,work_breakdown,materials,requirements,exclusions,owner_approved,contractor_approved,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Version, nullable(s.WorkBreakdown), nullable(s.Materials),
		nullable(s.Requirements), nullable(s.Exclusions),
		boolToInt(s.OwnerApproved), boolToInt(s.ContractorApproved), s.CreatedAt)
	return err
}

func (r Repo) CountScopesTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scopes_of_work WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) GetScope(ctx context.Context, id string) (domain.ScopeOfWork, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM scopes_of_work WHERE id=?`, id)
	return scanScope(row.Scan)
}

func (r Repo) GetScopeTx(ctx context.Context, tx *sql.Tx, id string) (domain.ScopeOfWork, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM scopes_of_work WHERE id=?`, id)
	return scanScope(row.Scan)
}

// ListScopes returns every scope version for a project, newest version first.
func (r Repo) ListScopes(ctx context.Context, projectID string) ([]domain.ScopeOfWork, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scopeColumns+` FROM scopes_of_work WHERE project_id=? ORDER BY version DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScopeOfWork
	for rows.Next() {
		s, err := scanScope(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) LatestScope(ctx context.Context, projectID string) (domain.ScopeOfWork, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM scopes_of_work WHERE project_id=? ORDER BY version DESC LIMIT 1`, projectID)
	return scanScope(row.Scan)
}

func (r Repo) UpdateScopeApprovalTx(ctx context.Context, tx *sql.Tx, s domain.ScopeOfWork) error {
	res, err := tx.ExecContext(ctx, `UPDATE scopes_of_work SET owner_approved=?, contractor_approved=? WHERE id=?`,
		boolToInt(s.OwnerApproved), boolToInt(s.ContractorApproved), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const contractColumns = `id,project_id,contract_type,COALESCE(terms,''),payment_schedule_json,COALESCE(warranty_terms,''),COALESCE(dispute_resolution,''),COALESCE(insurance_requirements,''),owner_signed,owner_signature,owner_signed_at,contractor_signed,contractor_signature,contractor_signed_at,fully_executed_at,created_at`

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var ownerSigned, contractorSigned int
	var schedule, ownerSig, ownerAt, contractorSig, contractorAt, executedAt sql.NullString
	err := scan(&c.ID, &c.ProjectID, &c.ContractType, &c.Terms, &schedule,
		&c.WarrantyTerms, &c.DisputeResolution, &c.InsuranceRequirements,
		&ownerSigned, &ownerSig, &ownerAt,
		&contractorSigned, &contractorSig, &contractorAt,
		&executedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.PaymentScheduleJSON = optionalString(schedule)
	c.OwnerSigned = ownerSigned == 1
	c.OwnerSignature = optionalString(ownerSig)
	c.OwnerSignedAt = optionalString(ownerAt)
	c.ContractorSigned = contractorSigned == 1
	c.ContractorSignature = optionalString(contractorSig)
	c.ContractorSignedAt = optionalString(contractorAt)
	c.FullyExecutedAt = optionalString(executedAt)
	return c, nil
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(id,project_id,contract_type,terms,payment_schedule_json,warranty_terms,dispute_resolution,insurance_requirements,owner_signed,owner_signature,owner_signed_at,contractor_signed,contractor_signature,contractor_signed_at,fully_executed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.ContractType, nullable(c.Terms), nullableStringPtr(c.PaymentScheduleJSON),
		nullable(c.WarrantyTerms), nullable(c.DisputeResolution), nullable(c.InsuranceRequirements),
		boolToInt(c.OwnerSigned), nullableStringPtr(c.OwnerSignature), nullableStringPtr(c.OwnerSignedAt),
		boolToInt(c.ContractorSigned), nullableStringPtr(c.ContractorSignature), nullableStringPtr(c.ContractorSignedAt),
		nullableStringPtr(c.FullyExecutedAt), c.CreatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

func (r Repo) GetContractByProject(ctx context.Context, projectID string) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE project_id=?`, projectID)
	return scanContract(row.Scan)
}

func (r Repo) ContractExistsTx(ctx context.Context, tx *sql.Tx, projectID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE project_id=?`, projectID).Scan(&n)
	return n > 0, err
}

func (r Repo) UpdateContractSignaturesTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET owner_signed=?, owner_signature=?, owner_signed_at=?, contractor_signed=?, contractor_signature=?, contractor_signed_at=?, fully_executed_at=? WHERE id=?`,
		boolToInt(c.OwnerSigned), nullableStringPtr(c.OwnerSignature), nullableStringPtr(c.OwnerSignedAt),
		boolToInt(c.ContractorSigned), nullableStringPtr(c.ContractorSignature), nullableStringPtr(c.ContractorSignedAt),
		nullableStringPtr(c.FullyExecutedAt), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func optionalString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}
