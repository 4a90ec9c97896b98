package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/events"
)

// ScopeCreateOptions are parameters for creating a scope of work version.
type ScopeCreateOptions struct {
	ProjectID     string
	WorkBreakdown string
	Materials     string
	Requirements  string
	Exclusions    string
	ActorID       string
}

// CreateScopeOfWork appends a new scope version. Versions are assigned
// inside the transaction so concurrent creates cannot collide; the new
// version starts with both approvals cleared.
func (e Engine) CreateScopeOfWork(ctx context.Context, opts ScopeCreateOptions) (domain.ScopeOfWork, error) {
	if opts.ProjectID == "" {
		return domain.ScopeOfWork{}, errors.New("project is required")
	}
	if opts.WorkBreakdown == "" {
		return domain.ScopeOfWork{}, errors.New("work breakdown is required")
	}
	unlock := e.lockProject(opts.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScopeOfWork{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.ScopeOfWork{}, err
	}
	if p.Status == "completed" {
		return domain.ScopeOfWork{}, invariant("project %s is completed", p.ID)
	}
	n, err := e.Repo.CountScopesTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.ScopeOfWork{}, err
	}
	s := domain.ScopeOfWork{
		ID:            uuid.NewString(),
		ProjectID:     opts.ProjectID,
		Version:       n + 1,
		WorkBreakdown: opts.WorkBreakdown,
		Materials:     opts.Materials,
		Requirements:  opts.Requirements,
		Exclusions:    opts.Exclusions,
		CreatedAt:     e.ts(),
	}
	if err := e.Repo.InsertScopeTx(ctx, tx, s); err != nil {
		return domain.ScopeOfWork{}, fmt.Errorf("insert scope: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "scope.create", s.ProjectID, "scope", s.ID, opts.ActorID, events.EventPayload{
		"version": s.Version,
	}); err != nil {
		return domain.ScopeOfWork{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScopeOfWork{}, err
	}
	return s, nil
}

// ApproveScope records one party's approval of a scope version. Approving
// twice is a no-op; approvals on older versions stay recorded but only the
// latest version is authoritative.
func (e Engine) ApproveScope(ctx context.Context, scopeID, party, actorID string) (domain.ScopeOfWork, error) {
	if party != "owner" && party != "contractor" {
		return domain.ScopeOfWork{}, fmt.Errorf("unknown party %q", party)
	}
	s, err := e.Repo.GetScope(ctx, scopeID)
	if err != nil {
		return domain.ScopeOfWork{}, err
	}
	unlock := e.lockProject(s.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScopeOfWork{}, err
	}
	defer tx.Rollback()

	s, err = e.Repo.GetScopeTx(ctx, tx, scopeID)
	if err != nil {
		return domain.ScopeOfWork{}, err
	}
	switch party {
	case "owner":
		if s.OwnerApproved {
			return s, tx.Rollback()
		}
		s.OwnerApproved = true
	case "contractor":
		if s.ContractorApproved {
			return s, tx.Rollback()
		}
		s.ContractorApproved = true
	}
	if err := e.Repo.UpdateScopeApprovalTx(ctx, tx, s); err != nil {
		return domain.ScopeOfWork{}, err
	}
	if err := e.Events.Append(ctx, tx, "scope.approve", s.ProjectID, "scope", s.ID, actorID, events.EventPayload{
		"party":   party,
		"version": s.Version,
	}); err != nil {
		return domain.ScopeOfWork{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScopeOfWork{}, err
	}
	return s, nil
}

// ContractCreateOptions are parameters for creating a contract.
type ContractCreateOptions struct {
	ProjectID             string
	ContractType          string
	Terms                 string
	Schedule              []domain.ScheduleEntry
	WarrantyTerms         string
	DisputeResolution     string
	InsuranceRequirements string
	ActorID               string
}

// CreateContract creates the single contract for a project. A project can
// only ever hold one contract; re-creating is rejected.
func (e Engine) CreateContract(ctx context.Context, opts ContractCreateOptions) (domain.Contract, error) {
	if opts.ProjectID == "" {
		return domain.Contract{}, errors.New("project is required")
	}
	if opts.ContractType == "" {
		opts.ContractType = "fixed_price"
	}
	unlock := e.lockProject(opts.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Contract{}, err
	}
	exists, err := e.Repo.ContractExistsTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Contract{}, err
	}
	if exists {
		return domain.Contract{}, invariant("project %s already has a contract", opts.ProjectID)
	}
	if len(opts.Schedule) > 0 {
		var sum int64
		for _, entry := range opts.Schedule {
			if entry.Amount < 0 {
				return domain.Contract{}, invariant("schedule entry amount must not be negative")
			}
			sum += entry.Amount
		}
		if sum > p.TotalAmount {
			return domain.Contract{}, invariant("payment schedule %d exceeds total_amount %d", sum, p.TotalAmount)
		}
	}

	c := domain.Contract{
		ID:                    uuid.NewString(),
		ProjectID:             opts.ProjectID,
		ContractType:          opts.ContractType,
		Terms:                 opts.Terms,
		WarrantyTerms:         opts.WarrantyTerms,
		DisputeResolution:     opts.DisputeResolution,
		InsuranceRequirements: opts.InsuranceRequirements,
		CreatedAt:             e.ts(),
	}
	if len(opts.Schedule) > 0 {
		scheduleJSON, err := marshalSchedule(opts.Schedule)
		if err != nil {
			return domain.Contract{}, err
		}
		c.PaymentScheduleJSON = &scheduleJSON
	}
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "contract.create", c.ProjectID, "contract", c.ID, opts.ActorID, events.EventPayload{
		"contract_type": c.ContractType,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// SignContract records one party's signature. Signing twice is a no-op.
// When the second signature lands the contract becomes fully executed,
// seeds milestones from its payment schedule if the project has none, and
// moves a setup project to active. Full execution happens exactly once
// regardless of signing order.
func (e Engine) SignContract(ctx context.Context, contractID, party, signature, actorID string) (domain.Contract, error) {
	if party != "owner" && party != "contractor" {
		return domain.Contract{}, fmt.Errorf("unknown party %q", party)
	}
	c, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	unlock := e.lockProject(c.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err = e.Repo.GetContractTx(ctx, tx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	now := e.ts()
	switch party {
	case "owner":
		if c.OwnerSigned {
			return c, tx.Rollback()
		}
		c.OwnerSigned = true
		c.OwnerSignedAt = &now
		if signature != "" {
			c.OwnerSignature = &signature
		}
	case "contractor":
		if c.ContractorSigned {
			return c, tx.Rollback()
		}
		c.ContractorSigned = true
		c.ContractorSignedAt = &now
		if signature != "" {
			c.ContractorSignature = &signature
		}
	}

	executedNow := c.OwnerSigned && c.ContractorSigned && c.FullyExecutedAt == nil
	if executedNow {
		c.FullyExecutedAt = &now
	}
	if err := e.Repo.UpdateContractSignaturesTx(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	if err := e.Events.Append(ctx, tx, "contract.sign", c.ProjectID, "contract", c.ID, actorID, events.EventPayload{
		"party":          party,
		"fully_executed": executedNow,
	}); err != nil {
		return domain.Contract{}, err
	}

	if executedNow {
		if err := e.onContractExecuted(ctx, tx, c, actorID, now); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (e Engine) onContractExecuted(ctx context.Context, tx *sql.Tx, c domain.Contract, actorID, now string) error {
	total, _, err := e.Repo.MilestoneCountsTx(ctx, tx, c.ProjectID)
	if err != nil {
		return err
	}
	if total == 0 && c.PaymentScheduleJSON != nil {
		schedule, err := unmarshalSchedule(*c.PaymentScheduleJSON)
		if err != nil {
			return err
		}
		for i, entry := range schedule {
			m := domain.Milestone{
				ID:            uuid.NewString(),
				ProjectID:     c.ProjectID,
				Title:         entry.Title,
				DueDate:       entry.DueDate,
				PaymentAmount: entry.Amount,
				OrderNumber:   i + 1,
				Status:        "not_started",
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
				return fmt.Errorf("seed milestone: %w", err)
			}
		}
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, c.ProjectID)
	if err != nil {
		return err
	}
	if p.Status == "setup" {
		if err := e.Repo.SetProjectStatusTx(ctx, tx, p.ID, "active", now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "project.activate", p.ID, "project", p.ID, actorID, events.EventPayload{
			"contract_id": c.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func marshalSchedule(schedule []domain.ScheduleEntry) (string, error) {
	data, err := json.Marshal(schedule)
	if err != nil {
		return "", fmt.Errorf("marshal payment schedule: %w", err)
	}
	return string(data), nil
}

func unmarshalSchedule(raw string) ([]domain.ScheduleEntry, error) {
	var schedule []domain.ScheduleEntry
	if err := json.Unmarshal([]byte(raw), &schedule); err != nil {
		return nil, fmt.Errorf("parse payment schedule: %w", err)
	}
	return schedule, nil
}
