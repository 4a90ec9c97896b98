package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/events"
)

// ChangeOrderCreateOptions are parameters for filing a change order.
type ChangeOrderCreateOptions struct {
	ProjectID          string
	Description        string
	Reason             string
	CostImpact         int64
	ScheduleImpactDays int
	ActorID            string
}

func (e Engine) CreateChangeOrder(ctx context.Context, opts ChangeOrderCreateOptions) (domain.ChangeOrder, error) {
	if opts.ProjectID == "" {
		return domain.ChangeOrder{}, errors.New("project is required")
	}
	if opts.Description == "" {
		return domain.ChangeOrder{}, errors.New("description is required")
	}
	unlock := e.lockProject(opts.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if p.Status != "active" {
		return domain.ChangeOrder{}, invariant("project %s is not active", p.ID)
	}
	co := domain.ChangeOrder{
		ID:                 uuid.NewString(),
		ProjectID:          opts.ProjectID,
		Description:        opts.Description,
		Reason:             opts.Reason,
		CostImpact:         opts.CostImpact,
		ScheduleImpactDays: opts.ScheduleImpactDays,
		Status:             "pending",
		CreatedBy:          opts.ActorID,
		CreatedAt:          e.ts(),
	}
	if err := e.Repo.InsertChangeOrderTx(ctx, tx, co); err != nil {
		return domain.ChangeOrder{}, fmt.Errorf("insert change order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "change_order.create", co.ProjectID, "change_order", co.ID, opts.ActorID, events.EventPayload{
		"cost_impact": co.CostImpact,
	}); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeOrder{}, err
	}
	return co, nil
}

func ensureChangeOrderTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "approved" || newStatus == "rejected" {
			return nil
		}
	case "approved":
		if newStatus == "implemented" {
			return nil
		}
	}
	return &TransitionError{Entity: "change_order", From: oldStatus, To: newStatus}
}

// UpdateChangeOrderStatus moves a change order through approval. On
// implement the cost impact lands on the project: total and escrow shift
// together, with an adjustment entry in the ledger. A negative impact may
// never push the total below what has already been paid, nor the escrow
// balance below zero.
func (e Engine) UpdateChangeOrderStatus(ctx context.Context, changeOrderID, status, actorID string) (domain.ChangeOrder, error) {
	co, err := e.Repo.GetChangeOrder(ctx, changeOrderID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	unlock := e.lockProject(co.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	defer tx.Rollback()

	co, err = e.Repo.GetChangeOrderTx(ctx, tx, changeOrderID)
	if err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := ensureChangeOrderTransition(co.Status, status); err != nil {
		return domain.ChangeOrder{}, err
	}

	now := e.ts()
	oldStatus := co.Status
	co.Status = status
	switch status {
	case "approved":
		co.ApprovedAt = &now
	case "implemented":
		co.ImplementedAt = &now
		p, err := e.Repo.GetProjectTx(ctx, tx, co.ProjectID)
		if err != nil {
			return domain.ChangeOrder{}, err
		}
		newTotal := p.TotalAmount + co.CostImpact
		newEscrow := p.EscrowBalance + co.CostImpact
		if newTotal < p.PaidAmount {
			return domain.ChangeOrder{}, invariant("total %d would fall below paid %d", newTotal, p.PaidAmount)
		}
		if newEscrow < 0 {
			return domain.ChangeOrder{}, invariant("escrow balance would go negative")
		}
		if err := e.Repo.SetProjectBalancesTx(ctx, tx, p.ID, newTotal, p.PaidAmount, newEscrow, now); err != nil {
			return domain.ChangeOrder{}, err
		}
		entry := domain.EscrowEntry{
			ProjectID:     p.ID,
			ChangeOrderID: &co.ID,
			EntryType:     "adjustment",
			Amount:        co.CostImpact,
			BalanceAfter:  newEscrow,
			TS:            now,
		}
		if _, err := e.Repo.AppendEscrowEntryTx(ctx, tx, entry); err != nil {
			return domain.ChangeOrder{}, fmt.Errorf("append escrow entry: %w", err)
		}
	}
	if err := e.Repo.UpdateChangeOrderTx(ctx, tx, co); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := e.Events.Append(ctx, tx, "change_order.status", co.ProjectID, "change_order", co.ID, actorID, events.EventPayload{
		"from":        oldStatus,
		"to":          co.Status,
		"cost_impact": co.CostImpact,
	}); err != nil {
		return domain.ChangeOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeOrder{}, err
	}
	return co, nil
}
