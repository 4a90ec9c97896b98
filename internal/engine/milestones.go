package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/events"
)

// MilestoneCreateOptions are parameters for creating a milestone.
type MilestoneCreateOptions struct {
	ProjectID          string
	Title              string
	Description        string
	DueDate            string
	PaymentAmount      int64
	Deliverables       string
	AcceptanceCriteria string
	OrderNumber        int
	ActorID            string
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.ProjectID == "" {
		return domain.Milestone{}, errors.New("project is required")
	}
	if opts.Title == "" {
		return domain.Milestone{}, errors.New("title is required")
	}
	if opts.PaymentAmount < 0 {
		return domain.Milestone{}, invariant("payment_amount must not be negative")
	}
	unlock := e.lockProject(opts.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if p.Status == "completed" {
		return domain.Milestone{}, invariant("project %s is completed", p.ID)
	}
	milestones, err := e.Repo.ListMilestonesTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Milestone{}, err
	}
	var scheduled int64 = opts.PaymentAmount
	for _, m := range milestones {
		scheduled += m.PaymentAmount
	}
	if scheduled > p.TotalAmount {
		return domain.Milestone{}, invariant("milestone payments %d exceed total_amount %d", scheduled, p.TotalAmount)
	}
	if opts.OrderNumber <= 0 {
		opts.OrderNumber, err = e.Repo.NextMilestoneOrderTx(ctx, tx, opts.ProjectID)
		if err != nil {
			return domain.Milestone{}, err
		}
	}

	now := e.ts()
	m := domain.Milestone{
		ID:                 uuid.NewString(),
		ProjectID:          opts.ProjectID,
		Title:              opts.Title,
		Description:        opts.Description,
		DueDate:            opts.DueDate,
		PaymentAmount:      opts.PaymentAmount,
		Deliverables:       opts.Deliverables,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		OrderNumber:        opts.OrderNumber,
		Status:             "not_started",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	if err := e.recomputeCompletion(ctx, tx, opts.ProjectID, now); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.create", m.ProjectID, "milestone", m.ID, opts.ActorID, events.EventPayload{
		"order_number":   m.OrderNumber,
		"payment_amount": m.PaymentAmount,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

func ensureMilestoneTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "not_started":
		if newStatus == "in_progress" {
			return nil
		}
	case "in_progress":
		if newStatus == "pending_review" {
			return nil
		}
	case "pending_review":
		if newStatus == "approved" || newStatus == "needs_revision" {
			return nil
		}
	case "needs_revision":
		if newStatus == "in_progress" {
			return nil
		}
	}
	return &TransitionError{Entity: "milestone", From: oldStatus, To: newStatus}
}

// MilestoneStatusOptions are parameters for a milestone status change.
type MilestoneStatusOptions struct {
	MilestoneID     string
	Status          string
	RejectionReason string
	ActorID         string
}

// UpdateMilestoneStatus moves a milestone through its review lifecycle.
// Approval is idempotent: approving an approved milestone returns it
// unchanged. Every other repeat of a terminal move is a transition error.
func (e Engine) UpdateMilestoneStatus(ctx context.Context, opts MilestoneStatusOptions) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	unlock := e.lockProject(m.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err = e.Repo.GetMilestoneTx(ctx, tx, opts.MilestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status == "approved" && opts.Status == "approved" {
		return m, tx.Rollback()
	}
	if err := ensureMilestoneTransition(m.Status, opts.Status); err != nil {
		return domain.Milestone{}, err
	}
	if opts.Status == "in_progress" && e.enforceOrder(ctx, m.ProjectID) {
		if err := e.ensurePriorMilestonesApproved(ctx, tx, m); err != nil {
			return domain.Milestone{}, err
		}
	}

	now := e.ts()
	oldStatus := m.Status
	m.Status = opts.Status
	m.UpdatedAt = now
	switch opts.Status {
	case "pending_review":
		m.SubmittedAt = &now
	case "approved":
		m.ApprovedAt = &now
		if opts.ActorID != "" {
			actor := opts.ActorID
			m.ApprovedBy = &actor
		}
	case "needs_revision":
		m.RevisionCount++
		if opts.RejectionReason != "" {
			reason := opts.RejectionReason
			m.RejectionReason = &reason
		}
	case "in_progress":
		m.RejectionReason = nil
	}
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if opts.Status == "approved" {
		if err := e.recomputeCompletion(ctx, tx, m.ProjectID, now); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "milestone.status", m.ProjectID, "milestone", m.ID, opts.ActorID, events.EventPayload{
		"from": oldStatus,
		"to":   m.Status,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

func (e Engine) enforceOrder(ctx context.Context, projectID string) bool {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil && cfg != nil {
		return cfg.Milestones.EnforceOrder
	}
	if e.Config != nil {
		return e.Config.Milestones.EnforceOrder
	}
	return false
}

func (e Engine) ensurePriorMilestonesApproved(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	milestones, err := e.Repo.ListMilestonesTx(ctx, tx, m.ProjectID)
	if err != nil {
		return err
	}
	for _, other := range milestones {
		if other.ID == m.ID || other.OrderNumber >= m.OrderNumber {
			continue
		}
		if other.Status != "approved" {
			return invariant("milestone %d (%s) must be approved before starting %d", other.OrderNumber, other.Title, m.OrderNumber)
		}
	}
	return nil
}

// recomputeCompletion rewrites the project's completion percentage from
// the current milestone counts inside the caller's transaction.
func (e Engine) recomputeCompletion(ctx context.Context, tx *sql.Tx, projectID, now string) error {
	total, approved, err := e.Repo.MilestoneCountsTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	return e.Repo.SetProjectCompletionTx(ctx, tx, projectID, completionPercent(approved, total), now)
}
