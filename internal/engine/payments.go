package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/events"
)

// PaymentCreateOptions are parameters for creating a payment. Settle
// creates the payment already completed and moves the balances in the
// same transaction, instead of parking the funds for a later release.
type PaymentCreateOptions struct {
	ProjectID   string
	MilestoneID string
	Amount      int64
	Method      string
	Reference   string
	Settle      bool
	ActorID     string
}

// CreatePayment records a payment against the project escrow. By default
// the payment is held pending in escrow until released; with Settle the
// balances move immediately. Either way the amount must fit inside the
// current escrow balance, and a milestone payment requires the milestone
// approved first.
func (e Engine) CreatePayment(ctx context.Context, opts PaymentCreateOptions) (domain.Payment, error) {
	if opts.ProjectID == "" {
		return domain.Payment{}, errors.New("project is required")
	}
	if opts.Amount <= 0 {
		return domain.Payment{}, invariant("amount must be positive")
	}
	unlock := e.lockProject(opts.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Status != "active" {
		return domain.Payment{}, invariant("project %s is not active", p.ID)
	}
	if opts.Amount > p.EscrowBalance {
		return domain.Payment{}, invariant("amount %d exceeds escrow balance %d", opts.Amount, p.EscrowBalance)
	}
	now := e.ts()
	pay := domain.Payment{
		ID:         uuid.NewString(),
		ProjectID:  opts.ProjectID,
		Amount:     opts.Amount,
		Status:     "pending",
		EscrowHeld: true,
		Method:     opts.Method,
		Reference:  opts.Reference,
		CreatedAt:  now,
	}
	if opts.Settle {
		pay.Status = "completed"
		pay.EscrowHeld = false
	}
	if opts.MilestoneID != "" {
		m, err := e.Repo.GetMilestoneTx(ctx, tx, opts.MilestoneID)
		if err != nil {
			return domain.Payment{}, err
		}
		if m.ProjectID != opts.ProjectID {
			return domain.Payment{}, fmt.Errorf("milestone %s not in project %s", opts.MilestoneID, opts.ProjectID)
		}
		if m.Status != "approved" {
			return domain.Payment{}, invariant("milestone %s is not approved", m.ID)
		}
		id := opts.MilestoneID
		pay.MilestoneID = &id
	}
	if err := e.Repo.InsertPaymentTx(ctx, tx, pay); err != nil {
		return domain.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	if opts.Settle {
		newEscrow := p.EscrowBalance - pay.Amount
		newPaid := p.PaidAmount + pay.Amount
		if newPaid > p.TotalAmount {
			return domain.Payment{}, invariant("paid %d would exceed total_amount %d", newPaid, p.TotalAmount)
		}
		if err := e.Repo.SetProjectBalancesTx(ctx, tx, p.ID, p.TotalAmount, newPaid, newEscrow, now); err != nil {
			return domain.Payment{}, err
		}
		entry := domain.EscrowEntry{
			ProjectID:    p.ID,
			PaymentID:    &pay.ID,
			EntryType:    "release",
			Amount:       -pay.Amount,
			BalanceAfter: newEscrow,
			TS:           now,
		}
		if _, err := e.Repo.AppendEscrowEntryTx(ctx, tx, entry); err != nil {
			return domain.Payment{}, fmt.Errorf("append escrow entry: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "payment.create", pay.ProjectID, "payment", pay.ID, opts.ActorID, events.EventPayload{
		"amount":       pay.Amount,
		"milestone_id": opts.MilestoneID,
		"settled":      opts.Settle,
	}); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, err
	}
	return pay, nil
}

// ReleasePayment settles a pending payment: escrow goes down, paid goes
// up, and a release entry lands in the ledger, all in one transaction.
// A payment releases at most once; the escrow-held flag is the gate.
func (e Engine) ReleasePayment(ctx context.Context, paymentID, actorID string) (domain.Payment, error) {
	pay, err := e.Repo.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	unlock := e.lockProject(pay.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()

	pay, err = e.Repo.GetPaymentTx(ctx, tx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !pay.EscrowHeld || pay.Status != "pending" {
		return domain.Payment{}, &TransitionError{Entity: "payment", From: pay.Status, To: "completed"}
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, pay.ProjectID)
	if err != nil {
		return domain.Payment{}, err
	}
	if pay.Amount > p.EscrowBalance {
		return domain.Payment{}, invariant("amount %d exceeds escrow balance %d", pay.Amount, p.EscrowBalance)
	}

	now := e.ts()
	pay.Status = "completed"
	pay.EscrowHeld = false
	pay.ReleasedAt = &now
	if err := e.Repo.UpdatePaymentTx(ctx, tx, pay); err != nil {
		return domain.Payment{}, err
	}
	newEscrow := p.EscrowBalance - pay.Amount
	newPaid := p.PaidAmount + pay.Amount
	if newPaid > p.TotalAmount {
		return domain.Payment{}, invariant("paid %d would exceed total_amount %d", newPaid, p.TotalAmount)
	}
	if err := e.Repo.SetProjectBalancesTx(ctx, tx, p.ID, p.TotalAmount, newPaid, newEscrow, now); err != nil {
		return domain.Payment{}, err
	}
	entry := domain.EscrowEntry{
		ProjectID:    p.ID,
		PaymentID:    &pay.ID,
		EntryType:    "release",
		Amount:       -pay.Amount,
		BalanceAfter: newEscrow,
		TS:           now,
	}
	if _, err := e.Repo.AppendEscrowEntryTx(ctx, tx, entry); err != nil {
		return domain.Payment{}, fmt.Errorf("append escrow entry: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "payment.release", pay.ProjectID, "payment", pay.ID, actorID, events.EventPayload{
		"amount":         pay.Amount,
		"paid_amount":    newPaid,
		"escrow_balance": newEscrow,
	}); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, err
	}
	return pay, nil
}

// DepositEscrow adds owner funds to the project's escrow balance.
func (e Engine) DepositEscrow(ctx context.Context, projectID string, amount int64, actorID string) (domain.EscrowEntry, error) {
	if amount <= 0 {
		return domain.EscrowEntry{}, invariant("amount must be positive")
	}
	unlock := e.lockProject(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowEntry{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.EscrowEntry{}, err
	}
	if p.Status == "completed" {
		return domain.EscrowEntry{}, invariant("project %s is completed", p.ID)
	}
	now := e.ts()
	newEscrow := p.EscrowBalance + amount
	if err := e.Repo.SetProjectBalancesTx(ctx, tx, p.ID, p.TotalAmount, p.PaidAmount, newEscrow, now); err != nil {
		return domain.EscrowEntry{}, err
	}
	entry := domain.EscrowEntry{
		ProjectID:    p.ID,
		EntryType:    "fund",
		Amount:       amount,
		BalanceAfter: newEscrow,
		TS:           now,
	}
	id, err := e.Repo.AppendEscrowEntryTx(ctx, tx, entry)
	if err != nil {
		return domain.EscrowEntry{}, fmt.Errorf("append escrow entry: %w", err)
	}
	entry.ID = id
	if err := e.Events.Append(ctx, tx, "escrow.deposit", p.ID, "escrow", fmt.Sprintf("%d", id), actorID, events.EventPayload{
		"amount":         amount,
		"escrow_balance": newEscrow,
	}); err != nil {
		return domain.EscrowEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EscrowEntry{}, err
	}
	return entry, nil
}
