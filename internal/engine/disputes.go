package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/events"
)

// DisputeFileOptions are parameters for filing a dispute.
type DisputeFileOptions struct {
	ProjectID         string
	MilestoneID       string
	FiledBy           string
	DisputeType       string
	Description       string
	EvidenceJSON      string
	AmountDisputed    *int64
	DesiredResolution string
}

// FileDispute opens a dispute in the first resolution stage. Filing never
// touches project balances; money only moves through payments and change
// orders.
func (e Engine) FileDispute(ctx context.Context, opts DisputeFileOptions) (domain.Dispute, error) {
	if opts.ProjectID == "" {
		return domain.Dispute{}, errors.New("project is required")
	}
	if opts.FiledBy == "" {
		return domain.Dispute{}, errors.New("filed_by is required")
	}
	if opts.Description == "" {
		return domain.Dispute{}, errors.New("description is required")
	}
	if opts.DisputeType == "" {
		opts.DisputeType = "quality"
	}
	if opts.AmountDisputed != nil && *opts.AmountDisputed <= 0 {
		return domain.Dispute{}, invariant("amount_disputed must be positive")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Dispute{}, err
	}
	stages := e.disputeStages(ctx, p.ID)
	d := domain.Dispute{
		ID:                uuid.NewString(),
		ProjectID:         opts.ProjectID,
		FiledBy:           opts.FiledBy,
		DisputeType:       opts.DisputeType,
		Description:       opts.Description,
		AmountDisputed:    opts.AmountDisputed,
		DesiredResolution: opts.DesiredResolution,
		Status:            "filed",
		ResolutionStage:   stages[0],
		CreatedAt:         e.ts(),
	}
	if opts.MilestoneID != "" {
		m, err := e.Repo.GetMilestoneTx(ctx, tx, opts.MilestoneID)
		if err != nil {
			return domain.Dispute{}, err
		}
		if m.ProjectID != opts.ProjectID {
			return domain.Dispute{}, fmt.Errorf("milestone %s not in project %s", opts.MilestoneID, opts.ProjectID)
		}
		id := opts.MilestoneID
		d.MilestoneID = &id
	}
	if opts.EvidenceJSON != "" {
		if err := validateJSON(opts.EvidenceJSON); err != nil {
			return domain.Dispute{}, fmt.Errorf("invalid evidence json: %w", err)
		}
		evidence := opts.EvidenceJSON
		d.EvidenceJSON = &evidence
	}
	if err := e.Repo.InsertDisputeTx(ctx, tx, d); err != nil {
		return domain.Dispute{}, fmt.Errorf("insert dispute: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "dispute.file", d.ProjectID, "dispute", d.ID, opts.FiledBy, events.EventPayload{
		"dispute_type": d.DisputeType,
		"stage":        d.ResolutionStage,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

func ensureDisputeTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "filed":
		if newStatus == "under_review" || newStatus == "closed" {
			return nil
		}
	case "under_review":
		if newStatus == "resolved" || newStatus == "closed" {
			return nil
		}
	case "resolved":
		if newStatus == "closed" {
			return nil
		}
	}
	return &TransitionError{Entity: "dispute", From: oldStatus, To: newStatus}
}

// DisputeStatusOptions are parameters for a dispute status change.
type DisputeStatusOptions struct {
	DisputeID  string
	Status     string
	Resolution string
	ActorID    string
}

func (e Engine) UpdateDisputeStatus(ctx context.Context, opts DisputeStatusOptions) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, opts.DisputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	unlock := e.lockProject(d.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	d, err = e.Repo.GetDisputeTx(ctx, tx, opts.DisputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := ensureDisputeTransition(d.Status, opts.Status); err != nil {
		return domain.Dispute{}, err
	}
	if opts.Status == "resolved" && opts.Resolution == "" {
		return domain.Dispute{}, errors.New("resolution is required to resolve a dispute")
	}

	now := e.ts()
	oldStatus := d.Status
	d.Status = opts.Status
	if opts.Status == "resolved" {
		resolution := opts.Resolution
		d.Resolution = &resolution
		d.ResolvedAt = &now
	}
	if err := e.Repo.UpdateDisputeTx(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.status", d.ProjectID, "dispute", d.ID, opts.ActorID, events.EventPayload{
		"from": oldStatus,
		"to":   d.Status,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// EscalateDispute moves an open dispute to the next resolution stage.
// Stages only move forward; the last stage cannot escalate further.
func (e Engine) EscalateDispute(ctx context.Context, disputeID, actorID string) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	unlock := e.lockProject(d.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	d, err = e.Repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if d.Status == "resolved" || d.Status == "closed" {
		return domain.Dispute{}, &TransitionError{Entity: "dispute", From: d.Status, To: d.Status}
	}
	stages := e.disputeStages(ctx, d.ProjectID)
	idx := -1
	for i, stage := range stages {
		if stage == d.ResolutionStage {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Dispute{}, fmt.Errorf("unknown resolution stage %q", d.ResolutionStage)
	}
	if idx == len(stages)-1 {
		return domain.Dispute{}, invariant("dispute already at final stage %s", d.ResolutionStage)
	}

	oldStage := d.ResolutionStage
	d.ResolutionStage = stages[idx+1]
	if err := e.Repo.UpdateDisputeTx(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.escalate", d.ProjectID, "dispute", d.ID, actorID, events.EventPayload{
		"from": oldStage,
		"to":   d.ResolutionStage,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

func (e Engine) disputeStages(ctx context.Context, projectID string) []string {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil && cfg != nil && len(cfg.Disputes.Stages) > 0 {
		return cfg.Disputes.Stages
	}
	if e.Config != nil && len(e.Config.Disputes.Stages) > 0 {
		return e.Config.Disputes.Stages
	}
	return []string{"internal", "mediation", "arbitration"}
}
