package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"siteline/internal/config"
	"siteline/internal/domain"
	"siteline/internal/events"
	"siteline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *projectLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  &projectLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// projectLocks serializes read-modify-write sequences per project so that
// money math computed in Go is not raced by a concurrent mutation on the
// same project. SQLite serializes writes; this serializes the reads that
// feed them.
type projectLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *projectLocks) lock(projectID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	pm, ok := l.m[projectID]
	if !ok {
		pm = &sync.Mutex{}
		l.m[projectID] = pm
	}
	l.mu.Unlock()
	pm.Lock()
	return pm.Unlock
}

func (e Engine) lockProject(projectID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(projectID)
}

// TransitionError reports a state change the entity's lifecycle does not
// allow.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// InvariantError reports a mutation that would break a settlement rule,
// like an escrow balance going negative.
type InvariantError struct {
	Rule string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Rule
}

func invariant(format string, args ...any) error {
	return &InvariantError{Rule: fmt.Sprintf(format, args...)}
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID             string
	OwnerID        string
	OwnerName      string
	ContractorID   string
	ContractorName string
	Title          string
	Description    string
	StartDate      string
	EndDate        string
	TotalAmount    int64
	ActorID        string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	if opts.OwnerID == "" || opts.ContractorID == "" {
		return domain.Project{}, errors.New("owner and contractor are required")
	}
	if opts.TotalAmount <= 0 {
		return domain.Project{}, invariant("total_amount must be positive")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.ts()
	p := domain.Project{
		ID:             opts.ID,
		OwnerID:        opts.OwnerID,
		OwnerName:      opts.OwnerName,
		ContractorID:   opts.ContractorID,
		ContractorName: opts.ContractorName,
		Title:          opts.Title,
		Description:    opts.Description,
		StartDate:      opts.StartDate,
		EndDate:        opts.EndDate,
		TotalAmount:    opts.TotalAmount,
		Status:         "setup",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !e.Config.Escrow.RequireFunding {
		p.EscrowBalance = opts.TotalAmount
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, e.Config.CloneFor(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if !e.Config.Escrow.RequireFunding {
		entry := domain.EscrowEntry{
			ProjectID:    p.ID,
			EntryType:    "fund",
			Amount:       p.TotalAmount,
			BalanceAfter: p.TotalAmount,
			TS:           now,
		}
		if _, err := e.Repo.AppendEscrowEntryTx(ctx, tx, entry); err != nil {
			return domain.Project{}, fmt.Errorf("fund escrow: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "project.create", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"status":       p.Status,
		"total_amount": p.TotalAmount,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AwardOptions bundle everything a bid award carries: the project terms,
// the agreed scope, the contract and its payment schedule.
type AwardOptions struct {
	Project  ProjectCreateOptions
	Scope    ScopeCreateOptions
	Contract ContractCreateOptions
	Schedule []domain.ScheduleEntry
	ActorID  string
}

// AwardProject creates the project, its first scope version, the contract
// and the milestones seeded from the payment schedule in one transaction.
// On any failure nothing is persisted.
func (e Engine) AwardProject(ctx context.Context, opts AwardOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	po := opts.Project
	if po.Title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	if po.OwnerID == "" || po.ContractorID == "" {
		return domain.Project{}, errors.New("owner and contractor are required")
	}
	if po.TotalAmount <= 0 {
		return domain.Project{}, invariant("total_amount must be positive")
	}
	if len(opts.Schedule) > 0 {
		var sum int64
		for _, entry := range opts.Schedule {
			if entry.Amount < 0 {
				return domain.Project{}, invariant("schedule entry amount must not be negative")
			}
			sum += entry.Amount
		}
		if sum > po.TotalAmount {
			return domain.Project{}, invariant("payment schedule %d exceeds total_amount %d", sum, po.TotalAmount)
		}
	}
	if po.ID == "" {
		po.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.ts()
	p := domain.Project{
		ID:             po.ID,
		OwnerID:        po.OwnerID,
		OwnerName:      po.OwnerName,
		ContractorID:   po.ContractorID,
		ContractorName: po.ContractorName,
		Title:          po.Title,
		Description:    po.Description,
		StartDate:      po.StartDate,
		EndDate:        po.EndDate,
		TotalAmount:    po.TotalAmount,
		EscrowBalance:  po.TotalAmount,
		Status:         "active",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, e.Config.CloneFor(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}

	scope := domain.ScopeOfWork{
		ID:                 uuid.NewString(),
		ProjectID:          p.ID,
		Version:            1,
		WorkBreakdown:      opts.Scope.WorkBreakdown,
		Materials:          opts.Scope.Materials,
		Requirements:       opts.Scope.Requirements,
		Exclusions:         opts.Scope.Exclusions,
		OwnerApproved:      true,
		ContractorApproved: true,
		CreatedAt:          now,
	}
	if err := e.Repo.InsertScopeTx(ctx, tx, scope); err != nil {
		return domain.Project{}, fmt.Errorf("insert scope: %w", err)
	}

	co := opts.Contract
	if co.ContractType == "" {
		co.ContractType = "fixed_price"
	}
	contract := domain.Contract{
		ID:                    uuid.NewString(),
		ProjectID:             p.ID,
		ContractType:          co.ContractType,
		Terms:                 co.Terms,
		WarrantyTerms:         co.WarrantyTerms,
		DisputeResolution:     co.DisputeResolution,
		InsuranceRequirements: co.InsuranceRequirements,
		OwnerSigned:           true,
		OwnerSignedAt:         &now,
		ContractorSigned:      true,
		ContractorSignedAt:    &now,
		FullyExecutedAt:       &now,
		CreatedAt:             now,
	}
	if len(opts.Schedule) > 0 {
		scheduleJSON, err := marshalSchedule(opts.Schedule)
		if err != nil {
			return domain.Project{}, err
		}
		contract.PaymentScheduleJSON = &scheduleJSON
	}
	if err := e.Repo.InsertContractTx(ctx, tx, contract); err != nil {
		return domain.Project{}, fmt.Errorf("insert contract: %w", err)
	}

	for i, entry := range opts.Schedule {
		m := domain.Milestone{
			ID:            uuid.NewString(),
			ProjectID:     p.ID,
			Title:         entry.Title,
			DueDate:       entry.DueDate,
			PaymentAmount: entry.Amount,
			OrderNumber:   i + 1,
			Status:        "not_started",
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
			return domain.Project{}, fmt.Errorf("insert milestone: %w", err)
		}
	}

	entry := domain.EscrowEntry{
		ProjectID:    p.ID,
		EntryType:    "fund",
		Amount:       p.TotalAmount,
		BalanceAfter: p.TotalAmount,
		TS:           now,
	}
	if _, err := e.Repo.AppendEscrowEntryTx(ctx, tx, entry); err != nil {
		return domain.Project{}, fmt.Errorf("fund escrow: %w", err)
	}

	if err := e.Events.Append(ctx, tx, "project.award", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"status":       p.Status,
		"total_amount": p.TotalAmount,
		"milestones":   len(opts.Schedule),
		"contract_id":  contract.ID,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CompleteProject closes out an active project. Every milestone must be
// approved, the punch list cleared and no dispute left open.
func (e Engine) CompleteProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	unlock := e.lockProject(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status != "active" {
		return domain.Project{}, &TransitionError{Entity: "project", From: p.Status, To: "completed"}
	}
	total, approved, err := e.Repo.MilestoneCountsTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if total == 0 || approved < total {
		return domain.Project{}, invariant("project has %d of %d milestones approved", approved, total)
	}
	openPunch, err := e.Repo.OpenPunchItemsTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if openPunch > 0 {
		return domain.Project{}, invariant("%d punch list items still open", openPunch)
	}
	openDisputes, err := e.Repo.OpenDisputesTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if openDisputes > 0 {
		return domain.Project{}, invariant("%d disputes still open", openDisputes)
	}

	now := e.ts()
	if err := e.Repo.SetProjectStatusTx(ctx, tx, projectID, "completed", now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.complete", projectID, "project", projectID, actorID, events.EventPayload{
		"paid_amount":    p.PaidAmount,
		"escrow_balance": p.EscrowBalance,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = "completed"
	p.UpdatedAt = now
	return p, nil
}

// StatusReport is the aggregate view of a project's settlement state.
type StatusReport struct {
	Project             domain.Project `json:"project"`
	MilestonesTotal     int            `json:"milestones_total"`
	MilestonesApproved  int            `json:"milestones_approved"`
	MilestonesInFlight  int            `json:"milestones_in_flight"`
	OpenPunchItems      int            `json:"open_punch_items"`
	OpenDisputes        int            `json:"open_disputes"`
	PendingPayments     int            `json:"pending_payments"`
	RemainingToPay      int64          `json:"remaining_to_pay"`
	ContractExecuted    bool           `json:"contract_executed"`
	LatestScopeVersion  int            `json:"latest_scope_version"`
	LatestScopeApproved bool           `json:"latest_scope_approved"`
}

func (e Engine) ProjectStatus(ctx context.Context, projectID string) (StatusReport, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	rep := StatusReport{
		Project:        p,
		RemainingToPay: p.TotalAmount - p.PaidAmount,
	}
	milestones, err := e.Repo.ListMilestones(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	rep.MilestonesTotal = len(milestones)
	for _, m := range milestones {
		switch m.Status {
		case "approved":
			rep.MilestonesApproved++
		case "in_progress", "pending_review", "needs_revision":
			rep.MilestonesInFlight++
		}
	}
	punch, err := e.Repo.ListPunchItems(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	for _, it := range punch {
		if it.Status == "open" {
			rep.OpenPunchItems++
		}
	}
	disputes, err := e.Repo.ListDisputes(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	for _, d := range disputes {
		if d.Status != "resolved" && d.Status != "closed" {
			rep.OpenDisputes++
		}
	}
	payments, err := e.Repo.ListPayments(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	for _, pay := range payments {
		if pay.Status == "pending" {
			rep.PendingPayments++
		}
	}
	contract, err := e.Repo.GetContractByProject(ctx, projectID)
	switch {
	case err == nil:
		rep.ContractExecuted = contract.FullyExecutedAt != nil
	case errors.Is(err, repo.ErrNotFound):
	default:
		return StatusReport{}, err
	}
	scope, err := e.Repo.LatestScope(ctx, projectID)
	switch {
	case err == nil:
		rep.LatestScopeVersion = scope.Version
		rep.LatestScopeApproved = scope.OwnerApproved && scope.ContractorApproved
	case errors.Is(err, repo.ErrNotFound):
	default:
		return StatusReport{}, err
	}
	return rep, nil
}

// completionPercent is round(100*approved/total); zero milestones means 0.
func completionPercent(approved, total int) int {
	if total == 0 {
		return 0
	}
	return int((float64(approved)/float64(total))*100 + 0.5)
}
