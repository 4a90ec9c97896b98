package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	"siteline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWith(t, config.Default("workspace"))
}

func newTestEnvWith(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func awardFixture(t *testing.T, env testEnv) domain.Project {
	t.Helper()
	p, err := env.Engine.AwardProject(env.Ctx, engine.AwardOptions{
		Project: engine.ProjectCreateOptions{
			OwnerID:      "owner-1",
			ContractorID: "contractor-1",
			Title:        "Kitchen remodel",
			TotalAmount:  100000_00,
		},
		Scope: engine.ScopeCreateOptions{WorkBreakdown: "demo, rough-in, finish"},
		Schedule: []domain.ScheduleEntry{
			{Title: "Demolition", Amount: 25000_00},
			{Title: "Rough-in", Amount: 25000_00},
			{Title: "Drywall and paint", Amount: 25000_00},
			{Title: "Final fixtures", Amount: 25000_00},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("award project: %v", err)
	}
	return p
}

func approveMilestone(t *testing.T, env testEnv, id string) domain.Milestone {
	t.Helper()
	for _, status := range []string{"in_progress", "pending_review", "approved"} {
		var err error
		_, err = env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{
			MilestoneID: id, Status: status, ActorID: "owner-1",
		})
		if err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}
	m, err := env.Engine.Repo.GetMilestone(env.Ctx, id)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	return m
}

func TestAwardSeedsScheduleAndEscrow(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	if p.Status != "active" {
		t.Fatalf("status = %s, want active", p.Status)
	}
	if p.EscrowBalance != 100000_00 {
		t.Fatalf("escrow = %d, want %d", p.EscrowBalance, 100000_00)
	}
	ms, err := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	if err != nil || len(ms) != 4 {
		t.Fatalf("milestones = %d (%v), want 4", len(ms), err)
	}
	for i, m := range ms {
		if m.OrderNumber != i+1 || m.Status != "not_started" {
			t.Fatalf("milestone %d: order=%d status=%s", i, m.OrderNumber, m.Status)
		}
	}
	contract, err := env.Engine.Repo.GetContractByProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if contract.FullyExecutedAt == nil {
		t.Fatalf("contract not fully executed")
	}
	entries, err := env.Engine.Repo.ListEscrowEntries(env.Ctx, p.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %d (%v), want 1 fund entry", len(entries), err)
	}
	if entries[0].EntryType != "fund" || entries[0].BalanceAfter != 100000_00 {
		t.Fatalf("fund entry = %+v", entries[0])
	}
}

func TestMilestoneApprovalDrivesCompletion(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)

	approveMilestone(t, env, ms[0].ID)
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.CompletionPercentage != 25 {
		t.Fatalf("completion = %d, want 25", got.CompletionPercentage)
	}
	approveMilestone(t, env, ms[1].ID)
	got, _ = env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.CompletionPercentage != 50 {
		t.Fatalf("completion = %d, want 50", got.CompletionPercentage)
	}
	// re-approving an approved milestone is a no-op
	m, err := env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{
		MilestoneID: ms[0].ID, Status: "approved", ActorID: "owner-1",
	})
	if err != nil || m.Status != "approved" {
		t.Fatalf("idempotent approve: %v", err)
	}
	got, _ = env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.CompletionPercentage != 50 {
		t.Fatalf("completion after re-approve = %d, want 50", got.CompletionPercentage)
	}
}

func TestMilestoneRevisionLoop(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	id := ms[0].ID

	for _, status := range []string{"in_progress", "pending_review"} {
		if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{MilestoneID: id, Status: status, ActorID: "contractor-1"}); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}
	m, err := env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{
		MilestoneID: id, Status: "needs_revision", RejectionReason: "cracked tile", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatalf("needs_revision: %v", err)
	}
	if m.RevisionCount != 1 || m.RejectionReason == nil {
		t.Fatalf("revision = %d, reason = %v", m.RevisionCount, m.RejectionReason)
	}
	// invalid jump from needs_revision straight to approved
	_, err = env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{MilestoneID: id, Status: "approved", ActorID: "owner-1"})
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestPaymentReleaseMovesEscrowOnce(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	approveMilestone(t, env, ms[0].ID)

	pay, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{
		ProjectID: p.ID, MilestoneID: ms[0].ID, Amount: 25000_00, ActorID: "owner-1",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	released, err := env.Engine.ReleasePayment(env.Ctx, pay.ID, "owner-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != "completed" || released.EscrowHeld || released.ReleasedAt == nil {
		t.Fatalf("released payment = %+v", released)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.PaidAmount != 25000_00 || got.EscrowBalance != 75000_00 {
		t.Fatalf("paid=%d escrow=%d, want 2500000/7500000", got.PaidAmount, got.EscrowBalance)
	}
	// second release must be rejected
	_, err = env.Engine.ReleasePayment(env.Ctx, pay.ID, "owner-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error on double release, got %v", err)
	}
	got, _ = env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.PaidAmount != 25000_00 || got.EscrowBalance != 75000_00 {
		t.Fatalf("balances moved on rejected release: paid=%d escrow=%d", got.PaidAmount, got.EscrowBalance)
	}
	entries, _ := env.Engine.Repo.ListEscrowEntries(env.Ctx, p.ID)
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want fund+release", len(entries))
	}
	if entries[1].EntryType != "release" || entries[1].Amount != -25000_00 || entries[1].BalanceAfter != 75000_00 {
		t.Fatalf("release entry = %+v", entries[1])
	}
}

func TestSettledPaymentMovesEscrowImmediately(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	approveMilestone(t, env, ms[0].ID)

	pay, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{
		ProjectID: p.ID, MilestoneID: ms[0].ID, Amount: 25000_00, Settle: true, ActorID: "owner-1",
	})
	if err != nil {
		t.Fatalf("create settled payment: %v", err)
	}
	if pay.Status != "completed" || pay.EscrowHeld {
		t.Fatalf("settled payment = %+v", pay)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.PaidAmount != 25000_00 || got.EscrowBalance != 75000_00 {
		t.Fatalf("paid=%d escrow=%d, want 2500000/7500000", got.PaidAmount, got.EscrowBalance)
	}
	entries, _ := env.Engine.Repo.ListEscrowEntries(env.Ctx, p.ID)
	if len(entries) != 2 || entries[1].EntryType != "release" {
		t.Fatalf("ledger = %+v, want fund+release", entries)
	}
	// a settled payment cannot be released again
	_, err = env.Engine.ReleasePayment(env.Ctx, pay.ID, "owner-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error releasing settled payment, got %v", err)
	}
}

func TestPaymentRequiresApprovedMilestone(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	_, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{
		ProjectID: p.ID, MilestoneID: ms[0].ID, Amount: 25000_00, ActorID: "owner-1",
	})
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestPaymentCannotExceedEscrow(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	_, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{
		ProjectID: p.ID, Amount: 100001_00, ActorID: "owner-1",
	})
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestPaymentCannotExceedTotal(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	// an over-funded escrow must not let payments push paid past the
	// contract total
	if _, err := env.Engine.DepositEscrow(env.Ctx, p.ID, 50000_00, "owner-1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{
		ProjectID: p.ID, Amount: 120000_00, Settle: true, ActorID: "owner-1",
	})
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error settling past total, got %v", err)
	}

	pay, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{
		ProjectID: p.ID, Amount: 120000_00, ActorID: "owner-1",
	})
	if err != nil {
		t.Fatalf("create pending payment: %v", err)
	}
	_, err = env.Engine.ReleasePayment(env.Ctx, pay.ID, "owner-1")
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error releasing past total, got %v", err)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.PaidAmount != 0 || got.EscrowBalance != 150000_00 {
		t.Fatalf("paid=%d escrow=%d, want balances untouched", got.PaidAmount, got.EscrowBalance)
	}
}

func TestChangeOrderImplementShiftsTotals(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	approveMilestone(t, env, ms[0].ID)
	pay, _ := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{ProjectID: p.ID, MilestoneID: ms[0].ID, Amount: 25000_00, ActorID: "owner-1"})
	if _, err := env.Engine.ReleasePayment(env.Ctx, pay.ID, "owner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	co, err := env.Engine.CreateChangeOrder(env.Ctx, engine.ChangeOrderCreateOptions{
		ProjectID: p.ID, Description: "Upgrade countertops", CostImpact: 10000_00, ActorID: "owner-1",
	})
	if err != nil {
		t.Fatalf("create change order: %v", err)
	}
	if _, err := env.Engine.UpdateChangeOrderStatus(env.Ctx, co.ID, "approved", "contractor-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.TotalAmount != 100000_00 {
		t.Fatalf("approval must not move money: total=%d", got.TotalAmount)
	}
	if _, err := env.Engine.UpdateChangeOrderStatus(env.Ctx, co.ID, "implemented", "owner-1"); err != nil {
		t.Fatalf("implement: %v", err)
	}
	got, _ = env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.TotalAmount != 110000_00 || got.EscrowBalance != 85000_00 || got.PaidAmount != 25000_00 {
		t.Fatalf("total=%d escrow=%d paid=%d", got.TotalAmount, got.EscrowBalance, got.PaidAmount)
	}
	entries, _ := env.Engine.Repo.ListEscrowEntries(env.Ctx, p.ID)
	last := entries[len(entries)-1]
	if last.EntryType != "adjustment" || last.Amount != 10000_00 || last.BalanceAfter != 85000_00 {
		t.Fatalf("adjustment entry = %+v", last)
	}
}

func TestChangeOrderCannotCutBelowPaid(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	approveMilestone(t, env, ms[0].ID)
	pay, _ := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{ProjectID: p.ID, MilestoneID: ms[0].ID, Amount: 25000_00, ActorID: "owner-1"})
	if _, err := env.Engine.ReleasePayment(env.Ctx, pay.ID, "owner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	co, _ := env.Engine.CreateChangeOrder(env.Ctx, engine.ChangeOrderCreateOptions{
		ProjectID: p.ID, Description: "Descope everything", CostImpact: -80000_00, ActorID: "owner-1",
	})
	if _, err := env.Engine.UpdateChangeOrderStatus(env.Ctx, co.ID, "approved", "contractor-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err := env.Engine.UpdateChangeOrderStatus(env.Ctx, co.ID, "implemented", "owner-1")
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.TotalAmount != 100000_00 || got.EscrowBalance != 75000_00 {
		t.Fatalf("balances moved on rejected implement: total=%d escrow=%d", got.TotalAmount, got.EscrowBalance)
	}
}

func TestContractSigningExecutesOnce(t *testing.T) {
	for _, order := range [][]string{{"owner", "contractor"}, {"contractor", "owner"}} {
		env := newTestEnv(t)
		p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
			OwnerID: "owner-1", ContractorID: "contractor-1", Title: "Deck build", TotalAmount: 20000_00, ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("create project: %v", err)
		}
		if p.Status != "setup" {
			t.Fatalf("status = %s, want setup", p.Status)
		}
		c, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{
			ProjectID: p.ID,
			Schedule: []domain.ScheduleEntry{
				{Title: "Framing", Amount: 10000_00},
				{Title: "Finishing", Amount: 10000_00},
			},
			ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("create contract: %v", err)
		}
		c, err = env.Engine.SignContract(env.Ctx, c.ID, order[0], "sig-a", order[0])
		if err != nil {
			t.Fatalf("first sign: %v", err)
		}
		if c.FullyExecutedAt != nil {
			t.Fatalf("executed after one signature")
		}
		c, err = env.Engine.SignContract(env.Ctx, c.ID, order[1], "sig-b", order[1])
		if err != nil {
			t.Fatalf("second sign: %v", err)
		}
		if c.FullyExecutedAt == nil {
			t.Fatalf("not executed after both signatures")
		}
		executedAt := *c.FullyExecutedAt
		// repeat signing is a no-op and does not restamp execution
		c, err = env.Engine.SignContract(env.Ctx, c.ID, order[1], "sig-b", order[1])
		if err != nil || c.FullyExecutedAt == nil || *c.FullyExecutedAt != executedAt {
			t.Fatalf("re-sign changed execution: %v %v", err, c.FullyExecutedAt)
		}
		got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
		if got.Status != "active" {
			t.Fatalf("status = %s, want active after execution", got.Status)
		}
		ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
		if len(ms) != 2 {
			t.Fatalf("milestones seeded = %d, want 2", len(ms))
		}
	}
}

func TestScopeVersionsAreMonotonic(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	// award already wrote version 1
	for want := 2; want <= 4; want++ {
		s, err := env.Engine.CreateScopeOfWork(env.Ctx, engine.ScopeCreateOptions{
			ProjectID: p.ID, WorkBreakdown: "revised plan", ActorID: "owner-1",
		})
		if err != nil {
			t.Fatalf("create scope: %v", err)
		}
		if s.Version != want {
			t.Fatalf("version = %d, want %d", s.Version, want)
		}
		if s.OwnerApproved || s.ContractorApproved {
			t.Fatalf("new version must start unapproved")
		}
	}
	s, _ := env.Engine.Repo.LatestScope(env.Ctx, p.ID)
	if s.Version != 4 {
		t.Fatalf("latest version = %d, want 4", s.Version)
	}
	s, err := env.Engine.ApproveScope(env.Ctx, s.ID, "owner", "owner-1")
	if err != nil || !s.OwnerApproved {
		t.Fatalf("approve: %v", err)
	}
	again, err := env.Engine.ApproveScope(env.Ctx, s.ID, "owner", "owner-1")
	if err != nil || !again.OwnerApproved {
		t.Fatalf("idempotent approve: %v", err)
	}
}

func TestDisputeLeavesMoneyAlone(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	amount := int64(25000_00)
	d, err := env.Engine.FileDispute(env.Ctx, engine.DisputeFileOptions{
		ProjectID: p.ID, FiledBy: "owner-1", DisputeType: "quality",
		Description: "tile work unacceptable", AmountDisputed: &amount,
	})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	if d.Status != "filed" || d.ResolutionStage != "internal" {
		t.Fatalf("dispute = %s/%s", d.Status, d.ResolutionStage)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.PaidAmount != 0 || got.EscrowBalance != 100000_00 {
		t.Fatalf("filing moved money: paid=%d escrow=%d", got.PaidAmount, got.EscrowBalance)
	}
}

func TestDisputeEscalationForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	d, err := env.Engine.FileDispute(env.Ctx, engine.DisputeFileOptions{
		ProjectID: p.ID, FiledBy: "contractor-1", Description: "payment overdue", DisputeType: "payment",
	})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	d, err = env.Engine.EscalateDispute(env.Ctx, d.ID, "contractor-1")
	if err != nil || d.ResolutionStage != "mediation" {
		t.Fatalf("escalate 1: %v (%s)", err, d.ResolutionStage)
	}
	d, err = env.Engine.EscalateDispute(env.Ctx, d.ID, "contractor-1")
	if err != nil || d.ResolutionStage != "arbitration" {
		t.Fatalf("escalate 2: %v (%s)", err, d.ResolutionStage)
	}
	_, err = env.Engine.EscalateDispute(env.Ctx, d.ID, "contractor-1")
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error at final stage, got %v", err)
	}
}

func TestDisputeResolutionRequiresText(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	d, _ := env.Engine.FileDispute(env.Ctx, engine.DisputeFileOptions{
		ProjectID: p.ID, FiledBy: "owner-1", Description: "bad paint", DisputeType: "quality",
	})
	d, err := env.Engine.UpdateDisputeStatus(env.Ctx, engine.DisputeStatusOptions{DisputeID: d.ID, Status: "under_review", ActorID: "admin"})
	if err != nil {
		t.Fatalf("under_review: %v", err)
	}
	if _, err := env.Engine.UpdateDisputeStatus(env.Ctx, engine.DisputeStatusOptions{DisputeID: d.ID, Status: "resolved", ActorID: "admin"}); err == nil {
		t.Fatalf("expected error resolving without resolution text")
	}
	d, err = env.Engine.UpdateDisputeStatus(env.Ctx, engine.DisputeStatusOptions{
		DisputeID: d.ID, Status: "resolved", Resolution: "repaint at contractor cost", ActorID: "admin",
	})
	if err != nil || d.Resolution == nil || d.ResolvedAt == nil {
		t.Fatalf("resolve: %v", err)
	}
	// escalation after resolution is rejected
	_, err = env.Engine.EscalateDispute(env.Ctx, d.ID, "owner-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestCompleteProjectGates(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	for _, m := range ms[:3] {
		approveMilestone(t, env, m.ID)
	}
	if _, err := env.Engine.CompleteProject(env.Ctx, p.ID, "owner-1"); err == nil {
		t.Fatalf("completed with unapproved milestone")
	}
	approveMilestone(t, env, ms[3].ID)

	it, err := env.Engine.AddPunchItem(env.Ctx, p.ID, "touch up paint", "hallway", "owner-1")
	if err != nil {
		t.Fatalf("add punch item: %v", err)
	}
	if _, err := env.Engine.CompleteProject(env.Ctx, p.ID, "owner-1"); err == nil {
		t.Fatalf("completed with open punch item")
	}
	if _, err := env.Engine.CompletePunchItem(env.Ctx, it.ID, "contractor-1"); err != nil {
		t.Fatalf("complete punch item: %v", err)
	}
	got, err := env.Engine.CompleteProject(env.Ctx, p.ID, "owner-1")
	if err != nil || got.Status != "completed" {
		t.Fatalf("complete project: %v", err)
	}
	// terminal: no further completion
	if _, err := env.Engine.CompleteProject(env.Ctx, p.ID, "owner-1"); err == nil {
		t.Fatalf("completed twice")
	}
}

func TestMilestoneOrderEnforcement(t *testing.T) {
	cfg := config.Default("workspace")
	cfg.Milestones.EnforceOrder = true
	env := newTestEnvWith(t, cfg)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)

	_, err := env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{
		MilestoneID: ms[1].ID, Status: "in_progress", ActorID: "contractor-1",
	})
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error starting out of order, got %v", err)
	}
	approveMilestone(t, env, ms[0].ID)
	if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, engine.MilestoneStatusOptions{
		MilestoneID: ms[1].ID, Status: "in_progress", ActorID: "contractor-1",
	}); err != nil {
		t.Fatalf("start after prior approved: %v", err)
	}
}

func TestEscrowFundingRequired(t *testing.T) {
	cfg := config.Default("workspace")
	cfg.Escrow.RequireFunding = true
	env := newTestEnvWith(t, cfg)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		OwnerID: "owner-1", ContractorID: "contractor-1", Title: "Garage build", TotalAmount: 50000_00, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.EscrowBalance != 0 {
		t.Fatalf("escrow = %d, want 0 before deposit", p.EscrowBalance)
	}
	c, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{ProjectID: p.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, "owner", "", "owner-1"); err != nil {
		t.Fatalf("owner sign: %v", err)
	}
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, "contractor", "", "contractor-1"); err != nil {
		t.Fatalf("contractor sign: %v", err)
	}
	_, err = env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{ProjectID: p.ID, Amount: 10000_00, ActorID: "owner-1"})
	var ie *engine.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invariant error with unfunded escrow, got %v", err)
	}
	entry, err := env.Engine.DepositEscrow(env.Ctx, p.ID, 20000_00, "owner-1")
	if err != nil || entry.BalanceAfter != 20000_00 {
		t.Fatalf("deposit: %v (%+v)", err, entry)
	}
	if _, err := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{ProjectID: p.ID, Amount: 10000_00, ActorID: "owner-1"}); err != nil {
		t.Fatalf("payment after deposit: %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	approveMilestone(t, env, ms[0].ID)

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, p.ID, "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range evs {
		types[ev.Type] = true
	}
	for _, want := range []string{"project.award", "milestone.status"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestProjectStatusReport(t *testing.T) {
	env := newTestEnv(t)
	p := awardFixture(t, env)
	ms, _ := env.Engine.Repo.ListMilestones(env.Ctx, p.ID)
	approveMilestone(t, env, ms[0].ID)
	pay, _ := env.Engine.CreatePayment(env.Ctx, engine.PaymentCreateOptions{ProjectID: p.ID, MilestoneID: ms[0].ID, Amount: 25000_00, ActorID: "owner-1"})
	_ = pay

	rep, err := env.Engine.ProjectStatus(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rep.MilestonesTotal != 4 || rep.MilestonesApproved != 1 {
		t.Fatalf("milestones = %d/%d", rep.MilestonesApproved, rep.MilestonesTotal)
	}
	if rep.PendingPayments != 1 || !rep.ContractExecuted || rep.LatestScopeVersion != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.RemainingToPay != 100000_00 {
		t.Fatalf("remaining = %d", rep.RemainingToPay)
	}
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Repo.GetProject(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = env.Engine.ProjectStatus(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
