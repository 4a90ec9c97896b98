package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func awardTestProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/award", map[string]any{
		"project": map[string]any{
			"owner_id":      "owner-1",
			"contractor_id": "contractor-1",
			"title":         "Kitchen remodel",
			"total_amount":  100000_00,
		},
		"scope": map[string]any{
			"work_breakdown": "Demo, rough-in, finish",
		},
		"payment_schedule": []map[string]any{
			{"title": "Demolition", "amount": 25000_00},
			{"title": "Rough-in", "amount": 25000_00},
			{"title": "Drywall and paint", "amount": 25000_00},
			{"title": "Final fixtures", "amount": 25000_00},
		},
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("award status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return project
}

func TestAwardSeedsMilestonesAndEscrow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	project := awardTestProject(t, srv)
	if project.Status != "active" {
		t.Fatalf("status = %q, want active", project.Status)
	}
	if project.EscrowBalance != 100000_00 {
		t.Fatalf("escrow balance = %d, want %d", project.EscrowBalance, 100000_00)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/milestones", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list milestones status %d: %s", res.StatusCode, string(data))
	}
	var milestones []domain.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		t.Fatalf("unmarshal milestones: %v", err)
	}
	if len(milestones) != 4 {
		t.Fatalf("milestones = %d, want 4", len(milestones))
	}
	for i, m := range milestones {
		if m.OrderNumber != i+1 {
			t.Fatalf("milestone %d order = %d", i, m.OrderNumber)
		}
		if m.Status != "not_started" {
			t.Fatalf("milestone %d status = %q", i, m.Status)
		}
	}
}

func TestMilestoneApprovalAndPaymentRelease(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project := awardTestProject(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/milestones", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list milestones status %d: %s", res.StatusCode, string(data))
	}
	var milestones []domain.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		t.Fatalf("unmarshal milestones: %v", err)
	}
	first := milestones[0]

	for _, status := range []string{"in_progress", "pending_review", "approved"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/milestones/"+first.ID+"/status", map[string]any{
			"status": status,
		}, actorHeaders("owner-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("move to %s status %d: %s", status, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/payments", map[string]any{
		"milestone_id": first.ID,
		"amount":       25000_00,
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create payment status %d: %s", res.StatusCode, string(data))
	}
	var payment domain.Payment
	if err := json.Unmarshal(data, &payment); err != nil {
		t.Fatalf("unmarshal payment: %v", err)
	}
	if !payment.EscrowHeld || payment.Status != "pending" {
		t.Fatalf("payment = %+v, want pending escrow hold", payment)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/payments/"+payment.ID+"/release", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID, nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.Project
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if updated.PaidAmount != 25000_00 {
		t.Fatalf("paid = %d, want %d", updated.PaidAmount, 25000_00)
	}
	if updated.EscrowBalance != 75000_00 {
		t.Fatalf("escrow = %d, want %d", updated.EscrowBalance, 75000_00)
	}
	if updated.CompletionPercentage != 25 {
		t.Fatalf("completion = %d, want 25", updated.CompletionPercentage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/escrow", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escrow ledger status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.EscrowEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(entries))
	}
	if entries[0].EntryType != "fund" || entries[1].EntryType != "release" {
		t.Fatalf("ledger types = %s/%s", entries[0].EntryType, entries[1].EntryType)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project := awardTestProject(t, srv)

	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/milestones", nil, actorHeaders("owner-1"))
	var milestones []domain.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		t.Fatalf("unmarshal milestones: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/milestones/"+milestones[0].ID+"/status", map[string]any{
		"status": "approved",
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %q, want invalid_transition", envelope.Error.Code)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/missing", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", envelope.Error.Code)
	}
}

func TestContractSigningActivatesProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"owner_id":      "owner-2",
		"contractor_id": "contractor-2",
		"title":         "Bathroom addition",
		"total_amount":  40000_00,
	}, actorHeaders("owner-2"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if project.Status != "setup" {
		t.Fatalf("status = %q, want setup", project.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/contract", map[string]any{
		"terms": "net 30",
		"payment_schedule": []map[string]any{
			{"title": "Rough-in", "amount": 20000_00},
			{"title": "Finish", "amount": 20000_00},
		},
	}, actorHeaders("owner-2"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, string(data))
	}
	var contract ContractResponse
	if err := json.Unmarshal(data, &contract); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	if len(contract.PaymentSchedule) != 2 {
		t.Fatalf("schedule entries = %d, want 2", len(contract.PaymentSchedule))
	}

	for _, party := range []string{"owner", "contractor"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+contract.ID+"/sign", map[string]any{
			"party": party,
		}, actorHeaders(party+"-2"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("sign as %s status %d: %s", party, res.StatusCode, string(data))
		}
	}
	var signed ContractResponse
	if err := json.Unmarshal(data, &signed); err != nil {
		t.Fatalf("unmarshal signed contract: %v", err)
	}
	if signed.FullyExecutedAt == nil {
		t.Fatal("expected fully_executed_at after both signatures")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID, nil, actorHeaders("owner-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
	}
	var activated domain.Project
	if err := json.Unmarshal(data, &activated); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if activated.Status != "active" {
		t.Fatalf("status = %q, want active after execution", activated.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/milestones", nil, actorHeaders("owner-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list milestones status %d: %s", res.StatusCode, string(data))
	}
	var milestones []domain.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		t.Fatalf("unmarshal milestones: %v", err)
	}
	if len(milestones) != 2 {
		t.Fatalf("milestones = %d, want 2 seeded from schedule", len(milestones))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200 without auth", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "owner-3",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"owner_id":      "owner-3",
		"contractor_id": "contractor-3",
		"title":         "Deck build",
		"total_amount":  15000_00,
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "owner-4",
		"name":     "ci",
		"key":      "sk-test-123",
	}, actorHeaders("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"owner_id":      "owner-4",
		"contractor_id": "contractor-4",
		"title":         "Garage conversion",
		"total_amount":  30000_00,
	}, map[string]string{"X-Api-Key": "sk-test-123"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": "sk-wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401: %s", res.StatusCode, string(data))
	}
}

func TestDisputeLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project := awardTestProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/disputes", map[string]any{
		"dispute_type": "quality",
		"description":  "Tile work does not match approved sample",
		"evidence":     map[string]any{"photos": []string{"img-1.jpg"}},
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("file dispute status %d: %s", res.StatusCode, string(data))
	}
	var dispute domain.Dispute
	if err := json.Unmarshal(data, &dispute); err != nil {
		t.Fatalf("unmarshal dispute: %v", err)
	}
	if dispute.Status != "filed" || dispute.ResolutionStage != "internal" {
		t.Fatalf("dispute = %s/%s, want filed/internal", dispute.Status, dispute.ResolutionStage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+dispute.ID+"/escalate", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalate status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &dispute); err != nil {
		t.Fatalf("unmarshal dispute: %v", err)
	}
	if dispute.ResolutionStage != "mediation" {
		t.Fatalf("stage = %q, want mediation", dispute.ResolutionStage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+dispute.ID+"/status", map[string]any{
		"status": "under_review",
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("under_review status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+dispute.ID+"/status", map[string]any{
		"status":     "resolved",
		"resolution": "Contractor to re-lay the affected section",
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &dispute); err != nil {
		t.Fatalf("unmarshal dispute: %v", err)
	}
	if dispute.Resolution == nil || dispute.ResolvedAt == nil {
		t.Fatal("expected resolution and resolved_at set")
	}
}

func TestProjectStatusReport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project := awardTestProject(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/status", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status report %d: %s", res.StatusCode, string(data))
	}
	var report engine.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Project.ID != project.ID {
		t.Fatalf("report project = %q, want %q", report.Project.ID, project.ID)
	}
	if report.MilestonesTotal != 4 {
		t.Fatalf("milestones total = %d, want 4", report.MilestonesTotal)
	}
}
