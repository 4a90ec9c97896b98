package sitelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Siteline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID                   string `json:"id"`
	OwnerID              string `json:"owner_id"`
	ContractorID         string `json:"contractor_id"`
	Title                string `json:"title"`
	TotalAmount          int64  `json:"total_amount"`
	PaidAmount           int64  `json:"paid_amount"`
	EscrowBalance        int64  `json:"escrow_balance"`
	CompletionPercentage int    `json:"completion_percentage"`
	Status               string `json:"status"`
}

// Milestone represents a schedule milestone.
type Milestone struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Title         string `json:"title"`
	PaymentAmount int64  `json:"payment_amount"`
	OrderNumber   int    `json:"order_number"`
	Status        string `json:"status"`
}

// Payment represents an escrow payment.
type Payment struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	EscrowHeld  bool    `json:"escrow_held"`
	ReleasedAt  *string `json:"released_at,omitempty"`
}

// EscrowEntry is one ledger row.
type EscrowEntry struct {
	ID           int64  `json:"id"`
	ProjectID    string `json:"project_id"`
	EntryType    string `json:"entry_type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	TS           string `json:"ts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload_json"`
}

// ScheduleEntry is one line of a contract payment schedule.
type ScheduleEntry struct {
	Title   string `json:"title"`
	Amount  int64  `json:"amount"`
	DueDate string `json:"due_date,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AwardProject creates a project with an executed contract and schedule
// milestones in one call.
func (c *Client) AwardProject(ctx context.Context, ownerID, contractorID, title string, total int64, schedule []ScheduleEntry) (Project, error) {
	body := map[string]any{
		"project": map[string]any{
			"owner_id":      ownerID,
			"contractor_id": contractorID,
			"title":         title,
			"total_amount":  total,
		},
		"scope":            map[string]any{"work_breakdown": title},
		"payment_schedule": schedule,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/award", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// Milestones lists the project milestones in schedule order.
func (c *Client) Milestones(ctx context.Context, projectID string) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "milestones"), nil, &resp)
	return resp, err
}

// UpdateMilestoneStatus moves a milestone through its review lifecycle.
func (c *Client) UpdateMilestoneStatus(ctx context.Context, milestoneID, status string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s/status", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// CreatePayment records a pending payment against an approved milestone.
func (c *Client) CreatePayment(ctx context.Context, projectID, milestoneID string, amount int64) (Payment, error) {
	body := map[string]any{
		"milestone_id": milestoneID,
		"amount":       amount,
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "payments"), body, &resp)
	return resp, err
}

// ReleasePayment releases a pending payment from escrow.
func (c *Client) ReleasePayment(ctx context.Context, paymentID string) (Payment, error) {
	var resp Payment
	endpoint := fmt.Sprintf("v0/payments/%s/release", url.PathEscape(paymentID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// EscrowLedger lists the append-only escrow ledger.
func (c *Client) EscrowLedger(ctx context.Context, projectID string) ([]EscrowEntry, error) {
	var resp []EscrowEntry
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "escrow"), nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	endpoint := c.projectPath(projectID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	project := url.PathEscape(projectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
