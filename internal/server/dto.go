package server

import (
	"encoding/json"

	"siteline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID             *string `json:"id,omitempty"`
	OwnerID        string  `json:"owner_id"`
	OwnerName      *string `json:"owner_name,omitempty"`
	ContractorID   string  `json:"contractor_id"`
	ContractorName *string `json:"contractor_name,omitempty"`
	Title          string  `json:"title"`
	Description    *string `json:"description,omitempty"`
	StartDate      *string `json:"start_date,omitempty" format:"date"`
	EndDate        *string `json:"end_date,omitempty" format:"date"`
	TotalAmount    int64   `json:"total_amount"`
}

type ScopeRequest struct {
	WorkBreakdown string  `json:"work_breakdown"`
	Materials     *string `json:"materials,omitempty"`
	Requirements  *string `json:"requirements,omitempty"`
	Exclusions    *string `json:"exclusions,omitempty"`
}

type ContractRequest struct {
	ContractType          *string                `json:"contract_type,omitempty" enum:"fixed_price,time_and_materials,cost_plus"`
	Terms                 *string                `json:"terms,omitempty"`
	PaymentSchedule       []domain.ScheduleEntry `json:"payment_schedule,omitempty"`
	WarrantyTerms         *string                `json:"warranty_terms,omitempty"`
	DisputeResolution     *string                `json:"dispute_resolution,omitempty"`
	InsuranceRequirements *string                `json:"insurance_requirements,omitempty"`
}

type AwardProjectRequest struct {
	Project  CreateProjectRequest   `json:"project"`
	Scope    ScopeRequest           `json:"scope"`
	Contract *ContractRequest       `json:"contract,omitempty"`
	Schedule []domain.ScheduleEntry `json:"payment_schedule,omitempty"`
}

type ApproveScopeRequest struct {
	Party string `json:"party" enum:"owner,contractor"`
}

type SignContractRequest struct {
	Party     string  `json:"party" enum:"owner,contractor"`
	Signature *string `json:"signature,omitempty"`
}

type CreateMilestoneRequest struct {
	Title              string  `json:"title"`
	Description        *string `json:"description,omitempty"`
	DueDate            *string `json:"due_date,omitempty" format:"date"`
	PaymentAmount      int64   `json:"payment_amount"`
	Deliverables       *string `json:"deliverables,omitempty"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
	OrderNumber        *int    `json:"order_number,omitempty"`
}

type MilestoneStatusRequest struct {
	Status          string  `json:"status" enum:"in_progress,pending_review,approved,needs_revision"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

type CreatePaymentRequest struct {
	MilestoneID *string `json:"milestone_id,omitempty"`
	Amount      int64   `json:"amount"`
	Method      *string `json:"method,omitempty"`
	Reference   *string `json:"reference,omitempty"`
	Settle      bool    `json:"settle,omitempty" doc:"Complete the payment immediately instead of holding it in escrow"`
}

type DepositEscrowRequest struct {
	Amount int64 `json:"amount"`
}

type CreateChangeOrderRequest struct {
	Description        string  `json:"description"`
	Reason             *string `json:"reason,omitempty"`
	CostImpact         int64   `json:"cost_impact"`
	ScheduleImpactDays *int    `json:"schedule_impact_days,omitempty"`
}

type ChangeOrderStatusRequest struct {
	Status string `json:"status" enum:"approved,rejected,implemented"`
}

type FileDisputeRequest struct {
	MilestoneID       *string        `json:"milestone_id,omitempty"`
	DisputeType       *string        `json:"dispute_type,omitempty" enum:"quality,payment,delay,scope"`
	Description       string         `json:"description"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	AmountDisputed    *int64         `json:"amount_disputed,omitempty"`
	DesiredResolution *string        `json:"desired_resolution,omitempty"`
}

type DisputeStatusRequest struct {
	Status     string  `json:"status" enum:"under_review,resolved,closed"`
	Resolution *string `json:"resolution,omitempty"`
}

type CreatePunchItemRequest struct {
	Title    string  `json:"title"`
	Location *string `json:"location,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
	Key     string  `json:"key"`
}

// Responses

// ContractResponse renders the stored payment schedule as structured JSON
// rather than the raw column text.
type ContractResponse struct {
	domain.Contract
	PaymentSchedule []domain.ScheduleEntry `json:"payment_schedule,omitempty"`
}

func contractResponse(c domain.Contract) ContractResponse {
	resp := ContractResponse{Contract: c}
	if c.PaymentScheduleJSON != nil {
		_ = json.Unmarshal([]byte(*c.PaymentScheduleJSON), &resp.PaymentSchedule)
	}
	resp.PaymentScheduleJSON = nil
	return resp
}

func strOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
