package domain

// All money amounts are integer cents. Timestamps are RFC3339 UTC strings.

type Project struct {
	ID                   string `json:"id"`
	OwnerID              string `json:"owner_id"`
	OwnerName            string `json:"owner_name,omitempty"`
	ContractorID         string `json:"contractor_id"`
	ContractorName       string `json:"contractor_name,omitempty"`
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	StartDate            string `json:"start_date,omitempty" format:"date"`
	EndDate              string `json:"end_date,omitempty" format:"date"`
	TotalAmount          int64  `json:"total_amount"`
	PaidAmount           int64  `json:"paid_amount"`
	EscrowBalance        int64  `json:"escrow_balance"`
	CompletionPercentage int    `json:"completion_percentage"`
	Status               string `json:"status" enum:"setup,active,completed"`
	CreatedAt            string `json:"created_at" format:"date-time"`
	UpdatedAt            string `json:"updated_at" format:"date-time"`
}

type ScopeOfWork struct {
	ID                 string `json:"id"`
	ProjectID          string `json:"project_id"`
	Version            int    `json:"version"`
	WorkBreakdown      string `json:"work_breakdown,omitempty"`
	Materials          string `json:"materials,omitempty"`
	Requirements       string `json:"requirements,omitempty"`
	Exclusions         string `json:"exclusions,omitempty"`
	OwnerApproved      bool   `json:"owner_approved"`
	ContractorApproved bool   `json:"contractor_approved"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type Contract struct {
	ID                    string  `json:"id"`
	ProjectID             string  `json:"project_id"`
	ContractType          string  `json:"contract_type"`
	Terms                 string  `json:"terms,omitempty"`
	PaymentScheduleJSON   *string `json:"payment_schedule_json,omitempty"`
	WarrantyTerms         string  `json:"warranty_terms,omitempty"`
	DisputeResolution     string  `json:"dispute_resolution,omitempty"`
	InsuranceRequirements string  `json:"insurance_requirements,omitempty"`
	OwnerSigned           bool    `json:"owner_signed"`
	OwnerSignature        *string `json:"owner_signature,omitempty"`
	OwnerSignedAt         *string `json:"owner_signed_at,omitempty" format:"date-time"`
	ContractorSigned      bool    `json:"contractor_signed"`
	ContractorSignature   *string `json:"contractor_signature,omitempty"`
	ContractorSignedAt    *string `json:"contractor_signed_at,omitempty" format:"date-time"`
	FullyExecutedAt       *string `json:"fully_executed_at,omitempty" format:"date-time"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

// ScheduleEntry is one line of a contract's payment schedule. Entries seed
// the project's initial milestones on award.
type ScheduleEntry struct {
	Title      string  `json:"title"`
	Amount     int64   `json:"amount"`
	Percentage float64 `json:"percentage,omitempty"`
	DueDate    string  `json:"due_date,omitempty" format:"date"`
}

type Milestone struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	DueDate            string  `json:"due_date,omitempty" format:"date"`
	PaymentAmount      int64   `json:"payment_amount"`
	Deliverables       string  `json:"deliverables,omitempty"`
	AcceptanceCriteria string  `json:"acceptance_criteria,omitempty"`
	OrderNumber        int     `json:"order_number"`
	Status             string  `json:"status" enum:"not_started,in_progress,pending_review,approved,needs_revision"`
	RevisionCount      int     `json:"revision_count"`
	RejectionReason    *string `json:"rejection_reason,omitempty"`
	SubmittedAt        *string `json:"submitted_at,omitempty" format:"date-time"`
	ApprovedAt         *string `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy         *string `json:"approved_by,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type Payment struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status" enum:"pending,completed,failed"`
	EscrowHeld  bool    `json:"escrow_held"`
	Method      string  `json:"method,omitempty"`
	Reference   string  `json:"reference,omitempty"`
	ReleasedAt  *string `json:"released_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// EscrowEntry is one row of the append-only escrow audit ledger. The
// project's escrow_balance column is a materialization maintained in the
// same transaction that appends the entry.
type EscrowEntry struct {
	ID            int64   `json:"id"`
	ProjectID     string  `json:"project_id"`
	PaymentID     *string `json:"payment_id,omitempty"`
	ChangeOrderID *string `json:"change_order_id,omitempty"`
	EntryType     string  `json:"entry_type" enum:"fund,release,adjustment"`
	Amount        int64   `json:"amount"`
	BalanceAfter  int64   `json:"balance_after"`
	TS            string  `json:"ts" format:"date-time"`
}

type ChangeOrder struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Description        string  `json:"description"`
	Reason             string  `json:"reason,omitempty"`
	CostImpact         int64   `json:"cost_impact"`
	ScheduleImpactDays int     `json:"schedule_impact_days,omitempty"`
	Status             string  `json:"status" enum:"pending,approved,rejected,implemented"`
	ApprovedAt         *string `json:"approved_at,omitempty" format:"date-time"`
	ImplementedAt      *string `json:"implemented_at,omitempty" format:"date-time"`
	CreatedBy          string  `json:"created_by"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type Dispute struct {
	ID                string  `json:"id"`
	ProjectID         string  `json:"project_id"`
	MilestoneID       *string `json:"milestone_id,omitempty"`
	FiledBy           string  `json:"filed_by"`
	DisputeType       string  `json:"dispute_type"`
	Description       string  `json:"description"`
	EvidenceJSON      *string `json:"evidence_json,omitempty"`
	AmountDisputed    *int64  `json:"amount_disputed,omitempty"`
	DesiredResolution string  `json:"desired_resolution,omitempty"`
	Status            string  `json:"status" enum:"filed,under_review,resolved,closed"`
	ResolutionStage   string  `json:"resolution_stage" enum:"internal,mediation,arbitration"`
	Resolution        *string `json:"resolution,omitempty"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type PunchListItem struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Location    string  `json:"location,omitempty"`
	Status      string  `json:"status" enum:"open,completed"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
