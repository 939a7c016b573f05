package domain

// Project is a development submission moving through the review pipeline.
// The workflow engine is the only writer of Status.
type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind" enum:"residential,commercial,mixed_use,public"`
	OwnerID     string  `json:"owner_id"`
	Status      string  `json:"status" enum:"draft,under_architect_review,under_engineer_review,under_regulator_review,approved,rejected,needs_revision,cancelled"`
	Description string  `json:"description,omitempty"`
	ApprovedBy  *string `json:"approved_by,omitempty"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Approval is one immutable ledger entry. ActorRole is a snapshot of the
// role held at the time of the action, not a live reference; role grants
// change later but the historical record must not.
type Approval struct {
	Seq             int64    `json:"seq"`
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	LayoutID        *string  `json:"layout_id,omitempty"`
	StatusFrom      *string  `json:"status_from,omitempty"`
	StatusTo        string   `json:"status_to"`
	ActorID         string   `json:"actor_id"`
	ActorRole       string   `json:"actor_role"`
	TS              string   `json:"ts" format:"date-time"`
	Comment         string   `json:"comment,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
	IsAdminOverride bool     `json:"is_admin_override"`
}

// ApprovalAssignment binds one reviewer to one project stage.
// Rows are never deleted; completed rows stay as history.
type ApprovalAssignment struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	LayoutID    *string `json:"layout_id,omitempty"`
	AssigneeID  string  `json:"assignee_id"`
	Role        string  `json:"role"`
	Status      string  `json:"status" enum:"pending,in_progress,completed"`
	AssignedAt  string  `json:"assigned_at" format:"date-time"`
	AssignedBy  *string `json:"assigned_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// QueueItem is an open assignment joined with project display fields.
type QueueItem struct {
	Assignment  ApprovalAssignment `json:"assignment"`
	ProjectName string             `json:"project_name"`
	ProjectKind string             `json:"project_kind"`
}

// ReviewerStats aggregates a reviewer's workload and decisions. Approved and
// Rejected count ledger entries, not assignments: an assignment closed with a
// revision request is reviewed but neither approved nor rejected.
type ReviewerStats struct {
	Pending       int `json:"pending"`
	Completed     int `json:"completed"`
	Approved      int `json:"approved"`
	Rejected      int `json:"rejected"`
	TotalReviewed int `json:"total_reviewed"`
}

type Notification struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	ReadAt      string `json:"read_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	DetailsJSON  string `json:"details_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActorProfile describes an actor's role grants for whoami-style lookups.
type ActorProfile struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}
