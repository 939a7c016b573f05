package server

import (
	"planline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind,omitempty" enum:"residential,commercial,mixed_use,public"`
	Description *string `json:"description,omitempty"`
}

type TransitionRequest struct {
	Comment     string   `json:"comment,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	LayoutID    *string  `json:"layout_id,omitempty"`
}

type OverrideRequest struct {
	Target  string `json:"target" enum:"draft,under_architect_review,under_engineer_review,under_regulator_review,approved,rejected,needs_revision,cancelled"`
	Comment string `json:"comment,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id" enum:"architect,engineer,regulator,admin"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ProjectResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	OwnerID     string  `json:"owner_id"`
	Status      string  `json:"status"`
	Description string  `json:"description,omitempty"`
	ApprovedBy  *string `json:"approved_by,omitempty"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	Seq             int64    `json:"seq"`
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	StatusFrom      *string  `json:"status_from,omitempty"`
	StatusTo        string   `json:"status_to"`
	ActorID         string   `json:"actor_id"`
	ActorRole       string   `json:"actor_role"`
	TS              string   `json:"ts" format:"date-time"`
	Comment         string   `json:"comment,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
	IsAdminOverride bool     `json:"is_admin_override"`
}

type TransitionResponse struct {
	Project  ProjectResponse  `json:"project"`
	Approval ApprovalResponse `json:"approval"`
}

type AssignmentResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	AssigneeID  string  `json:"assignee_id"`
	Role        string  `json:"role"`
	Status      string  `json:"status" enum:"pending,in_progress,completed"`
	AssignedAt  string  `json:"assigned_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type QueueItemResponse struct {
	Assignment  AssignmentResponse `json:"assignment"`
	ProjectName string             `json:"project_name"`
	ProjectKind string             `json:"project_kind"`
}

type StatsResponse struct {
	Pending       int `json:"pending"`
	Completed     int `json:"completed"`
	Approved      int `json:"approved"`
	Rejected      int `json:"rejected"`
	TotalReviewed int `json:"total_reviewed"`
}

type NotificationResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ReadAt    string `json:"read_at,omitempty" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditEntryResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	Details      string `json:"details"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// mappers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Kind:        p.Kind,
		OwnerID:     p.OwnerID,
		Status:      p.Status,
		Description: p.Description,
		ApprovedBy:  p.ApprovedBy,
		ApprovedAt:  p.ApprovedAt,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{
		Seq:             a.Seq,
		ID:              a.ID,
		ProjectID:       a.ProjectID,
		StatusFrom:      a.StatusFrom,
		StatusTo:        a.StatusTo,
		ActorID:         a.ActorID,
		ActorRole:       a.ActorRole,
		TS:              a.TS,
		Comment:         a.Comment,
		Attachments:     a.Attachments,
		IsAdminOverride: a.IsAdminOverride,
	}
}

func assignmentResponse(a domain.ApprovalAssignment) AssignmentResponse {
	return AssignmentResponse{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		AssigneeID:  a.AssigneeID,
		Role:        a.Role,
		Status:      a.Status,
		AssignedAt:  a.AssignedAt,
		CompletedAt: a.CompletedAt,
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		Kind:      n.Kind,
		Payload:   n.PayloadJSON,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:           e.ID,
		TS:           e.TS,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.DetailsJSON,
	}
}
