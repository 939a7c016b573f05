// Package engine orchestrates project transitions. Every status change goes
// through one transactional path: validate against the state machine, append
// the ledger entry, close the finished assignment and open the next one.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"planline/internal/audit"
	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/ledger"
	"planline/internal/notify"
	"planline/internal/repo"
	"planline/internal/status"
)

// IntegrityError reports stored state that contradicts an invariant: a
// broken ledger chain, a review stage with no open assignment, an empty
// reviewer roster. It maps to a 500, not a caller mistake.
type IntegrityError struct {
	Msg string
}

func (e IntegrityError) Error() string { return e.Msg }

// AssigneeResolver picks the reviewer for a stage assignment inside the
// transition's transaction.
type AssigneeResolver interface {
	Resolve(ctx context.Context, tx *sql.Tx, role string) (string, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Writer
	Config   *config.Config
	Auth     auth.Service
	Resolver AssigneeResolver
	Notifier notify.Sink
	Auditor  audit.Sink
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Ledger:   ledger.Writer{Now: time.Now},
		Config:   cfg,
		Auth:     auth.Service{DB: db},
		Resolver: RosterResolver{Repo: r, Config: cfg},
		Notifier: notify.Store{Repo: r, Now: time.Now},
		Auditor:  audit.Store{Repo: r, Now: time.Now},
		Now:      time.Now,
	}
}

// RosterResolver assigns reviews to the least-loaded member of the config
// roster for the role. Ties go to roster order.
type RosterResolver struct {
	Repo   repo.Repo
	Config *config.Config
}

func (rr RosterResolver) Resolve(ctx context.Context, tx *sql.Tx, role string) (string, error) {
	if rr.Config == nil {
		return "", errors.New("config not loaded")
	}
	roster := rr.Config.Reviewers[role]
	if len(roster) == 0 {
		return "", IntegrityError{Msg: fmt.Sprintf("no reviewers configured for role %s", role)}
	}
	counts, err := rr.Repo.CountOpenByAssigneeTx(ctx, tx, role)
	if err != nil {
		return "", err
	}
	best := roster[0]
	for _, id := range roster[1:] {
		if counts[id] < counts[best] {
			best = id
		}
	}
	return best, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProjectCreateOptions are parameters for registering a submission.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Kind        string
	Description string
	OwnerID     string
}

var validKinds = map[string]bool{
	"residential": true,
	"commercial":  true,
	"mixed_use":   true,
	"public":      true,
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.OwnerID == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	if opts.Kind == "" {
		opts.Kind = "residential"
	}
	if !validKinds[opts.Kind] {
		return domain.Project{}, fmt.Errorf("unknown project kind %s", opts.Kind)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          id,
		Name:        opts.Name,
		Kind:        opts.Kind,
		OwnerID:     opts.OwnerID,
		Status:      string(status.Draft),
		Description: opts.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, opts.OwnerID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.record(ctx, opts.OwnerID, "project.create", p.ID, map[string]any{"name": p.Name, "kind": p.Kind})
	return p, nil
}

// TransitionOptions are the caller-supplied parts of one status change.
type TransitionOptions struct {
	ProjectID     string
	ActorID       string
	Comment       string
	Attachments   []string
	LayoutID      string
	AdminOverride bool
}

// TransitionResult is the committed outcome.
type TransitionResult struct {
	Project  domain.Project
	Approval domain.Approval
}

// SubmitForReview moves a draft into architect review. A needs_revision
// project resubmits straight back to the stage that requested changes.
func (e Engine) SubmitForReview(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	return e.transition(ctx, opts, "project.submit", func(current, origin status.Status) status.Status {
		if current == status.NeedsRevision && origin != "" {
			return origin
		}
		next, _ := status.Next(status.Draft)
		return next
	})
}

// ReturnToDraft pulls a needs_revision project back to draft for rework.
func (e Engine) ReturnToDraft(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	return e.transition(ctx, opts, "project.return_to_draft", func(current, origin status.Status) status.Status {
		return status.Draft
	})
}

// Approve advances the project past its current review stage.
func (e Engine) Approve(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	return e.transition(ctx, opts, "project.approve", func(current, origin status.Status) status.Status {
		next, ok := status.Next(current)
		if !ok {
			// Let Check produce the transition error against the real state.
			return status.Approved
		}
		return next
	})
}

func (e Engine) Reject(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	return e.transition(ctx, opts, "project.reject", func(current, origin status.Status) status.Status {
		return status.Rejected
	})
}

func (e Engine) RequestRevision(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	return e.transition(ctx, opts, "project.request_revision", func(current, origin status.Status) status.Status {
		return status.NeedsRevision
	})
}

func (e Engine) Cancel(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	return e.transition(ctx, opts, "project.cancel", func(current, origin status.Status) status.Status {
		return status.Cancelled
	})
}

// AdminOverride performs an explicit transition with stage-ownership checks
// bypassed. The lifecycle graph still binds: an override cannot jump a draft
// straight to approved.
func (e Engine) AdminOverride(ctx context.Context, opts TransitionOptions, target status.Status) (TransitionResult, error) {
	opts.AdminOverride = true
	return e.transition(ctx, opts, "project.override", func(current, origin status.Status) status.Status {
		return target
	})
}

func (e Engine) transition(ctx context.Context, opts TransitionOptions, action string, pick func(current, origin status.Status) status.Status) (TransitionResult, error) {
	if opts.ActorID == "" {
		return TransitionResult{}, errors.New("actor_id required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	roles, err := e.Auth.RoleSetFor(ctx, tx, opts.ActorID)
	if err != nil {
		return TransitionResult{}, err
	}
	if opts.AdminOverride && !roles.Has(status.RoleAdmin) {
		return TransitionResult{}, status.UnauthorizedError{Need: string(status.RoleAdmin)}
	}

	current := status.Status(p.Status)
	var origin status.Status
	if current == status.NeedsRevision {
		last, err := e.Repo.LastApprovalTx(ctx, tx, p.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return TransitionResult{}, err
		}
		if err == nil && last.StatusFrom != nil {
			origin = status.Status(*last.StatusFrom)
		}
	}

	req := status.Request{
		Current:        current,
		Target:         pick(current, origin),
		Roles:          roles,
		IsOwner:        p.OwnerID == opts.ActorID,
		AdminOverride:  opts.AdminOverride,
		RevisionOrigin: origin,
	}
	if err := status.Check(req); err != nil {
		return TransitionResult{}, err
	}

	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return TransitionResult{}, err
	}

	var layoutID *string
	if opts.LayoutID != "" {
		layoutID = &opts.LayoutID
	}
	approval, err := e.Ledger.Append(ctx, tx, ledger.Entry{
		ProjectID:       p.ID,
		LayoutID:        layoutID,
		StatusFrom:      current,
		StatusTo:        req.Target,
		ActorID:         opts.ActorID,
		ActorRole:       status.ActingRole(req),
		Comment:         opts.Comment,
		Attachments:     opts.Attachments,
		IsAdminOverride: opts.AdminOverride,
	})
	var chainErr ledger.ChainError
	if errors.As(err, &chainErr) {
		return TransitionResult{}, IntegrityError{Msg: chainErr.Error()}
	}
	if err != nil {
		return TransitionResult{}, err
	}

	// Close the open assignment of the stage being left. Leaving a review
	// stage without one means the tracker lost sync with the status; cancel
	// is the exception since an owner may cancel before anyone is assigned.
	if stage, ok := status.StageRole(current); ok {
		open, err := e.Repo.OpenAssignmentTx(ctx, tx, p.ID, string(stage))
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if req.Target != status.Cancelled {
				return TransitionResult{}, IntegrityError{Msg: fmt.Sprintf("project %s in %s has no open %s assignment", p.ID, current, stage)}
			}
		case err != nil:
			return TransitionResult{}, err
		default:
			if err := e.Repo.CompleteAssignmentTx(ctx, tx, open.ID, approval.TS); err != nil {
				return TransitionResult{}, err
			}
		}
	}

	// Open the next stage's assignment.
	var assignee string
	if stage, ok := status.StageRole(req.Target); ok {
		assignee, err = e.Resolver.Resolve(ctx, tx, string(stage))
		if err != nil {
			return TransitionResult{}, err
		}
		if err := e.Auth.EnsureActor(ctx, tx, assignee); err != nil {
			return TransitionResult{}, err
		}
		if err := e.Repo.InsertAssignmentTx(ctx, tx, domain.ApprovalAssignment{
			ID:         uuid.NewString(),
			ProjectID:  p.ID,
			LayoutID:   layoutID,
			AssigneeID: assignee,
			Role:       string(stage),
			Status:     "pending",
			AssignedAt: approval.TS,
			AssignedBy: &opts.ActorID,
		}); err != nil {
			return TransitionResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	p.Status = string(req.Target)
	p.UpdatedAt = approval.TS
	if req.Target == status.Approved {
		p.ApprovedBy = &opts.ActorID
		p.ApprovedAt = &approval.TS
	}

	e.record(ctx, opts.ActorID, action, p.ID, map[string]any{
		"from":     string(current),
		"to":       string(req.Target),
		"override": opts.AdminOverride,
	})
	if assignee != "" {
		e.send(ctx, assignee, "assignment.created", map[string]any{
			"project_id":   p.ID,
			"project_name": p.Name,
			"status":       p.Status,
		})
	}
	// Owners hear about decisions, not intermediate stage hops: terminal
	// outcomes and revision requests put the ball back in their court.
	if opts.ActorID != p.OwnerID && (status.Terminal(req.Target) || req.Target == status.NeedsRevision) {
		e.send(ctx, p.OwnerID, "project."+string(req.Target), map[string]any{
			"project_id": p.ID,
			"actor_id":   opts.ActorID,
			"comment":    opts.Comment,
		})
	}
	return TransitionResult{Project: p, Approval: approval}, nil
}

// StartAssignment moves a pending assignment to in_progress. Only the
// assignee may start their own review.
func (e Engine) StartAssignment(ctx context.Context, id, actorID string) (domain.ApprovalAssignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalAssignment{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
	if err != nil {
		return domain.ApprovalAssignment{}, err
	}
	if a.AssigneeID != actorID {
		return a, status.UnauthorizedError{Need: "assignee"}
	}
	if a.Status != "pending" {
		return a, fmt.Errorf("assignment %s is %s, not pending", id, a.Status)
	}
	if err := e.Repo.StartAssignmentTx(ctx, tx, id); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = "in_progress"
	e.record(ctx, actorID, "assignment.start", a.ID, map[string]any{"project_id": a.ProjectID})
	return a, nil
}

// CompleteAssignment marks an assignment completed without a project
// transition, for reviews resolved out of band. Completing an already
// completed assignment is a no-op.
func (e Engine) CompleteAssignment(ctx context.Context, id, actorID string) (domain.ApprovalAssignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalAssignment{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
	if err != nil {
		return domain.ApprovalAssignment{}, err
	}
	if a.Status == "completed" {
		return a, nil
	}
	if a.AssigneeID != actorID {
		roles, err := e.Auth.RoleSetFor(ctx, tx, actorID)
		if err != nil {
			return a, err
		}
		if !roles.Has(status.RoleAdmin) {
			return a, status.UnauthorizedError{Need: "assignee or admin"}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CompleteAssignmentTx(ctx, tx, id, now); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = "completed"
	a.CompletedAt = &now
	e.record(ctx, actorID, "assignment.complete", a.ID, map[string]any{"project_id": a.ProjectID})
	return a, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, ownerID, statusFilter string) ([]domain.Project, error) {
	if statusFilter != "" && !status.Valid(status.Status(statusFilter)) {
		return nil, fmt.Errorf("unknown status %s", statusFilter)
	}
	return e.Repo.ListProjects(ctx, ownerID, statusFilter)
}

// History returns the project's full approval chain, oldest first.
func (e Engine) History(ctx context.Context, projectID string) ([]domain.Approval, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListApprovals(ctx, projectID)
}

func (e Engine) Queue(ctx context.Context, userID string) ([]domain.QueueItem, error) {
	return e.Repo.ListQueueFor(ctx, userID)
}

func (e Engine) Stats(ctx context.Context, userID string) (domain.ReviewerStats, error) {
	return e.Repo.StatsFor(ctx, userID)
}

// GrantRole gives an actor a review role. Role rows are created lazily with
// descriptions from config.
func (e Engine) GrantRole(ctx context.Context, actorID, roleID, grantedBy string) error {
	if !validRole(roleID) {
		return fmt.Errorf("unknown role %s", roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	desc := ""
	if e.Config != nil {
		desc = e.Config.RBAC.Roles[roleID].Description
	}
	if err := e.Repo.InsertRole(ctx, tx, roleID, desc); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.record(ctx, grantedBy, "rbac.grant", actorID, map[string]any{"role": roleID})
	return nil
}

func (e Engine) RevokeRole(ctx context.Context, actorID, roleID, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.record(ctx, revokedBy, "rbac.revoke", actorID, map[string]any{"role": roleID})
	return nil
}

// WhoAmI returns the actor's current role grants.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.ActorProfile, error) {
	roles, err := e.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	return domain.ActorProfile{ActorID: actorID, Roles: roles}, nil
}

func (e Engine) Notifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	return e.Repo.ListNotificationsFor(ctx, userID, unreadOnly, limit)
}

func (e Engine) MarkNotificationRead(ctx context.Context, id, userID string) error {
	return e.Repo.MarkNotificationRead(ctx, id, userID, e.now().UTC().Format(time.RFC3339))
}

func validRole(roleID string) bool {
	switch status.Role(roleID) {
	case status.RoleArchitect, status.RoleEngineer, status.RoleRegulator, status.RoleAdmin:
		return true
	}
	return false
}

// record and send run after commit. A sink failure never fails the
// operation that already happened.
func (e Engine) record(ctx context.Context, actorID, action, resourceID string, details map[string]any) {
	if e.Auditor == nil {
		return
	}
	resourceType := "project"
	switch action {
	case "assignment.start", "assignment.complete":
		resourceType = "assignment"
	case "rbac.grant", "rbac.revoke":
		resourceType = "actor"
	}
	if err := e.Auditor.Record(ctx, actorID, action, resourceType, resourceID, details); err != nil {
		log.Printf("audit record failed for %s: %v", action, err)
	}
}

func (e Engine) send(ctx context.Context, userID, kind string, payload map[string]any) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, userID, kind, payload); err != nil {
		log.Printf("notification %s to %s failed: %v", kind, userID, err)
	}
}
