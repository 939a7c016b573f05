// Package status holds the project lifecycle state machine. It is pure: the
// decision function sees the current state, the requested state and the
// caller's capability set, never the database.
package status

import "fmt"

type Status string

const (
	Draft                Status = "draft"
	UnderArchitectReview Status = "under_architect_review"
	UnderEngineerReview  Status = "under_engineer_review"
	UnderRegulatorReview Status = "under_regulator_review"
	Approved             Status = "approved"
	Rejected             Status = "rejected"
	NeedsRevision        Status = "needs_revision"
	Cancelled            Status = "cancelled"
)

type Role string

const (
	RoleArchitect Role = "architect"
	RoleEngineer  Role = "engineer"
	RoleRegulator Role = "regulator"
	RoleAdmin     Role = "admin"
)

// RoleOwner marks transitions performed by the project owner rather than a
// granted review role. It is recorded in the ledger's actor_role snapshot.
const RoleOwner = "owner"

// RoleSet is the actor's resolved capability set for one operation.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...string) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[Role(r)] = struct{}{}
	}
	return s
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// IllegalTransitionError reports a requested move that is not an edge of the
// lifecycle graph, regardless of who asks.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// UnauthorizedError reports a legal move requested by an actor that does not
// hold the role owning it.
type UnauthorizedError struct {
	Need string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("requires %s", e.Need)
}

func Valid(s Status) bool {
	switch s {
	case Draft, UnderArchitectReview, UnderEngineerReview, UnderRegulatorReview,
		Approved, Rejected, NeedsRevision, Cancelled:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func Terminal(s Status) bool {
	return s == Approved || s == Rejected || s == Cancelled
}

// InReview reports whether s is a review stage.
func InReview(s Status) bool {
	_, ok := StageRole(s)
	return ok
}

// StageRole maps a review stage to the role that owns it.
func StageRole(s Status) (Role, bool) {
	switch s {
	case UnderArchitectReview:
		return RoleArchitect, true
	case UnderEngineerReview:
		return RoleEngineer, true
	case UnderRegulatorReview:
		return RoleRegulator, true
	}
	return "", false
}

// Next returns the forward edge of the happy path.
func Next(s Status) (Status, bool) {
	switch s {
	case Draft:
		return UnderArchitectReview, true
	case UnderArchitectReview:
		return UnderEngineerReview, true
	case UnderEngineerReview:
		return UnderRegulatorReview, true
	case UnderRegulatorReview:
		return Approved, true
	}
	return "", false
}

// Request is one transition attempt. RevisionOrigin is the stage a
// needs_revision project was returned from, read from the ledger; it bounds
// where a resubmission may re-enter.
type Request struct {
	Current        Status
	Target         Status
	Roles          RoleSet
	IsOwner        bool
	AdminOverride  bool
	RevisionOrigin Status
}

// Check decides ALLOWED or DENIED for a transition request. A nil return
// means allowed. The reachability graph binds everyone, admin override
// included; only the role-ownership rule is bypassed by override.
func Check(req Request) error {
	if !Valid(req.Target) {
		return IllegalTransitionError{From: req.Current, To: req.Target}
	}
	if Terminal(req.Current) || req.Current == req.Target {
		return IllegalTransitionError{From: req.Current, To: req.Target}
	}

	switch req.Target {
	case Cancelled:
		// Reachable from any non-terminal state, owner or admin only.
		if req.IsOwner || req.Roles.Has(RoleAdmin) {
			return nil
		}
		return UnauthorizedError{Need: "project owner or admin"}

	case Rejected, NeedsRevision:
		stage, ok := StageRole(req.Current)
		if !ok {
			return IllegalTransitionError{From: req.Current, To: req.Target}
		}
		if req.AdminOverride || req.Roles.Has(stage) || req.Roles.Has(RoleAdmin) {
			return nil
		}
		return UnauthorizedError{Need: string(stage)}
	}

	// Resubmission after a revision request: back to draft or straight to
	// the stage the revision came from.
	if req.Current == NeedsRevision {
		if req.Target != Draft && req.Target != req.RevisionOrigin {
			return IllegalTransitionError{From: req.Current, To: req.Target}
		}
		if req.IsOwner || req.AdminOverride || req.Roles.Has(RoleAdmin) {
			return nil
		}
		return UnauthorizedError{Need: "project owner"}
	}

	next, ok := Next(req.Current)
	if !ok || req.Target != next {
		return IllegalTransitionError{From: req.Current, To: req.Target}
	}
	if req.AdminOverride {
		return nil
	}
	// Forward moves are authorized by the role completing the current
	// stage; leaving draft is the owner's move.
	if req.Current == Draft {
		if req.IsOwner || req.Roles.Has(RoleAdmin) {
			return nil
		}
		return UnauthorizedError{Need: "project owner"}
	}
	stage, _ := StageRole(req.Current)
	if req.Roles.Has(stage) || req.Roles.Has(RoleAdmin) {
		return nil
	}
	return UnauthorizedError{Need: string(stage)}
}

// ActingRole picks the role snapshot to record in the ledger for an allowed
// transition.
func ActingRole(req Request) string {
	if req.AdminOverride {
		return string(RoleAdmin)
	}
	if stage, ok := StageRole(req.Current); ok && req.Roles.Has(stage) {
		return string(stage)
	}
	if req.Roles.Has(RoleAdmin) {
		return string(RoleAdmin)
	}
	return RoleOwner
}
