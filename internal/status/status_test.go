package status

import (
	"errors"
	"testing"
)

func TestForwardPathRequiresStageRole(t *testing.T) {
	cases := []struct {
		from, to Status
		role     Role
	}{
		{UnderArchitectReview, UnderEngineerReview, RoleArchitect},
		{UnderEngineerReview, UnderRegulatorReview, RoleEngineer},
		{UnderRegulatorReview, Approved, RoleRegulator},
	}
	for _, c := range cases {
		if err := Check(Request{Current: c.from, Target: c.to, Roles: NewRoleSet(string(c.role))}); err != nil {
			t.Fatalf("%s -> %s by %s: %v", c.from, c.to, c.role, err)
		}
		err := Check(Request{Current: c.from, Target: c.to, Roles: NewRoleSet("clerk")})
		var ue UnauthorizedError
		if !errors.As(err, &ue) {
			t.Fatalf("%s -> %s without role: expected UnauthorizedError, got %v", c.from, c.to, err)
		}
	}
}

func TestOwnerSubmitsFromDraft(t *testing.T) {
	if err := Check(Request{Current: Draft, Target: UnderArchitectReview, IsOwner: true}); err != nil {
		t.Fatalf("owner submit: %v", err)
	}
	err := Check(Request{Current: Draft, Target: UnderArchitectReview, Roles: NewRoleSet("architect")})
	var ue UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("non-owner submit: expected UnauthorizedError, got %v", err)
	}
}

func TestSkippingStagesIsIllegal(t *testing.T) {
	err := Check(Request{Current: UnderArchitectReview, Target: UnderRegulatorReview, Roles: NewRoleSet("architect")})
	var ie IllegalTransitionError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestAdminOverrideBoundByGraph(t *testing.T) {
	// Override bypasses role ownership on legal edges.
	if err := Check(Request{Current: UnderArchitectReview, Target: UnderEngineerReview, AdminOverride: true}); err != nil {
		t.Fatalf("override forward: %v", err)
	}
	// But cannot jump draft -> approved.
	err := Check(Request{Current: Draft, Target: Approved, AdminOverride: true, Roles: NewRoleSet("admin")})
	var ie IllegalTransitionError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IllegalTransitionError for draft->approved override, got %v", err)
	}
}

func TestRejectAndRevisionFromReviewStages(t *testing.T) {
	for _, stage := range []Status{UnderArchitectReview, UnderEngineerReview, UnderRegulatorReview} {
		role, _ := StageRole(stage)
		for _, target := range []Status{Rejected, NeedsRevision} {
			if err := Check(Request{Current: stage, Target: target, Roles: NewRoleSet(string(role))}); err != nil {
				t.Fatalf("%s -> %s by %s: %v", stage, target, role, err)
			}
			if err := Check(Request{Current: stage, Target: target, Roles: NewRoleSet("admin")}); err != nil {
				t.Fatalf("%s -> %s by admin: %v", stage, target, err)
			}
		}
	}
	err := Check(Request{Current: Draft, Target: Rejected, Roles: NewRoleSet("admin")})
	var ie IllegalTransitionError
	if !errors.As(err, &ie) {
		t.Fatalf("reject from draft: expected IllegalTransitionError, got %v", err)
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []Status{Draft, UnderArchitectReview, UnderEngineerReview, UnderRegulatorReview, NeedsRevision} {
		if err := Check(Request{Current: from, Target: Cancelled, IsOwner: true}); err != nil {
			t.Fatalf("owner cancel from %s: %v", from, err)
		}
	}
	err := Check(Request{Current: UnderEngineerReview, Target: Cancelled, Roles: NewRoleSet("engineer")})
	var ue UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("reviewer cancel: expected UnauthorizedError, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []Status{Approved, Rejected, Cancelled} {
		err := Check(Request{Current: from, Target: Draft, Roles: NewRoleSet("admin"), AdminOverride: true})
		var ie IllegalTransitionError
		if !errors.As(err, &ie) {
			t.Fatalf("transition out of %s: expected IllegalTransitionError, got %v", from, err)
		}
	}
}

func TestRevisionResubmitTargets(t *testing.T) {
	req := Request{Current: NeedsRevision, Target: UnderEngineerReview, IsOwner: true, RevisionOrigin: UnderEngineerReview}
	if err := Check(req); err != nil {
		t.Fatalf("resubmit to origin stage: %v", err)
	}
	if err := Check(Request{Current: NeedsRevision, Target: Draft, IsOwner: true, RevisionOrigin: UnderEngineerReview}); err != nil {
		t.Fatalf("resubmit to draft: %v", err)
	}
	err := Check(Request{Current: NeedsRevision, Target: UnderRegulatorReview, IsOwner: true, RevisionOrigin: UnderEngineerReview})
	var ie IllegalTransitionError
	if !errors.As(err, &ie) {
		t.Fatalf("resubmit past origin: expected IllegalTransitionError, got %v", err)
	}
}

func TestActingRoleSnapshot(t *testing.T) {
	r := ActingRole(Request{Current: UnderEngineerReview, Target: UnderRegulatorReview, Roles: NewRoleSet("engineer")})
	if r != "engineer" {
		t.Fatalf("expected engineer snapshot, got %s", r)
	}
	r = ActingRole(Request{Current: Draft, Target: UnderArchitectReview, IsOwner: true})
	if r != RoleOwner {
		t.Fatalf("expected owner snapshot, got %s", r)
	}
	r = ActingRole(Request{Current: UnderArchitectReview, Target: UnderEngineerReview, AdminOverride: true})
	if r != "admin" {
		t.Fatalf("expected admin snapshot, got %s", r)
	}
}
