package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/status"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("board-1")
	eng := engine.New(conn, cfg)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Ledger.Now = fixed
	ctx := context.Background()
	for actor, role := range map[string]string{
		"architect-1": "architect",
		"engineer-1":  "engineer",
		"regulator-1": "regulator",
		"admin-1":     "admin",
	} {
		if err := eng.GrantRole(ctx, actor, role, "admin-1"); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createDraft(t *testing.T, env testEnv) string {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:    "Riverside Apartments",
		Kind:    "residential",
		OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p.ID
}

func TestFullApprovalPath(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)

	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	steps := []struct {
		actor string
		want  status.Status
	}{
		{"architect-1", status.UnderEngineerReview},
		{"engineer-1", status.UnderRegulatorReview},
		{"regulator-1", status.Approved},
	}
	for _, s := range steps {
		res, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: s.actor})
		if err != nil {
			t.Fatalf("approve by %s: %v", s.actor, err)
		}
		if res.Project.Status != string(s.want) {
			t.Fatalf("after %s: status %s, want %s", s.actor, res.Project.Status, s.want)
		}
	}

	p, err := env.Engine.GetProject(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != string(status.Approved) {
		t.Fatalf("final status %s", p.Status)
	}
	if p.ApprovedBy == nil || *p.ApprovedBy != "regulator-1" {
		t.Fatalf("approved_by not recorded: %v", p.ApprovedBy)
	}

	// Final approval must not open another assignment.
	for _, reviewer := range []string{"architect-1", "engineer-1", "regulator-1"} {
		q, err := env.Engine.Queue(env.Ctx, reviewer)
		if err != nil {
			t.Fatal(err)
		}
		if len(q) != 0 {
			t.Fatalf("%s still has %d open assignments after approval", reviewer, len(q))
		}
	}
}

func TestLedgerChainIsContiguous(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	_, _ = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"})
	_, _ = env.Engine.RequestRevision(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "engineer-1", Comment: "load calcs missing"})
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})

	chain, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 4 {
		t.Fatalf("chain length %d, want 4", len(chain))
	}
	if chain[0].StatusFrom != nil {
		t.Fatalf("first entry status_from %q, want NULL", *chain[0].StatusFrom)
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].StatusFrom == nil || *chain[i].StatusFrom != chain[i-1].StatusTo {
			t.Fatalf("chain break at %d: %v -> %s after %s", i, chain[i].StatusFrom, chain[i].StatusTo, chain[i-1].StatusTo)
		}
	}
	// Resubmission re-enters the stage the revision came from.
	if chain[3].StatusTo != string(status.UnderEngineerReview) {
		t.Fatalf("resubmit landed on %s", chain[3].StatusTo)
	}
}

func TestUnauthorizedApproveLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})

	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "engineer-1"})
	var unauthorized status.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	p, _ := env.Engine.GetProject(env.Ctx, id)
	if p.Status != string(status.UnderArchitectReview) {
		t.Fatalf("status changed to %s by denied actor", p.Status)
	}
	chain, _ := env.Engine.History(env.Ctx, id)
	if len(chain) != 1 {
		t.Fatalf("denied transition wrote ledger rows: %d", len(chain))
	}
}

func TestAdminOverrideBoundByLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)

	// Override cannot jump the graph.
	_, err := env.Engine.AdminOverride(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "admin-1"}, status.Approved)
	var illegal status.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal transition, got %v", err)
	}

	// Override does bypass stage ownership along a real edge.
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	res, err := env.Engine.AdminOverride(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "admin-1"}, status.UnderEngineerReview)
	if err != nil {
		t.Fatalf("override forward: %v", err)
	}
	if !res.Approval.IsAdminOverride || res.Approval.ActorRole != "admin" {
		t.Fatalf("override not flagged in ledger: %+v", res.Approval)
	}

	// Non-admins cannot use override at all.
	_, err = env.Engine.AdminOverride(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "engineer-1"}, status.UnderRegulatorReview)
	var unauthorized status.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized override, got %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	_, _ = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"})
	res, err := env.Engine.Reject(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "engineer-1", Comment: "foundation undersized"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Project.Status != string(status.Rejected) {
		t.Fatalf("status %s", res.Project.Status)
	}
	chain, _ := env.Engine.History(env.Ctx, id)
	if len(chain) != 3 {
		t.Fatalf("ledger rows %d, want 3", len(chain))
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"}); err == nil {
		t.Fatal("resubmitted a rejected project")
	}
	if _, err := env.Engine.AdminOverride(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "admin-1"}, status.UnderArchitectReview); err == nil {
		t.Fatal("override revived a terminal project")
	}
}

func TestRevisionReturnToDraft(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	_, _ = env.Engine.RequestRevision(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"})

	res, err := env.Engine.ReturnToDraft(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	if err != nil {
		t.Fatalf("return to draft: %v", err)
	}
	if res.Project.Status != string(status.Draft) {
		t.Fatalf("status %s", res.Project.Status)
	}
	// Full pipeline runs again from the top.
	if _, err := env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	q, _ := env.Engine.Queue(env.Ctx, "architect-1")
	if len(q) != 1 {
		t.Fatalf("architect queue %d, want 1", len(q))
	}
}

func TestCancelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	if _, err := env.Engine.Cancel(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"}); err == nil {
		t.Fatal("non-owner cancelled a draft")
	}
	if _, err := env.Engine.Cancel(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"}); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}

	// Cancelling mid-review closes the reviewer's open assignment.
	id2 := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id2, ActorID: "owner-1"})
	if _, err := env.Engine.Cancel(env.Ctx, engine.TransitionOptions{ProjectID: id2, ActorID: "owner-1"}); err != nil {
		t.Fatalf("cancel in review: %v", err)
	}
	q, _ := env.Engine.Queue(env.Ctx, "architect-1")
	if len(q) != 0 {
		t.Fatalf("cancelled project left %d open assignments", len(q))
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})

	q, err := env.Engine.Queue(env.Ctx, "architect-1")
	if err != nil || len(q) != 1 {
		t.Fatalf("architect queue: %v %d", err, len(q))
	}
	a := q[0].Assignment
	if a.Status != "pending" || a.Role != "architect" {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if q[0].ProjectName != "Riverside Apartments" {
		t.Fatalf("queue missing project fields: %+v", q[0])
	}

	// Only the assignee may start it.
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "engineer-1"); err == nil {
		t.Fatal("non-assignee started review")
	}
	started, err := env.Engine.StartAssignment(env.Ctx, a.ID, "architect-1")
	if err != nil || started.Status != "in_progress" {
		t.Fatalf("start: %v %s", err, started.Status)
	}

	// Approving completes it and hands off to the engineer.
	if _, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	done, _ := env.Engine.GetProject(env.Ctx, id)
	if done.Status != string(status.UnderEngineerReview) {
		t.Fatalf("status %s", done.Status)
	}
	if q, _ := env.Engine.Queue(env.Ctx, "architect-1"); len(q) != 0 {
		t.Fatalf("architect queue not drained")
	}
	if q, _ := env.Engine.Queue(env.Ctx, "engineer-1"); len(q) != 1 {
		t.Fatalf("engineer not assigned")
	}
}

func TestCompleteAssignmentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	q, _ := env.Engine.Queue(env.Ctx, "architect-1")
	if len(q) != 1 {
		t.Fatalf("queue %d", len(q))
	}
	a := q[0].Assignment

	first, err := env.Engine.CompleteAssignment(env.Ctx, a.ID, "architect-1")
	if err != nil || first.Status != "completed" {
		t.Fatalf("complete: %v %s", err, first.Status)
	}
	second, err := env.Engine.CompleteAssignment(env.Ctx, a.ID, "architect-1")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if second.CompletedAt == nil || first.CompletedAt == nil || *second.CompletedAt != *first.CompletedAt {
		t.Fatalf("completion timestamp changed on repeat")
	}
}

func TestLeastLoadedAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Reviewers["architect"] = []string{"architect-1", "architect-2"}
	if err := env.Engine.GrantRole(env.Ctx, "architect-2", "architect", "admin-1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		id := createDraft(t, env)
		if _, err := env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	q1, _ := env.Engine.Queue(env.Ctx, "architect-1")
	q2, _ := env.Engine.Queue(env.Ctx, "architect-2")
	if len(q1) != 2 || len(q2) != 2 {
		t.Fatalf("load not balanced: %d vs %d", len(q1), len(q2))
	}
}

func TestReviewerStats(t *testing.T) {
	env := newTestEnv(t)
	approvedID := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: approvedID, ActorID: "owner-1"})
	if _, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: approvedID, ActorID: "architect-1"}); err != nil {
		t.Fatal(err)
	}

	rejectedID := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: rejectedID, ActorID: "owner-1"})
	if _, err := env.Engine.Reject(env.Ctx, engine.TransitionOptions{ProjectID: rejectedID, ActorID: "architect-1"}); err != nil {
		t.Fatal(err)
	}

	pendingID := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: pendingID, ActorID: "owner-1"})

	s, err := env.Engine.Stats(env.Ctx, "architect-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != 1 || s.Completed != 2 || s.Approved != 1 || s.Rejected != 1 {
		t.Fatalf("stats %+v", s)
	}
}

func TestDecisionNotifiesOwner(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	if _, err := env.Engine.RequestRevision(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1", Comment: "setback too small"}); err != nil {
		t.Fatal(err)
	}
	notes, err := env.Engine.Notifications(env.Ctx, "owner-1", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range notes {
		if n.Kind == "project.needs_revision" {
			found = true
		}
	}
	if !found {
		t.Fatalf("owner not notified, got %+v", notes)
	}

	if err := env.Engine.MarkNotificationRead(env.Ctx, notes[0].ID, "owner-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, _ := env.Engine.Repo.CountUnreadNotifications(env.Ctx, "owner-1")
	if unread != len(notes)-1 {
		t.Fatalf("unread count %d", unread)
	}
}

func TestIntermediateApprovalDoesNotNotifyOwner(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	if _, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"}); err != nil {
		t.Fatal(err)
	}
	notes, err := env.Engine.Notifications(env.Ctx, "owner-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 0 {
		t.Fatalf("owner notified of a stage hop: %+v", notes)
	}

	if _, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "engineer-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "regulator-1"}); err != nil {
		t.Fatal(err)
	}
	notes, err = env.Engine.Notifications(env.Ctx, "owner-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Kind != "project.approved" {
		t.Fatalf("final approval notifications %+v, want one project.approved", notes)
	}
}

func TestRoleGrantRevoke(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "temp-1", "architect", "admin-1"); err != nil {
		t.Fatal(err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "temp-1")
	if err != nil || len(who.Roles) != 1 || who.Roles[0] != "architect" {
		t.Fatalf("whoami %+v %v", who, err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "temp-1", "architect", "admin-1"); err != nil {
		t.Fatal(err)
	}

	// Revoked reviewers lose their powers immediately.
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	_, err = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "temp-1"})
	var unauthorized status.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized after revoke, got %v", err)
	}

	if err := env.Engine.GrantRole(env.Ctx, "temp-1", "mayor", "admin-1"); err == nil {
		t.Fatal("granted unknown role")
	}
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := createDraft(t, env)
	_, _ = env.Engine.SubmitForReview(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "owner-1"})
	_, _ = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ProjectID: id, ActorID: "architect-1"})

	entries, err := env.Engine.Repo.LatestAudit(env.Ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	for _, want := range []string{"project.create", "project.submit", "project.approve"} {
		if !actions[want] {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}
