package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planline/internal/config"
	"planline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,kind,owner_id,status,COALESCE(description,''),approved_by,approved_at,created_at,updated_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var approvedBy, approvedAt sql.NullString
	err := scan(&p.ID, &p.Name, &p.Kind, &p.OwnerID, &p.Status, &p.Description, &approvedBy, &approvedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if approvedBy.Valid {
		p.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,kind,owner_id,status,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Kind, p.OwnerID, p.Status, nullable(p.Description), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

// GetProjectTx reads the project inside the caller's transaction so a
// transition validates against the status as of this transaction, not a
// stale snapshot.
func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context, ownerID, statusFilter string) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
	}
	if statusFilter != "" {
		clauses = append(clauses, "status=?")
		args = append(args, statusFilter)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- approvals (ledger reads; writes live in internal/ledger) ---

const approvalColumns = `seq,id,project_id,layout_id,status_from,status_to,actor_id,actor_role,ts,comment,attachments_json,is_admin_override`

func scanApproval(scan func(...any) error) (domain.Approval, error) {
	var a domain.Approval
	var layoutID, statusFrom, comment, attachments sql.NullString
	err := scan(&a.Seq, &a.ID, &a.ProjectID, &layoutID, &statusFrom, &a.StatusTo, &a.ActorID, &a.ActorRole, &a.TS, &comment, &attachments, &a.IsAdminOverride)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if layoutID.Valid {
		a.LayoutID = &layoutID.String
	}
	if statusFrom.Valid {
		a.StatusFrom = &statusFrom.String
	}
	if comment.Valid {
		a.Comment = comment.String
	}
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &a.Attachments)
	}
	return a, nil
}

// LastApprovalTx returns the newest ledger entry for a project, ErrNotFound
// if the ledger is empty.
func (r Repo) LastApprovalTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE project_id=? ORDER BY seq DESC LIMIT 1`, projectID)
	return scanApproval(row.Scan)
}

// ListApprovals returns the full chain for a project, oldest first.
func (r Repo) ListApprovals(ctx context.Context, projectID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE project_id=? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- assignments ---

const assignmentColumns = `id,project_id,layout_id,assignee_id,role,status,assigned_at,assigned_by,completed_at`

func scanAssignment(scan func(...any) error) (domain.ApprovalAssignment, error) {
	var a domain.ApprovalAssignment
	var layoutID, assignedBy, completedAt sql.NullString
	err := scan(&a.ID, &a.ProjectID, &layoutID, &a.AssigneeID, &a.Role, &a.Status, &a.AssignedAt, &assignedBy, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if layoutID.Valid {
		a.LayoutID = &layoutID.String
	}
	if assignedBy.Valid {
		a.AssignedBy = &assignedBy.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_assignments(id,project_id,layout_id,assignee_id,role,status,assigned_at,assigned_by) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, nullableStringPtr(a.LayoutID), a.AssigneeID, a.Role, a.Status, a.AssignedAt, nullableStringPtr(a.AssignedBy))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.ApprovalAssignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM approval_assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalAssignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM approval_assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// OpenAssignmentTx finds the single pending/in_progress assignment for a
// project stage, if any.
func (r Repo) OpenAssignmentTx(ctx context.Context, tx *sql.Tx, projectID, role string) (domain.ApprovalAssignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM approval_assignments WHERE project_id=? AND role=? AND status IN ('pending','in_progress') LIMIT 1`, projectID, role)
	return scanAssignment(row.Scan)
}

func (r Repo) CompleteAssignmentTx(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_assignments SET status='completed', completed_at=? WHERE id=?`, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) StartAssignmentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_assignments SET status='in_progress' WHERE id=? AND status='pending'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListQueueFor returns a reviewer's open assignments joined with project
// display fields, oldest assignment first.
func (r Repo) ListQueueFor(ctx context.Context, userID string) ([]domain.QueueItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.id,a.project_id,a.layout_id,a.assignee_id,a.role,a.status,a.assigned_at,a.assigned_by,a.completed_at,p.name,p.kind
FROM approval_assignments a
JOIN projects p ON p.id=a.project_id
WHERE a.assignee_id=? AND a.status IN ('pending','in_progress')
ORDER BY a.assigned_at ASC, a.id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueItem
	for rows.Next() {
		var item domain.QueueItem
		var layoutID, assignedBy, completedAt sql.NullString
		a := &item.Assignment
		if err := rows.Scan(&a.ID, &a.ProjectID, &layoutID, &a.AssigneeID, &a.Role, &a.Status, &a.AssignedAt, &assignedBy, &completedAt, &item.ProjectName, &item.ProjectKind); err != nil {
			return nil, err
		}
		if layoutID.Valid {
			a.LayoutID = &layoutID.String
		}
		if assignedBy.Valid {
			a.AssignedBy = &assignedBy.String
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.String
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CountOpenByAssigneeTx returns open-assignment counts per roster member,
// used for least-loaded assignee resolution.
func (r Repo) CountOpenByAssigneeTx(ctx context.Context, tx *sql.Tx, role string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT assignee_id, count(*) FROM approval_assignments WHERE role=? AND status IN ('pending','in_progress') GROUP BY assignee_id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}

// StatsFor aggregates a reviewer's assignment and decision counts. Approved
// and rejected come from the ledger, not assignment rows.
func (r Repo) StatsFor(ctx context.Context, userID string) (domain.ReviewerStats, error) {
	var s domain.ReviewerStats
	err := r.DB.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN status IN ('pending','in_progress') THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0)
FROM approval_assignments WHERE assignee_id=?`, userID).Scan(&s.Pending, &s.Completed)
	if err != nil {
		return s, err
	}
	// An approval is any forward move out of a review stage; advancing a
	// project to the next stage is that reviewer's approval decision.
	err = r.DB.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE
    WHEN status_from='under_architect_review' AND status_to='under_engineer_review' THEN 1
    WHEN status_from='under_engineer_review' AND status_to='under_regulator_review' THEN 1
    WHEN status_from='under_regulator_review' AND status_to='approved' THEN 1
    ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status_to='rejected' THEN 1 ELSE 0 END),0)
FROM approvals WHERE actor_id=?`, userID).Scan(&s.Approved, &s.Rejected)
	if err != nil {
		return s, err
	}
	s.TotalReviewed = s.Completed
	return s, nil
}

// --- board configs ---

func (r Repo) UpsertBoardConfig(ctx context.Context, boardID string, cfg *config.Config) error {
	return upsertBoardConfig(ctx, r.DB, nil, boardID, cfg)
}

func (r Repo) UpsertBoardConfigTx(ctx context.Context, tx *sql.Tx, boardID string, cfg *config.Config) error {
	return upsertBoardConfig(ctx, nil, tx, boardID, cfg)
}

func upsertBoardConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, boardID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Board.ID = boardID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO board_configs(board_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(board_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, boardID, string(payload), now, now)
	return err
}

func (r Repo) GetBoardConfig(ctx context.Context, boardID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM board_configs WHERE board_id=?`, boardID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Board.ID == "" {
		cfg.Board.ID = boardID
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
