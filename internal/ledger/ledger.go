// Package ledger appends approval entries and keeps project status in
// lockstep with the chain head. Entries are immutable once written; the
// only path that mutates projects.status goes through Writer.Append.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/status"
)

// ChainError reports a ledger entry whose status_from does not match the
// live project status. It means a concurrent transition won the race or a
// caller skipped the orchestrator.
type ChainError struct {
	ProjectID string
	Want      string
	Got       string
}

func (e ChainError) Error() string {
	return fmt.Sprintf("ledger chain violation for project %s: status_from %q, live status %q", e.ProjectID, e.Got, e.Want)
}

type Writer struct {
	Now func() time.Time
}

// Entry is the caller-supplied part of a ledger row. Seq, ID and TS are
// assigned by Append.
type Entry struct {
	ProjectID       string
	LayoutID        *string
	StatusFrom      status.Status
	StatusTo        status.Status
	ActorID         string
	ActorRole       string
	Comment         string
	Attachments     []string
	IsAdminOverride bool
}

// Append writes one ledger entry inside the caller's transaction and moves
// projects.status to entry.StatusTo. The project row must already be read
// in the same transaction; Append re-checks the live status so that two
// racing transitions cannot both land on the same chain head.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry Entry) (domain.Approval, error) {
	var live string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM projects WHERE id=?`, entry.ProjectID).Scan(&live); err != nil {
		return domain.Approval{}, err
	}
	if live != string(entry.StatusFrom) {
		return domain.Approval{}, ChainError{ProjectID: entry.ProjectID, Want: live, Got: string(entry.StatusFrom)}
	}

	// The first entry carries a NULL status_from; every later entry chains
	// off the previous entry's status_to.
	var hasPrior bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM approvals WHERE project_id=?)`, entry.ProjectID).Scan(&hasPrior); err != nil {
		return domain.Approval{}, err
	}
	var statusFrom *string
	if hasPrior {
		statusFrom = strPtr(string(entry.StatusFrom))
	}

	now := w.Now().UTC().Format(time.RFC3339)
	approval := domain.Approval{
		ID:              uuid.NewString(),
		ProjectID:       entry.ProjectID,
		LayoutID:        entry.LayoutID,
		StatusFrom:      statusFrom,
		StatusTo:        string(entry.StatusTo),
		ActorID:         entry.ActorID,
		ActorRole:       entry.ActorRole,
		TS:              now,
		Comment:         entry.Comment,
		Attachments:     entry.Attachments,
		IsAdminOverride: entry.IsAdminOverride,
	}

	var attachments any
	if len(entry.Attachments) > 0 {
		raw, err := json.Marshal(entry.Attachments)
		if err != nil {
			return domain.Approval{}, err
		}
		attachments = string(raw)
	}
	var layoutID any
	if entry.LayoutID != nil {
		layoutID = *entry.LayoutID
	}
	var comment any
	if entry.Comment != "" {
		comment = entry.Comment
	}
	override := 0
	if entry.IsAdminOverride {
		override = 1
	}

	var fromCol any
	if statusFrom != nil {
		fromCol = *statusFrom
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,project_id,layout_id,status_from,status_to,actor_id,actor_role,ts,comment,attachments_json,is_admin_override)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		approval.ID, approval.ProjectID, layoutID, fromCol, approval.StatusTo,
		approval.ActorID, approval.ActorRole, approval.TS, comment, attachments, override)
	if err != nil {
		return domain.Approval{}, err
	}
	approval.Seq, err = res.LastInsertId()
	if err != nil {
		return domain.Approval{}, err
	}

	if entry.StatusTo == status.Approved {
		_, err = tx.ExecContext(ctx, `UPDATE projects SET status=?, approved_by=?, approved_at=?, updated_at=? WHERE id=?`,
			string(entry.StatusTo), entry.ActorID, now, now, entry.ProjectID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`,
			string(entry.StatusTo), now, entry.ProjectID)
	}
	if err != nil {
		return domain.Approval{}, err
	}
	return approval, nil
}

func strPtr(s string) *string { return &s }
