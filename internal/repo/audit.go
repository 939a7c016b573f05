package repo

import (
	"context"
	"database/sql"

	"planline/internal/domain"
)

func (r Repo) InsertAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,actor_id,action,resource_type,resource_id,details_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.ActorID, e.Action, e.ResourceType, nullable(e.ResourceID), e.DetailsJSON)
	return err
}

// AuditAfter returns entries with id greater than the cursor, oldest first.
// The webhook dispatcher polls with this to get an ordered event stream.
func (r Repo) AuditAfter(ctx context.Context, afterID int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,actor_id,action,resource_type,COALESCE(resource_id,''),details_json FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// LatestAuditID returns the current high-water mark, 0 when the log is empty.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM audit_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) LatestAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,actor_id,action,resource_type,COALESCE(resource_id,''),details_json FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &e.DetailsJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
