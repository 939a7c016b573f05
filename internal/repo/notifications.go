package repo

import (
	"context"

	"planline/internal/domain"
)

// Notifications are durable rows, not an in-process store, so a second
// instance sees the same queue.

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,user_id,kind,payload_json,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.UserID, n.Kind, nullable(n.PayloadJSON), n.CreatedAt)
	return err
}

func (r Repo) ListNotificationsFor(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,user_id,kind,COALESCE(payload_json,''),created_at,COALESCE(read_at,'') FROM notifications WHERE user_id=?`
	args := []any{userID}
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.PayloadJSON, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead is idempotent; the first read timestamp wins.
func (r Repo) MarkNotificationRead(ctx context.Context, id, userID, readAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read_at=COALESCE(read_at,?) WHERE id=? AND user_id=?`, readAt, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE user_id=? AND read_at IS NULL`, userID).Scan(&n)
	return n, err
}
