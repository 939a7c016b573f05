// Package auth resolves actor capability sets from the rbac tables.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"planline/internal/status"
)

// Service provides RBAC helpers backed by SQL. Role grants are global;
// a granted role applies to every project on the board.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// RoleSetFor reads the actor's grants inside the caller's transaction and
// returns them as a capability set for transition checks.
func (s Service) RoleSetFor(ctx context.Context, tx *sql.Tx, actorID string) (status.RoleSet, error) {
	roles, err := s.ActorRoles(ctx, tx, actorID)
	if err != nil {
		return nil, err
	}
	return status.NewRoleSet(roles...), nil
}

func (s Service) HasRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role_id=? LIMIT 1`, actorID, roleID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
