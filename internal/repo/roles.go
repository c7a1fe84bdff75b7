package repo

import (
	"context"
	"database/sql"

	"missioncontrol/internal/domain"
)

// GrantRole records a role for an actor. Granting an existing role is a no-op.
func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, g domain.RoleGrant) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO actor_roles(actor_id, role, granted_by, created_at) VALUES (?,?,?,?)
		ON CONFLICT(actor_id, role) DO NOTHING`), g.ActorID, g.Role, g.GrantedBy, g.CreatedAt)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`DELETE FROM actor_roles WHERE actor_id=? AND role=?`), actorID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActorRoles returns the role names held by an actor.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`), actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ListRoleGrants(ctx context.Context) ([]domain.RoleGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role, granted_by, created_at FROM actor_roles ORDER BY actor_id, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []domain.RoleGrant
	for rows.Next() {
		var g domain.RoleGrant
		if err := rows.Scan(&g.ActorID, &g.Role, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
