package repo

import (
	"context"
	"database/sql"
)

// Farm roles are deliberately small: operators complete work, managers can
// additionally cancel tasks, trigger sweeps and force blocks into alert.
const (
	RoleOperator = "operator"
	RoleManager  = "manager"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, email, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, email, created_at) VALUES (?,?,?)`, actorID, nullable(email), now)
	return err
}

func (r Repo) AssignFarmRole(ctx context.Context, tx *sql.Tx, farmID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO farm_roles(farm_id, actor_id, role) VALUES (?,?,?)`, farmID, actorID, role)
	return err
}

func (r Repo) RevokeFarmRole(ctx context.Context, tx *sql.Tx, farmID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM farm_roles WHERE farm_id=? AND actor_id=? AND role=?`, farmID, actorID, role)
	return err
}

func (r Repo) ActorFarmRoles(ctx context.Context, farmID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM farm_roles WHERE farm_id=? AND actor_id=?`, farmID, actorID)
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
