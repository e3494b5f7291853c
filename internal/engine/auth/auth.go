package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// Service resolves farm-scoped capabilities backed by SQL. The engine never
// queries roles itself; it consumes the boolean flags this service produces.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, email string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, email, created_at) VALUES (?,?,?)`, actorID, nullable(email), now)
	return err
}

// IsManager reports whether the actor holds the manager role on the farm.
func (s Service) IsManager(ctx context.Context, farmID, actorID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM farm_roles WHERE farm_id=? AND actor_id=? AND role='manager' LIMIT 1`,
		farmID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// IsMember reports whether the actor holds any role on the farm.
func (s Service) IsMember(ctx context.Context, farmID, actorID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM farm_roles WHERE farm_id=? AND actor_id=? LIMIT 1`,
		farmID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
