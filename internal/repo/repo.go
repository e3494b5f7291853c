package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict signals that a version-conditioned block update lost
// against a concurrent writer.
var ErrVersionConflict = errors.New("version conflict")

func (r Repo) InsertFarm(ctx context.Context, tx *sql.Tx, f domain.Farm) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO farms(id,name,status,created_at) VALUES (?,?,?,?)`,
		f.ID, f.Name, f.Status, f.CreatedAt)
	return err
}

func (r Repo) GetFarm(ctx context.Context, id string) (domain.Farm, error) {
	var f domain.Farm
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM farms WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &f.Status, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) SingleFarm(ctx context.Context) (domain.Farm, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM farms`)
	if err != nil {
		return domain.Farm{}, err
	}
	defer rows.Close()
	var farms []domain.Farm
	for rows.Next() {
		var f domain.Farm
		if err := rows.Scan(&f.ID, &f.Name, &f.Status, &f.CreatedAt); err != nil {
			return domain.Farm{}, err
		}
		farms = append(farms, f)
	}
	if len(farms) == 0 {
		return domain.Farm{}, ErrNotFound
	}
	if len(farms) > 1 {
		return domain.Farm{}, fmt.Errorf("multiple farms exist; specify --farm")
	}
	return farms[0], nil
}

func (r Repo) ListFarms(ctx context.Context) ([]domain.Farm, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM farms ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Farm
	for rows.Next() {
		var f domain.Farm
		if err := rows.Scan(&f.ID, &f.Name, &f.Status, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpsertFarmConfig(ctx context.Context, farmID string, cfg *config.Config) error {
	return upsertFarmConfig(ctx, r.DB, nil, farmID, cfg)
}

func (r Repo) UpsertFarmConfigTx(ctx context.Context, tx *sql.Tx, farmID string, cfg *config.Config) error {
	return upsertFarmConfig(ctx, nil, tx, farmID, cfg)
}

func upsertFarmConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, farmID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Farm.ID = farmID
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
	_, err = exec(`INSERT INTO farm_configs(farm_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(farm_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, farmID, string(payload), now, now)
	return err
}

func (r Repo) GetFarmConfig(ctx context.Context, farmID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM farm_configs WHERE farm_id=?`, farmID).Scan(&payload)
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
	if cfg.Farm.ID == "" {
		cfg.Farm.ID = farmID
	}
	return &cfg, cfg.Validate()
}

// --- blocks ---

func (r Repo) InsertBlock(ctx context.Context, tx *sql.Tx, b domain.Block) error {
	expected, err := marshalDates(b.ExpectedStateDates)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO blocks(id,farm_id,name,state,crop,planned_planting_date,expected_dates_json,alert_reason,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.FarmID, b.Name, string(b.State), nullable(b.Crop), nullable(b.PlannedPlantingDate), expected, nullable(b.AlertReason),
		b.Version, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBlock(ctx context.Context, id string) (domain.Block, error) {
	return scanBlock(r.DB.QueryRowContext(ctx, `SELECT id,farm_id,name,state,crop,planned_planting_date,expected_dates_json,alert_reason,version,created_at,updated_at FROM blocks WHERE id=?`, id))
}

func scanBlock(row *sql.Row) (domain.Block, error) {
	var b domain.Block
	var state string
	var crop, planting, expected, alertReason sql.NullString
	err := row.Scan(&b.ID, &b.FarmID, &b.Name, &state, &crop, &planting, &expected, &alertReason, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.State = domain.BlockState(state)
	if crop.Valid {
		b.Crop = crop.String
	}
	if planting.Valid {
		b.PlannedPlantingDate = planting.String
	}
	if alertReason.Valid {
		b.AlertReason = alertReason.String
	}
	if expected.Valid && expected.String != "" {
		_ = json.Unmarshal([]byte(expected.String), &b.ExpectedStateDates)
	}
	return b, nil
}

type BlockFilters struct {
	FarmID string
	State  domain.BlockState
}

func (r Repo) ListBlocks(ctx context.Context, f BlockFilters) ([]domain.Block, error) {
	clauses := []string{"farm_id=?"}
	args := []any{f.FarmID}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT id,farm_id,name,state,crop,planned_planting_date,expected_dates_json,alert_reason,version,created_at,updated_at FROM blocks `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		var b domain.Block
		var state string
		var crop, planting, expected, alertReason sql.NullString
		if err := rows.Scan(&b.ID, &b.FarmID, &b.Name, &state, &crop, &planting, &expected, &alertReason, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.State = domain.BlockState(state)
		if crop.Valid {
			b.Crop = crop.String
		}
		if planting.Valid {
			b.PlannedPlantingDate = planting.String
		}
		if alertReason.Valid {
			b.AlertReason = alertReason.String
		}
		if expected.Valid && expected.String != "" {
			_ = json.Unmarshal([]byte(expected.String), &b.ExpectedStateDates)
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBlockStateCAS applies a state change conditioned on the version the
// caller read. Zero rows affected means another writer advanced the block
// first (or the block vanished); callers distinguish via GetBlock.
func (r Repo) UpdateBlockStateCAS(ctx context.Context, tx *sql.Tx, b domain.Block, expectedVersion int64) error {
	expected, err := marshalDates(b.ExpectedStateDates)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET state=?, crop=?, planned_planting_date=?, expected_dates_json=?, alert_reason=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		string(b.State), nullable(b.Crop), nullable(b.PlannedPlantingDate), expected, nullable(b.AlertReason),
		b.UpdatedAt, b.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) CountBlocksByState(ctx context.Context, farmID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM blocks WHERE farm_id=? GROUP BY state`, farmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, farmID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, farmID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, farmID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if farmID != "" {
		clauses = append(clauses, "farm_id=?")
		args = append(args, farmID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,farm_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var farm, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &farm, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if farm.Valid {
			e.FarmID = farm.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalDates(in map[string]string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

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
