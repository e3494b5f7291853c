package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

const taskColumns = `id,farm_id,block_id,type,title,notes,status,scheduled_date,trigger_state,is_overdue,completed_by,completed_at,created_at`

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.FarmTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO farm_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.FarmID, t.BlockID, string(t.Type), t.Title, nullable(t.Notes), string(t.Status), t.ScheduledDate,
		nullableStringPtr(t.TriggerState), boolToInt(t.Overdue), nullableStringPtr(t.CompletedBy), nullableStringPtr(t.CompletedAt), t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.FarmTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM farm_tasks WHERE id=?`, id))
}

func scanTask(row *sql.Row) (domain.FarmTask, error) {
	var t domain.FarmTask
	var taskType, status string
	var notes, trigger, completedBy, completedAt sql.NullString
	var overdue int
	err := row.Scan(&t.ID, &t.FarmID, &t.BlockID, &taskType, &t.Title, &notes, &status, &t.ScheduledDate,
		&trigger, &overdue, &completedBy, &completedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Type = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.Overdue = overdue != 0
	if notes.Valid {
		t.Notes = notes.String
	}
	if trigger.Valid {
		t.TriggerState = &trigger.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

type TaskFilters struct {
	FarmID          string
	BlockID         string
	Status          domain.TaskStatus
	Type            domain.TaskType
	OverdueOnly     bool
	ScheduledDate   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.FarmTask, error) {
	var clauses []string
	var args []any
	if f.FarmID != "" {
		clauses = append(clauses, "farm_id=?")
		args = append(args, f.FarmID)
	}
	if f.BlockID != "" {
		clauses = append(clauses, "block_id=?")
		args = append(args, f.BlockID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.OverdueOnly {
		clauses = append(clauses, "is_overdue=1")
	}
	if f.ScheduledDate != "" {
		clauses = append(clauses, "scheduled_date=?")
		args = append(args, f.ScheduledDate)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM farm_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FarmTask
	for rows.Next() {
		var t domain.FarmTask
		var taskType, status string
		var notes, trigger, completedBy, completedAt sql.NullString
		var overdue int
		if err := rows.Scan(&t.ID, &t.FarmID, &t.BlockID, &taskType, &t.Title, &notes, &status, &t.ScheduledDate,
			&trigger, &overdue, &completedBy, &completedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = domain.TaskType(taskType)
		t.Status = domain.TaskStatus(status)
		t.Overdue = overdue != 0
		if notes.Valid {
			t.Notes = notes.String
		}
		if trigger.Valid {
			t.TriggerState = &trigger.String
		}
		if completedBy.Valid {
			t.CompletedBy = &completedBy.String
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompleteTaskIfPending is the status-conditioned write behind
// first-to-complete-wins: it succeeds for exactly one caller. A false
// return means the task was not pending (or does not exist).
func (r Repo) CompleteTaskIfPending(ctx context.Context, tx *sql.Tx, taskID, actorID, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE farm_tasks SET status=?, completed_by=?, completed_at=? WHERE id=? AND status=?`,
		string(domain.TaskCompleted), actorID, completedAt, taskID, string(domain.TaskPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTaskIfPending mirrors CompleteTaskIfPending; completed records stay
// immutable.
func (r Repo) CancelTaskIfPending(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE farm_tasks SET status=? WHERE id=? AND status=?`,
		string(domain.TaskCancelled), taskID, string(domain.TaskPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteTasks removes a candidate batch during compensating rollback. It is
// only ever called with ids inserted by the same failed transition.
func (r Repo) DeleteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM farm_tasks WHERE id=?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkOverdue flags pending tasks scheduled strictly before the given date.
// The flag is advisory; re-running with the same date affects zero rows.
func (r Repo) MarkOverdue(ctx context.Context, tx *sql.Tx, farmID, before string) (int64, error) {
	query := `UPDATE farm_tasks SET is_overdue=1 WHERE status=? AND is_overdue=0 AND scheduled_date < ?`
	args := []any{string(domain.TaskPending), before}
	if farmID != "" {
		query += ` AND farm_id=?`
		args = append(args, farmID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertHarvestBucketIfAbsent is the conditional write keeping the daily
// harvest bucket unique: the insert lands only if no non-cancelled harvest
// recording task exists for the block on the task's scheduled day. A false
// return means another writer already opened the bucket.
func (r Repo) InsertHarvestBucketIfAbsent(ctx context.Context, tx *sql.Tx, t domain.FarmTask) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO farm_tasks(`+taskColumns+`)
		SELECT ?,?,?,?,?,?,?,?,?,?,?,?,?
		WHERE NOT EXISTS (
			SELECT 1 FROM farm_tasks WHERE block_id=? AND type=? AND scheduled_date=? AND status!=?
		)`,
		t.ID, t.FarmID, t.BlockID, string(t.Type), t.Title, nullable(t.Notes), string(t.Status), t.ScheduledDate,
		nullableStringPtr(t.TriggerState), boolToInt(t.Overdue), nullableStringPtr(t.CompletedBy), nullableStringPtr(t.CompletedAt), t.CreatedAt,
		t.BlockID, string(domain.TaskHarvestRecording), t.ScheduledDate, string(domain.TaskCancelled))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasHarvestBucket reports whether a non-cancelled harvest recording task
// already exists for the block on the given calendar day.
func (r Repo) HasHarvestBucket(ctx context.Context, blockID, date string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM farm_tasks WHERE block_id=? AND type=? AND scheduled_date=? AND status!=? LIMIT 1`,
		blockID, string(domain.TaskHarvestRecording), date, string(domain.TaskCancelled))
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, farmID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM farm_tasks WHERE farm_id=? GROUP BY status`, farmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountOverduePending(ctx context.Context, farmID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM farm_tasks WHERE farm_id=? AND status=? AND is_overdue=1`,
		farmID, string(domain.TaskPending))
	var n int
	err := row.Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
