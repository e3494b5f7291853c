package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine/auth"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) today() string {
	return e.now().UTC().Format(dateLayout)
}

// InitFarm creates a farm, seeds its crop catalog config and grants the
// creating actor the manager role.
func (e Engine) InitFarm(ctx context.Context, farmID, name, actorID string) (domain.Farm, error) {
	if farmID == "" {
		return domain.Farm{}, errors.New("farm id required")
	}
	if name == "" {
		name = farmID
	}
	now := e.now().UTC().Format(time.RFC3339)
	seedCfg := e.Config
	if seedCfg == nil || seedCfg.Farm.ID != farmID {
		seedCfg = config.Default(farmID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Farm{}, err
	}
	defer tx.Rollback()

	f := domain.Farm{ID: farmID, Name: name, Status: "active", CreatedAt: now}
	if err := e.Repo.InsertFarm(ctx, tx, f); err != nil {
		return domain.Farm{}, fmt.Errorf("insert farm: %w", err)
	}
	if err := e.Repo.UpsertFarmConfigTx(ctx, tx, farmID, seedCfg); err != nil {
		return domain.Farm{}, fmt.Errorf("seed farm config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID, ""); err != nil {
		return domain.Farm{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignFarmRole(ctx, tx, farmID, actorID, repo.RoleManager); err != nil {
		return domain.Farm{}, fmt.Errorf("assign role: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "farm.init", farmID, "farm", farmID, actorID, events.EventPayload{"status": f.Status}); err != nil {
		return domain.Farm{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Farm{}, err
	}
	return f, nil
}

// BlockCreateOptions are parameters for creating a block.
type BlockCreateOptions struct {
	ID      string
	FarmID  string
	Name    string
	ActorID string
}

// CreateBlock registers a new production block. Blocks start empty and are
// never deleted; the lifecycle loops back to empty after each cycle.
func (e Engine) CreateBlock(ctx context.Context, opts BlockCreateOptions) (domain.Block, error) {
	if opts.FarmID == "" {
		return domain.Block{}, errors.New("farm is required")
	}
	if opts.Name == "" {
		return domain.Block{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetFarm(ctx, opts.FarmID); err != nil {
		return domain.Block{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Block{
		ID:        id,
		FarmID:    opts.FarmID,
		Name:      opts.Name,
		State:     domain.StateEmpty,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Block{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBlock(ctx, tx, b); err != nil {
		return domain.Block{}, err
	}
	if err := e.Events.Append(ctx, tx, "block.created", b.FarmID, "block", b.ID, opts.ActorID, events.EventPayload{"name": b.Name}); err != nil {
		return domain.Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Block{}, err
	}
	return b, nil
}

// Transition runs one lifecycle transition end to end: load, validate,
// generate, persist tasks, then apply the state change conditioned on the
// version read at load time. Either the block state and its follow-up tasks
// both land, or neither does.
func (e Engine) Transition(ctx context.Context, req domain.TransitionRequest) (domain.Block, error) {
	if e.Config == nil {
		return domain.Block{}, errors.New("config not loaded")
	}
	b, err := e.Repo.GetBlock(ctx, req.BlockID)
	if err != nil {
		return domain.Block{}, err
	}

	crop := b.Crop
	if b.State == domain.StateEmpty && req.ToState == domain.StatePlanned && req.Crop != "" {
		crop = req.Crop
	}
	profile, haveProfile := e.Config.Crop(crop)

	flags := TransitionFlags{Manager: req.Actor.Manager, HasFruiting: profile.HasFruiting}
	if err := ValidateTransition(b.State, req.ToState, flags); err != nil {
		return b, err
	}

	next, err := e.planTransition(b, req, crop, profile, haveProfile)
	if err != nil {
		return b, err
	}

	tasks, err := GenerateTasks(next, req.ToState, profile, e.now())
	if err != nil {
		return b, err
	}
	if req.ToState == domain.StateHarvesting && len(tasks) > 0 {
		// The coordinator, not the generator, keeps the daily harvest
		// bucket unique per block per calendar day.
		exists, err := e.Repo.HasHarvestBucket(ctx, b.ID, e.today())
		if err != nil {
			return b, err
		}
		if exists {
			tasks = nil
		}
	}

	taskIDs, err := e.insertTaskBatch(ctx, tasks, req.Actor)
	if err != nil {
		return b, TaskPersistenceError{Err: err}
	}

	if err := e.applyBlockState(ctx, b, next, req); err != nil {
		// Compensating rollback: the candidate batch must not outlive a
		// failed state change.
		if delErr := e.Repo.DeleteTasks(ctx, taskIDs); delErr != nil {
			return b, fmt.Errorf("rollback tasks after failed transition: %v (original: %w)", delErr, err)
		}
		if errors.Is(err, repo.ErrVersionConflict) {
			return b, ConcurrentModificationError{BlockID: b.ID}
		}
		return b, err
	}
	next.Version = b.Version + 1
	return next, nil
}

// planTransition builds the candidate block record for the destination
// state, computing expected dates on the planning edge and clearing cycle
// data when the block loops back to empty.
func (e Engine) planTransition(b domain.Block, req domain.TransitionRequest, crop string, profile config.CropProfile, haveProfile bool) (domain.Block, error) {
	next := b
	next.State = req.ToState
	switch req.ToState {
	case domain.StatePlanned:
		if crop == "" {
			return b, IncompleteCropProfileError{Crop: crop, Field: "crop"}
		}
		if !haveProfile {
			return b, IncompleteCropProfileError{Crop: crop, Field: "catalog entry"}
		}
		next.Crop = crop
		if req.PlantingDate != "" {
			next.PlannedPlantingDate = req.PlantingDate
		}
		if next.PlannedPlantingDate == "" {
			return b, IncompleteCropProfileError{Crop: crop, Field: "planned_planting_date"}
		}
		planting, err := time.Parse(dateLayout, next.PlannedPlantingDate)
		if err != nil {
			return b, IncompleteCropProfileError{Crop: crop, Field: "planned_planting_date"}
		}
		next.ExpectedStateDates = ExpectedStateDates(profile, planting)
	case domain.StateGrowing, domain.StateFruiting, domain.StateHarvesting:
		if !haveProfile {
			return b, IncompleteCropProfileError{Crop: crop, Field: "catalog entry"}
		}
	case domain.StateAlert:
		next.AlertReason = req.Reason
	case domain.StateCleaning:
		next.AlertReason = ""
	case domain.StateEmpty:
		next.Crop = ""
		next.PlannedPlantingDate = ""
		next.ExpectedStateDates = nil
		next.AlertReason = ""
	}
	return next, nil
}

func (e Engine) insertTaskBatch(ctx context.Context, tasks []domain.FarmTask, actor domain.Actor) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actor.ID, actor.Email); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "task.created", t.FarmID, "task", t.ID, actor.ID, events.EventPayload{
			"block_id":       t.BlockID,
			"type":           t.Type,
			"title":          t.Title,
			"scheduled_date": t.ScheduledDate,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e Engine) applyBlockState(ctx context.Context, prev, next domain.Block, req domain.TransitionRequest) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateBlockStateCAS(ctx, tx, next, prev.Version); err != nil {
		return err
	}
	payload := events.EventPayload{"from": prev.State, "to": next.State}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	if err := e.Events.Append(ctx, tx, "block.transitioned", next.FarmID, "block", next.ID, req.Actor.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteTask settles a pending task for the calling actor. Exactly one of
// any number of concurrent callers succeeds; the rest see
// AlreadyCompletedError, which the UI treats as "someone else already did
// this", not as a fault.
func (e Engine) CompleteTask(ctx context.Context, taskID string, actor domain.Actor) (domain.FarmTask, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actor.ID, actor.Email); err != nil {
		return t, err
	}
	won, err := e.Repo.CompleteTaskIfPending(ctx, tx, taskID, actor.ID, now)
	if err != nil {
		return t, err
	}
	if !won {
		tx.Rollback()
		cur, err := e.Repo.GetTask(ctx, taskID)
		if err != nil {
			return t, err
		}
		return cur, AlreadyCompletedError{TaskID: taskID, Status: cur.Status}
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.FarmID, "task", t.ID, actor.ID, events.EventPayload{
		"block_id": t.BlockID,
		"type":     t.Type,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskCompleted
	t.CompletedBy = &actor.ID
	t.CompletedAt = &now
	return t, nil
}

// CancelTask withdraws a pending task. Manager capability required;
// completed records are immutable so cancelling them is rejected the same
// way a lost completion race is.
func (e Engine) CancelTask(ctx context.Context, taskID string, actor domain.Actor) (domain.FarmTask, error) {
	if !actor.Manager {
		return domain.FarmTask{}, auth.ForbiddenError{Capability: "task.cancel"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	won, err := e.Repo.CancelTaskIfPending(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if !won {
		tx.Rollback()
		cur, err := e.Repo.GetTask(ctx, taskID)
		if err != nil {
			return t, err
		}
		return cur, AlreadyCompletedError{TaskID: taskID, Status: cur.Status}
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", t.FarmID, "task", t.ID, actor.ID, events.EventPayload{
		"block_id": t.BlockID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskCancelled
	return t, nil
}

// EnsureHarvestBucket creates today's harvest recording task for a block in
// harvesting state if none exists yet. The midnight scheduler and the sweep
// loop both call this; it is a no-op for blocks outside harvesting. The
// insert is conditional on no bucket existing for the day, so concurrent
// callers create exactly one task between them.
func (e Engine) EnsureHarvestBucket(ctx context.Context, blockID string, actor domain.Actor) (*domain.FarmTask, error) {
	b, err := e.Repo.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if b.State != domain.StateHarvesting {
		return nil, nil
	}
	now := e.now()
	t := newTask(b, now, domain.TaskHarvestRecording, "Record harvest", now.UTC().Format(dateLayout), "")
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actor.ID, actor.Email); err != nil {
		return nil, err
	}
	won, err := e.Repo.InsertHarvestBucketIfAbsent(ctx, tx, t)
	if err != nil {
		return nil, TaskPersistenceError{Err: err}
	}
	if !won {
		return nil, nil
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.FarmID, "task", t.ID, actor.ID, events.EventPayload{
		"block_id":       t.BlockID,
		"type":           t.Type,
		"title":          t.Title,
		"scheduled_date": t.ScheduledDate,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

// SweepOverdue flags pending tasks scheduled before today. Idempotent: a
// second run over the same data affects zero rows.
func (e Engine) SweepOverdue(ctx context.Context, farmID, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.MarkOverdue(ctx, tx, farmID, e.today())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Events.Append(ctx, tx, "task.overdue.swept", farmID, "farm", farmID, actorID, events.EventPayload{
			"flagged": n,
		}); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}
