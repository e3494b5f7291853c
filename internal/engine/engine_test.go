package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/auth"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

var (
	operator = domain.Actor{ID: "worker-1"}
	manager  = domain.Actor{ID: "boss", Manager: true}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("farm-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitFarm(ctx, "farm-1", "Test Farm", manager.ID); err != nil {
		t.Fatalf("init farm: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx}
}

func (env *testEnv) newBlock(t *testing.T) domain.Block {
	t.Helper()
	b, err := env.Engine.CreateBlock(env.Ctx, engine.BlockCreateOptions{
		FarmID: "farm-1", Name: "Block A", ActorID: manager.ID,
	})
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	return b
}

func (env *testEnv) transition(t *testing.T, req domain.TransitionRequest) domain.Block {
	t.Helper()
	b, err := env.Engine.Transition(env.Ctx, req)
	if err != nil {
		t.Fatalf("transition to %s: %v", req.ToState, err)
	}
	return b
}

func (env *testEnv) pendingTasks(t *testing.T, blockID string) []domain.FarmTask {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{
		BlockID: blockID, Status: domain.TaskPending,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func TestFullTomatoCycle(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	if b.State != domain.StateEmpty || b.Version != 1 {
		t.Fatalf("fresh block: %+v", b)
	}

	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})
	if b.State != domain.StatePlanned || b.Crop != "tomato" || b.Version != 2 {
		t.Fatalf("after planning: %+v", b)
	}
	if b.ExpectedStateDates["fruiting"] != "2024-06-24" || b.ExpectedStateDates["harvesting"] != "2024-07-24" {
		t.Fatalf("expected dates: %v", b.ExpectedStateDates)
	}
	tasks := env.pendingTasks(t, b.ID)
	if len(tasks) != 1 || tasks[0].Title != "Plant crop" || tasks[0].ScheduledDate != "2024-05-10" {
		t.Fatalf("planning tasks: %+v", tasks)
	}

	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateGrowing, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateFruiting, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateHarvesting, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateCleaning, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateEmpty, Actor: operator})

	if b.State != domain.StateEmpty || b.Version != 7 {
		t.Fatalf("after full cycle: %+v", b)
	}
	if b.Crop != "" || b.PlannedPlantingDate != "" || len(b.ExpectedStateDates) != 0 {
		t.Fatalf("cycle data not cleared: %+v", b)
	}

	titles := map[string]bool{}
	for _, task := range env.pendingTasks(t, b.ID) {
		titles[task.Title] = true
	}
	for _, want := range []string{"Plant crop", "Start fruiting", "Start harvesting", "Record harvest", "Clean block"} {
		if !titles[want] {
			t.Fatalf("missing generated task %q (have %v)", want, titles)
		}
	}
}

func TestNonFruitingCropSkipsFruiting(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "lettuce", PlantingDate: "2024-05-10",
	})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateGrowing, Actor: operator})

	_, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateFruiting, Actor: operator})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("lettuce into fruiting: expected InvalidTransitionError, got %v", err)
	}

	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateHarvesting, Actor: operator})
	if b.State != domain.StateHarvesting {
		t.Fatalf("state %s", b.State)
	}
}

func TestAlertRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})
	before := len(env.pendingTasks(t, b.ID))

	_, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StateAlert, Actor: operator, Reason: "pest outbreak",
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("operator alert: expected ForbiddenError, got %v", err)
	}
	cur, err := env.Engine.Repo.GetBlock(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.State != domain.StatePlanned || cur.Version != b.Version {
		t.Fatalf("block changed on forbidden transition: %+v", cur)
	}
	if got := len(env.pendingTasks(t, b.ID)); got != before {
		t.Fatalf("tasks changed on forbidden transition: %d != %d", got, before)
	}

	alerted := env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StateAlert, Actor: manager, Reason: "pest outbreak",
	})
	if alerted.State != domain.StateAlert || alerted.AlertReason != "pest outbreak" {
		t.Fatalf("alerted block: %+v", alerted)
	}

	// Alert exits through cleaning, manager only.
	if _, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StateCleaning, Actor: operator,
	}); !errors.As(err, &fe) {
		t.Fatalf("operator alert exit: %v", err)
	}
	cleaned := env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StateCleaning, Actor: manager,
	})
	if cleaned.State != domain.StateCleaning || cleaned.AlertReason != "" {
		t.Fatalf("cleaned block: %+v", cleaned)
	}
}

func TestGenerationFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)

	_, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator, Crop: "tomato",
	})
	var ice engine.IncompleteCropProfileError
	if !errors.As(err, &ice) {
		t.Fatalf("expected IncompleteCropProfileError, got %v", err)
	}
	cur, err := env.Engine.Repo.GetBlock(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.State != domain.StateEmpty || cur.Version != 1 || cur.Crop != "" {
		t.Fatalf("block mutated by failed transition: %+v", cur)
	}
	if tasks := env.pendingTasks(t, b.ID); len(tasks) != 0 {
		t.Fatalf("tasks leaked from failed transition: %+v", tasks)
	}
}

func TestUnknownCropRejected(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	_, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "dragonfruit", PlantingDate: "2024-05-10",
	})
	var ice engine.IncompleteCropProfileError
	if !errors.As(err, &ice) {
		t.Fatalf("expected IncompleteCropProfileError, got %v", err)
	}
}

func TestTransitionUnknownBlock(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{
		BlockID: "nope", ToState: domain.StatePlanned, Actor: operator,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVersionConflictRollsBackTasks(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)

	// Bump the version out from under the transition between task generation
	// and the state write. The clock hook fires once inside each phase, so
	// the second call is the moment just before the conditional update.
	calls := 0
	env.Engine.Now = func() time.Time {
		calls++
		if calls == 2 {
			if _, err := env.Engine.DB.Exec(`UPDATE blocks SET version=version+1 WHERE id=?`, b.ID); err != nil {
				t.Errorf("inject conflict: %v", err)
			}
		}
		return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	}

	_, err := env.Engine.Transition(env.Ctx, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})
	var cme engine.ConcurrentModificationError
	if !errors.As(err, &cme) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
	// The candidate batch must not survive the lost race.
	if tasks := env.pendingTasks(t, b.ID); len(tasks) != 0 {
		t.Fatalf("orphaned tasks after conflict: %+v", tasks)
	}
	cur, err := env.Engine.Repo.GetBlock(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.State != domain.StateEmpty {
		t.Fatalf("state changed despite conflict: %s", cur.State)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, domain.TransitionRequest{
				BlockID: b.ID, ToState: domain.StateGrowing, Actor: operator,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (errs=%v)", wins, errs)
	}
	cur, err := env.Engine.Repo.GetBlock(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.State != domain.StateGrowing {
		t.Fatalf("state %s", cur.State)
	}
	// Only the winner's batch survives.
	fruiting := 0
	for _, task := range env.pendingTasks(t, b.ID) {
		if task.Title == "Start fruiting" {
			fruiting++
		}
	}
	if fruiting != 1 {
		t.Fatalf("expected one fruiting task, got %d", fruiting)
	}
}

func TestCompleteTaskExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})
	task := env.pendingTasks(t, b.ID)[0]

	done, err := env.Engine.CompleteTask(env.Ctx, task.ID, operator)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.CompletedBy == nil || *done.CompletedBy != operator.ID {
		t.Fatalf("completed task: %+v", done)
	}

	_, err = env.Engine.CompleteTask(env.Ctx, task.ID, manager)
	var ace engine.AlreadyCompletedError
	if !errors.As(err, &ace) {
		t.Fatalf("second complete: expected AlreadyCompletedError, got %v", err)
	}
	if ace.Status != domain.TaskCompleted {
		t.Fatalf("conflict status %s", ace.Status)
	}
	// The record is immutable: the original completer stays.
	cur, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.CompletedBy == nil || *cur.CompletedBy != operator.ID {
		t.Fatalf("completer overwritten: %+v", cur)
	}
}

func TestConcurrentCompletesSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})
	task := env.pendingTasks(t, b.ID)[0]

	const workers = 5
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := domain.Actor{ID: "worker-" + string(rune('a'+i))}
			_, errs[i] = env.Engine.CompleteTask(env.Ctx, task.ID, actor)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var ace engine.AlreadyCompletedError
		if !errors.As(err, &ace) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-05-10",
	})
	task := env.pendingTasks(t, b.ID)[0]

	_, err := env.Engine.CancelTask(env.Ctx, task.ID, operator)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("operator cancel: expected ForbiddenError, got %v", err)
	}

	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, manager)
	if err != nil {
		t.Fatalf("manager cancel: %v", err)
	}
	if cancelled.Status != domain.TaskCancelled {
		t.Fatalf("status %s", cancelled.Status)
	}

	// Cancelled records are settled; completing or re-cancelling fails.
	var ace engine.AlreadyCompletedError
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, operator); !errors.As(err, &ace) {
		t.Fatalf("complete cancelled: %v", err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, manager); !errors.As(err, &ace) {
		t.Fatalf("re-cancel: %v", err)
	}
}

func TestHarvestBucketDedup(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "lettuce", PlantingDate: "2024-05-10",
	})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateGrowing, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateHarvesting, Actor: operator})

	// The transition opened today's bucket; a second ensure is a no-op.
	created, err := env.Engine.EnsureHarvestBucket(env.Ctx, b.ID, operator)
	if err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if created != nil {
		t.Fatalf("duplicate bucket created: %+v", created)
	}
	buckets := 0
	for _, task := range env.pendingTasks(t, b.ID) {
		if task.Type == domain.TaskHarvestRecording && task.ScheduledDate == "2024-05-01" {
			buckets++
		}
	}
	if buckets != 1 {
		t.Fatalf("expected one bucket for the day, got %d", buckets)
	}

	// A new day opens a new bucket.
	env.Engine.Now = func() time.Time { return time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC) }
	created, err = env.Engine.EnsureHarvestBucket(env.Ctx, b.ID, operator)
	if err != nil {
		t.Fatalf("next-day ensure: %v", err)
	}
	if created == nil || created.ScheduledDate != "2024-05-02" {
		t.Fatalf("next-day bucket: %+v", created)
	}
}

func TestEnsureHarvestBucketConcurrentSingleWriter(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "lettuce", PlantingDate: "2024-05-10",
	})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateGrowing, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateHarvesting, Actor: operator})

	// Hold every caller at the clock read so they all compute the new day
	// before any of them reaches the insert.
	const workers = 4
	var gate sync.WaitGroup
	gate.Add(workers)
	env.Engine.Now = func() time.Time {
		gate.Done()
		gate.Wait()
		return time.Date(2024, 5, 2, 0, 1, 0, 0, time.UTC)
	}

	var wg sync.WaitGroup
	created := make([]*domain.FarmTask, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created[i], errs[i] = env.Engine.EnsureHarvestBucket(env.Ctx, b.ID, operator)
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if created[i] != nil {
			creators++
		}
	}
	if creators != 1 {
		t.Fatalf("expected exactly one bucket creator, got %d", creators)
	}
	buckets, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{
		BlockID: b.ID, Type: domain.TaskHarvestRecording, ScheduledDate: "2024-05-02",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket for 2024-05-02, got %d", len(buckets))
	}
}

func TestSweepOverdueIdempotent(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "tomato", PlantingDate: "2024-04-20",
	})

	n, err := env.Engine.SweepOverdue(env.Ctx, "farm-1", manager.ID)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one flagged task, got %d", n)
	}
	task := env.pendingTasks(t, b.ID)[0]
	if !task.Overdue || task.Status != domain.TaskPending {
		t.Fatalf("swept task: %+v", task)
	}

	n, err = env.Engine.SweepOverdue(env.Ctx, "farm-1", manager.ID)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("sweep not idempotent: %d", n)
	}
}
