package engine_test

import (
	"testing"
	"time"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/repo"
)

func TestScannerPass(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBlock(t)
	b = env.transition(t, domain.TransitionRequest{
		BlockID: b.ID, ToState: domain.StatePlanned, Actor: operator,
		Crop: "lettuce", PlantingDate: "2024-04-20",
	})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateGrowing, Actor: operator})
	b = env.transition(t, domain.TransitionRequest{BlockID: b.ID, ToState: domain.StateHarvesting, Actor: operator})

	sc := engine.NewScanner(env.Engine, time.Minute)
	sc.Logger = nil

	if err := sc.Pass(env.Ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	overdue, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{BlockID: b.ID, OverdueOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	// Only the planting task (2024-04-20) predates the fixed clock.
	if len(overdue) != 1 || overdue[0].Title != "Plant crop" {
		t.Fatalf("overdue after pass: %+v", overdue)
	}

	// Same-day pass is a no-op: no new flags, no second harvest bucket.
	if err := sc.Pass(env.Ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	count := func(date string) int {
		tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{
			BlockID: b.ID, Type: domain.TaskHarvestRecording, ScheduledDate: date,
		})
		if err != nil {
			t.Fatal(err)
		}
		return len(tasks)
	}
	if n := count("2024-05-01"); n != 1 {
		t.Fatalf("buckets for 2024-05-01: %d", n)
	}

	// Next day the scanner opens a fresh bucket.
	sc.Engine.Now = func() time.Time { return time.Date(2024, 5, 2, 0, 1, 0, 0, time.UTC) }
	if err := sc.Pass(env.Ctx); err != nil {
		t.Fatalf("next-day pass: %v", err)
	}
	if n := count("2024-05-02"); n != 1 {
		t.Fatalf("buckets for 2024-05-02: %d", n)
	}
}
