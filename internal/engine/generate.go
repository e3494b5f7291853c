package engine

import (
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

const dateLayout = "2006-01-02"

// ExpectedStateDates computes the per-state expected dates for a cycle
// starting at the planned planting date, from the crop's day offsets.
// Keys are destination state names.
func ExpectedStateDates(profile config.CropProfile, planting time.Time) map[string]string {
	dates := map[string]string{}
	harvest := planting.AddDate(0, 0, profile.GrowthDays)
	if profile.HasFruiting {
		fruiting := planting.AddDate(0, 0, profile.GrowthDays)
		dates[string(domain.StateFruiting)] = fruiting.Format(dateLayout)
		harvest = fruiting.AddDate(0, 0, profile.FruitingDays)
	}
	dates[string(domain.StateHarvesting)] = harvest.Format(dateLayout)
	dates[string(domain.StateCleaning)] = harvest.AddDate(0, 0, profile.HarvestDays).Format(dateLayout)
	return dates
}

// GenerateTasks produces the follow-up work for entering toState. Pure aside
// from generated ids and the created_at stamp: identical inputs yield task
// lists identical in type, count and scheduled date. Transitions without a
// rule (cleaning->empty, alert edges) yield an empty list.
func GenerateTasks(block domain.Block, to domain.BlockState, profile config.CropProfile, now time.Time) ([]domain.FarmTask, error) {
	switch to {
	case domain.StatePlanned:
		if block.PlannedPlantingDate == "" {
			return nil, IncompleteCropProfileError{Crop: block.Crop, Field: "planned_planting_date"}
		}
		return []domain.FarmTask{newTask(block, now, domain.TaskStateTransition,
			"Plant crop", block.PlannedPlantingDate, domain.StateGrowing)}, nil

	case domain.StateGrowing:
		// Exactly one branch fires: fruiting crops wait for the fruiting
		// date, the rest go straight to the harvest date.
		if profile.HasFruiting {
			date, ok := block.ExpectedStateDates[string(domain.StateFruiting)]
			if !ok || date == "" {
				return nil, IncompleteCropProfileError{Crop: block.Crop, Field: "expected fruiting date"}
			}
			return []domain.FarmTask{newTask(block, now, domain.TaskStateTransition,
				"Start fruiting", date, domain.StateFruiting)}, nil
		}
		date, ok := block.ExpectedStateDates[string(domain.StateHarvesting)]
		if !ok || date == "" {
			return nil, IncompleteCropProfileError{Crop: block.Crop, Field: "expected harvesting date"}
		}
		return []domain.FarmTask{newTask(block, now, domain.TaskStateTransition,
			"Start harvesting", date, domain.StateHarvesting)}, nil

	case domain.StateFruiting:
		date, ok := block.ExpectedStateDates[string(domain.StateHarvesting)]
		if !ok || date == "" {
			return nil, IncompleteCropProfileError{Crop: block.Crop, Field: "expected harvesting date"}
		}
		return []domain.FarmTask{newTask(block, now, domain.TaskStateTransition,
			"Start harvesting", date, domain.StateHarvesting)}, nil

	case domain.StateHarvesting:
		t := newTask(block, now, domain.TaskHarvestRecording,
			"Record harvest", now.UTC().Format(dateLayout), "")
		return []domain.FarmTask{t}, nil

	case domain.StateCleaning:
		return []domain.FarmTask{newTask(block, now, domain.TaskStateTransition,
			"Clean block", now.UTC().AddDate(0, 0, 1).Format(dateLayout), domain.StateEmpty)}, nil

	default:
		return nil, nil
	}
}

func newTask(block domain.Block, now time.Time, taskType domain.TaskType, title, scheduled string, trigger domain.BlockState) domain.FarmTask {
	t := domain.FarmTask{
		ID:            uuid.New().String(),
		FarmID:        block.FarmID,
		BlockID:       block.ID,
		Type:          taskType,
		Title:         title,
		Status:        domain.TaskPending,
		ScheduledDate: scheduled,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
	if trigger != "" {
		s := string(trigger)
		t.TriggerState = &s
	}
	return t
}
