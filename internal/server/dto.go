package server

import (
	"encoding/json"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

// Request payloads

type CreateFarmRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateBlockRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type TransitionBlockRequest struct {
	ToState      string `json:"to_state" enum:"empty,planned,growing,fruiting,harvesting,cleaning,alert"`
	Crop         string `json:"crop,omitempty"`
	PlantingDate string `json:"planting_date,omitempty" format:"date"`
	Reason       string `json:"reason,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type FarmResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BlockResponse struct {
	ID                  string            `json:"id"`
	FarmID              string            `json:"farm_id"`
	Name                string            `json:"name"`
	State               string            `json:"state" enum:"empty,planned,growing,fruiting,harvesting,cleaning,alert"`
	Crop                string            `json:"crop,omitempty"`
	PlannedPlantingDate string            `json:"planned_planting_date,omitempty" format:"date"`
	ExpectedStateDates  map[string]string `json:"expected_state_dates,omitempty"`
	AlertReason         string            `json:"alert_reason,omitempty"`
	Version             int64             `json:"version"`
	CreatedAt           string            `json:"created_at" format:"date-time"`
	UpdatedAt           string            `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID            string  `json:"id"`
	FarmID        string  `json:"farm_id"`
	BlockID       string  `json:"block_id"`
	Type          string  `json:"type" enum:"state_transition,monitoring,harvest_recording"`
	Title         string  `json:"title"`
	Notes         string  `json:"notes,omitempty"`
	Status        string  `json:"status" enum:"pending,completed,cancelled"`
	ScheduledDate string  `json:"scheduled_date" format:"date"`
	TriggerState  *string `json:"trigger_state,omitempty"`
	Overdue       bool    `json:"overdue"`
	CompletedBy   *string `json:"completed_by,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FarmID     string         `json:"farm_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only populated on creation; it is never stored or returned again.
	Key string `json:"key,omitempty"`
}

type SweepResponse struct {
	FarmID  string `json:"farm_id"`
	Flagged int64  `json:"flagged"`
}

type FarmStatusResponse struct {
	FarmID  string           `json:"farm_id"`
	Blocks  map[string]int64 `json:"blocks_by_state"`
	Tasks   map[string]int64 `json:"tasks_by_status"`
	Overdue int64            `json:"overdue_pending"`
}

type FarmConfigResponse struct {
	Farm    farmConfigSection              `json:"farm"`
	Crops   map[string]cropProfileResponse `json:"crops"`
	Scanner scannerConfigSection           `json:"scanner"`
}

type farmConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type cropProfileResponse struct {
	Description  string `json:"description,omitempty"`
	HasFruiting  bool   `json:"has_fruiting"`
	GrowthDays   int    `json:"growth_days"`
	FruitingDays int    `json:"fruiting_days,omitempty"`
	HarvestDays  int    `json:"harvest_days"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func farmResponse(f domain.Farm) FarmResponse {
	return FarmResponse(f)
}

func blockResponse(b domain.Block) BlockResponse {
	return BlockResponse{
		ID:                  b.ID,
		FarmID:              b.FarmID,
		Name:                b.Name,
		State:               string(b.State),
		Crop:                b.Crop,
		PlannedPlantingDate: b.PlannedPlantingDate,
		ExpectedStateDates:  b.ExpectedStateDates,
		AlertReason:         b.AlertReason,
		Version:             b.Version,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
}

func taskResponse(t domain.FarmTask) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		FarmID:        t.FarmID,
		BlockID:       t.BlockID,
		Type:          string(t.Type),
		Title:         t.Title,
		Notes:         t.Notes,
		Status:        string(t.Status),
		ScheduledDate: t.ScheduledDate,
		TriggerState:  t.TriggerState,
		Overdue:       t.Overdue,
		CompletedBy:   t.CompletedBy,
		CompletedAt:   t.CompletedAt,
		CreatedAt:     t.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FarmID:     e.FarmID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) FarmConfigResponse {
	res := FarmConfigResponse{
		Farm: farmConfigSection{
			ID:   cfg.Farm.ID,
			Name: cfg.Farm.Name,
		},
		Crops: map[string]cropProfileResponse{},
	}
	for name, crop := range cfg.Crops {
		res.Crops[name] = cropProfileResponse{
			Description:  crop.Description,
			HasFruiting:  crop.HasFruiting,
			GrowthDays:   crop.GrowthDays,
			FruitingDays: crop.FruitingDays,
			HarvestDays:  crop.HarvestDays,
		}
	}
	res.Scanner.IntervalMinutes = cfg.Scanner.IntervalMinutes
	return res
}

type scannerConfigSection struct {
	IntervalMinutes int `json:"interval_minutes"`
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
