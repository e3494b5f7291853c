package domain

// BlockState is the lifecycle position of a production block.
type BlockState string

const (
	StateEmpty      BlockState = "empty"
	StatePlanned    BlockState = "planned"
	StateGrowing    BlockState = "growing"
	StateFruiting   BlockState = "fruiting"
	StateHarvesting BlockState = "harvesting"
	StateCleaning   BlockState = "cleaning"
	StateAlert      BlockState = "alert"
)

// BlockStates lists every lifecycle state.
var BlockStates = []BlockState{
	StateEmpty, StatePlanned, StateGrowing, StateFruiting,
	StateHarvesting, StateCleaning, StateAlert,
}

// ParseBlockState returns the state for a wire value, or false.
func ParseBlockState(s string) (BlockState, bool) {
	for _, st := range BlockStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

type TaskType string

const (
	TaskStateTransition  TaskType = "state_transition"
	TaskMonitoring       TaskType = "monitoring"
	TaskHarvestRecording TaskType = "harvest_recording"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

type Farm struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Block struct {
	ID                  string            `json:"id"`
	FarmID              string            `json:"farm_id"`
	Name                string            `json:"name"`
	State               BlockState        `json:"state" enum:"empty,planned,growing,fruiting,harvesting,cleaning,alert"`
	Crop                string            `json:"crop,omitempty"`
	PlannedPlantingDate string            `json:"planned_planting_date,omitempty" format:"date"`
	ExpectedStateDates  map[string]string `json:"expected_state_dates,omitempty"`
	AlertReason         string            `json:"alert_reason,omitempty"`
	Version             int64             `json:"version"`
	CreatedAt           string            `json:"created_at" format:"date-time"`
	UpdatedAt           string            `json:"updated_at" format:"date-time"`
}

type FarmTask struct {
	ID            string     `json:"id"`
	FarmID        string     `json:"farm_id"`
	BlockID       string     `json:"block_id"`
	Type          TaskType   `json:"type" enum:"state_transition,monitoring,harvest_recording"`
	Title         string     `json:"title"`
	Notes         string     `json:"notes,omitempty"`
	Status        TaskStatus `json:"status" enum:"pending,completed,cancelled"`
	ScheduledDate string     `json:"scheduled_date" format:"date"`
	TriggerState  *string    `json:"trigger_state,omitempty"`
	Overdue       bool       `json:"overdue"`
	CompletedBy   *string    `json:"completed_by,omitempty"`
	CompletedAt   *string    `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
}

// Actor is the resolved identity behind a request. Manager is a capability
// flag decided by the caller's authorization layer, not by the engine.
type Actor struct {
	ID      string
	Email   string
	Manager bool
}

// TransitionRequest drives one lifecycle transition attempt. It is never
// persisted. Crop and PlantingDate only apply on the empty->planned edge,
// where the crop assignment for the upcoming cycle happens.
type TransitionRequest struct {
	BlockID      string
	ToState      BlockState
	Actor        Actor
	Crop         string
	PlantingDate string
	Reason       string
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FarmID     string `json:"farm_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
