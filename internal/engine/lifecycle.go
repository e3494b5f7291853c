package engine

import (
	"fieldline/internal/domain"
	"fieldline/internal/engine/auth"
)

// TransitionFlags carry the per-request facts the validator needs beyond the
// two states: the actor's manager capability (resolved upstream) and whether
// the block's crop has a fruiting stage.
type TransitionFlags struct {
	Manager     bool
	HasFruiting bool
}

// blockTransitions is the fixed lifecycle graph. Alert is handled separately:
// it is reachable from any state (manager-only) and exits through cleaning.
var blockTransitions = map[domain.BlockState][]domain.BlockState{
	domain.StateEmpty:      {domain.StatePlanned},
	domain.StatePlanned:    {domain.StateGrowing},
	domain.StateGrowing:    {domain.StateFruiting, domain.StateHarvesting},
	domain.StateFruiting:   {domain.StateHarvesting},
	domain.StateHarvesting: {domain.StateCleaning},
	domain.StateCleaning:   {domain.StateEmpty},
	domain.StateAlert:      {domain.StateCleaning},
}

// ValidateTransition decides whether from -> to is legal. Pure; safe to call
// speculatively.
func ValidateTransition(from, to domain.BlockState, flags TransitionFlags) error {
	if to == domain.StateAlert {
		if from == domain.StateAlert {
			return InvalidTransitionError{From: from, To: to}
		}
		if !flags.Manager {
			return auth.ForbiddenError{Capability: "block.alert"}
		}
		return nil
	}
	if from == domain.StateAlert && !flags.Manager {
		return auth.ForbiddenError{Capability: "block.alert"}
	}
	// Growing forks by crop biology: fruiting crops must pass through
	// fruiting, non-fruiting crops go straight to harvesting.
	if from == domain.StateGrowing {
		switch to {
		case domain.StateFruiting:
			if !flags.HasFruiting {
				return InvalidTransitionError{From: from, To: to}
			}
			return nil
		case domain.StateHarvesting:
			if flags.HasFruiting {
				return InvalidTransitionError{From: from, To: to}
			}
			return nil
		default:
			return InvalidTransitionError{From: from, To: to}
		}
	}
	for _, next := range blockTransitions[from] {
		if next == to {
			return nil
		}
	}
	return InvalidTransitionError{From: from, To: to}
}
