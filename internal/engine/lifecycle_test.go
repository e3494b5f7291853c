package engine

import (
	"errors"
	"testing"

	"fieldline/internal/domain"
	"fieldline/internal/engine/auth"
)

func TestValidateTransitionGraph(t *testing.T) {
	cases := []struct {
		name  string
		from  domain.BlockState
		to    domain.BlockState
		flags TransitionFlags
		ok    bool
	}{
		{"empty to planned", domain.StateEmpty, domain.StatePlanned, TransitionFlags{}, true},
		{"planned to growing", domain.StatePlanned, domain.StateGrowing, TransitionFlags{}, true},
		{"fruiting to harvesting", domain.StateFruiting, domain.StateHarvesting, TransitionFlags{}, true},
		{"harvesting to cleaning", domain.StateHarvesting, domain.StateCleaning, TransitionFlags{}, true},
		{"cleaning to empty", domain.StateCleaning, domain.StateEmpty, TransitionFlags{}, true},
		{"empty to harvesting", domain.StateEmpty, domain.StateHarvesting, TransitionFlags{}, false},
		{"planned to empty", domain.StatePlanned, domain.StateEmpty, TransitionFlags{}, false},
		{"harvesting to growing", domain.StateHarvesting, domain.StateGrowing, TransitionFlags{}, false},
		{"harvesting to planned", domain.StateHarvesting, domain.StatePlanned, TransitionFlags{}, false},
		{"cleaning to planned", domain.StateCleaning, domain.StatePlanned, TransitionFlags{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to, tc.flags)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok {
				var ite InvalidTransitionError
				if !errors.As(err, &ite) {
					t.Fatalf("expected InvalidTransitionError, got %v", err)
				}
			}
		})
	}
}

func TestValidateTransitionGrowingFork(t *testing.T) {
	// Fruiting crops must pass through fruiting.
	if err := ValidateTransition(domain.StateGrowing, domain.StateFruiting, TransitionFlags{HasFruiting: true}); err != nil {
		t.Fatalf("fruiting crop to fruiting: %v", err)
	}
	if err := ValidateTransition(domain.StateGrowing, domain.StateHarvesting, TransitionFlags{HasFruiting: true}); err == nil {
		t.Fatal("fruiting crop skipped fruiting stage")
	}
	// Non-fruiting crops skip it.
	if err := ValidateTransition(domain.StateGrowing, domain.StateHarvesting, TransitionFlags{HasFruiting: false}); err != nil {
		t.Fatalf("non-fruiting crop to harvesting: %v", err)
	}
	if err := ValidateTransition(domain.StateGrowing, domain.StateFruiting, TransitionFlags{HasFruiting: false}); err == nil {
		t.Fatal("non-fruiting crop entered fruiting")
	}
}

func TestValidateTransitionAlert(t *testing.T) {
	for _, from := range []domain.BlockState{
		domain.StateEmpty, domain.StatePlanned, domain.StateGrowing,
		domain.StateFruiting, domain.StateHarvesting, domain.StateCleaning,
	} {
		if err := ValidateTransition(from, domain.StateAlert, TransitionFlags{Manager: true}); err != nil {
			t.Fatalf("manager %s to alert: %v", from, err)
		}
		err := ValidateTransition(from, domain.StateAlert, TransitionFlags{Manager: false})
		var fe auth.ForbiddenError
		if !errors.As(err, &fe) {
			t.Fatalf("operator %s to alert: expected ForbiddenError, got %v", from, err)
		}
	}
	// Alert is not re-enterable.
	if err := ValidateTransition(domain.StateAlert, domain.StateAlert, TransitionFlags{Manager: true}); err == nil {
		t.Fatal("alert to alert accepted")
	}
	// Alert exits through cleaning, manager only.
	if err := ValidateTransition(domain.StateAlert, domain.StateCleaning, TransitionFlags{Manager: true}); err != nil {
		t.Fatalf("manager alert to cleaning: %v", err)
	}
	var fe auth.ForbiddenError
	if err := ValidateTransition(domain.StateAlert, domain.StateCleaning, TransitionFlags{Manager: false}); !errors.As(err, &fe) {
		t.Fatalf("operator alert to cleaning: expected ForbiddenError, got %v", err)
	}
}
