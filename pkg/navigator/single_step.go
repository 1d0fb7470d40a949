package navigator

import (
	"context"
	"fmt"
)

// SingleStepNodeID is the only node of a single-step routine
const SingleStepNodeID = "single_step"

// SingleStepNavigator runs routines that are one call-data block with no
// graph. Start, the single step and end are the same location.
type SingleStepNavigator struct {
	cache *ConfigCache
}

// NewSingleStepNavigator creates a single-step navigator
func NewSingleStepNavigator(cache *ConfigCache) *SingleStepNavigator {
	if cache == nil {
		cache = NewConfigCache(nil, 0, nil)
	}
	return &SingleStepNavigator{cache: cache}
}

func (n *SingleStepNavigator) Type() string { return "single_step" }

// CanNavigate accepts configs without a graph and with at least one
// call-data block
func (n *SingleStepNavigator) CanNavigate(cfg *RoutineConfig) bool {
	if cfg == nil || cfg.HasGraph() {
		return false
	}
	return len(cfg.CallTypes()) > 0
}

func (n *SingleStepNavigator) StartLocation(ctx context.Context, cfg *RoutineConfig) (Location, error) {
	if !n.CanNavigate(cfg) {
		return Location{}, fmt.Errorf("single step navigator: %w", ErrNotNavigable)
	}
	routineID, err := ConfigHash(n.Type(), cfg)
	if err != nil {
		return Location{}, fmt.Errorf("hash routine config: %w", err)
	}
	n.cache.Put(ctx, routineID, cfg)
	return NewLocation(routineID, SingleStepNodeID), nil
}

func (n *SingleStepNavigator) AllStartLocations(ctx context.Context, cfg *RoutineConfig) ([]Location, error) {
	loc, err := n.StartLocation(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return []Location{loc}, nil
}

func (n *SingleStepNavigator) NextLocations(context.Context, Location, map[string]interface{}) ([]Location, error) {
	return nil, nil
}

func (n *SingleStepNavigator) IsEndLocation(_ context.Context, loc Location) bool {
	return n.valid(loc)
}

func (n *SingleStepNavigator) StepInfo(ctx context.Context, loc Location) (StepInfo, error) {
	if !n.valid(loc) {
		return StepInfo{}, &LocationError{Location: loc, Reason: "expected node " + SingleStepNodeID}
	}
	cfg, err := n.cache.Get(ctx, loc.RoutineID)
	if err != nil {
		return StepInfo{}, err
	}
	types := cfg.CallTypes()
	if len(types) == 0 {
		return StepInfo{}, &LocationError{Location: loc, Reason: "routine has no call data"}
	}
	name := cfg.Name
	if name == "" {
		name = SingleStepNodeID
	}
	return StepInfo{
		ID:          SingleStepNodeID,
		Name:        name,
		Type:        types[0],
		Description: cfg.Description,
		Config:      cfg.CallData[types[0]],
	}, nil
}

func (n *SingleStepNavigator) Dependencies(context.Context, Location) ([]string, error) {
	return nil, nil
}

func (n *SingleStepNavigator) ParallelBranches(context.Context, Location) ([][]Location, error) {
	return nil, nil
}

// A single step runs to completion immediately, so it never waits on events.

func (n *SingleStepNavigator) LocationTriggers(context.Context, Location) ([]NavigationTrigger, error) {
	return nil, nil
}

func (n *SingleStepNavigator) LocationTimeouts(context.Context, Location) ([]NavigationTimeout, error) {
	return nil, nil
}

func (n *SingleStepNavigator) CanTriggerEvent(context.Context, Location, NavigationEvent) (bool, error) {
	return false, nil
}

func (n *SingleStepNavigator) valid(loc Location) bool {
	return loc.NodeID == SingleStepNodeID && loc.ID == LocationID(loc.RoutineID, loc.NodeID)
}
