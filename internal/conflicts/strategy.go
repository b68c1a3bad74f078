// Package conflicts reconciles divergent client and server entity states.
package conflicts

import (
	"fmt"
	"strings"
)

// Strategy names the policy used to reconcile one conflict.
type Strategy string

const (
	StrategyClientWins Strategy = "CLIENT_WINS"
	StrategyServerWins Strategy = "SERVER_WINS"
	StrategyMerge      Strategy = "MERGE"
	StrategyManual     Strategy = "MANUAL_RESOLVE"
)

// MergeRule selects the entity-specific MERGE behaviour.
type MergeRule string

const (
	MergeGeneric    MergeRule = "generic"
	MergeTimeWindow MergeRule = "time_window"
	MergeProgress   MergeRule = "progress"
)

// Policy binds an entity type to its strategy.
type Policy struct {
	Strategy Strategy
	Rule     MergeRule
	// Accumulators are numeric fields summed by the progress rule.
	Accumulators []string
}

// DefaultPolicies is the static per-entity-type strategy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"time_entry":   {Strategy: StrategyMerge, Rule: MergeTimeWindow},
		"shift":        {Strategy: StrategyMerge, Rule: MergeTimeWindow},
		"delivery":     {Strategy: StrategyMerge, Rule: MergeProgress, Accumulators: []string{"deliveredCount", "distanceKm"}},
		"job":          {Strategy: StrategyMerge, Rule: MergeProgress, Accumulators: []string{"hoursLogged", "materialsCost"}},
		"inspection":   {Strategy: StrategyMerge, Rule: MergeGeneric},
		"payroll":      {Strategy: StrategyManual},
		"project":      {Strategy: StrategyServerWins},
		"vehicle":      {Strategy: StrategyServerWins},
		"user_profile": {Strategy: StrategyClientWins},
	}
}

// ParseStrategy normalizes a textual strategy.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(value))) {
	case StrategyClientWins:
		return StrategyClientWins, nil
	case StrategyServerWins:
		return StrategyServerWins, nil
	case StrategyMerge:
		return StrategyMerge, nil
	case StrategyManual:
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("conflicts: unknown strategy %q", value)
	}
}

// ManualResolution is the user's choice for an escalated conflict.
type ManualResolution string

const (
	KeepClient ManualResolution = "KEEP_CLIENT"
	KeepServer ManualResolution = "KEEP_SERVER"
	Custom     ManualResolution = "CUSTOM"
)

// ParseManualResolution normalizes a textual resolution.
func ParseManualResolution(value string) (ManualResolution, error) {
	switch ManualResolution(strings.ToUpper(strings.TrimSpace(value))) {
	case KeepClient:
		return KeepClient, nil
	case KeepServer:
		return KeepServer, nil
	case Custom:
		return Custom, nil
	default:
		return "", fmt.Errorf("%w: unknown resolution %q", ErrInvalidResolution, value)
	}
}
