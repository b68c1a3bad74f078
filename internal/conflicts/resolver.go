package conflicts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput indicates snapshots that are not JSON objects.
	ErrInvalidInput = errors.New("conflicts: invalid input")
	// ErrInvalidResolution indicates an unusable manual resolution.
	ErrInvalidResolution = errors.New("conflicts: invalid resolution")
	// ErrNotFound indicates an unknown or foreign conflict id.
	ErrNotFound = errors.New("conflicts: conflict not found")
	// ErrResolutionInProgress indicates another caller is resolving the conflict.
	ErrResolutionInProgress = errors.New("conflicts: resolution in progress")
)

// Input describes one divergence between client and server state.
type Input struct {
	EntityType      string
	EntityID        string
	ClientData      json.RawMessage
	ServerData      json.RawMessage
	ClientTimestamp time.Time
	ServerTimestamp time.Time
	UserID          string
	DeviceID        string
	MutationID      string
}

// Resolution is the reconciled outcome.
type Resolution struct {
	Strategy                 Strategy
	ResolvedData             json.RawMessage
	Explanation              string
	RequiresUserIntervention bool
	// Defaulted is set when the entity type had no policy.
	Defaulted bool
}

// Resolver applies the per-entity-type policy table. Resolve is a pure
// function of its input.
type Resolver struct {
	policies map[string]Policy
}

// NewResolver builds a resolver from the default table plus overrides.
func NewResolver(overrides map[string]Policy) *Resolver {
	policies := DefaultPolicies()
	for entityType, policy := range overrides {
		policies[entityType] = policy
	}
	return &Resolver{policies: policies}
}

// PolicyFor returns the policy for an entity type; unknown types use CLIENT_WINS.
func (r *Resolver) PolicyFor(entityType string) (Policy, bool) {
	if policy, ok := r.policies[entityType]; ok {
		return policy, false
	}
	return Policy{Strategy: StrategyClientWins}, true
}

// Resolve reconciles the snapshots according to the entity type's policy.
func (r *Resolver) Resolve(input Input) (Resolution, error) {
	client, err := decodeDocument(input.ClientData)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: client data: %v", ErrInvalidInput, err)
	}
	server, err := decodeDocument(input.ServerData)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: server data: %v", ErrInvalidInput, err)
	}

	policy, defaulted := r.PolicyFor(input.EntityType)
	resolution := Resolution{Strategy: policy.Strategy, Defaulted: defaulted}

	var resolved document
	switch policy.Strategy {
	case StrategyClientWins:
		resolved = client
		resolution.Explanation = "client version kept"
		if defaulted {
			resolution.Explanation = fmt.Sprintf("no policy for %q; client version kept", input.EntityType)
		}
	case StrategyServerWins:
		resolved = server
		resolution.Explanation = "server version kept"
	case StrategyMerge:
		switch policy.Rule {
		case MergeTimeWindow:
			resolved = mergeTimeWindow(client, server, input.ClientTimestamp)
			resolution.Explanation = "time window widened to cover both edits"
		case MergeProgress:
			resolved = mergeProgress(client, server, policy.Accumulators)
			resolution.Explanation = "progress advanced to the furthest state"
		case MergeGeneric, "":
			resolved = deepMerge(client, server)
			resolution.Explanation = "documents deep-merged"
		default:
			return Resolution{}, fmt.Errorf("conflicts: unknown merge rule %q", policy.Rule)
		}
	case StrategyManual:
		resolved = server
		resolution.RequiresUserIntervention = true
		resolution.Explanation = "escalated for manual resolution; server version retained"
	default:
		return Resolution{}, fmt.Errorf("conflicts: unknown strategy %q", policy.Strategy)
	}

	encoded, err := json.Marshal(resolved)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflicts: encode resolution: %w", err)
	}
	resolution.ResolvedData = encoded
	return resolution, nil
}

func decodeDocument(raw json.RawMessage) (document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return document{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var doc document
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = document{}
	}
	return doc, nil
}
