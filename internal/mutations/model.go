// Package mutations implements the client-resident offline queue and the
// dispatcher that drains it against the entity mutation API.
package mutations

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation enumerates queued mutation verbs.
type Operation string

const (
	// OperationCreate posts to the entity collection.
	OperationCreate Operation = "CREATE"
	// OperationUpdate patches an entity by id.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete removes an entity by id.
	OperationDelete Operation = "DELETE"
)

// Priority orders dispatch; high drains first.
type Priority string

const (
	// PriorityHigh dispatches before every other priority.
	PriorityHigh Priority = "high"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityLow dispatches last.
	PriorityLow Priority = "low"
)

// Rank returns the sort rank of the priority: high=0 < medium=1 < low=2.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Status tracks a mutation through the dispatch state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

const defaultMaxRetries = 5

// ErrInvalidMutation is the ValidationError for malformed queue input.
var ErrInvalidMutation = errors.New("mutations: invalid mutation")

// ErrMutationNotFound indicates an unknown queue id.
var ErrMutationNotFound = errors.New("mutations: mutation not found")

// ErrMutationInFlight indicates the mutation is currently being dispatched.
var ErrMutationInFlight = errors.New("mutations: mutation is in flight")

// QueuedMutation is one pending local write awaiting dispatch.
type QueuedMutation struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId,omitempty"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueueTimestamp"`
	Priority      Priority        `json:"priority"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	LastError     string          `json:"lastError,omitempty"`
	Status        Status          `json:"status"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
}

// NewMutation is the caller-supplied part of a QueuedMutation.
type NewMutation struct {
	EntityType string
	EntityID   string
	Operation  Operation
	Payload    json.RawMessage
	Priority   Priority
	MaxRetries int
}

func (m NewMutation) validate() error {
	if strings.TrimSpace(m.EntityType) == "" {
		return fmt.Errorf("%w: entity type required", ErrInvalidMutation)
	}
	switch m.Operation {
	case OperationCreate:
	case OperationUpdate, OperationDelete:
		if strings.TrimSpace(m.EntityID) == "" {
			return fmt.Errorf("%w: entity id required for %s", ErrInvalidMutation, m.Operation)
		}
	default:
		return fmt.Errorf("%w: operation %q", ErrInvalidMutation, m.Operation)
	}
	switch m.Priority {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("%w: priority %q", ErrInvalidMutation, m.Priority)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload must be a json document", ErrInvalidMutation)
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidMutation)
	}
	return nil
}

// Stats summarizes the queue for status displays.
type Stats struct {
	Total           int
	Pending         int
	InFlight        int
	Failed          int
	ByPriority      map[Priority]int
	ByOperation     map[Operation]int
	LastSyncAttempt time.Time
}
