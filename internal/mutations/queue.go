package mutations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const queueBlobVersion = 1

// QueueEventKind labels queue change notifications.
type QueueEventKind string

const (
	QueueEventAdded   QueueEventKind = "added"
	QueueEventRemoved QueueEventKind = "removed"
	QueueEventUpdated QueueEventKind = "updated"
	QueueEventCleared QueueEventKind = "cleared"
)

// QueueEvent is delivered to queue subscribers after the change is persisted.
type QueueEvent struct {
	Kind       QueueEventKind
	MutationID string
}

// QueueConfig wires the queue dependencies.
type QueueConfig struct {
	Store             BlobStore
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	DefaultMaxRetries int
}

// Queue is the durable, priority-ordered list of pending local writes.
type Queue struct {
	mu              sync.Mutex
	store           BlobStore
	clock           func() time.Time
	ids             IDProvider
	logger          *zap.Logger
	maxRetries      int
	items           []*QueuedMutation
	lastSyncAttempt time.Time
	subscribers     map[int]func(QueueEvent)
	nextSubscriber  int
}

type persistedQueue struct {
	Version         int              `json:"version"`
	Items           []QueuedMutation `json:"items"`
	LastSyncAttempt time.Time        `json:"lastSyncAttempt"`
}

// NewQueue constructs an empty queue; call Load to restore persisted state.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("mutations: blob store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Queue{
		store:       cfg.Store,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		maxRetries:  maxRetries,
		subscribers: make(map[int]func(QueueEvent)),
	}, nil
}

// Load restores persisted state. Mutations left in-flight by a previous
// process revert to pending since their outcome is unknown.
func (q *Queue) Load(ctx context.Context) error {
	blob, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("mutations: load queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.lastSyncAttempt = time.Time{}
	if len(blob) == 0 {
		return nil
	}
	var state persistedQueue
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("mutations: decode queue: %w", err)
	}
	for index := range state.Items {
		item := state.Items[index]
		if item.Status == StatusInFlight {
			item.Status = StatusPending
		}
		q.items = append(q.items, &item)
	}
	q.lastSyncAttempt = state.LastSyncAttempt
	q.sortLocked()
	return nil
}

// Add validates, stamps, and durably persists a new mutation before returning its id.
func (q *Queue) Add(ctx context.Context, input NewMutation) (string, error) {
	if err := input.validate(); err != nil {
		return "", err
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("mutations: assign id: %w", err)
	}
	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	maxRetries := input.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.maxRetries
	}
	item := &QueuedMutation{
		ID:         id,
		EntityType: input.EntityType,
		EntityID:   input.EntityID,
		Operation:  input.Operation,
		Payload:    append(json.RawMessage(nil), input.Payload...),
		EnqueuedAt: q.clock().UTC(),
		Priority:   priority,
		MaxRetries: maxRetries,
		Status:     StatusPending,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.sortLocked()
	if err := q.persistLocked(ctx); err != nil {
		q.removeLocked(id)
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()

	q.notify(QueueEvent{Kind: QueueEventAdded, MutationID: id})
	return id, nil
}

// Remove deletes a mutation regardless of its state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	if !q.removeLocked(id) {
		q.mu.Unlock()
		return ErrMutationNotFound
	}
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify(QueueEvent{Kind: QueueEventRemoved, MutationID: id})
	return nil
}

// Retry returns a failed (or backing-off) mutation to pending. The retry
// count is preserved so the attempt history stays visible. An in-flight
// mutation is left to its dispatcher.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	item := q.findLocked(id)
	if item == nil {
		q.mu.Unlock()
		return ErrMutationNotFound
	}
	if item.Status == StatusInFlight {
		q.mu.Unlock()
		return ErrMutationInFlight
	}
	item.Status = StatusPending
	item.NextAttemptAt = time.Time{}
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify(QueueEvent{Kind: QueueEventUpdated, MutationID: id})
	return nil
}

// Clear drops every queued mutation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = nil
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify(QueueEvent{Kind: QueueEventCleared})
	return nil
}

// Get returns a copy of one mutation.
func (q *Queue) Get(id string) (QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.findLocked(id)
	if item == nil {
		return QueuedMutation{}, false
	}
	return cloneMutation(item), true
}

// Items returns the queue in dispatch order.
func (q *Queue) Items() []QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMutation, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, cloneMutation(item))
	}
	return out
}

// PendingCount counts mutations that still await delivery.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, item := range q.items {
		if item.Status == StatusPending || item.Status == StatusInFlight {
			count++
		}
	}
	return count
}

// FailedItems lists mutations that exhausted their retries.
func (q *Queue) FailedItems() []QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueuedMutation
	for _, item := range q.items {
		if item.Status == StatusFailed {
			out = append(out, cloneMutation(item))
		}
	}
	return out
}

// Depth reports the mutations still waiting to be sent and those that
// exhausted their retries. In-flight mutations are not counted as waiting.
func (q *Queue) Depth() (pending, failed int) {
	stats := q.Stats()
	return stats.Pending, stats.Failed
}

// Stats summarizes the queue contents.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{
		Total:           len(q.items),
		ByPriority:      make(map[Priority]int),
		ByOperation:     make(map[Operation]int),
		LastSyncAttempt: q.lastSyncAttempt,
	}
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusInFlight:
			stats.InFlight++
		case StatusFailed:
			stats.Failed++
		}
		stats.ByPriority[item.Priority]++
		stats.ByOperation[item.Operation]++
	}
	return stats
}

// Subscribe registers a change listener and returns its cancel function.
func (q *Queue) Subscribe(listener func(QueueEvent)) func() {
	if listener == nil {
		return func() {}
	}
	q.mu.Lock()
	id := q.nextSubscriber
	q.nextSubscriber++
	q.subscribers[id] = listener
	q.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subscribers, id)
			q.mu.Unlock()
		})
	}
}

// nextEligible returns the first pending mutation in dispatch order that was
// not already attempted in this pass. Backoff is honoured unless ignoreBackoff.
func (q *Queue) nextEligible(now time.Time, ignoreBackoff bool, skip map[string]bool) (QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Status != StatusPending || skip[item.ID] {
			continue
		}
		if !ignoreBackoff && !item.NextAttemptAt.IsZero() && item.NextAttemptAt.After(now) {
			continue
		}
		return cloneMutation(item), true
	}
	return QueuedMutation{}, false
}

// hasDue reports whether any pending mutation is ready for dispatch.
func (q *Queue) hasDue(now time.Time) bool {
	_, ok := q.nextEligible(now, false, nil)
	return ok
}

// claim moves a pending mutation to in-flight and records the attempt time.
func (q *Queue) claim(ctx context.Context, id string, now time.Time) (QueuedMutation, bool) {
	q.mu.Lock()
	item := q.findLocked(id)
	if item == nil || item.Status != StatusPending {
		q.mu.Unlock()
		return QueuedMutation{}, false
	}
	item.Status = StatusInFlight
	q.lastSyncAttempt = now.UTC()
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Warn("queue persist failed on claim", zap.String("mutation_id", id), zap.Error(err))
	}
	claimed := cloneMutation(item)
	q.mu.Unlock()
	return claimed, true
}

// update mutates one entry in place and persists the queue.
func (q *Queue) update(ctx context.Context, id string, apply func(*QueuedMutation)) (QueuedMutation, bool) {
	q.mu.Lock()
	item := q.findLocked(id)
	if item == nil {
		q.mu.Unlock()
		return QueuedMutation{}, false
	}
	apply(item)
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Warn("queue persist failed on update", zap.String("mutation_id", id), zap.Error(err))
	}
	updated := cloneMutation(item)
	q.mu.Unlock()
	q.notify(QueueEvent{Kind: QueueEventUpdated, MutationID: id})
	return updated, true
}

// drop removes an entry after a terminal outcome.
func (q *Queue) drop(ctx context.Context, id string) {
	if err := q.Remove(ctx, id); err != nil && !errors.Is(err, ErrMutationNotFound) {
		q.logger.Warn("queue persist failed on remove", zap.String("mutation_id", id), zap.Error(err))
	}
}

func (q *Queue) findLocked(id string) *QueuedMutation {
	for _, item := range q.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) bool {
	for index, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:index], q.items[index+1:]...)
			return true
		}
	}
	return false
}

// sortLocked orders by priority rank, then enqueue time, stable on insertion order.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		left, right := q.items[i], q.items[j]
		if left.Priority.Rank() != right.Priority.Rank() {
			return left.Priority.Rank() < right.Priority.Rank()
		}
		return left.EnqueuedAt.Before(right.EnqueuedAt)
	})
}

func (q *Queue) persistLocked(ctx context.Context) error {
	state := persistedQueue{
		Version:         queueBlobVersion,
		Items:           make([]QueuedMutation, 0, len(q.items)),
		LastSyncAttempt: q.lastSyncAttempt,
	}
	for _, item := range q.items {
		state.Items = append(state.Items, *item)
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("mutations: encode queue: %w", err)
	}
	if err := q.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("mutations: persist queue: %w", err)
	}
	return nil
}

func (q *Queue) notify(event QueueEvent) {
	q.mu.Lock()
	listeners := make([]func(QueueEvent), 0, len(q.subscribers))
	for _, listener := range q.subscribers {
		listeners = append(listeners, listener)
	}
	q.mu.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

func cloneMutation(item *QueuedMutation) QueuedMutation {
	clone := *item
	clone.Payload = append(json.RawMessage(nil), item.Payload...)
	return clone
}
