package mutations

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultPollInterval   = 5 * time.Second
)

// ErrOffline is returned by ForceSync while connectivity is down.
var ErrOffline = errors.New("mutations: device is offline")

// DispatchEventKind labels dispatcher outcome notifications.
type DispatchEventKind string

const (
	EventSucceeded      DispatchEventKind = "succeeded"
	EventRejected       DispatchEventKind = "rejected"
	EventRetryScheduled DispatchEventKind = "retry_scheduled"
	EventFailed         DispatchEventKind = "failed"
	EventConflict       DispatchEventKind = "conflict"
	EventConverted      DispatchEventKind = "converted_to_create"
	EventAuthRequired   DispatchEventKind = "auth_required"
)

// DispatchEvent reports the outcome of one attempt.
type DispatchEvent struct {
	Kind       DispatchEventKind
	Mutation   QueuedMutation
	Err        error
	ConflictID string
	RetryAt    time.Time
}

// Recorder receives sync metrics. The duration is measured around the
// network attempt so it reflects real elapsed time.
type Recorder interface {
	RecordSyncOperation(kind, entityType, clientID string, success bool, duration time.Duration)
	RecordQueueDepth(pending, failed int)
}

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	Queue          *Queue
	API            EntityAPI
	Connectivity   Connectivity
	Scheduler      Scheduler
	Backoff        Backoff
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	TokenRefresher TokenRefresher
	Recorder       Recorder
	DeviceID       string
	Logger         *zap.Logger
	// Runner executes a drain pass; defaults to a new goroutine.
	Runner func(func())
}

// Dispatcher drains the queue whenever connectivity allows, one mutation at a time.
type Dispatcher struct {
	queue          *Queue
	api            EntityAPI
	connectivity   Connectivity
	scheduler      Scheduler
	backoff        Backoff
	attemptTimeout time.Duration
	pollInterval   time.Duration
	refresher      TokenRefresher
	recorder       Recorder
	deviceID       string
	logger         *zap.Logger
	runner         func(func())

	mu         sync.Mutex
	idle       *sync.Cond
	processing bool
	authHalted bool
	rerun      bool
	rerunForce bool
	started    bool
	baseCtx    context.Context
	cancels    []func()
	pollCancel func()
	retryTimer map[string]func()
	listeners  map[int]func(DispatchEvent)
	nextID     int
}

// NewDispatcher validates the configuration.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, errors.New("mutations: queue is required")
	}
	if cfg.API == nil {
		return nil, errors.New("mutations: entity api is required")
	}
	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = NewSignal(true)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = RealScheduler{}
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = func(fn func()) { go fn() }
	}
	dispatcher := &Dispatcher{
		queue:          cfg.Queue,
		api:            cfg.API,
		connectivity:   connectivity,
		scheduler:      scheduler,
		backoff:        cfg.Backoff,
		attemptTimeout: attemptTimeout,
		pollInterval:   pollInterval,
		refresher:      cfg.TokenRefresher,
		recorder:       cfg.Recorder,
		deviceID:       cfg.DeviceID,
		logger:         logger,
		runner:         runner,
		baseCtx:        context.Background(),
		retryTimer:     make(map[string]func()),
		listeners:      make(map[int]func(DispatchEvent)),
	}
	dispatcher.idle = sync.NewCond(&dispatcher.mu)
	return dispatcher, nil
}

// Subscribe registers an outcome listener.
func (d *Dispatcher) Subscribe(listener func(DispatchEvent)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = listener
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Start wires the triggers: enqueue, offline-to-online transitions, and the poll timer.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.baseCtx = ctx
	d.mu.Unlock()

	cancelQueue := d.queue.Subscribe(func(event QueueEvent) {
		if event.Kind == QueueEventAdded || (event.Kind == QueueEventUpdated && !d.isProcessing()) {
			d.Kick()
		}
	})
	cancelConnectivity := d.connectivity.Subscribe(func(online bool) {
		if online {
			d.logger.Info("connectivity restored, draining queue")
			d.Kick()
		}
	})
	d.mu.Lock()
	d.cancels = append(d.cancels, cancelQueue, cancelConnectivity)
	d.mu.Unlock()

	d.armPoll()
	d.Kick()
}

// Stop detaches triggers and cancels pending timers. An in-progress pass finishes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancels := d.cancels
	d.cancels = nil
	d.started = false
	if d.pollCancel != nil {
		cancels = append(cancels, d.pollCancel)
		d.pollCancel = nil
	}
	for id, cancel := range d.retryTimer {
		cancels = append(cancels, cancel)
		delete(d.retryTimer, id)
	}
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Kick requests a drain pass; concurrent requests coalesce into one rerun.
// Kicks are ignored while the dispatcher waits for new credentials.
func (d *Dispatcher) Kick() {
	d.trigger(false)
}

// Resume clears an auth halt after the caller has supplied new credentials
// and requests a drain pass.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.authHalted = false
	d.mu.Unlock()
	d.Kick()
}

// AuthHalted reports whether draining is paused on an unrecoverable auth rejection.
func (d *Dispatcher) AuthHalted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authHalted
}

// ForceSync drains synchronously and ignores backoff for pending mutations.
// It also clears an auth halt for one more attempt.
// Failed mutations stay failed until Retry.
func (d *Dispatcher) ForceSync(ctx context.Context) error {
	if !d.connectivity.Online() {
		return ErrOffline
	}
	d.mu.Lock()
	for d.processing {
		d.idle.Wait()
	}
	d.authHalted = false
	d.processing = true
	d.mu.Unlock()
	d.drainLoop(ctx, true)
	return nil
}

// Wait blocks until no drain pass is running.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for d.processing {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) isProcessing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processing
}

func (d *Dispatcher) trigger(force bool) {
	d.mu.Lock()
	if d.authHalted && !force {
		d.mu.Unlock()
		return
	}
	if d.processing {
		d.rerun = true
		d.rerunForce = d.rerunForce || force
		d.mu.Unlock()
		return
	}
	d.processing = true
	ctx := d.baseCtx
	d.mu.Unlock()
	d.runner(func() { d.drainLoop(ctx, force) })
}

func (d *Dispatcher) drainLoop(ctx context.Context, force bool) {
	for {
		d.drainOnce(ctx, force)
		d.mu.Lock()
		if !d.rerun {
			d.processing = false
			d.idle.Broadcast()
			d.mu.Unlock()
			d.reportDepth()
			return
		}
		force = d.rerunForce
		d.rerun = false
		d.rerunForce = false
		d.mu.Unlock()
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context, force bool) {
	attempted := make(map[string]bool)
	refreshed := false
	for {
		if ctx.Err() != nil || !d.connectivity.Online() {
			return
		}
		next, ok := d.queue.nextEligible(d.scheduler.Now(), force, attempted)
		if !ok {
			return
		}
		attempted[next.ID] = true
		outcome := d.dispatch(ctx, next, !refreshed)
		switch outcome {
		case outcomeRefreshed:
			refreshed = true
			delete(attempted, next.ID)
		case outcomeHalt:
			return
		}
	}
}

type dispatchOutcome int

const (
	outcomeContinue dispatchOutcome = iota
	outcomeRefreshed
	outcomeHalt
)

func (d *Dispatcher) dispatch(ctx context.Context, candidate QueuedMutation, mayRefresh bool) dispatchOutcome {
	mutation, ok := d.queue.claim(ctx, candidate.ID, d.scheduler.Now())
	if !ok {
		return outcomeContinue
	}

	started := d.scheduler.Now()
	err := d.send(ctx, mutation)
	elapsed := d.scheduler.Now().Sub(started)
	d.record(mutation, err == nil, elapsed)

	kind := KindOf(err)
	switch {
	case err == nil:
		d.queue.drop(ctx, mutation.ID)
		d.emit(DispatchEvent{Kind: EventSucceeded, Mutation: mutation})
		return outcomeContinue

	case kind == KindAuth:
		d.queue.update(ctx, mutation.ID, func(item *QueuedMutation) {
			item.Status = StatusPending
			item.LastError = err.Error()
		})
		if mayRefresh && d.refresher != nil {
			refreshErr := d.refresher.Refresh(ctx)
			if refreshErr == nil {
				d.logger.Info("credential refreshed after auth rejection", zap.String("mutation_id", mutation.ID))
				return outcomeRefreshed
			}
			d.logger.Warn("credential refresh failed", zap.Error(refreshErr))
		}
		d.mu.Lock()
		d.authHalted = true
		d.mu.Unlock()
		d.logger.Warn("dispatch paused until credentials are replaced", zap.String("mutation_id", mutation.ID))
		d.emit(DispatchEvent{Kind: EventAuthRequired, Mutation: mutation, Err: err})
		return outcomeHalt

	case kind == KindConflict:
		d.queue.drop(ctx, mutation.ID)
		mutation.Status = StatusConflict
		mutation.LastError = err.Error()
		d.logger.Info("mutation promoted to conflict",
			zap.String("mutation_id", mutation.ID),
			zap.String("entity_type", mutation.EntityType),
			zap.String("conflict_id", conflictIDOf(err)),
		)
		d.emit(DispatchEvent{Kind: EventConflict, Mutation: mutation, Err: err, ConflictID: conflictIDOf(err)})
		return outcomeContinue

	case kind.Retryable():
		d.scheduleRetry(ctx, mutation, err)
		return outcomeContinue

	default:
		d.queue.drop(ctx, mutation.ID)
		mutation.LastError = err.Error()
		d.logger.Warn("mutation rejected",
			zap.String("mutation_id", mutation.ID),
			zap.String("entity_type", mutation.EntityType),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		d.emit(DispatchEvent{Kind: EventRejected, Mutation: mutation, Err: err})
		return outcomeContinue
	}
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, mutation QueuedMutation, cause error) {
	retryCount := mutation.RetryCount + 1
	if retryCount > mutation.MaxRetries {
		updated, _ := d.queue.update(ctx, mutation.ID, func(item *QueuedMutation) {
			item.Status = StatusFailed
			item.LastError = cause.Error()
			item.NextAttemptAt = time.Time{}
		})
		d.logger.Warn("mutation failed after retries",
			zap.String("mutation_id", mutation.ID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(cause),
		)
		d.emit(DispatchEvent{Kind: EventFailed, Mutation: updated, Err: cause})
		return
	}

	delay := d.backoff.Delay(retryCount)
	retryAt := d.scheduler.Now().Add(delay)
	updated, _ := d.queue.update(ctx, mutation.ID, func(item *QueuedMutation) {
		item.Status = StatusPending
		item.RetryCount = retryCount
		item.LastError = cause.Error()
		item.NextAttemptAt = retryAt.UTC()
	})
	cancel := d.scheduler.AfterFunc(delay, d.Kick)
	d.mu.Lock()
	if previous, ok := d.retryTimer[mutation.ID]; ok {
		previous()
	}
	d.retryTimer[mutation.ID] = cancel
	d.mu.Unlock()
	d.emit(DispatchEvent{Kind: EventRetryScheduled, Mutation: updated, Err: cause, RetryAt: retryAt})
}

// send performs one attempt. An UPDATE that hits a missing entity is resubmitted
// as a CREATE with the same payload; a DELETE of a missing entity counts as done.
func (d *Dispatcher) send(ctx context.Context, mutation QueuedMutation) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	request := Request{
		MutationID:      mutation.ID,
		EntityType:      mutation.EntityType,
		EntityID:        mutation.EntityID,
		Payload:         mutation.Payload,
		ClientTimestamp: mutation.EnqueuedAt,
	}
	var err error
	switch mutation.Operation {
	case OperationCreate:
		_, err = d.api.Create(attemptCtx, request)
	case OperationUpdate:
		_, err = d.api.Patch(attemptCtx, request)
		if KindOf(err) == KindNotFound {
			d.emit(DispatchEvent{Kind: EventConverted, Mutation: mutation})
			d.logger.Info("update target missing, resubmitting as create",
				zap.String("mutation_id", mutation.ID),
				zap.String("entity_type", mutation.EntityType),
			)
			request.EntityID = ""
			_, err = d.api.Create(attemptCtx, request)
		}
	case OperationDelete:
		_, err = d.api.Delete(attemptCtx, request)
		if KindOf(err) == KindNotFound {
			err = nil
		}
	default:
		err = &RemoteError{Kind: KindValidation, Err: ErrInvalidMutation}
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			err = &RemoteError{Kind: KindTransient, Err: err}
		}
	}
	return err
}

func (d *Dispatcher) armPoll() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	cancel := d.scheduler.AfterFunc(d.pollInterval, func() {
		if d.connectivity.Online() && !d.isProcessing() && !d.AuthHalted() && d.queue.hasDue(d.scheduler.Now()) {
			d.Kick()
		}
		d.armPoll()
	})
	d.mu.Lock()
	if d.started {
		d.pollCancel = cancel
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	cancel()
}

func (d *Dispatcher) emit(event DispatchEvent) {
	d.mu.Lock()
	listeners := make([]func(DispatchEvent), 0, len(d.listeners))
	for _, listener := range d.listeners {
		listeners = append(listeners, listener)
	}
	d.mu.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

func (d *Dispatcher) record(mutation QueuedMutation, success bool, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordSyncOperation("upload", mutation.EntityType, d.deviceID, success, elapsed)
}

func (d *Dispatcher) reportDepth() {
	if d.recorder == nil {
		return
	}
	stats := d.queue.Stats()
	d.recorder.RecordQueueDepth(stats.Pending+stats.InFlight, stats.Failed)
}
