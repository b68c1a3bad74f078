package mutations

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestDispatcherDrainsInPriorityOrderWhenConnectivityReturns(t *testing.T) {
	harness := newDispatcherHarness(t, false, nil)
	harness.dispatcher.Start(context.Background())

	harness.enqueue(t, NewMutation{EntityType: "time_entry", EntityID: "low", Operation: OperationUpdate, Priority: PriorityLow})
	harness.enqueue(t, NewMutation{EntityType: "time_entry", EntityID: "high", Operation: OperationUpdate, Priority: PriorityHigh})
	harness.enqueue(t, NewMutation{EntityType: "time_entry", EntityID: "medium", Operation: OperationUpdate, Priority: PriorityMedium})
	if calls := harness.api.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no dispatch while offline, got %d calls", len(calls))
	}

	harness.signal.Set(true)

	calls := harness.api.snapshot()
	want := []string{"high", "medium", "low"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(calls))
	}
	for index, call := range calls {
		if call.request.EntityID != want[index] {
			t.Fatalf("call %d: expected %s, got %s", index, want[index], call.request.EntityID)
		}
	}
	if harness.queue.Stats().Total != 0 {
		t.Fatalf("expected queue to be drained")
	}
	if harness.events.count(EventSucceeded) != 3 {
		t.Fatalf("expected three success events")
	}
}

func TestDispatcherRetriesTransientFailuresThenFails(t *testing.T) {
	harness := newDispatcherHarness(t, true, nil)
	harness.api.respond = func(apiCall) error {
		return &RemoteError{Kind: KindTransient, Status: http.StatusServiceUnavailable}
	}
	harness.dispatcher.Start(context.Background())
	id := harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate, MaxRetries: 2})

	item, _ := harness.queue.Get(id)
	if item.Status != StatusPending || item.RetryCount != 1 {
		t.Fatalf("expected pending with one retry, got %+v", item)
	}
	if !item.NextAttemptAt.Equal(testEpoch.Add(time.Second)) {
		t.Fatalf("expected next attempt after base delay, got %s", item.NextAttemptAt)
	}

	harness.scheduler.Advance(time.Second)
	item, _ = harness.queue.Get(id)
	if item.RetryCount != 2 || !item.NextAttemptAt.Equal(testEpoch.Add(3*time.Second)) {
		t.Fatalf("expected doubled backoff, got %+v", item)
	}

	harness.scheduler.Advance(2 * time.Second)
	harness.scheduler.Advance(time.Hour)

	if calls := len(harness.api.snapshot()); calls != 3 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", calls)
	}
	if failed := harness.events.count(EventFailed); failed != 1 {
		t.Fatalf("expected exactly one failure event, got %d", failed)
	}
	item, _ = harness.queue.Get(id)
	if item.Status != StatusFailed || item.LastError == "" {
		t.Fatalf("expected failed item with error, got %+v", item)
	}
}

func TestDispatcherRemovesNonRetryableRejection(t *testing.T) {
	harness := newDispatcherHarness(t, true, nil)
	harness.api.respond = func(apiCall) error {
		return &RemoteError{Kind: KindValidation, Status: http.StatusBadRequest, Code: "invalid_payload"}
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})
	harness.scheduler.Advance(time.Hour)

	if calls := len(harness.api.snapshot()); calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
	if harness.queue.Stats().Total != 0 {
		t.Fatalf("expected rejected mutation to be removed")
	}
	if harness.events.count(EventRejected) != 1 {
		t.Fatalf("expected a rejection event")
	}
}

func TestDispatcherConvertsMissingUpdateToCreate(t *testing.T) {
	harness := newDispatcherHarness(t, true, nil)
	harness.api.respond = func(call apiCall) error {
		if call.method == "PATCH" {
			return &RemoteError{Kind: KindNotFound, Status: http.StatusNotFound}
		}
		return nil
	}
	harness.dispatcher.Start(context.Background())
	body := payload(t, map[string]any{"notes": "arrived"})
	harness.enqueue(t, NewMutation{EntityType: "inspection", EntityID: "insp-1", Operation: OperationUpdate, Payload: body})

	calls := harness.api.snapshot()
	if len(calls) != 2 || calls[0].method != "PATCH" || calls[1].method != "POST" {
		t.Fatalf("expected PATCH then POST, got %+v", calls)
	}
	if calls[1].request.EntityID != "" || string(calls[1].request.Payload) != string(body) {
		t.Fatalf("expected collection create with same payload, got %+v", calls[1].request)
	}
	if harness.events.count(EventConverted) != 1 || harness.events.count(EventSucceeded) != 1 {
		t.Fatalf("expected conversion followed by success")
	}
}

func TestDispatcherTreatsMissingDeleteAsDone(t *testing.T) {
	harness := newDispatcherHarness(t, true, nil)
	harness.api.respond = func(apiCall) error {
		return &RemoteError{Kind: KindNotFound, Status: http.StatusNotFound}
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "vehicle", EntityID: "v-1", Operation: OperationDelete})

	if harness.queue.Stats().Total != 0 || harness.events.count(EventSucceeded) != 1 {
		t.Fatalf("expected delete of missing entity to succeed")
	}
}

func TestDispatcherPromotesConflicts(t *testing.T) {
	harness := newDispatcherHarness(t, true, nil)
	harness.api.respond = func(apiCall) error {
		return &RemoteError{Kind: KindConflict, Status: http.StatusConflict, ConflictID: "conflict-7"}
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "payroll", EntityID: "p-1", Operation: OperationUpdate})

	event, ok := harness.events.last(EventConflict)
	if !ok || event.ConflictID != "conflict-7" || event.Mutation.Status != StatusConflict {
		t.Fatalf("expected conflict event, got %+v", event)
	}
	if harness.queue.Stats().Total != 0 {
		t.Fatalf("expected conflicted mutation to leave the queue")
	}
}

type countingRefresher struct {
	calls int
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls++
	return r.err
}

func TestDispatcherRefreshesCredentialOnceAfterAuthRejection(t *testing.T) {
	refresher := &countingRefresher{}
	harness := newDispatcherHarness(t, true, func(cfg *DispatcherConfig) {
		cfg.TokenRefresher = refresher
	})
	attempts := 0
	harness.api.respond = func(apiCall) error {
		attempts++
		if attempts == 1 {
			return &RemoteError{Kind: KindAuth, Status: http.StatusUnauthorized}
		}
		return nil
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})

	if refresher.calls != 1 || attempts != 2 {
		t.Fatalf("expected one refresh and a second attempt, got refresh=%d attempts=%d", refresher.calls, attempts)
	}
	if harness.queue.Stats().Total != 0 {
		t.Fatalf("expected mutation to succeed after refresh")
	}
}

func TestDispatcherHaltsWhenAuthCannotBeRefreshed(t *testing.T) {
	refresher := &countingRefresher{err: errors.New("refresh token revoked")}
	harness := newDispatcherHarness(t, true, func(cfg *DispatcherConfig) {
		cfg.TokenRefresher = refresher
	})
	harness.api.respond = func(apiCall) error {
		return &RemoteError{Kind: KindAuth, Status: http.StatusUnauthorized}
	}
	harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})
	harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})
	harness.dispatcher.Start(context.Background())

	if calls := len(harness.api.snapshot()); calls != 1 {
		t.Fatalf("expected drain to halt after first auth failure, got %d calls", calls)
	}
	if harness.events.count(EventAuthRequired) != 1 {
		t.Fatalf("expected an auth-required event")
	}
	for _, item := range harness.queue.Items() {
		if item.Status != StatusPending || item.RetryCount != 0 {
			t.Fatalf("auth failure must not consume retries: %+v", item)
		}
	}
}

func TestDispatcherStaysPausedAcrossPollsAfterFailedRefresh(t *testing.T) {
	refresher := &countingRefresher{err: errors.New("refresh token revoked")}
	harness := newDispatcherHarness(t, true, func(cfg *DispatcherConfig) {
		cfg.TokenRefresher = refresher
		cfg.PollInterval = 5 * time.Second
	})
	rejecting := true
	harness.api.respond = func(apiCall) error {
		if rejecting {
			return &RemoteError{Kind: KindAuth, Status: http.StatusUnauthorized}
		}
		return nil
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})

	for step := 0; step < 20; step++ {
		harness.scheduler.Advance(5 * time.Second)
	}
	harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})

	if calls := len(harness.api.snapshot()); calls != 1 {
		t.Fatalf("expected a single attempt while paused, got %d", calls)
	}
	if refresher.calls != 1 || harness.events.count(EventAuthRequired) != 1 {
		t.Fatalf("expected one refresh and one auth event, got refresh=%d events=%d", refresher.calls, harness.events.count(EventAuthRequired))
	}
	if !harness.dispatcher.AuthHalted() {
		t.Fatalf("expected dispatcher to report the auth halt")
	}

	rejecting = false
	harness.dispatcher.Resume()
	if harness.dispatcher.AuthHalted() || harness.queue.Stats().Total != 0 {
		t.Fatalf("expected resume to drain the queue, stats %+v", harness.queue.Stats())
	}
}

func TestDispatcherRejectsForbiddenWithoutRefresh(t *testing.T) {
	refresher := &countingRefresher{}
	harness := newDispatcherHarness(t, true, func(cfg *DispatcherConfig) {
		cfg.TokenRefresher = refresher
	})
	harness.api.respond = func(apiCall) error {
		return &RemoteError{Kind: ClassifyStatus(http.StatusForbidden), Status: http.StatusForbidden}
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "payroll", Operation: OperationCreate})

	if refresher.calls != 0 || harness.events.count(EventRejected) != 1 {
		t.Fatalf("expected forbidden to be rejected without refresh, refresh=%d", refresher.calls)
	}
	if harness.queue.Stats().Total != 0 || harness.dispatcher.AuthHalted() {
		t.Fatalf("expected rejected mutation removed and dispatcher running")
	}
}

func TestForceSyncIgnoresBackoff(t *testing.T) {
	harness := newDispatcherHarness(t, true, nil)
	fail := true
	harness.api.respond = func(apiCall) error {
		if fail {
			return &RemoteError{Kind: KindCapacity, Status: http.StatusTooManyRequests}
		}
		return nil
	}
	harness.dispatcher.Start(context.Background())
	id := harness.enqueue(t, NewMutation{EntityType: "job", Operation: OperationCreate})
	if item, _ := harness.queue.Get(id); item.NextAttemptAt.IsZero() {
		t.Fatalf("expected backoff to be scheduled")
	}

	fail = false
	if err := harness.dispatcher.ForceSync(context.Background()); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if len(harness.api.snapshot()) != 2 || harness.queue.Stats().Total != 0 {
		t.Fatalf("expected forced attempt to deliver the mutation")
	}
}

func TestForceSyncRequiresConnectivity(t *testing.T) {
	harness := newDispatcherHarness(t, false, nil)
	if err := harness.dispatcher.ForceSync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

type recordedOperation struct {
	kind       string
	entityType string
	clientID   string
	success    bool
	duration   time.Duration
}

type fakeRecorder struct {
	mu         sync.Mutex
	operations []recordedOperation
	pending    int
	failed     int
}

func (r *fakeRecorder) RecordSyncOperation(kind, entityType, clientID string, success bool, duration time.Duration) {
	r.mu.Lock()
	r.operations = append(r.operations, recordedOperation{kind, entityType, clientID, success, duration})
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordQueueDepth(pending, failed int) {
	r.mu.Lock()
	r.pending, r.failed = pending, failed
	r.mu.Unlock()
}

func TestDispatcherRecordsElapsedDuration(t *testing.T) {
	recorder := &fakeRecorder{}
	harness := newDispatcherHarness(t, true, func(cfg *DispatcherConfig) {
		cfg.Recorder = recorder
	})
	harness.api.respond = func(apiCall) error {
		harness.scheduler.Advance(250 * time.Millisecond)
		return nil
	}
	harness.dispatcher.Start(context.Background())
	harness.enqueue(t, NewMutation{EntityType: "shift", Operation: OperationCreate})

	if len(recorder.operations) != 1 {
		t.Fatalf("expected one recorded operation, got %d", len(recorder.operations))
	}
	recorded := recorder.operations[0]
	if recorded.duration != 250*time.Millisecond || !recorded.success || recorded.clientID != "device-a" || recorded.entityType != "shift" {
		t.Fatalf("unexpected recorded operation %+v", recorded)
	}
}

func TestHTTPEntityAPIClassifiesResponses(t *testing.T) {
	var seen *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		seen = request
		switch request.URL.Path {
		case "/api/entities/payroll/p-1":
			writer.WriteHeader(http.StatusConflict)
			_, _ = writer.Write([]byte(`{"error":"conflict_manual","conflict_id":"c-1"}`))
		case "/api/entities/job/missing":
			writer.WriteHeader(http.StatusNotFound)
		case "/api/entities/job":
			writer.WriteHeader(http.StatusCreated)
			_, _ = writer.Write([]byte(`{"entity_id":"job-1","entity":{"id":"job-1"}}`))
		default:
			writer.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	api, err := NewHTTPEntityAPI(HTTPEntityAPIConfig{BaseURL: server.URL, Token: "token-1", DeviceID: "tablet"})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	ctx := context.Background()
	stamp := testEpoch

	response, err := api.Create(ctx, Request{EntityType: "job", Payload: []byte(`{"title":"x"}`), ClientTimestamp: stamp, MutationID: "m-1"})
	if err != nil || response.EntityID != "job-1" {
		t.Fatalf("unexpected create result %+v %v", response, err)
	}
	if seen.Header.Get("Authorization") != "Bearer token-1" || seen.Header.Get(headerDeviceID) != "tablet" || seen.Header.Get(headerMutationID) != "m-1" {
		t.Fatalf("missing request headers: %v", seen.Header)
	}

	_, err = api.Patch(ctx, Request{EntityType: "payroll", EntityID: "p-1", Payload: []byte(`{}`)})
	if KindOf(err) != KindConflict || conflictIDOf(err) != "c-1" {
		t.Fatalf("expected conflict with id, got %v", err)
	}
	_, err = api.Patch(ctx, Request{EntityType: "job", EntityID: "missing", Payload: []byte(`{}`)})
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = api.Delete(ctx, Request{EntityType: "other", EntityID: "x"})
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusBadRequest:          KindValidation,
		http.StatusUnauthorized:        KindAuth,
		http.StatusForbidden:           KindClient,
		http.StatusNotFound:            KindNotFound,
		http.StatusConflict:            KindConflict,
		http.StatusTooManyRequests:     KindCapacity,
		http.StatusTeapot:              KindClient,
		http.StatusInternalServerError: KindTransient,
		http.StatusBadGateway:          KindTransient,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}
