package mutations

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type apiCall struct {
	method  string
	request Request
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	respond func(call apiCall) error
}

func (f *fakeAPI) invoke(method string, request Request) (Response, error) {
	f.mu.Lock()
	call := apiCall{method: method, request: request}
	f.calls = append(f.calls, call)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return Response{Status: 200}, nil
	}
	if err := respond(call); err != nil {
		return Response{}, err
	}
	return Response{Status: 200}, nil
}

func (f *fakeAPI) Create(_ context.Context, request Request) (Response, error) {
	return f.invoke("POST", request)
}

func (f *fakeAPI) Patch(_ context.Context, request Request) (Response, error) {
	return f.invoke("PATCH", request)
}

func (f *fakeAPI) Delete(_ context.Context, request Request) (Response, error) {
	return f.invoke("DELETE", request)
}

func (f *fakeAPI) Get(_ context.Context, entityType, entityID string) (Response, error) {
	return f.invoke("GET", Request{EntityType: entityType, EntityID: entityID})
}

func (f *fakeAPI) snapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("m-%d", s.next), nil
}

type failingStore struct{}

func (failingStore) Load(context.Context) ([]byte, error) { return nil, nil }

func (failingStore) Save(context.Context, []byte) error {
	return fmt.Errorf("disk full")
}

type eventLog struct {
	mu     sync.Mutex
	events []DispatchEvent
}

func (l *eventLog) record(event DispatchEvent) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) count(kind DispatchEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, event := range l.events {
		if event.Kind == kind {
			total++
		}
	}
	return total
}

func (l *eventLog) last(kind DispatchEventKind) (DispatchEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for index := len(l.events) - 1; index >= 0; index-- {
		if l.events[index].Kind == kind {
			return l.events[index], true
		}
	}
	return DispatchEvent{}, false
}

var testEpoch = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, scheduler *ManualScheduler, store BlobStore) *Queue {
	t.Helper()
	if store == nil {
		store = NewMemoryBlobStore()
	}
	queue, err := NewQueue(QueueConfig{Store: store, Clock: scheduler.Now, IDProvider: &sequenceIDs{}})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue
}

type dispatcherHarness struct {
	scheduler  *ManualScheduler
	signal     *Signal
	queue      *Queue
	api        *fakeAPI
	events     *eventLog
	dispatcher *Dispatcher
}

func newDispatcherHarness(t *testing.T, online bool, configure func(*DispatcherConfig)) *dispatcherHarness {
	t.Helper()
	scheduler := NewManualScheduler(testEpoch)
	harness := &dispatcherHarness{
		scheduler: scheduler,
		signal:    NewSignal(online),
		queue:     newTestQueue(t, scheduler, nil),
		api:       &fakeAPI{},
		events:    &eventLog{},
	}
	cfg := DispatcherConfig{
		Queue:        harness.queue,
		API:          harness.api,
		Connectivity: harness.signal,
		Scheduler:    scheduler,
		Backoff:      Backoff{Base: time.Second, Max: time.Minute},
		PollInterval: time.Hour,
		DeviceID:     "device-a",
		Runner:       func(fn func()) { fn() },
	}
	if configure != nil {
		configure(&cfg)
	}
	dispatcher, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	dispatcher.Subscribe(harness.events.record)
	harness.dispatcher = dispatcher
	t.Cleanup(dispatcher.Stop)
	return harness
}

func (h *dispatcherHarness) enqueue(t *testing.T, input NewMutation) string {
	t.Helper()
	id, err := h.queue.Add(context.Background(), input)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func payload(t *testing.T, value any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}
