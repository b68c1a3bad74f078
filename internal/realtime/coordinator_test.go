package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
)

func pushChanges(changes ...pushedChange) syncPushPayload {
	return syncPushPayload{Changes: changes}
}

func decodeResult(t *testing.T, envelope Envelope) syncResultPayload {
	t.Helper()
	var result syncResultPayload
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func TestAuthenticateRejectsBadHandshakes(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	ctx := context.Background()
	cases := []struct {
		name     string
		token    string
		deviceID string
	}{
		{name: "missing token", token: "", deviceID: "phone"},
		{name: "unknown token", token: "forged", deviceID: "phone"},
		{name: "missing device", token: "token-alice", deviceID: " "},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := harness.coordinator.Authenticate(ctx, testCase.token, testCase.deviceID); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
	if harness.coordinator.Registry().Len() != 0 {
		t.Fatalf("rejected handshakes must not leave sessions")
	}
}

func TestConnectJoinsUserDeviceAndProjectRooms(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	conn := harness.connect(t, "token-bob", "tablet")

	want := []string{"device:bob:tablet", "project:project-1", "project:project-2", "user:bob"}
	rooms := conn.Rooms()
	if len(rooms) != len(want) {
		t.Fatalf("unexpected rooms %v", rooms)
	}
	for index := range want {
		if rooms[index] != want[index] {
			t.Fatalf("unexpected rooms %v", rooms)
		}
	}
	frames := drain(t, conn)
	if len(frames) == 0 || frames[0].Event != EventConnected {
		t.Fatalf("expected connected frame first, got %+v", frames)
	}
	var payload connectedPayload
	if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if payload.UserID != "bob" || len(payload.Presence) != 1 || payload.Presence[0].Status != PresenceOnline {
		t.Fatalf("unexpected connected payload %+v", payload)
	}
	if len(harness.directory.touched) != 1 || harness.directory.touched[0] != "bob" {
		t.Fatalf("expected user activity to be recorded, got %v", harness.directory.touched)
	}
}

func TestSyncPushBroadcastsToSiblingDeviceButNotOrigin(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	deviceA := harness.connect(t, "token-alice", "phone")
	deviceB := harness.connect(t, "token-alice", "tablet")
	supervisor := harness.connect(t, "token-bob", "desk")
	outsider := harness.connect(t, "token-carol", "laptop")
	drain(t, deviceA)
	drain(t, deviceB)
	drain(t, supervisor)
	drain(t, outsider)

	harness.send(t, deviceA, EventSyncPush, "req-1", pushChanges(pushedChange{
		EntityType: "time_entry",
		EntityID:   "te-1",
		Operation:  "CREATE",
		Payload:    json.RawMessage(`{"projectId":"project-1","hours":8}`),
		Timestamp:  realtimeEpoch,
	}))

	originFrames := drain(t, deviceA)
	if len(eventsNamed(originFrames, EventEntityChanged)) != 0 {
		t.Fatalf("origin device must not receive its own change")
	}
	results := eventsNamed(originFrames, EventSyncResult)
	if len(results) != 1 || results[0].RequestID != "req-1" {
		t.Fatalf("expected one sync result, got %+v", originFrames)
	}
	if result := decodeResult(t, results[0]); len(result.Accepted) != 1 || len(result.Conflicts) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(eventsNamed(originFrames, EventSyncComplete)) != 1 {
		t.Fatalf("expected sync complete acknowledgement")
	}

	siblingChanges := eventsNamed(drain(t, deviceB), EventEntityChanged)
	if len(siblingChanges) != 1 {
		t.Fatalf("expected sibling device to receive one change, got %d", len(siblingChanges))
	}
	var notice ChangeNotice
	if err := json.Unmarshal(siblingChanges[0].Data, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	var view entities.View
	if err := json.Unmarshal(notice.Entity, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if notice.DeviceID != "phone" || view.EntityID != "te-1" || view.ProjectID != "project-1" {
		t.Fatalf("unexpected notice %+v / %+v", notice, view)
	}

	if len(eventsNamed(drain(t, supervisor), EventEntityChanged)) != 1 {
		t.Fatalf("project member should receive the change through the project room")
	}
	if len(eventsNamed(drain(t, outsider), EventEntityChanged)) != 0 {
		t.Fatalf("unrelated user must not receive the change")
	}
}

func TestSyncPushReturnsConflictsWithoutApplying(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	ctx := context.Background()
	harness.clock.Advance(time.Hour)
	if _, err := harness.store.ApplyChange(ctx, entities.Change{
		EntityType:  "payroll",
		EntityID:    "pay-1",
		OwnerID:     "alice",
		DeviceID:    "desk",
		Operation:   entities.OperationCreate,
		PayloadJSON: `{"hours":38}`,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	conn := harness.connect(t, "token-alice", "phone")
	drain(t, conn)

	harness.send(t, conn, EventSyncPush, "", pushChanges(
		pushedChange{EntityType: "payroll", EntityID: "pay-1", Operation: "UPDATE", Payload: json.RawMessage(`{"hours":40}`), Timestamp: realtimeEpoch},
		pushedChange{EntityType: "payroll", EntityID: "missing", Operation: "UPDATE", Payload: json.RawMessage(`{}`), Timestamp: realtimeEpoch},
		pushedChange{EntityType: "payroll", EntityID: "x", Operation: "UPSERT"},
	))
	results := eventsNamed(drain(t, conn), EventSyncResult)
	if len(results) != 1 {
		t.Fatalf("expected one result")
	}
	result := decodeResult(t, results[0])
	if len(result.Accepted) != 0 || len(result.Conflicts) != 1 || len(result.Rejected) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if string(result.Conflicts[0].ServerData) != `{"hours":38}` || !result.Conflicts[0].ServerTimestamp.Equal(realtimeEpoch.Add(time.Hour)) {
		t.Fatalf("conflict must carry server state, got %+v", result.Conflicts[0])
	}
	if result.Rejected[0].Code != "not_found" || result.Rejected[1].Code != "invalid_operation" {
		t.Fatalf("unexpected rejection codes %+v", result.Rejected)
	}
	stored, err := harness.store.Get(ctx, "payroll", "pay-1")
	if err != nil || stored.PayloadJSON != `{"hours":38}` {
		t.Fatalf("conflicting change must not be applied: %+v %v", stored, err)
	}
}

func TestSyncPushResolvesConflictsThroughPolicy(t *testing.T) {
	harness := newResolvingCoordinatorHarness(t)
	ctx := context.Background()
	harness.clock.Advance(time.Hour)
	for _, seed := range []entities.Change{
		{EntityType: "payroll", EntityID: "pay-1", PayloadJSON: `{"hours":38}`},
		{EntityType: "project", EntityID: "proj-1", PayloadJSON: `{"name":"Depot"}`},
	} {
		seed.OwnerID = "bob"
		seed.DeviceID = "office"
		seed.Operation = entities.OperationCreate
		if _, err := harness.store.ApplyChange(ctx, seed); err != nil {
			t.Fatalf("seed %s: %v", seed.EntityID, err)
		}
	}
	conn := harness.connect(t, "token-alice", "phone")
	drain(t, conn)

	harness.send(t, conn, EventSyncPush, "", pushChanges(
		pushedChange{EntityType: "payroll", EntityID: "pay-1", Operation: "UPDATE", Payload: json.RawMessage(`{"hours":40}`), Timestamp: realtimeEpoch, MutationID: "m-7"},
		pushedChange{EntityType: "project", EntityID: "proj-1", Operation: "UPDATE", Payload: json.RawMessage(`{"name":"Yard"}`), Timestamp: realtimeEpoch},
	))
	results := eventsNamed(drain(t, conn), EventSyncResult)
	if len(results) != 1 {
		t.Fatalf("expected one result")
	}
	result := decodeResult(t, results[0])
	if len(result.Conflicts) != 1 || result.Conflicts[0].ConflictID == "" || result.Conflicts[0].EntityID != "pay-1" {
		t.Fatalf("expected escalated payroll conflict with id, got %+v", result.Conflicts)
	}
	if len(result.Accepted) != 1 || result.Accepted[0].EntityID != "proj-1" || result.Accepted[0].Resolution != "SERVER_WINS" {
		t.Fatalf("expected project resolved by policy, got %+v", result.Accepted)
	}

	pending, err := harness.conflicts.ListUnresolved(ctx, "alice")
	if err != nil || len(pending) != 1 || pending[0].MutationID != "m-7" || pending[0].DeviceID != "phone" {
		t.Fatalf("expected stored manual conflict, got %+v %v", pending, err)
	}
	var audits int64
	if err := harness.db.Model(&conflicts.AuditEntry{}).Count(&audits).Error; err != nil || audits != 2 {
		t.Fatalf("expected two audit rows, got %d %v", audits, err)
	}
	stored, err := harness.store.Get(ctx, "project", "proj-1")
	if err != nil || stored.PayloadJSON != `{"name":"Depot"}` {
		t.Fatalf("expected server version kept, got %+v %v", stored, err)
	}
}

func TestSyncRequestReturnsChangesAfterLastSync(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	ctx := context.Background()
	apply := func(id string) {
		harness.clock.Advance(time.Minute)
		if _, err := harness.store.ApplyChange(ctx, entities.Change{
			EntityType: "job", EntityID: id, OwnerID: "alice", DeviceID: "desk",
			Operation: entities.OperationCreate, PayloadJSON: `{"title":"` + id + `"}`,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	apply("job-1")
	checkpoint := harness.clock.Now()
	apply("job-2")
	apply("job-3")

	conn := harness.connect(t, "token-alice", "phone")
	drain(t, conn)
	harness.send(t, conn, EventSyncRequest, "pull", syncRequestPayload{EntityType: "job", LastSync: &checkpoint})
	responses := eventsNamed(drain(t, conn), EventSyncResponse)
	if len(responses) != 1 {
		t.Fatalf("expected one response")
	}
	var payload struct {
		Entities []entities.View `json:"entities"`
	}
	if err := json.Unmarshal(responses[0].Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Entities) != 2 || payload.Entities[0].EntityID != "job-2" || payload.Entities[1].EntityID != "job-3" {
		t.Fatalf("unexpected entities %+v", payload.Entities)
	}

	harness.send(t, conn, EventSyncRequest, "full", syncRequestPayload{EntityType: "job"})
	responses = eventsNamed(drain(t, conn), EventSyncResponse)
	if err := json.Unmarshal(responses[0].Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Entities) != 3 {
		t.Fatalf("default lookback should include all recent entities, got %d", len(payload.Entities))
	}

	harness.send(t, conn, EventSyncRequest, "bad", map[string]string{})
	if errs := eventsNamed(drain(t, conn), EventError); len(errs) != 1 {
		t.Fatalf("expected error for missing entity type")
	}
}

func TestEntitySubscriptionReceivesTargetedChanges(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	writer := harness.connect(t, "token-alice", "phone")
	watcher := harness.connect(t, "token-carol", "laptop")
	drain(t, writer)
	drain(t, watcher)

	harness.send(t, watcher, EventSubscribeEntity, "s1", entitySubscriptionPayload{EntityType: "vehicle", EntityID: "truck-7"})
	if acks := eventsNamed(drain(t, watcher), EventSubscribed); len(acks) != 1 {
		t.Fatalf("expected subscription acknowledgement")
	}
	push := pushChanges(pushedChange{EntityType: "vehicle", EntityID: "truck-7", Operation: "CREATE", Payload: json.RawMessage(`{"odometer":10}`)})
	harness.send(t, writer, EventSyncPush, "", push)
	if changes := eventsNamed(drain(t, watcher), EventEntityChanged); len(changes) != 1 {
		t.Fatalf("expected subscriber to receive the change, got %d", len(changes))
	}

	harness.send(t, watcher, EventUnsubscribeEntity, "s2", entitySubscriptionPayload{EntityType: "vehicle", EntityID: "truck-7"})
	drain(t, watcher)
	push.Changes[0].Operation = "UPDATE"
	harness.send(t, writer, EventSyncPush, "", push)
	if changes := eventsNamed(drain(t, watcher), EventEntityChanged); len(changes) != 0 {
		t.Fatalf("unsubscribed connection must not receive changes")
	}
}

func TestPresenceLifecycle(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	ctx := context.Background()
	phone := harness.connect(t, "token-alice", "phone")
	tablet := harness.connect(t, "token-alice", "tablet")
	supervisor := harness.connect(t, "token-bob", "desk")
	drain(t, supervisor)

	harness.send(t, phone, EventPresenceUpdate, "", presenceUpdatePayload{Status: "online", Location: json.RawMessage(`{"lat":1,"lng":2}`)})
	changes := eventsNamed(drain(t, supervisor), EventPresenceChanged)
	if len(changes) != 1 {
		t.Fatalf("expected presence rebroadcast to project room, got %d", len(changes))
	}

	harness.clock.Advance(6 * time.Minute)
	harness.send(t, supervisor, EventPing, "p", nil)
	harness.coordinator.Sweep(ctx)
	if entry, _ := harness.coordinator.Presence().Get("alice"); entry.Status != PresenceAway {
		t.Fatalf("expected alice to be away after inactivity, got %s", entry.Status)
	}
	if entry, _ := harness.coordinator.Presence().Get("bob"); entry.Status != PresenceOnline {
		t.Fatalf("active user must stay online, got %s", entry.Status)
	}

	harness.send(t, tablet, EventPing, "p", nil)
	if entry, _ := harness.coordinator.Presence().Get("alice"); entry.Status != PresenceOnline {
		t.Fatalf("activity should restore an automatic away, got %s", entry.Status)
	}

	harness.coordinator.Disconnect(ctx, phone)
	if entry, _ := harness.coordinator.Presence().Get("alice"); entry.Status == PresenceOffline {
		t.Fatalf("user with a sibling connection must not go offline")
	}
	harness.coordinator.Disconnect(ctx, tablet)
	if entry, _ := harness.coordinator.Presence().Get("alice"); entry.Status != PresenceOffline {
		t.Fatalf("expected offline after last connection closed, got %s", entry.Status)
	}

	harness.clock.Advance(2 * time.Hour)
	harness.send(t, supervisor, EventPing, "p", nil)
	harness.coordinator.Sweep(ctx)
	if _, ok := harness.coordinator.Presence().Get("alice"); ok {
		t.Fatalf("offline presence should be pruned after retention")
	}
}

func TestReconnectRacingDisconnectKeepsUserOnline(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	ctx := context.Background()
	session, err := harness.coordinator.Authenticate(ctx, "token-alice", "phone")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	previous, err := harness.coordinator.Connect(ctx, session)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for round := 0; round < 200; round++ {
		var wg sync.WaitGroup
		var next *Connection
		var connectErr error
		wg.Add(2)
		go func(conn *Connection) {
			defer wg.Done()
			harness.coordinator.Disconnect(ctx, conn)
		}(previous)
		go func() {
			defer wg.Done()
			next, connectErr = harness.coordinator.Connect(ctx, session)
		}()
		wg.Wait()
		if connectErr != nil {
			t.Fatalf("round %d connect: %v", round, connectErr)
		}
		if entry, _ := harness.coordinator.Presence().Get("alice"); entry.Status != PresenceOnline {
			t.Fatalf("round %d: user with a live connection shown as %s", round, entry.Status)
		}
		previous = next
	}

	harness.coordinator.Disconnect(ctx, previous)
	if entry, _ := harness.coordinator.Presence().Get("alice"); entry.Status != PresenceOffline {
		t.Fatalf("expected offline after the last connection closed, got %s", entry.Status)
	}
}

func TestHandleRejectsUnknownAndMalformedFrames(t *testing.T) {
	harness := newCoordinatorHarness(t, nil)
	conn := harness.connect(t, "token-alice", "phone")
	drain(t, conn)

	harness.coordinator.Handle(context.Background(), conn, []byte("not json"))
	harness.send(t, conn, "teleport", "r", nil)
	harness.send(t, conn, EventPresenceUpdate, "r2", presenceUpdatePayload{Status: "dancing"})
	errs := eventsNamed(drain(t, conn), EventError)
	if len(errs) != 3 {
		t.Fatalf("expected three error frames, got %d", len(errs))
	}
	var payload errorPayload
	if err := json.Unmarshal(errs[1].Data, &payload); err != nil || payload.Code != "unknown_event" {
		t.Fatalf("unexpected error payload %+v", payload)
	}
}
