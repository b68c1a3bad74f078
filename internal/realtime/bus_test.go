package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T, server *miniredis.Miniredis) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus, err := NewRedisBus(client, "fieldsync:test", nil)
	if err != nil {
		t.Fatalf("redis bus: %v", err)
	}
	return bus
}

func TestRedisBusRelaysChangesAcrossCoordinators(t *testing.T) {
	server := miniredis.RunT(t)
	first := newCoordinatorHarness(t, newRedisBus(t, server))
	second := newCoordinatorHarness(t, newRedisBus(t, server))

	phone := first.connect(t, "token-alice", "phone")
	tablet := second.connect(t, "token-alice", "tablet")
	supervisor := second.connect(t, "token-bob", "desk")

	first.send(t, phone, EventSyncPush, "r1", pushChanges(pushedChange{
		EntityType: "delivery",
		EntityID:   "del-9",
		Operation:  "CREATE",
		Payload:    json.RawMessage(`{"projectId":"project-1","deliveredCount":3}`),
	}))

	for _, conn := range []*Connection{tablet, supervisor} {
		envelope, ok := waitFor(t, conn, EventEntityChanged, 2*time.Second)
		if !ok {
			t.Fatalf("connection %s on the other process did not receive the change", conn.DeviceID)
		}
		var notice ChangeNotice
		if err := json.Unmarshal(envelope.Data, &notice); err != nil || notice.UserID != "alice" {
			t.Fatalf("unexpected notice %+v (%v)", notice, err)
		}
	}
	if _, ok := waitFor(t, phone, EventEntityChanged, 100*time.Millisecond); ok {
		t.Fatalf("origin device must not receive its own change")
	}
}

func TestRedisBusSkipsMalformedMessages(t *testing.T) {
	server := miniredis.RunT(t)
	bus := newRedisBus(t, server)
	received := make(chan Broadcast, 4)
	cancel, err := bus.Subscribe(context.Background(), func(message Broadcast) { received <- message })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	server.Publish("fieldsync:test", "{not json")
	if err := bus.Publish(context.Background(), Broadcast{Rooms: []string{"user:alice"}, Event: EventPresenceChanged}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case message := <-received:
		if message.Event != EventPresenceChanged || len(message.Rooms) != 1 {
			t.Fatalf("unexpected broadcast %+v", message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid broadcast was not relayed")
	}
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra broadcast %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusCancelStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	count := 0
	cancel, _ := bus.Subscribe(context.Background(), func(Broadcast) { count++ })
	_ = bus.Publish(context.Background(), Broadcast{Event: EventPing})
	cancel()
	_ = bus.Publish(context.Background(), Broadcast{Event: EventPing})
	if count != 1 {
		t.Fatalf("expected one delivery, got %d", count)
	}
}
