package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var realtimeEpoch = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

type stubTokens map[string]auth.Claims

func (s stubTokens) ValidateToken(token string) (auth.Claims, error) {
	claims, ok := s[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

type stubDirectory struct {
	mu       sync.Mutex
	projects map[string][]string
	touched  []string
}

func (d *stubDirectory) ProjectIDs(_ context.Context, userID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if userID == "broken" {
		return nil, errors.New("directory unavailable")
	}
	return append([]string(nil), d.projects[userID]...), nil
}

func (d *stubDirectory) Touch(_ context.Context, userID, _ string) error {
	d.mu.Lock()
	d.touched = append(d.touched, userID)
	d.mu.Unlock()
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

func newEntityStore(t *testing.T, clock *testClock) (*entities.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&entities.Entity{}, &entities.SyncEvent{}, &conflicts.Record{}, &conflicts.AuditEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	service, err := entities.NewService(entities.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: entities.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("entity service: %v", err)
	}
	return service, db
}

type coordinatorHarness struct {
	clock       *testClock
	store       *entities.Service
	db          *gorm.DB
	directory   *stubDirectory
	conflicts   *conflicts.Service
	coordinator *Coordinator
}

func testTokens() stubTokens {
	return stubTokens{
		"token-alice": {UserID: "alice", Roles: []string{"driver"}},
		"token-bob":   {UserID: "bob", Roles: []string{"supervisor"}},
		"token-carol": {UserID: "carol"},
	}
}

func newCoordinatorHarness(t *testing.T, bus Bus) *coordinatorHarness {
	t.Helper()
	return buildCoordinatorHarness(t, bus, false)
}

// newResolvingCoordinatorHarness wires a real conflict service into the coordinator.
func newResolvingCoordinatorHarness(t *testing.T) *coordinatorHarness {
	t.Helper()
	return buildCoordinatorHarness(t, nil, true)
}

func buildCoordinatorHarness(t *testing.T, bus Bus, resolving bool) *coordinatorHarness {
	t.Helper()
	clock := &testClock{now: realtimeEpoch}
	store, db := newEntityStore(t, clock)
	harness := &coordinatorHarness{
		clock: clock,
		store: store,
		db:    db,
		directory: &stubDirectory{projects: map[string][]string{
			"alice": {"project-1"},
			"bob":   {"project-1", "project-2"},
		}},
	}
	cfg := Config{
		Tokens:    testTokens(),
		Directory: harness.directory,
		Entities:  harness.store,
		Bus:       bus,
		Presence:  NewPresenceTracker(5*time.Minute, time.Hour),
		Clock:     clock.Now,
	}
	if resolving {
		service, err := conflicts.NewService(conflicts.ServiceConfig{
			Database:   db,
			Clock:      clock.Now,
			IDProvider: entities.NewUUIDProvider(),
		})
		if err != nil {
			t.Fatalf("conflict service: %v", err)
		}
		harness.conflicts = service
		cfg.Conflicts = service
	}
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	harness.coordinator = coordinator
	return harness
}

func (h *coordinatorHarness) connect(t *testing.T, token, deviceID string) *Connection {
	t.Helper()
	ctx := context.Background()
	session, err := h.coordinator.Authenticate(ctx, token, deviceID)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	conn, err := h.coordinator.Connect(ctx, session)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return conn
}

func (h *coordinatorHarness) send(t *testing.T, conn *Connection, event, requestID string, data any) {
	t.Helper()
	frame, err := encodeEnvelope(event, requestID, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.coordinator.Handle(context.Background(), conn, frame)
}

// drain returns every frame currently queued for the connection.
func drain(t *testing.T, conn *Connection) []Envelope {
	t.Helper()
	var envelopes []Envelope
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				return envelopes
			}
			var envelope Envelope
			if err := json.Unmarshal(frame, &envelope); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			envelopes = append(envelopes, envelope)
		default:
			return envelopes
		}
	}
}

func eventsNamed(envelopes []Envelope, event string) []Envelope {
	var matched []Envelope
	for _, envelope := range envelopes {
		if envelope.Event == event {
			matched = append(matched, envelope)
		}
	}
	return matched
}

// waitFor polls the connection until an event arrives or the deadline passes.
func waitFor(t *testing.T, conn *Connection, event string, timeout time.Duration) (Envelope, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				return Envelope{}, false
			}
			var envelope Envelope
			if err := json.Unmarshal(frame, &envelope); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if envelope.Event == event {
				return envelope, true
			}
		case <-deadline:
			return Envelope{}, false
		}
	}
}
