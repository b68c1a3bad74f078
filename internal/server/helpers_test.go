package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/monitor"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/push"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var serverEpoch = time.Date(2026, time.May, 4, 8, 30, 0, 0, time.UTC)

type published struct {
	origin    realtime.Origin
	operation entities.Operation
	entity    entities.Entity
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishChange(_ context.Context, origin realtime.Origin, operation entities.Operation, entity entities.Entity) error {
	p.mu.Lock()
	p.events = append(p.events, published{origin: origin, operation: operation, entity: entity})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type sentNotification struct {
	userID       string
	notification push.Notification
}

type stubPushGateway struct {
	mu           sync.Mutex
	registered   map[string]string
	sent         []sentNotification
	registerErr  error
	unregistered []string
}

func (g *stubPushGateway) RegisterEndpoint(_ context.Context, userID, token string, device push.DeviceInfo) (push.Endpoint, error) {
	if g.registerErr != nil {
		return push.Endpoint{}, g.registerErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registered == nil {
		g.registered = make(map[string]string)
	}
	g.registered[userID+"/"+device.DeviceID] = token
	return push.Endpoint{
		EndpointID: "endpoint-" + device.DeviceID,
		UserID:     userID,
		DeviceID:   device.DeviceID,
		Platform:   string(device.Platform),
		IsActive:   true,
	}, nil
}

func (g *stubPushGateway) UnregisterEndpoint(_ context.Context, userID, deviceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := userID + "/" + deviceID
	if _, ok := g.registered[key]; !ok {
		return push.ErrEndpointNotFound
	}
	delete(g.registered, key)
	g.unregistered = append(g.unregistered, key)
	return nil
}

func (g *stubPushGateway) SendToUser(_ context.Context, userID string, notification push.Notification) (push.SendReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentNotification{userID: userID, notification: notification})
	return push.SendReport{Endpoints: 1, Accepted: 1}, nil
}

type serverHarness struct {
	store     *entities.Service
	conflicts *conflicts.Service
	publisher *recordingPublisher
	push      *stubPushGateway
	monitor   *monitor.Monitor
	registry  *prometheus.Registry
	handler   http.Handler
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return serverEpoch }

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	registry := prometheus.NewRegistry()
	monitorService, err := monitor.New(monitor.Config{Registerer: registry, Clock: clock})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	store, err := entities.NewService(entities.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: entities.NewUUIDProvider(),
		Cache:      entities.NewCache(time.Minute, monitorService),
	})
	if err != nil {
		t.Fatalf("entity service: %v", err)
	}
	publisher := &recordingPublisher{}
	conflictService, err := conflicts.NewService(conflicts.ServiceConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  entities.NewUUIDProvider(),
		Resubmitter: EntityResubmitter{Entities: store, Publisher: publisher},
		Recorder:    monitorService,
	})
	if err != nil {
		t.Fatalf("conflict service: %v", err)
	}
	gateway := &stubPushGateway{}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens: stubTokens{
			"token-alice": {UserID: "alice", Roles: []string{"driver"}},
			"token-bob":   {UserID: "bob", Roles: []string{"supervisor"}},
		},
		Entities:  store,
		Conflicts: conflictService,
		Publisher: publisher,
		Push:      gateway,
		Monitor:   monitorService,
		Gatherer:  registry,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &serverHarness{
		store:     store,
		conflicts: conflictService,
		publisher: publisher,
		push:      gateway,
		monitor:   monitorService,
		registry:  registry,
		handler:   handler,
	}
}

type stubTokens map[string]auth.Claims

func (s stubTokens) ValidateToken(token string) (auth.Claims, error) {
	claims, ok := s[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

type apiRequest struct {
	method    string
	path      string
	token     string
	deviceID  string
	timestamp time.Time
	headers   map[string]string
	body      string
}

func (h *serverHarness) do(t *testing.T, request apiRequest) *httptest.ResponseRecorder {
	t.Helper()
	httpRequest := httptest.NewRequest(request.method, request.path, strings.NewReader(request.body))
	if request.body != "" {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if request.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+request.token)
	}
	if request.deviceID != "" {
		httpRequest.Header.Set(headerDeviceID, request.deviceID)
	}
	if !request.timestamp.IsZero() {
		httpRequest.Header.Set(headerClientTimestamp, strconv.FormatInt(request.timestamp.UnixMilli(), 10))
	}
	for name, value := range request.headers {
		httpRequest.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, httpRequest)
	return recorder
}

// seed stores an entity as written by another device at serverEpoch.
func (h *serverHarness) seed(t *testing.T, entityType, entityID, payload string) {
	t.Helper()
	_, err := h.store.ApplyChange(context.Background(), entities.Change{
		EntityType:  entityType,
		EntityID:    entityID,
		OwnerID:     "bob",
		DeviceID:    "office",
		Operation:   entities.OperationCreate,
		PayloadJSON: payload,
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", entityType, entityID, err)
	}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
