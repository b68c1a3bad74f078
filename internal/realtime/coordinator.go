package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/serviceerr"
	"go.uber.org/zap"
)

const (
	defaultLookback      = 24 * time.Hour
	defaultSweepInterval = 30 * time.Second
)

var (
	// ErrUnauthorized rejects a handshake before any session state exists.
	ErrUnauthorized = errors.New("realtime: unauthorized")
	// ErrMissingDevice rejects a handshake without a device identifier.
	ErrMissingDevice = errors.New("realtime: device id required")
)

// TokenValidator verifies bearer credentials.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// Directory resolves project membership and records user activity.
type Directory interface {
	ProjectIDs(ctx context.Context, userID string) ([]string, error)
	Touch(ctx context.Context, userID, role string) error
}

// EntityStore is the entity persistence the coordinator reads and writes.
type EntityStore interface {
	ApplyChange(ctx context.Context, change entities.Change) (entities.ApplyOutcome, error)
	ChangesSince(ctx context.Context, scope entities.Scope, entityType string, since time.Time) ([]entities.Entity, error)
	RecordSyncEvent(ctx context.Context, event entities.SyncEvent) error
}

// ConflictResolver reconciles a pushed change that lost the staleness check.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, input conflicts.Input) (conflicts.Outcome, error)
}

// Recorder receives realtime metrics.
type Recorder interface {
	RecordSyncOperation(kind, entityType, clientID string, success bool, duration time.Duration)
	RecordConnections(active int)
}

// Session is an authenticated handshake.
type Session struct {
	UserID     string
	DeviceID   string
	Role       string
	ProjectIDs []string
}

// Origin identifies the writer of a change so fan-out can skip it.
type Origin struct {
	UserID   string
	DeviceID string
}

// Config wires the coordinator.
type Config struct {
	Tokens          TokenValidator
	Directory       Directory
	Entities        EntityStore
	Conflicts       ConflictResolver
	Bus             Bus
	Presence        *PresenceTracker
	Clock           func() time.Time
	IDProvider      entities.IDProvider
	DefaultLookback time.Duration
	SweepInterval   time.Duration
	OutboundBuffer  int
	Recorder        Recorder
	Logger          *zap.Logger
}

// Coordinator owns live sessions for one process and relays events over the bus.
type Coordinator struct {
	tokens         TokenValidator
	directory      Directory
	entities       EntityStore
	conflicts      ConflictResolver
	bus            Bus
	presence       *PresenceTracker
	registry       *Registry
	clock          func() time.Time
	ids            entities.IDProvider
	lookback       time.Duration
	sweepInterval  time.Duration
	outboundBuffer int
	recorder       Recorder
	logger         *zap.Logger
	unsubscribe    func()

	// membership serialises connection registration with the presence
	// transition it implies.
	membership sync.Mutex
}

// NewCoordinator validates dependencies and subscribes to the bus.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("realtime: token validator is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("realtime: directory is required")
	}
	if cfg.Entities == nil {
		return nil, errors.New("realtime: entity store is required")
	}
	coordinator := &Coordinator{
		tokens:         cfg.Tokens,
		directory:      cfg.Directory,
		entities:       cfg.Entities,
		conflicts:      cfg.Conflicts,
		bus:            cfg.Bus,
		presence:       cfg.Presence,
		registry:       NewRegistry(),
		clock:          cfg.Clock,
		ids:            cfg.IDProvider,
		lookback:       cfg.DefaultLookback,
		sweepInterval:  cfg.SweepInterval,
		outboundBuffer: cfg.OutboundBuffer,
		recorder:       cfg.Recorder,
		logger:         cfg.Logger,
	}
	if coordinator.bus == nil {
		coordinator.bus = NewLocalBus()
	}
	if coordinator.presence == nil {
		coordinator.presence = NewPresenceTracker(0, 0)
	}
	if coordinator.clock == nil {
		coordinator.clock = time.Now
	}
	if coordinator.ids == nil {
		coordinator.ids = entities.NewUUIDProvider()
	}
	if coordinator.lookback <= 0 {
		coordinator.lookback = defaultLookback
	}
	if coordinator.sweepInterval <= 0 {
		coordinator.sweepInterval = defaultSweepInterval
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	unsubscribe, err := coordinator.bus.Subscribe(context.Background(), coordinator.deliver)
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe bus: %w", err)
	}
	coordinator.unsubscribe = unsubscribe
	return coordinator, nil
}

// Close detaches from the bus.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Registry exposes the process-local connection registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Presence exposes the presence tracker.
func (c *Coordinator) Presence() *PresenceTracker {
	return c.presence
}

// Authenticate validates the handshake credential and device id and resolves room inputs.
func (c *Coordinator) Authenticate(ctx context.Context, token, deviceID string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, ErrMissingDevice)
	}
	claims, err := c.tokens.ValidateToken(token)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	role := ""
	if len(claims.Roles) > 0 {
		role = claims.Roles[0]
	}
	if err := c.directory.Touch(ctx, claims.UserID, role); err != nil {
		c.logger.Warn("record user activity failed", zap.String("user_id", claims.UserID), zap.Error(err))
	}
	projects, err := c.directory.ProjectIDs(ctx, claims.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("realtime: resolve projects: %w", err)
	}
	return Session{UserID: claims.UserID, DeviceID: deviceID, Role: role, ProjectIDs: projects}, nil
}

// Connect registers the session, joins its rooms, and announces presence.
func (c *Coordinator) Connect(ctx context.Context, session Session) (*Connection, error) {
	connectionID, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("realtime: connection id: %w", err)
	}
	now := c.clock().UTC()
	conn := newConnection(connectionID, session, c.outboundBuffer, now)
	c.membership.Lock()
	c.registry.add(conn)
	c.registry.Join(conn, UserRoom(session.UserID))
	c.registry.Join(conn, DeviceRoom(session.UserID, session.DeviceID))
	for _, projectID := range session.ProjectIDs {
		c.registry.Join(conn, ProjectRoom(projectID))
	}
	entry := c.presence.Connect(session.UserID, session.DeviceID, session.ProjectIDs, now)
	c.membership.Unlock()

	c.send(conn, EventConnected, "", connectedPayload{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		DeviceID:     conn.DeviceID,
		Rooms:        conn.Rooms(),
		Presence:     c.presence.Snapshot(session.ProjectIDs),
		ServerTime:   now,
	})
	c.publishPresence(ctx, conn, entry)

	c.logger.Info("realtime connection opened",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.String("device_id", conn.DeviceID),
		zap.Int("projects", len(session.ProjectIDs)),
	)
	c.recordConnections()
	return conn, nil
}

// Disconnect removes the connection; the user goes offline only when no
// sibling connection remains.
func (c *Coordinator) Disconnect(ctx context.Context, conn *Connection) {
	c.membership.Lock()
	remaining := c.registry.Remove(conn)
	var entry PresenceEntry
	var wentOffline bool
	if remaining == 0 {
		entry, wentOffline = c.presence.Offline(conn.UserID, c.clock().UTC())
	}
	c.membership.Unlock()

	c.logger.Info("realtime connection closed",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Int("remaining", remaining),
	)
	if wentOffline {
		c.publishPresence(ctx, conn, entry)
	}
	c.recordConnections()
}

// Handle processes one inbound frame.
func (c *Coordinator) Handle(ctx context.Context, conn *Connection, frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Event == "" {
		c.sendError(conn, "", "invalid_message", "frame must be a json envelope with an event")
		return
	}
	now := c.clock().UTC()
	conn.touch(now)
	if entry, restored := c.presence.Touch(conn.UserID, now); restored {
		c.publishPresence(ctx, conn, entry)
	}

	switch envelope.Event {
	case EventSyncRequest:
		c.handleSyncRequest(ctx, conn, envelope)
	case EventSyncPush:
		c.handleSyncPush(ctx, conn, envelope)
	case EventPresenceUpdate:
		c.handlePresenceUpdate(ctx, conn, envelope)
	case EventSubscribeEntity:
		c.handleEntitySubscription(conn, envelope, true)
	case EventUnsubscribeEntity:
		c.handleEntitySubscription(conn, envelope, false)
	case EventPing:
		c.send(conn, EventPong, envelope.RequestID, map[string]time.Time{"server_time": now})
	default:
		c.sendError(conn, envelope.RequestID, "unknown_event", envelope.Event)
	}
}

func (c *Coordinator) handleSyncRequest(ctx context.Context, conn *Connection, envelope Envelope) {
	var request syncRequestPayload
	if err := json.Unmarshal(envelope.Data, &request); err != nil || strings.TrimSpace(request.EntityType) == "" {
		c.sendError(conn, envelope.RequestID, "invalid_request", "entityType is required")
		return
	}
	started := time.Now()
	since := c.clock().UTC().Add(-c.lookback)
	if request.LastSync != nil {
		since = *request.LastSync
	}
	found, err := c.entities.ChangesSince(ctx, entities.Scope{UserID: conn.UserID, ProjectIDs: conn.Projects}, request.EntityType, since)
	if err != nil {
		c.recordSync("download", request.EntityType, conn.DeviceID, false, time.Since(started))
		c.sendError(conn, envelope.RequestID, "sync_failed", "")
		return
	}
	views := make([]entities.View, 0, len(found))
	for _, entity := range found {
		views = append(views, entity.View())
	}
	c.send(conn, EventSyncResponse, envelope.RequestID, map[string]any{
		"entityType": request.EntityType,
		"entities":   views,
		"serverTime": c.clock().UTC(),
	})
	if err := c.entities.RecordSyncEvent(ctx, entities.SyncEvent{
		UserID:      conn.UserID,
		DeviceID:    conn.DeviceID,
		Direction:   entities.SyncDirectionDownload,
		EntityType:  request.EntityType,
		EntityCount: len(views),
	}); err != nil {
		c.logger.Warn("record download sync event failed", zap.Error(err))
	}
	c.recordSync("download", request.EntityType, conn.DeviceID, true, time.Since(started))
}

func (c *Coordinator) handleSyncPush(ctx context.Context, conn *Connection, envelope Envelope) {
	var request syncPushPayload
	if err := json.Unmarshal(envelope.Data, &request); err != nil {
		c.sendError(conn, envelope.RequestID, "invalid_request", "changes are required")
		return
	}
	result := syncResultPayload{Accepted: []changeRef{}, Conflicts: []conflictedChange{}, Rejected: []rejectedChange{}}
	entityType := ""
	for index, pushed := range request.Changes {
		if index == 0 {
			entityType = pushed.EntityType
		} else if entityType != pushed.EntityType {
			entityType = ""
		}
		started := time.Now()
		accepted := c.applyPushed(ctx, conn, pushed, &result)
		c.recordSync("upload", pushed.EntityType, conn.DeviceID, accepted, time.Since(started))
	}

	c.send(conn, EventSyncResult, envelope.RequestID, result)
	c.send(conn, EventSyncComplete, envelope.RequestID, map[string]int{
		"accepted":  len(result.Accepted),
		"conflicts": len(result.Conflicts),
		"rejected":  len(result.Rejected),
	})
	if err := c.entities.RecordSyncEvent(ctx, entities.SyncEvent{
		UserID:      conn.UserID,
		DeviceID:    conn.DeviceID,
		Direction:   entities.SyncDirectionUpload,
		EntityType:  entityType,
		EntityCount: len(request.Changes),
		Accepted:    len(result.Accepted),
		Rejected:    len(result.Rejected),
		Conflicts:   len(result.Conflicts),
	}); err != nil {
		c.logger.Warn("record upload sync event failed", zap.Error(err))
	}
	c.logger.Info("sync push processed",
		zap.String("user_id", conn.UserID),
		zap.String("device_id", conn.DeviceID),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int("rejected", len(result.Rejected)),
	)
}

// applyPushed applies one change and files it under accepted, conflicts, or rejected.
func (c *Coordinator) applyPushed(ctx context.Context, conn *Connection, pushed pushedChange, result *syncResultPayload) bool {
	operation, err := entities.ParseOperation(pushed.Operation)
	if err != nil {
		return rejectPushed(result, pushed, "invalid_operation")
	}
	change := entities.Change{
		EntityType:  pushed.EntityType,
		EntityID:    pushed.EntityID,
		OwnerID:     conn.UserID,
		ProjectID:   pushed.ProjectID,
		DeviceID:    conn.DeviceID,
		Operation:   operation,
		PayloadJSON: string(pushed.Payload),
		Timestamp:   pushed.Timestamp,
	}
	outcome, err := c.entities.ApplyChange(ctx, change)
	if err != nil {
		return rejectPushed(result, pushed, applyErrorCode(err))
	}
	if outcome.Conflict {
		if c.conflicts == nil {
			result.Conflicts = append(result.Conflicts, conflictedChange{
				EntityType:      pushed.EntityType,
				EntityID:        pushed.EntityID,
				ClientData:      pushed.Payload,
				ServerData:      rawPayload(outcome.Entity),
				ClientTimestamp: pushed.Timestamp,
				ServerTimestamp: outcome.Entity.UpdatedAt(),
			})
			return false
		}
		return c.resolvePushed(ctx, conn, pushed, change, outcome.Entity, result)
	}
	result.Accepted = append(result.Accepted, changeRef{EntityType: pushed.EntityType, EntityID: pushed.EntityID})
	c.publishApplied(ctx, conn, operation, outcome.Entity)
	return true
}

// resolvePushed runs the entity type's conflict policy. Automatic strategies
// are written with Force; MANUAL outcomes are reported with their conflict id.
func (c *Coordinator) resolvePushed(ctx context.Context, conn *Connection, pushed pushedChange, change entities.Change, server entities.Entity, result *syncResultPayload) bool {
	serverData := rawPayload(server)
	if serverData == nil {
		serverData = json.RawMessage("{}")
	}
	resolved, err := c.conflicts.ResolveConflict(ctx, conflicts.Input{
		EntityType:      change.EntityType,
		EntityID:        change.EntityID,
		ClientData:      pushed.Payload,
		ServerData:      serverData,
		ClientTimestamp: change.Timestamp,
		ServerTimestamp: server.UpdatedAt(),
		UserID:          conn.UserID,
		DeviceID:        conn.DeviceID,
		MutationID:      pushed.MutationID,
	})
	if err != nil {
		c.logger.Warn("resolve pushed conflict failed",
			zap.String("entity_type", change.EntityType),
			zap.String("entity_id", change.EntityID),
			zap.Error(err),
		)
		return rejectPushed(result, pushed, applyErrorCode(err))
	}
	if resolved.RequiresUserIntervention {
		result.Conflicts = append(result.Conflicts, conflictedChange{
			ConflictID:      resolved.ConflictID,
			Strategy:        string(resolved.Strategy),
			EntityType:      pushed.EntityType,
			EntityID:        pushed.EntityID,
			ClientData:      pushed.Payload,
			ServerData:      rawPayload(server),
			ClientTimestamp: pushed.Timestamp,
			ServerTimestamp: server.UpdatedAt(),
		})
		return false
	}

	forced := change
	forced.PayloadJSON = string(resolved.ResolvedData)
	forced.Force = true
	applied, err := c.entities.ApplyChange(ctx, forced)
	if err != nil {
		return rejectPushed(result, pushed, applyErrorCode(err))
	}
	result.Accepted = append(result.Accepted, changeRef{
		EntityType: pushed.EntityType,
		EntityID:   pushed.EntityID,
		Resolution: string(resolved.Strategy),
	})
	c.publishApplied(ctx, conn, change.Operation, applied.Entity)
	return true
}

func (c *Coordinator) publishApplied(ctx context.Context, conn *Connection, operation entities.Operation, entity entities.Entity) {
	if err := c.PublishChange(ctx, Origin{UserID: conn.UserID, DeviceID: conn.DeviceID}, operation, entity); err != nil {
		c.logger.Warn("broadcast change failed", zap.String("entity_id", entity.EntityID), zap.Error(err))
	}
}

func rejectPushed(result *syncResultPayload, pushed pushedChange, code string) bool {
	result.Rejected = append(result.Rejected, rejectedChange{EntityType: pushed.EntityType, EntityID: pushed.EntityID, Code: code})
	return false
}

func applyErrorCode(err error) string {
	switch {
	case errors.Is(err, entities.ErrNotFound):
		return "not_found"
	case errors.Is(err, entities.ErrInvalidChange):
		return "invalid_change"
	}
	if code := serviceerr.CodeOf(err); code != "" {
		return code
	}
	return "apply_failed"
}

// PublishChange fans an applied change out to the writer's other devices, the
// entity's project room, and the entity's subscribers.
func (c *Coordinator) PublishChange(ctx context.Context, origin Origin, operation entities.Operation, entity entities.Entity) error {
	view, err := json.Marshal(entity.View())
	if err != nil {
		return err
	}
	data, err := json.Marshal(ChangeNotice{
		Operation: string(operation),
		Entity:    view,
		DeviceID:  origin.DeviceID,
		UserID:    origin.UserID,
	})
	if err != nil {
		return err
	}
	rooms := []string{UserRoom(origin.UserID)}
	if entity.ProjectID != "" {
		rooms = append(rooms, ProjectRoom(entity.ProjectID))
	}
	rooms = append(rooms, EntityRoom(entity.EntityType, entity.EntityID))
	return c.bus.Publish(ctx, Broadcast{
		Rooms:           rooms,
		ExcludeUserID:   origin.UserID,
		ExcludeDeviceID: origin.DeviceID,
		Event:           EventEntityChanged,
		Data:            data,
	})
}

func (c *Coordinator) handlePresenceUpdate(ctx context.Context, conn *Connection, envelope Envelope) {
	var request presenceUpdatePayload
	if err := json.Unmarshal(envelope.Data, &request); err != nil {
		c.sendError(conn, envelope.RequestID, "invalid_request", "status is required")
		return
	}
	entry, err := c.presence.Update(conn.UserID, conn.DeviceID, PresenceStatus(strings.ToLower(request.Status)), request.Location, c.clock().UTC())
	if err != nil {
		c.sendError(conn, envelope.RequestID, "invalid_presence", request.Status)
		return
	}
	c.publishPresence(ctx, conn, entry)
}

func (c *Coordinator) handleEntitySubscription(conn *Connection, envelope Envelope, subscribe bool) {
	var request entitySubscriptionPayload
	if err := json.Unmarshal(envelope.Data, &request); err != nil || request.EntityType == "" || request.EntityID == "" {
		c.sendError(conn, envelope.RequestID, "invalid_request", "entityType and entityId are required")
		return
	}
	room := EntityRoom(request.EntityType, request.EntityID)
	if subscribe {
		c.registry.Join(conn, room)
		c.send(conn, EventSubscribed, envelope.RequestID, map[string]string{"room": room})
		return
	}
	c.registry.Leave(conn, room)
	c.send(conn, EventUnsubscribed, envelope.RequestID, map[string]string{"room": room})
}

// Sweep downgrades idle users to away and announces the change.
func (c *Coordinator) Sweep(ctx context.Context) {
	for _, entry := range c.presence.Sweep(c.clock().UTC()) {
		c.publishPresenceRooms(ctx, entry, "", "")
	}
}

// Run sweeps presence on an interval until the context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

func (c *Coordinator) publishPresence(ctx context.Context, conn *Connection, entry PresenceEntry) {
	c.publishPresenceRooms(ctx, entry, conn.UserID, conn.DeviceID)
}

func (c *Coordinator) publishPresenceRooms(ctx context.Context, entry PresenceEntry, excludeUser, excludeDevice string) {
	rooms := []string{UserRoom(entry.UserID)}
	for _, projectID := range entry.Projects {
		rooms = append(rooms, ProjectRoom(projectID))
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, Broadcast{
		Rooms:           rooms,
		ExcludeUserID:   excludeUser,
		ExcludeDeviceID: excludeDevice,
		Event:           EventPresenceChanged,
		Data:            data,
	}); err != nil {
		c.logger.Warn("broadcast presence failed", zap.String("user_id", entry.UserID), zap.Error(err))
	}
}

func (c *Coordinator) deliver(message Broadcast) {
	frame, err := json.Marshal(Envelope{Event: message.Event, Data: message.Data})
	if err != nil {
		return
	}
	_, dropped := c.registry.Deliver(message, frame)
	if dropped > 0 {
		c.logger.Warn("realtime frames dropped on full outbound queue",
			zap.String("event", message.Event),
			zap.Int("dropped", dropped),
		)
	}
}

func (c *Coordinator) send(conn *Connection, event, requestID string, data any) {
	frame, err := encodeEnvelope(event, requestID, data)
	if err != nil {
		c.logger.Error("encode realtime frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	if !conn.Send(frame) {
		c.logger.Warn("realtime frame dropped", zap.String("connection_id", conn.ID), zap.String("event", event))
	}
}

func (c *Coordinator) sendError(conn *Connection, requestID, code, message string) {
	c.send(conn, EventError, requestID, errorPayload{Code: code, Message: message})
}

func (c *Coordinator) recordSync(kind, entityType, deviceID string, success bool, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordSyncOperation(kind, entityType, deviceID, success, elapsed)
	}
}

func (c *Coordinator) recordConnections() {
	if c.recorder != nil {
		c.recorder.RecordConnections(c.registry.Len())
	}
}

func rawPayload(entity entities.Entity) json.RawMessage {
	if entity.IsDeleted || entity.PayloadJSON == "" {
		return nil
	}
	return json.RawMessage(entity.PayloadJSON)
}
