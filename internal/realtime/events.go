// Package realtime coordinates live sync sessions: authenticated connections,
// room membership, presence, and change fan-out across processes.
package realtime

import (
	"encoding/json"
	"time"
)

// Inbound and outbound event names.
const (
	EventConnected         = "connected"
	EventSyncRequest       = "sync:request"
	EventSyncResponse      = "sync:response"
	EventSyncPush          = "sync:push"
	EventSyncResult        = "sync:result"
	EventSyncComplete      = "sync:complete"
	EventEntityChanged     = "entity:changed"
	EventPresenceUpdate    = "presence:update"
	EventPresenceChanged   = "presence:changed"
	EventSubscribeEntity   = "subscribe:entity"
	EventUnsubscribeEntity = "unsubscribe:entity"
	EventSubscribed        = "subscribed"
	EventUnsubscribed      = "unsubscribed"
	EventPing              = "ping"
	EventPong              = "pong"
	EventError             = "error"
)

// Envelope frames every message on the transport.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type connectedPayload struct {
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	DeviceID     string          `json:"device_id"`
	Rooms        []string        `json:"rooms"`
	Presence     []PresenceEntry `json:"presence"`
	ServerTime   time.Time       `json:"server_time"`
}

type syncRequestPayload struct {
	EntityType string     `json:"entityType"`
	LastSync   *time.Time `json:"lastSync,omitempty"`
	DeviceID   string     `json:"deviceId,omitempty"`
}

type pushedChange struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	ProjectID  string          `json:"projectId,omitempty"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	MutationID string          `json:"mutationId,omitempty"`
}

type syncPushPayload struct {
	Changes  []pushedChange `json:"changes"`
	DeviceID string         `json:"deviceId,omitempty"`
}

type changeRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Resolution string `json:"resolution,omitempty"`
}

type conflictedChange struct {
	ConflictID      string          `json:"conflictId,omitempty"`
	Strategy        string          `json:"strategy,omitempty"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	ClientData      json.RawMessage `json:"clientData,omitempty"`
	ServerData      json.RawMessage `json:"serverData,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

type rejectedChange struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Code       string `json:"code"`
}

type syncResultPayload struct {
	Accepted  []changeRef        `json:"accepted"`
	Conflicts []conflictedChange `json:"conflicts"`
	Rejected  []rejectedChange   `json:"rejected"`
}

type presenceUpdatePayload struct {
	Status   string          `json:"status"`
	Location json.RawMessage `json:"location,omitempty"`
}

type entitySubscriptionPayload struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// ChangeNotice is the entity:changed payload.
type ChangeNotice struct {
	Operation string          `json:"operation"`
	Entity    json.RawMessage `json:"entity"`
	DeviceID  string          `json:"device_id"`
	UserID    string          `json:"user_id"`
}

func encodeEnvelope(event, requestID string, data any) ([]byte, error) {
	envelope := Envelope{Event: event, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		envelope.Data = raw
	}
	return json.Marshal(envelope)
}
