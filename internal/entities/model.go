package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation enumerates the mutations a client may submit.
type Operation string

const (
	// OperationCreate inserts a new entity.
	OperationCreate Operation = "CREATE"
	// OperationUpdate replaces the payload of an existing entity.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete tombstones an entity.
	OperationDelete Operation = "DELETE"
)

const maxIdentifierLength = 190

var (
	// ErrNotFound indicates the entity does not exist or is deleted.
	ErrNotFound = errors.New("entities: not found")
	// ErrInvalidChange indicates a malformed change request.
	ErrInvalidChange = errors.New("entities: invalid change")
)

// ParseOperation normalizes a textual operation.
func ParseOperation(value string) (Operation, error) {
	switch Operation(strings.ToUpper(strings.TrimSpace(value))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, value)
	}
}

// Entity is a generic domain document tracked by the sync core.
type Entity struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null;index:idx_entities_type_updated,priority:1"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;default:'';index"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	LastWriterDevice string `gorm:"column:last_writer_device;size:190;not null;default:''"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64  `gorm:"column:updated_at_ms;not null;index:idx_entities_type_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "entities"
}

// UpdatedAt returns the server update time.
func (e Entity) UpdatedAt() time.Time {
	return time.UnixMilli(e.UpdatedAtMillis).UTC()
}

// View is the wire projection of an Entity.
type View struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OwnerID    string          `json:"owner_id"`
	ProjectID  string          `json:"project_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// View projects the entity for API and realtime responses.
func (e Entity) View() View {
	view := View{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OwnerID:    e.OwnerID,
		ProjectID:  e.ProjectID,
		Version:    e.Version,
		Deleted:    e.IsDeleted,
		UpdatedAt:  e.UpdatedAt(),
	}
	if !e.IsDeleted && e.PayloadJSON != "" {
		view.Payload = json.RawMessage(e.PayloadJSON)
	}
	return view
}

// SyncDirection distinguishes client pulls from client pushes.
type SyncDirection string

const (
	// SyncDirectionDownload marks a sync:request pull.
	SyncDirectionDownload SyncDirection = "download"
	// SyncDirectionUpload marks a sync:push or REST mutation.
	SyncDirectionUpload SyncDirection = "upload"
)

// SyncEvent captures an append-only log of sync exchanges.
type SyncEvent struct {
	EventID         string        `gorm:"column:event_id;primaryKey;size:190;not null"`
	UserID          string        `gorm:"column:user_id;size:190;not null;index:idx_sync_events_user_time,priority:1"`
	DeviceID        string        `gorm:"column:device_id;size:190;not null"`
	Direction       SyncDirection `gorm:"column:direction;size:16;not null"`
	EntityType      string        `gorm:"column:entity_type;size:64;not null;default:''"`
	EntityCount     int           `gorm:"column:entity_count;not null;default:0"`
	Accepted        int           `gorm:"column:accepted;not null;default:0"`
	Rejected        int           `gorm:"column:rejected;not null;default:0"`
	Conflicts       int           `gorm:"column:conflicts;not null;default:0"`
	CreatedAtMillis int64         `gorm:"column:created_at_ms;not null;index:idx_sync_events_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SyncEvent) TableName() string {
	return "sync_events"
}

// Change describes one mutation submitted for server-side application.
type Change struct {
	EntityType  string
	EntityID    string
	OwnerID     string
	ProjectID   string
	DeviceID    string
	Operation   Operation
	PayloadJSON string
	// Timestamp is when the client made the edit; zero skips conflict detection.
	Timestamp time.Time
	// Force applies the change without conflict detection (manual resolutions).
	Force bool
}

// Validate checks identifiers and payload shape.
func (c Change) Validate() error {
	if strings.TrimSpace(c.EntityType) == "" || len(c.EntityType) > 64 {
		return fmt.Errorf("%w: entity type", ErrInvalidChange)
	}
	if strings.TrimSpace(c.EntityID) == "" || len(c.EntityID) > maxIdentifierLength {
		return fmt.Errorf("%w: entity id", ErrInvalidChange)
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("%w: owner id", ErrInvalidChange)
	}
	switch c.Operation {
	case OperationCreate, OperationUpdate:
		if !json.Valid([]byte(c.PayloadJSON)) {
			return fmt.Errorf("%w: payload must be a json document", ErrInvalidChange)
		}
	case OperationDelete:
	default:
		return fmt.Errorf("%w: operation %q", ErrInvalidChange, c.Operation)
	}
	return nil
}

// ApplyOutcome captures the decision taken for a Change.
type ApplyOutcome struct {
	Applied  bool
	Conflict bool
	// Entity is the stored state after the call: updated when applied, current server state on conflict.
	Entity Entity
}

// Scope selects the entities visible to a user.
type Scope struct {
	UserID     string
	ProjectIDs []string
}

// projectIDFromPayload reads the owning project from a payload document when present.
func projectIDFromPayload(payloadJSON string) string {
	if payloadJSON == "" {
		return ""
	}
	var document map[string]interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &document); err != nil {
		return ""
	}
	for _, key := range []string{"projectId", "project_id"} {
		if value, ok := document[key].(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
