package conflicts

import (
	"encoding/json"
	"time"
)

// Record is an unresolved conflict awaiting manual resolution.
type Record struct {
	ConflictID               string `gorm:"column:conflict_id;primaryKey;size:64"`
	EntityType               string `gorm:"column:entity_type;size:64;not null;index"`
	EntityID                 string `gorm:"column:entity_id;size:190;not null"`
	UserID                   string `gorm:"column:user_id;size:190;not null;index"`
	DeviceID                 string `gorm:"column:device_id;size:190;not null;default:''"`
	MutationID               string `gorm:"column:mutation_id;size:64;not null;default:''"`
	ClientDataJSON           string `gorm:"column:client_data;type:text;not null"`
	ServerDataJSON           string `gorm:"column:server_data;type:text;not null"`
	ClientTimestampMillis    int64  `gorm:"column:client_ts_ms;not null"`
	ServerTimestampMillis    int64  `gorm:"column:server_ts_ms;not null"`
	Strategy                 string `gorm:"column:strategy;size:32;not null"`
	ResolvedDataJSON         string `gorm:"column:resolved_data;type:text;not null"`
	RequiresUserIntervention bool   `gorm:"column:requires_user_intervention;not null"`
	CreatedAtMillis          int64  `gorm:"column:created_at_ms;not null"`
	// ClaimedAtMillis is set while a manual resolution is being applied.
	ClaimedAtMillis int64 `gorm:"column:claimed_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "conflict_records"
}

// AuditEntry is an append-only trace of one resolution.
type AuditEntry struct {
	AuditID                  string `gorm:"column:audit_id;primaryKey;size:64"`
	ConflictID               string `gorm:"column:conflict_id;size:64;not null;default:'';index"`
	EntityType               string `gorm:"column:entity_type;size:64;not null;index"`
	EntityID                 string `gorm:"column:entity_id;size:190;not null"`
	UserID                   string `gorm:"column:user_id;size:190;not null"`
	DeviceID                 string `gorm:"column:device_id;size:190;not null;default:''"`
	Strategy                 string `gorm:"column:strategy;size:32;not null"`
	Outcome                  string `gorm:"column:outcome;size:32;not null"`
	ClientDataJSON           string `gorm:"column:client_data;type:text;not null"`
	ServerDataJSON           string `gorm:"column:server_data;type:text;not null"`
	ResolvedDataJSON         string `gorm:"column:resolved_data;type:text;not null"`
	RequiresUserIntervention bool   `gorm:"column:requires_user_intervention;not null"`
	Defaulted                bool   `gorm:"column:defaulted;not null;default:false"`
	ResolvedBy               string `gorm:"column:resolved_by;size:190;not null;default:''"`
	CreatedAtMillis          int64  `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "conflict_audit_log"
}

// Audit outcomes.
const (
	OutcomeAutoResolved = "auto_resolved"
	OutcomeEscalated    = "escalated"
	OutcomeKeepClient   = "manual_keep_client"
	OutcomeKeepServer   = "manual_keep_server"
	OutcomeCustom       = "manual_custom"
)

// Outcome is returned by Service.ResolveConflict.
type Outcome struct {
	Resolution
	// ConflictID is set when the conflict was persisted for manual resolution.
	ConflictID string
}

// View is the API projection of a Record.
type View struct {
	ConflictID      string          `json:"conflict_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	DeviceID        string          `json:"device_id,omitempty"`
	MutationID      string          `json:"mutation_id,omitempty"`
	ClientData      json.RawMessage `json:"client_data"`
	ServerData      json.RawMessage `json:"server_data"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
	Strategy        string          `json:"strategy"`
	ResolvedData    json.RawMessage `json:"resolved_data"`
	CreatedAt       time.Time       `json:"created_at"`
}

// View projects the record for API responses.
func (r Record) View() View {
	return View{
		ConflictID:      r.ConflictID,
		EntityType:      r.EntityType,
		EntityID:        r.EntityID,
		DeviceID:        r.DeviceID,
		MutationID:      r.MutationID,
		ClientData:      json.RawMessage(r.ClientDataJSON),
		ServerData:      json.RawMessage(r.ServerDataJSON),
		ClientTimestamp: time.UnixMilli(r.ClientTimestampMillis).UTC(),
		ServerTimestamp: time.UnixMilli(r.ServerTimestampMillis).UTC(),
		Strategy:        r.Strategy,
		ResolvedData:    json.RawMessage(r.ResolvedDataJSON),
		CreatedAt:       time.UnixMilli(r.CreatedAtMillis).UTC(),
	}
}

// EntityCount ranks one frequently conflicted entity.
type EntityCount struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Count      int64  `json:"count"`
}

// TypeBreakdown aggregates resolutions for one entity type.
type TypeBreakdown struct {
	EntityType string           `json:"entity_type"`
	Total      int64            `json:"total"`
	ByStrategy map[string]int64 `json:"by_strategy"`
	Manual     int64            `json:"manual"`
	Defaulted  int64            `json:"defaulted"`
}

// PatternReport is the output of AnalyzePatterns.
type PatternReport struct {
	Since           time.Time       `json:"since"`
	Total           int64           `json:"total"`
	ByEntityType    []TypeBreakdown `json:"by_entity_type"`
	TopEntities     []EntityCount   `json:"top_entities"`
	Recommendations []string        `json:"recommendations"`
}
