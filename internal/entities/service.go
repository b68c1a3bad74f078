package entities

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew       = "entities.service.new"
	opApplyChange      = "entities.apply_change"
	opGet              = "entities.get"
	opChangesSince     = "entities.changes_since"
	opRecordSyncEvent  = "entities.record_sync_event"
	fieldEntityType    = "entity_type"
	fieldEntityID      = "entity_id"
	queryTypeAndID     = "entity_type = ? AND entity_id = ?"
	reasonSelectFailed = "entity_select_failed"
	reasonSaveFailed   = "entity_save_failed"
	reasonInvalid      = "invalid_change"
	reasonNotFound     = "not_found"
	reasonQueryFailed  = "query_failed"
)

// ServiceConfig wires the entity store dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Cache      *Cache
	Logger     *zap.Logger
}

// Service persists entities and decides whether incoming changes conflict.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	cache      *Cache
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the entity store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		cache:      cfg.Cache,
		logger:     logger,
	}, nil
}

// NewEntityID issues an identifier for a collection create without one.
func (s *Service) NewEntityID() (string, error) {
	return s.idProvider.NewID()
}

// ApplyChange atomically checks the change against the stored entity and applies it.
// A change conflicts when the stored entity was updated after the change's timestamp
// by a different device. The row lock keeps check-then-apply single-writer per entity.
func (s *Service) ApplyChange(ctx context.Context, change Change) (ApplyOutcome, error) {
	if err := change.Validate(); err != nil {
		return ApplyOutcome{}, serviceerr.New(opApplyChange, reasonInvalid, err)
	}

	var outcome ApplyOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entity
		var existingPtr *Entity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryTypeAndID, change.EntityType, change.EntityID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			s.logError(opApplyChange, reasonSelectFailed, err,
				zap.String(fieldEntityType, change.EntityType),
				zap.String(fieldEntityID, change.EntityID))
			return serviceerr.New(opApplyChange, reasonSelectFailed, err)
		} else {
			existingPtr = &existing
		}

		if existingPtr == nil && change.Operation == OperationDelete {
			return serviceerr.New(opApplyChange, reasonNotFound, ErrNotFound)
		}
		if change.Operation == OperationUpdate && (existingPtr == nil || existingPtr.IsDeleted) && !change.Force {
			return serviceerr.New(opApplyChange, reasonNotFound, ErrNotFound)
		}

		if detectConflict(existingPtr, change) {
			outcome = ApplyOutcome{Conflict: true, Entity: *existingPtr}
			return nil
		}

		updated := buildEntity(existingPtr, change, s.clock().UTC())
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opApplyChange, reasonSaveFailed, err,
				zap.String(fieldEntityType, change.EntityType),
				zap.String(fieldEntityID, change.EntityID))
			return serviceerr.New(opApplyChange, reasonSaveFailed, err)
		}
		outcome = ApplyOutcome{Applied: true, Entity: updated}
		return nil
	})
	if txErr != nil {
		return ApplyOutcome{}, txErr
	}

	if outcome.Applied {
		s.cache.Invalidate(change.EntityType, change.EntityID)
	}
	return outcome, nil
}

// detectConflict reports a conflict when the stored row is newer than the
// client's edit. A device replaying its own queue never conflicts with the
// row it last wrote: its later edits are ordered by the device's queue, and
// another device's write clears the exemption by replacing LastWriterDevice.
func detectConflict(existing *Entity, change Change) bool {
	if existing == nil || change.Force || change.Timestamp.IsZero() {
		return false
	}
	if existing.LastWriterDevice != "" && existing.LastWriterDevice == change.DeviceID {
		return false
	}
	return existing.UpdatedAtMillis > change.Timestamp.UnixMilli()
}

func buildEntity(existing *Entity, change Change, appliedAt time.Time) Entity {
	appliedMillis := appliedAt.UnixMilli()
	updated := Entity{
		EntityType:      change.EntityType,
		EntityID:        change.EntityID,
		OwnerID:         change.OwnerID,
		CreatedAtMillis: appliedMillis,
	}
	if existing != nil {
		updated = *existing
	}

	updated.LastWriterDevice = change.DeviceID
	updated.UpdatedAtMillis = appliedMillis
	if existing != nil && existing.UpdatedAtMillis >= appliedMillis {
		updated.UpdatedAtMillis = existing.UpdatedAtMillis + 1
	}
	updated.Version++

	if change.Operation == OperationDelete {
		updated.IsDeleted = true
		return updated
	}

	updated.IsDeleted = false
	updated.PayloadJSON = change.PayloadJSON
	if projectID := change.ProjectID; projectID != "" {
		updated.ProjectID = projectID
	} else if projectID := projectIDFromPayload(change.PayloadJSON); projectID != "" {
		updated.ProjectID = projectID
	}
	return updated
}

// Get loads a live entity, consulting the read cache first.
func (s *Service) Get(ctx context.Context, entityType, entityID string) (Entity, error) {
	if cached, ok := s.cache.Get(entityType, entityID); ok {
		return cached, nil
	}
	var entity Entity
	err := s.db.WithContext(ctx).
		Where(queryTypeAndID+" AND is_deleted = ?", entityType, entityID, false).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, serviceerr.New(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err,
			zap.String(fieldEntityType, entityType),
			zap.String(fieldEntityID, entityID))
		return Entity{}, serviceerr.New(opGet, reasonQueryFailed, err)
	}
	s.cache.Set(entity)
	return entity, nil
}

// ChangesSince returns entities of the type visible to the scope with an update
// time strictly after since, ascending by update time. Tombstones are included.
func (s *Service) ChangesSince(ctx context.Context, scope Scope, entityType string, since time.Time) ([]Entity, error) {
	query := s.db.WithContext(ctx).
		Where("entity_type = ? AND updated_at_ms > ?", entityType, since.UnixMilli())
	if len(scope.ProjectIDs) > 0 {
		query = query.Where("(owner_id = ? OR project_id IN ?)", scope.UserID, scope.ProjectIDs)
	} else {
		query = query.Where("owner_id = ?", scope.UserID)
	}

	var found []Entity
	if err := query.Order("updated_at_ms ASC").Order("entity_id ASC").Find(&found).Error; err != nil {
		s.logError(opChangesSince, reasonQueryFailed, err,
			zap.String("user_id", scope.UserID),
			zap.String(fieldEntityType, entityType))
		return nil, serviceerr.New(opChangesSince, reasonQueryFailed, err)
	}
	return found, nil
}

// RecordSyncEvent appends a sync exchange to the log.
func (s *Service) RecordSyncEvent(ctx context.Context, event SyncEvent) error {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		return serviceerr.New(opRecordSyncEvent, "id_generation_failed", err)
	}
	event.EventID = eventID
	if event.CreatedAtMillis == 0 {
		event.CreatedAtMillis = s.clock().UTC().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logError(opRecordSyncEvent, "insert_failed", err, zap.String("user_id", event.UserID))
		return serviceerr.New(opRecordSyncEvent, "insert_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("entities service error", attrs...)
}
