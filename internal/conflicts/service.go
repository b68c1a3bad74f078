package conflicts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew       = "conflicts.service.new"
	opResolveConflict  = "conflicts.resolve_conflict"
	opListUnresolved   = "conflicts.list_unresolved"
	opResolve          = "conflicts.resolve"
	opAnalyzePatterns  = "conflicts.analyze_patterns"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"

	topEntityLimit         = 10
	hotEntityThreshold     = 5
	manualDominanceMinimum = 3
	resolveClaimTimeout    = 5 * time.Minute
)

var noOpLogger = zap.NewNop()

// IDProvider issues conflict and audit identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Resubmission carries manually chosen data back through the normal write path.
type Resubmission struct {
	ConflictID string
	EntityType string
	EntityID   string
	UserID     string
	DeviceID   string
	Data       json.RawMessage
}

// Resubmitter applies a manual resolution to the entity store.
type Resubmitter interface {
	Resubmit(ctx context.Context, resubmission Resubmission) error
}

// Recorder receives conflict counts for monitoring.
type Recorder interface {
	RecordConflict(entityType, strategy string, manual bool)
}

// ServiceConfig wires the conflict service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Resolver    *Resolver
	Resubmitter Resubmitter
	Recorder    Recorder
	Logger      *zap.Logger
}

// Service persists escalated conflicts and the resolution audit log.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	ids         IDProvider
	resolver    *Resolver
	resubmitter Resubmitter
	recorder    Recorder
	logger      *zap.Logger
}

// NewService validates dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		ids:         cfg.IDProvider,
		resolver:    resolver,
		resubmitter: cfg.Resubmitter,
		recorder:    cfg.Recorder,
		logger:      logger,
	}, nil
}

// Resolver exposes the pure resolver used by the service.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// ResolveConflict resolves the divergence, audits it, and persists MANUAL outcomes.
func (s *Service) ResolveConflict(ctx context.Context, input Input) (Outcome, error) {
	resolution, err := s.resolver.Resolve(input)
	if err != nil {
		return Outcome{}, serviceerr.New(opResolveConflict, "invalid_input", err)
	}

	fields := []zap.Field{
		zap.String("entity_type", input.EntityType),
		zap.String("entity_id", input.EntityID),
		zap.String("user_id", input.UserID),
		zap.String("device_id", input.DeviceID),
		zap.String("strategy", string(resolution.Strategy)),
	}
	if resolution.Defaulted {
		s.logger.Warn("conflict resolved with default strategy", append(fields, zap.Bool("defaulted", true))...)
	} else {
		s.logger.Info("conflict resolved", fields...)
	}

	now := s.clock().UTC().UnixMilli()
	outcome := Outcome{Resolution: resolution}
	audit := AuditEntry{
		EntityType:               input.EntityType,
		EntityID:                 input.EntityID,
		UserID:                   input.UserID,
		DeviceID:                 input.DeviceID,
		Strategy:                 string(resolution.Strategy),
		Outcome:                  OutcomeAutoResolved,
		ClientDataJSON:           rawOrEmpty(input.ClientData),
		ServerDataJSON:           rawOrEmpty(input.ServerData),
		ResolvedDataJSON:         string(resolution.ResolvedData),
		RequiresUserIntervention: resolution.RequiresUserIntervention,
		Defaulted:                resolution.Defaulted,
		CreatedAtMillis:          now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if resolution.RequiresUserIntervention {
			conflictID, err := s.ids.NewID()
			if err != nil {
				return serviceerr.New(opResolveConflict, "id_generation_failed", err)
			}
			record := Record{
				ConflictID:               conflictID,
				EntityType:               input.EntityType,
				EntityID:                 input.EntityID,
				UserID:                   input.UserID,
				DeviceID:                 input.DeviceID,
				MutationID:               input.MutationID,
				ClientDataJSON:           rawOrEmpty(input.ClientData),
				ServerDataJSON:           rawOrEmpty(input.ServerData),
				ClientTimestampMillis:    input.ClientTimestamp.UnixMilli(),
				ServerTimestampMillis:    input.ServerTimestamp.UnixMilli(),
				Strategy:                 string(resolution.Strategy),
				ResolvedDataJSON:         string(resolution.ResolvedData),
				RequiresUserIntervention: true,
				CreatedAtMillis:          now,
			}
			if err := tx.Create(&record).Error; err != nil {
				s.logError(opResolveConflict, reasonInsertFailed, err, fields...)
				return serviceerr.New(opResolveConflict, reasonInsertFailed, err)
			}
			outcome.ConflictID = conflictID
			audit.ConflictID = conflictID
			audit.Outcome = OutcomeEscalated
		}
		return s.appendAudit(tx, audit)
	})
	if txErr != nil {
		return Outcome{}, txErr
	}

	if s.recorder != nil {
		s.recorder.RecordConflict(input.EntityType, string(resolution.Strategy), resolution.RequiresUserIntervention)
	}
	return outcome, nil
}

// ListUnresolved returns the user's escalated conflicts, oldest first.
func (s *Service) ListUnresolved(ctx context.Context, userID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_ms ASC").
		Order("conflict_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListUnresolved, reasonQueryFailed, err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListUnresolved, reasonQueryFailed, err)
	}
	return records, nil
}

// Resolve applies the user's choice. KEEP_SERVER discards the pending entry;
// KEEP_CLIENT and CUSTOM resubmit through the Resubmitter first and keep the
// record if resubmission fails. The record is claimed before any side effect,
// so concurrent callers get ErrResolutionInProgress instead of a second
// resubmission.
func (s *Service) Resolve(ctx context.Context, conflictID, userID string, choice ManualResolution, customData json.RawMessage) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("conflict_id = ? AND user_id = ?", conflictID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, serviceerr.New(opResolve, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opResolve, reasonQueryFailed, err, zap.String("conflict_id", conflictID))
		return Record{}, serviceerr.New(opResolve, reasonQueryFailed, err)
	}

	var data json.RawMessage
	var outcome string
	switch choice {
	case KeepServer:
		outcome = OutcomeKeepServer
		data = json.RawMessage(record.ServerDataJSON)
	case KeepClient:
		outcome = OutcomeKeepClient
		data = json.RawMessage(record.ClientDataJSON)
	case Custom:
		outcome = OutcomeCustom
		if _, decodeErr := decodeDocument(customData); decodeErr != nil || len(customData) == 0 {
			return Record{}, serviceerr.New(opResolve, "invalid_custom_data", fmt.Errorf("%w: custom data must be a json object", ErrInvalidResolution))
		}
		data = customData
	default:
		return Record{}, serviceerr.New(opResolve, "invalid_resolution", fmt.Errorf("%w: %q", ErrInvalidResolution, choice))
	}

	if choice != KeepServer && s.resubmitter == nil {
		return Record{}, serviceerr.New(opResolve, "resubmit_unavailable", errors.New("no resubmitter configured"))
	}

	claimedAt := s.clock().UTC().UnixMilli()
	if err := s.claim(ctx, record, claimedAt); err != nil {
		return Record{}, err
	}

	if choice != KeepServer {
		resubmission := Resubmission{
			ConflictID: record.ConflictID,
			EntityType: record.EntityType,
			EntityID:   record.EntityID,
			UserID:     userID,
			DeviceID:   record.DeviceID,
			Data:       data,
		}
		if err := s.resubmitter.Resubmit(ctx, resubmission); err != nil {
			s.logError(opResolve, "resubmit_failed", err, zap.String("conflict_id", conflictID))
			s.releaseClaim(ctx, record.ConflictID, claimedAt)
			return Record{}, serviceerr.New(opResolve, "resubmit_failed", err)
		}
	}

	audit := AuditEntry{
		ConflictID:       record.ConflictID,
		EntityType:       record.EntityType,
		EntityID:         record.EntityID,
		UserID:           record.UserID,
		DeviceID:         record.DeviceID,
		Strategy:         record.Strategy,
		Outcome:          outcome,
		ClientDataJSON:   record.ClientDataJSON,
		ServerDataJSON:   record.ServerDataJSON,
		ResolvedDataJSON: string(data),
		ResolvedBy:       userID,
		CreatedAtMillis:  s.clock().UTC().UnixMilli(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleted := tx.Delete(&Record{}, "conflict_id = ? AND claimed_at_ms = ?", record.ConflictID, claimedAt)
		if deleted.Error != nil {
			return serviceerr.New(opResolve, "delete_failed", deleted.Error)
		}
		if deleted.RowsAffected == 0 {
			return serviceerr.New(opResolve, "claim_lost", ErrResolutionInProgress)
		}
		return s.appendAudit(tx, audit)
	})
	if txErr != nil {
		s.logError(opResolve, "finalize_failed", txErr, zap.String("conflict_id", conflictID))
		return Record{}, txErr
	}
	record.ResolvedDataJSON = string(data)
	return record, nil
}

// claim marks the record as being resolved. A claim older than the claim
// timeout is treated as abandoned.
func (s *Service) claim(ctx context.Context, record Record, claimedAt int64) error {
	staleBefore := claimedAt - resolveClaimTimeout.Milliseconds()
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("conflict_id = ? AND (claimed_at_ms = 0 OR claimed_at_ms <= ?)", record.ConflictID, staleBefore).
		Update("claimed_at_ms", claimedAt)
	if result.Error != nil {
		s.logError(opResolve, "claim_failed", result.Error, zap.String("conflict_id", record.ConflictID))
		return serviceerr.New(opResolve, "claim_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var remaining int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("conflict_id = ?", record.ConflictID).Count(&remaining).Error; err != nil {
		s.logError(opResolve, reasonQueryFailed, err, zap.String("conflict_id", record.ConflictID))
		return serviceerr.New(opResolve, reasonQueryFailed, err)
	}
	if remaining == 0 {
		return serviceerr.New(opResolve, "not_found", ErrNotFound)
	}
	return serviceerr.New(opResolve, "in_progress", ErrResolutionInProgress)
}

func (s *Service) releaseClaim(ctx context.Context, conflictID string, claimedAt int64) {
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("conflict_id = ? AND claimed_at_ms = ?", conflictID, claimedAt).
		Update("claimed_at_ms", 0).Error
	if err != nil {
		s.logError(opResolve, "release_failed", err, zap.String("conflict_id", conflictID))
	}
}

// AnalyzePatterns aggregates the audit log since the given time.
func (s *Service) AnalyzePatterns(ctx context.Context, since time.Time) (PatternReport, error) {
	report := PatternReport{Since: since.UTC(), ByEntityType: []TypeBreakdown{}, TopEntities: []EntityCount{}, Recommendations: []string{}}
	base := s.db.WithContext(ctx).Model(&AuditEntry{}).
		Where("created_at_ms >= ? AND outcome IN ?", since.UnixMilli(), []string{OutcomeAutoResolved, OutcomeEscalated})

	var strategyRows []struct {
		EntityType string
		Strategy   string
		Defaulted  bool
		Total      int64
	}
	if err := base.Session(&gorm.Session{}).
		Select("entity_type, strategy, defaulted, COUNT(*) AS total").
		Group("entity_type, strategy, defaulted").
		Scan(&strategyRows).Error; err != nil {
		s.logError(opAnalyzePatterns, reasonQueryFailed, err)
		return PatternReport{}, serviceerr.New(opAnalyzePatterns, reasonQueryFailed, err)
	}

	byType := make(map[string]*TypeBreakdown)
	var totalManual int64
	for _, row := range strategyRows {
		breakdown, ok := byType[row.EntityType]
		if !ok {
			breakdown = &TypeBreakdown{EntityType: row.EntityType, ByStrategy: make(map[string]int64)}
			byType[row.EntityType] = breakdown
		}
		breakdown.Total += row.Total
		breakdown.ByStrategy[row.Strategy] += row.Total
		if row.Strategy == string(StrategyManual) {
			breakdown.Manual += row.Total
			totalManual += row.Total
		}
		if row.Defaulted {
			breakdown.Defaulted += row.Total
		}
		report.Total += row.Total
	}
	for _, breakdown := range byType {
		report.ByEntityType = append(report.ByEntityType, *breakdown)
	}
	sort.Slice(report.ByEntityType, func(i, j int) bool {
		if report.ByEntityType[i].Total != report.ByEntityType[j].Total {
			return report.ByEntityType[i].Total > report.ByEntityType[j].Total
		}
		return report.ByEntityType[i].EntityType < report.ByEntityType[j].EntityType
	})

	if err := base.Session(&gorm.Session{}).
		Select("entity_type, entity_id, COUNT(*) AS count").
		Group("entity_type, entity_id").
		Order("count DESC").
		Order("entity_type ASC").
		Order("entity_id ASC").
		Limit(topEntityLimit).
		Scan(&report.TopEntities).Error; err != nil {
		s.logError(opAnalyzePatterns, reasonQueryFailed, err)
		return PatternReport{}, serviceerr.New(opAnalyzePatterns, reasonQueryFailed, err)
	}

	report.Recommendations = recommend(report, totalManual)
	return report, nil
}

func recommend(report PatternReport, totalManual int64) []string {
	recommendations := []string{}
	if totalManual >= manualDominanceMinimum {
		for _, breakdown := range report.ByEntityType {
			if breakdown.Manual*2 > totalManual {
				recommendations = append(recommendations, fmt.Sprintf(
					"%s accounts for %d of %d manual resolutions; consider a MERGE rule for it",
					breakdown.EntityType, breakdown.Manual, totalManual))
			}
		}
	}
	for _, breakdown := range report.ByEntityType {
		if breakdown.Defaulted > 0 {
			recommendations = append(recommendations, fmt.Sprintf(
				"%s has no conflict policy and defaulted to CLIENT_WINS %d times; add an explicit policy",
				breakdown.EntityType, breakdown.Defaulted))
		}
	}
	for _, entity := range report.TopEntities {
		if entity.Count >= hotEntityThreshold {
			recommendations = append(recommendations, fmt.Sprintf(
				"%s/%s conflicted %d times; check for concurrent editing on that record",
				entity.EntityType, entity.EntityID, entity.Count))
		}
	}
	return recommendations
}

func (s *Service) appendAudit(tx *gorm.DB, entry AuditEntry) error {
	auditID, err := s.ids.NewID()
	if err != nil {
		return serviceerr.New(opResolveConflict, "id_generation_failed", err)
	}
	entry.AuditID = auditID
	if err := tx.Create(&entry).Error; err != nil {
		s.logError(opResolveConflict, "audit_insert_failed", err, zap.String("entity_type", entry.EntityType))
		return serviceerr.New(opResolveConflict, "audit_insert_failed", err)
	}
	return nil
}

func rawOrEmpty(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "{}"
	}
	return trimmed
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
	s.logger.Error("conflicts service error", attrs...)
}
