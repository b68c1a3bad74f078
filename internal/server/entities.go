package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/push"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxPayloadBytes = 1 << 20

type entityResponse struct {
	EntityID   string        `json:"entity_id"`
	Entity     entities.View `json:"entity"`
	Resolution string        `json:"resolution,omitempty"`
}

type conflictResponse struct {
	Error      string        `json:"error"`
	ConflictID string        `json:"conflict_id"`
	EntityID   string        `json:"entity_id"`
	Entity     entities.View `json:"entity"`
}

// mutationContext carries the client metadata sent with a REST mutation.
type mutationContext struct {
	userID     string
	deviceID   string
	mutationID string
	timestamp  time.Time
}

func (h *httpHandler) readMutationContext(c *gin.Context) (mutationContext, bool) {
	userID, ok := userIDFrom(c)
	if !ok {
		return mutationContext{}, false
	}
	meta := mutationContext{
		userID:     userID,
		deviceID:   strings.TrimSpace(c.GetHeader(headerDeviceID)),
		mutationID: strings.TrimSpace(c.GetHeader(headerMutationID)),
	}
	if raw := strings.TrimSpace(c.GetHeader(headerClientTimestamp)); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || millis <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_timestamp"})
			return mutationContext{}, false
		}
		meta.timestamp = time.UnixMilli(millis).UTC()
	}
	return meta, true
}

func readPayload(c *gin.Context) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(body) > maxPayloadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return nil, false
	}
	var document map[string]json.RawMessage
	if err := json.Unmarshal(body, &document); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return nil, false
	}
	return json.RawMessage(body), true
}

// payloadID reads a client-assigned identifier from the document when present.
func payloadID(payload json.RawMessage) string {
	var document struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &document); err != nil {
		return ""
	}
	return strings.TrimSpace(document.ID)
}

func (h *httpHandler) handleCreateEntity(c *gin.Context) {
	meta, ok := h.readMutationContext(c)
	if !ok {
		return
	}
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	entityID := payloadID(payload)
	if entityID == "" {
		generated, err := h.entities.NewEntityID()
		if err != nil {
			h.logger.Error("failed to generate entity id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
			return
		}
		entityID = generated
	}
	h.applyMutation(c, meta, entities.Change{
		EntityType:  c.Param("type"),
		EntityID:    entityID,
		OwnerID:     meta.userID,
		DeviceID:    meta.deviceID,
		Operation:   entities.OperationCreate,
		PayloadJSON: string(payload),
		Timestamp:   meta.timestamp,
	}, http.StatusCreated)
}

func (h *httpHandler) handleUpdateEntity(c *gin.Context) {
	meta, ok := h.readMutationContext(c)
	if !ok {
		return
	}
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	h.applyMutation(c, meta, entities.Change{
		EntityType:  c.Param("type"),
		EntityID:    c.Param("id"),
		OwnerID:     meta.userID,
		DeviceID:    meta.deviceID,
		Operation:   entities.OperationUpdate,
		PayloadJSON: string(payload),
		Timestamp:   meta.timestamp,
	}, http.StatusOK)
}

// handleDeleteEntity tombstones the entity. Deletes are not checked for conflicts.
func (h *httpHandler) handleDeleteEntity(c *gin.Context) {
	meta, ok := h.readMutationContext(c)
	if !ok {
		return
	}
	h.applyMutation(c, meta, entities.Change{
		EntityType: c.Param("type"),
		EntityID:   c.Param("id"),
		OwnerID:    meta.userID,
		DeviceID:   meta.deviceID,
		Operation:  entities.OperationDelete,
	}, http.StatusOK)
}

func (h *httpHandler) handleGetEntity(c *gin.Context) {
	if _, ok := userIDFrom(c); !ok {
		return
	}
	entity, err := h.entities.Get(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		h.respondServiceError(c, "failed to load entity", err)
		return
	}
	c.JSON(http.StatusOK, entityResponse{EntityID: entity.EntityID, Entity: entity.View()})
}

func (h *httpHandler) applyMutation(c *gin.Context, meta mutationContext, change entities.Change, successStatus int) {
	ctx := c.Request.Context()
	started := h.clock()
	outcome, err := h.entities.ApplyChange(ctx, change)
	if err != nil {
		h.recordSync(change, meta, false, started)
		h.respondServiceError(c, "failed to apply entity change", err)
		return
	}
	if outcome.Conflict {
		h.handleConflict(c, meta, change, outcome.Entity, started)
		return
	}
	h.recordSync(change, meta, true, started)
	h.publish(ctx, meta, change.Operation, outcome.Entity)
	c.JSON(successStatus, entityResponse{EntityID: outcome.Entity.EntityID, Entity: outcome.Entity.View()})
}

// handleConflict runs the entity type's policy. Automatic strategies are
// applied immediately; MANUAL escalations are persisted and answered with 409.
func (h *httpHandler) handleConflict(c *gin.Context, meta mutationContext, change entities.Change, server entities.Entity, started time.Time) {
	ctx := c.Request.Context()
	serverData := server.PayloadJSON
	if serverData == "" {
		serverData = "{}"
	}
	resolved, err := h.conflicts.ResolveConflict(ctx, conflicts.Input{
		EntityType:      change.EntityType,
		EntityID:        change.EntityID,
		ClientData:      json.RawMessage(change.PayloadJSON),
		ServerData:      json.RawMessage(serverData),
		ClientTimestamp: change.Timestamp,
		ServerTimestamp: server.UpdatedAt(),
		UserID:          meta.userID,
		DeviceID:        meta.deviceID,
		MutationID:      meta.mutationID,
	})
	if err != nil {
		h.recordSync(change, meta, false, started)
		h.respondServiceError(c, "failed to resolve conflict", err)
		return
	}

	if resolved.RequiresUserIntervention {
		h.recordSync(change, meta, false, started)
		h.notifyConflict(ctx, meta.userID, resolved.ConflictID, change)
		c.JSON(http.StatusConflict, conflictResponse{
			Error:      "conflict",
			ConflictID: resolved.ConflictID,
			EntityID:   server.EntityID,
			Entity:     server.View(),
		})
		return
	}

	forced := change
	forced.PayloadJSON = string(resolved.ResolvedData)
	forced.Force = true
	outcome, err := h.entities.ApplyChange(ctx, forced)
	if err != nil {
		h.recordSync(change, meta, false, started)
		h.respondServiceError(c, "failed to apply resolved change", err)
		return
	}
	h.recordSync(change, meta, true, started)
	h.publish(ctx, meta, change.Operation, outcome.Entity)
	c.JSON(http.StatusOK, entityResponse{
		EntityID:   outcome.Entity.EntityID,
		Entity:     outcome.Entity.View(),
		Resolution: string(resolved.Strategy),
	})
}

func (h *httpHandler) notifyConflict(ctx context.Context, userID, conflictID string, change entities.Change) {
	if h.push == nil {
		return
	}
	data, err := json.Marshal(map[string]string{
		"type":        "sync_conflict",
		"conflict_id": conflictID,
		"entity_type": change.EntityType,
		"entity_id":   change.EntityID,
	})
	if err != nil {
		return
	}
	_, err = h.push.SendToUser(ctx, userID, push.Notification{
		Title:    "Sync conflict needs review",
		Body:     fmt.Sprintf("Your %s changes conflict with a newer version.", change.EntityType),
		Data:     data,
		Priority: "high",
	})
	if err != nil {
		h.logger.Warn("conflict notification failed",
			zap.String("user_id", userID),
			zap.String("conflict_id", conflictID),
			zap.Error(err))
	}
}

func (h *httpHandler) publish(ctx context.Context, meta mutationContext, operation entities.Operation, entity entities.Entity) {
	if h.publisher == nil {
		return
	}
	origin := realtime.Origin{UserID: meta.userID, DeviceID: meta.deviceID}
	if err := h.publisher.PublishChange(ctx, origin, operation, entity); err != nil {
		h.logger.Warn("broadcast change failed", zap.String("entity_id", entity.EntityID), zap.Error(err))
	}
}

func (h *httpHandler) recordSync(change entities.Change, meta mutationContext, success bool, started time.Time) {
	if h.monitor == nil {
		return
	}
	h.monitor.RecordSyncOperation("api_"+strings.ToLower(string(change.Operation)), change.EntityType, meta.deviceID, success, h.clock().Sub(started))
}

// EntityResubmitter writes manual conflict resolutions back through the entity
// store and fans them out to every live session of the resolving user.
type EntityResubmitter struct {
	Entities  *entities.Service
	Publisher ChangePublisher
}

// Resubmit implements conflicts.Resubmitter.
func (r EntityResubmitter) Resubmit(ctx context.Context, resubmission conflicts.Resubmission) error {
	outcome, err := r.Entities.ApplyChange(ctx, entities.Change{
		EntityType:  resubmission.EntityType,
		EntityID:    resubmission.EntityID,
		OwnerID:     resubmission.UserID,
		DeviceID:    resubmission.DeviceID,
		Operation:   entities.OperationUpdate,
		PayloadJSON: string(resubmission.Data),
		Force:       true,
	})
	if err != nil {
		return err
	}
	if r.Publisher == nil {
		return nil
	}
	return r.Publisher.PublishChange(ctx, realtime.Origin{UserID: resubmission.UserID}, entities.OperationUpdate, outcome.Entity)
}
