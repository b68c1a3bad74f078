package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/push"
	"github.com/gin-gonic/gin"
)

const defaultPatternWindow = 7 * 24 * time.Hour

type resolveConflictRequest struct {
	Resolution string          `json:"resolution"`
	Data       json.RawMessage `json:"data"`
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	records, err := h.conflicts.ListUnresolved(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, "failed to list conflicts", err)
		return
	}
	views := make([]conflicts.View, 0, len(records))
	for _, record := range records {
		views = append(views, record.View())
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": views})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	var request resolveConflictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	choice, err := conflicts.ParseManualResolution(request.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		return
	}
	record, err := h.conflicts.Resolve(c.Request.Context(), c.Param("id"), userID, choice, request.Data)
	if err != nil {
		h.respondServiceError(c, "failed to resolve conflict", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflict": record.View(), "resolution": string(choice)})
}

func (h *httpHandler) handleConflictPatterns(c *gin.Context) {
	window := defaultPatternWindow
	if raw := strings.TrimSpace(c.Query("since_hours")); raw != "" {
		hours, err := parsePositiveInt(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since_hours"})
			return
		}
		window = time.Duration(hours) * time.Hour
	}
	report, err := h.conflicts.AnalyzePatterns(c.Request.Context(), h.clock().Add(-window))
	if err != nil {
		h.respondServiceError(c, "failed to analyze conflicts", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type registerEndpointRequest struct {
	Token      string `json:"token"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	Name       string `json:"name"`
	AppVersion string `json:"app_version"`
}

func (h *httpHandler) handleRegisterEndpoint(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_unavailable"})
		return
	}
	var request registerEndpointRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deviceID := strings.TrimSpace(request.DeviceID)
	if deviceID == "" {
		deviceID = strings.TrimSpace(c.GetHeader(headerDeviceID))
	}
	endpoint, err := h.push.RegisterEndpoint(c.Request.Context(), userID, request.Token, push.DeviceInfo{
		DeviceID:   deviceID,
		Platform:   push.Platform(request.Platform),
		Name:       request.Name,
		AppVersion: request.AppVersion,
	})
	if err != nil {
		h.respondServiceError(c, "failed to register push endpoint", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"endpoint": endpoint.View()})
}

func (h *httpHandler) handleUnregisterEndpoint(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_unavailable"})
		return
	}
	if err := h.push.UnregisterEndpoint(c.Request.Context(), userID, c.Param("device_id")); err != nil {
		h.respondServiceError(c, "failed to unregister push endpoint", err)
		return
	}
	c.Status(http.StatusNoContent)
}
