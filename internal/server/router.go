package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/entities"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/monitor"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/push"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/serviceerr"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "fieldsync_user_id"
	userRolesContextKey = "fieldsync_user_roles"

	headerDeviceID        = "X-Device-ID"
	headerClientTimestamp = "X-Client-Timestamp"
	headerMutationID      = "X-Mutation-ID"
	headerQueuePending    = "X-Queue-Pending"
	headerQueueFailed     = "X-Queue-Failed"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEntityService  = errors.New("entity service dependency required")
	errMissingConflicts      = errors.New("conflict service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator verifies bearer credentials.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// ChangePublisher fans applied changes out to live sessions.
type ChangePublisher interface {
	PublishChange(ctx context.Context, origin realtime.Origin, operation entities.Operation, entity entities.Entity) error
}

// PushGateway is the subset of the push gateway the HTTP surface drives.
type PushGateway interface {
	RegisterEndpoint(ctx context.Context, userID, token string, device push.DeviceInfo) (push.Endpoint, error)
	UnregisterEndpoint(ctx context.Context, userID, deviceID string) error
	SendToUser(ctx context.Context, userID string, notification push.Notification) (push.SendReport, error)
}

// ActivityTracker records authenticated activity for recipient filters.
type ActivityTracker interface {
	Touch(ctx context.Context, userID, role string) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens    TokenValidator
	Entities  *entities.Service
	Conflicts *conflicts.Service
	Publisher ChangePublisher
	Push      PushGateway
	Activity  ActivityTracker
	Monitor   *monitor.Monitor
	// Realtime serves the websocket upgrade at /realtime when set.
	Realtime http.Handler
	// Gatherer backs /metrics when set.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Entities == nil {
		return nil, errMissingEntityService
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflicts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		entities:  deps.Entities,
		conflicts: deps.Conflicts,
		publisher: deps.Publisher,
		push:      deps.Push,
		activity:  deps.Activity,
		monitor:   deps.Monitor,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.Realtime != nil {
		router.GET("/realtime", gin.WrapH(deps.Realtime))
	}

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/entities/:type", handler.handleCreateEntity)
	protected.GET("/entities/:type/:id", handler.handleGetEntity)
	protected.PATCH("/entities/:type/:id", handler.handleUpdateEntity)
	protected.DELETE("/entities/:type/:id", handler.handleDeleteEntity)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.GET("/conflicts/patterns", handler.handleConflictPatterns)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.POST("/push/endpoints", handler.handleRegisterEndpoint)
	protected.DELETE("/push/endpoints/:device_id", handler.handleUnregisterEndpoint)

	monitoring := router.Group("/monitor")
	monitoring.Use(handler.authorizeRequest)
	monitoring.GET("/report", handler.handleMonitorReport)
	monitoring.GET("/health", handler.handleMonitorHealth)

	return router, nil
}

// corsMiddleware allows browser clients to send credentials and the sync headers.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			"Authorization",
			"Content-Type",
			headerDeviceID,
			headerClientTimestamp,
			headerMutationID,
			headerQueuePending,
			headerQueueFailed,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	entities  *entities.Service
	conflicts *conflicts.Service
	publisher ChangePublisher
	push      PushGateway
	activity  ActivityTracker
	monitor   *monitor.Monitor
	clock     func() time.Time
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.activity != nil {
		if err := h.activity.Touch(c.Request.Context(), claims.UserID, primaryRole(claims.Roles)); err != nil {
			h.logger.Warn("failed to record user activity", zap.String("user_id", claims.UserID), zap.Error(err))
		}
	}
	h.recordQueueDepth(c, claims.UserID)
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userRolesContextKey, claims.Roles)
	c.Next()
}

// recordQueueDepth forwards the offline queue counts a client attaches to its
// requests. Missing or malformed headers are ignored.
func (h *httpHandler) recordQueueDepth(c *gin.Context, userID string) {
	if h.monitor == nil {
		return
	}
	pendingRaw, failedRaw := c.GetHeader(headerQueuePending), c.GetHeader(headerQueueFailed)
	if pendingRaw == "" && failedRaw == "" {
		return
	}
	pending, pendingErr := strconv.Atoi(strings.TrimSpace(pendingRaw))
	failed, failedErr := strconv.Atoi(strings.TrimSpace(failedRaw))
	if pendingErr != nil || failedErr != nil || pending < 0 || failed < 0 {
		h.logger.Debug("ignoring malformed queue depth headers", zap.String("user_id", userID))
		return
	}
	clientID := userID + ":" + strings.TrimSpace(c.GetHeader(headerDeviceID))
	h.monitor.RecordDeviceQueueDepth(clientID, pending, failed)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMonitorHealth(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor_unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.monitor.Last())
}

func (h *httpHandler) handleMonitorReport(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor_unavailable"})
		return
	}
	limit := 10
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	body, contentType, err := h.monitor.Export(c.DefaultQuery("kind", "summary"), c.DefaultQuery("format", "json"), limit)
	switch {
	case errors.Is(err, monitor.ErrUnknownReport):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_report"})
		return
	case errors.Is(err, monitor.ErrUnknownFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_format"})
		return
	case err != nil:
		h.logger.Error("failed to export monitor report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report_failed"})
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

// respondServiceError maps a service error onto the HTTP envelope.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	code := serviceerr.CodeOf(err)
	switch {
	case errors.Is(err, entities.ErrNotFound), errors.Is(err, conflicts.ErrNotFound), errors.Is(err, push.ErrEndpointNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "code": code})
	case errors.Is(err, entities.ErrInvalidChange),
		errors.Is(err, conflicts.ErrInvalidResolution),
		errors.Is(err, conflicts.ErrInvalidInput),
		errors.Is(err, push.ErrInvalidToken),
		errors.Is(err, push.ErrInvalidDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code})
	case errors.Is(err, conflicts.ErrResolutionInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "resolution_in_progress", "code": code})
	default:
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
}

func userIDFrom(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func primaryRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	return roles[0]
}

func parsePositiveInt(raw string) (int, error) {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, errors.New("value must be positive")
	}
	return value, nil
}
