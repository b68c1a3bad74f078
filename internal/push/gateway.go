package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGatewayNew        = "push.gateway.new"
	opRegisterEndpoint  = "push.register_endpoint"
	opUnregister        = "push.unregister_endpoint"
	opSendToUser        = "push.send_to_user"
	opProcessReceipts   = "push.process_receipts"
	opBroadcast         = "push.broadcast"
	opSchedule          = "push.schedule"
	opProcessScheduled  = "push.process_scheduled"
	reasonQueryFailed   = "query_failed"
	reasonUpdateFailed  = "update_failed"
	reasonInsertFailed  = "insert_failed"
	reasonProviderError = "provider_failed"

	defaultBatchSize          = 100
	defaultFailureThreshold   = 5
	defaultScheduleBatch      = 50
	defaultMaxScheduleRetries = 3
	defaultReceiptInterval    = 15 * time.Minute
	defaultScheduleInterval   = time.Minute
	defaultThrottleBackoff    = 30 * time.Second
	defaultClaimTimeout       = 10 * time.Minute
	receiptLookupLimit        = 1000
	maxErrorText              = 255
)

// Push outcome labels reported to the Recorder.
const (
	OutcomeAccepted    = "accepted"
	OutcomeFailed      = "failed"
	OutcomeDelivered   = "delivered"
	OutcomeDeactivated = "deactivated"
	OutcomeThrottled   = "throttled"
)

var noOpLogger = zap.NewNop()

// IDProvider issues endpoint, attempt, and schedule identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RecipientResolver narrows a broadcast audience to user ids.
type RecipientResolver interface {
	ResolveRecipients(ctx context.Context, filter users.RecipientFilter) ([]string, error)
}

// Recorder receives delivery outcomes for monitoring.
type Recorder interface {
	RecordPush(outcome string, count int)
}

// GatewayConfig wires the gateway.
type GatewayConfig struct {
	Database           *gorm.DB
	Provider           Provider
	Recipients         RecipientResolver
	Clock              func() time.Time
	IDProvider         IDProvider
	BatchSize          int
	FailureThreshold   int
	ScheduleBatch      int
	MaxScheduleRetries int
	ReceiptInterval    time.Duration
	ScheduleInterval   time.Duration
	// ThrottleBackoff delays the retry of a rate-limited message; it doubles per retry.
	ThrottleBackoff time.Duration
	// ClaimTimeout returns scheduled items stuck in processing to pending.
	ClaimTimeout time.Duration
	Recorder     Recorder
	Logger       *zap.Logger
}

// Gateway owns the endpoint registry and delivers notifications through the provider.
type Gateway struct {
	db                 *gorm.DB
	provider           Provider
	recipients         RecipientResolver
	clock              func() time.Time
	ids                IDProvider
	batchSize          int
	failureThreshold   int
	scheduleBatch      int
	maxScheduleRetries int
	receiptInterval    time.Duration
	scheduleInterval   time.Duration
	throttleBackoff    time.Duration
	claimTimeout       time.Duration
	recorder           Recorder
	logger             *zap.Logger
}

// NewGateway validates dependencies and applies defaults.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opGatewayNew, "missing_database", errors.New("database handle is required"))
	}
	if cfg.Provider == nil {
		return nil, serviceerr.New(opGatewayNew, "missing_provider", errors.New("push provider is required"))
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opGatewayNew, "missing_id_provider", errors.New("id provider is required"))
	}
	gateway := &Gateway{
		db:                 cfg.Database,
		provider:           cfg.Provider,
		recipients:         cfg.Recipients,
		clock:              cfg.Clock,
		ids:                cfg.IDProvider,
		batchSize:          cfg.BatchSize,
		failureThreshold:   cfg.FailureThreshold,
		scheduleBatch:      cfg.ScheduleBatch,
		maxScheduleRetries: cfg.MaxScheduleRetries,
		receiptInterval:    cfg.ReceiptInterval,
		scheduleInterval:   cfg.ScheduleInterval,
		throttleBackoff:    cfg.ThrottleBackoff,
		claimTimeout:       cfg.ClaimTimeout,
		recorder:           cfg.Recorder,
		logger:             cfg.Logger,
	}
	if gateway.clock == nil {
		gateway.clock = time.Now
	}
	if gateway.batchSize <= 0 {
		gateway.batchSize = defaultBatchSize
	}
	if gateway.failureThreshold <= 0 {
		gateway.failureThreshold = defaultFailureThreshold
	}
	if gateway.scheduleBatch <= 0 {
		gateway.scheduleBatch = defaultScheduleBatch
	}
	if gateway.maxScheduleRetries <= 0 {
		gateway.maxScheduleRetries = defaultMaxScheduleRetries
	}
	if gateway.receiptInterval <= 0 {
		gateway.receiptInterval = defaultReceiptInterval
	}
	if gateway.scheduleInterval <= 0 {
		gateway.scheduleInterval = defaultScheduleInterval
	}
	if gateway.throttleBackoff <= 0 {
		gateway.throttleBackoff = defaultThrottleBackoff
	}
	if gateway.claimTimeout <= 0 {
		gateway.claimTimeout = defaultClaimTimeout
	}
	if gateway.logger == nil {
		gateway.logger = noOpLogger
	}
	return gateway, nil
}

// RegisterEndpoint upserts the endpoint for (userID, device). Re-registering
// reactivates the endpoint and clears its failure count. A token moving to a
// new device deactivates the stale registration.
func (g *Gateway) RegisterEndpoint(ctx context.Context, userID, token string, device DeviceInfo) (Endpoint, error) {
	userID = strings.TrimSpace(userID)
	device.DeviceID = strings.TrimSpace(device.DeviceID)
	token = strings.TrimSpace(token)
	if userID == "" || device.DeviceID == "" {
		return Endpoint{}, serviceerr.New(opRegisterEndpoint, "invalid_device", ErrInvalidDevice)
	}
	if err := ValidateToken(token); err != nil {
		return Endpoint{}, serviceerr.New(opRegisterEndpoint, "invalid_token", err)
	}

	now := g.clock().UTC().UnixMilli()
	var endpoint Endpoint
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND device_id = ?", userID, device.DeviceID).
			Take(&endpoint).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			endpointID, idErr := g.ids.NewID()
			if idErr != nil {
				return serviceerr.New(opRegisterEndpoint, "id_generation_failed", idErr)
			}
			endpoint = Endpoint{
				EndpointID:      endpointID,
				UserID:          userID,
				DeviceID:        device.DeviceID,
				CreatedAtMillis: now,
			}
		case err != nil:
			g.logError(opRegisterEndpoint, reasonQueryFailed, err, zap.String("user_id", userID))
			return serviceerr.New(opRegisterEndpoint, reasonQueryFailed, err)
		}

		endpoint.Token = token
		endpoint.Platform = string(device.Platform)
		endpoint.DeviceName = device.Name
		endpoint.AppVersion = device.AppVersion
		endpoint.IsActive = true
		endpoint.FailureCount = 0
		endpoint.LastError = ""
		endpoint.DeactivatedMillis = 0
		endpoint.UpdatedAtMillis = now
		if err := tx.Save(&endpoint).Error; err != nil {
			g.logError(opRegisterEndpoint, reasonUpdateFailed, err, zap.String("user_id", userID))
			return serviceerr.New(opRegisterEndpoint, reasonUpdateFailed, err)
		}

		err = tx.Model(&Endpoint{}).
			Where("token = ? AND endpoint_id <> ? AND is_active = ?", token, endpoint.EndpointID, true).
			Updates(map[string]any{"is_active": false, "last_error": "token_reassigned", "deactivated_at_ms": now, "updated_at_ms": now}).Error
		if err != nil {
			g.logError(opRegisterEndpoint, reasonUpdateFailed, err, zap.String("user_id", userID))
			return serviceerr.New(opRegisterEndpoint, reasonUpdateFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Endpoint{}, txErr
	}
	g.logger.Info("push endpoint registered",
		zap.String("user_id", userID),
		zap.String("device_id", device.DeviceID),
		zap.String("platform", string(device.Platform)),
	)
	return endpoint, nil
}

// UnregisterEndpoint deactivates the user's endpoint for the device.
func (g *Gateway) UnregisterEndpoint(ctx context.Context, userID, deviceID string) error {
	now := g.clock().UTC().UnixMilli()
	result := g.db.WithContext(ctx).Model(&Endpoint{}).
		Where("user_id = ? AND device_id = ? AND is_active = ?", userID, deviceID, true).
		Updates(map[string]any{"is_active": false, "last_error": "unregistered", "deactivated_at_ms": now, "updated_at_ms": now})
	if result.Error != nil {
		g.logError(opUnregister, reasonUpdateFailed, result.Error, zap.String("user_id", userID))
		return serviceerr.New(opUnregister, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return serviceerr.New(opUnregister, "not_found", ErrEndpointNotFound)
	}
	return nil
}

// ActiveEndpoints lists the user's deliverable endpoints.
func (g *Gateway) ActiveEndpoints(ctx context.Context, userID string) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND failure_count <= ?", userID, true, g.failureThreshold).
		Order("created_at_ms ASC").
		Order("endpoint_id ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// SendToUser delivers the notification to every active endpoint of the user
// in provider-sized batches and writes one send-attempt row. Rate-limited
// endpoints are rescheduled individually after the throttle backoff.
func (g *Gateway) SendToUser(ctx context.Context, userID string, notification Notification) (SendReport, error) {
	if err := notification.validate(); err != nil {
		return SendReport{}, serviceerr.New(opSendToUser, "invalid_notification", err)
	}
	endpoints, err := g.ActiveEndpoints(ctx, userID)
	if err != nil {
		g.logError(opSendToUser, reasonQueryFailed, err, zap.String("user_id", userID))
		return SendReport{}, serviceerr.New(opSendToUser, reasonQueryFailed, err)
	}
	report, throttled, err := g.deliver(ctx, userID, endpoints, notification)
	for _, endpoint := range throttled {
		g.rescheduleThrottled(ctx, endpoint, notification)
	}
	return report, err
}

func (g *Gateway) deliver(ctx context.Context, userID string, endpoints []Endpoint, notification Notification) (SendReport, []Endpoint, error) {
	report := SendReport{Endpoints: len(endpoints)}
	var throttled []Endpoint
	var lastErr error
	for start := 0; start < len(endpoints); start += g.batchSize {
		end := start + g.batchSize
		if end > len(endpoints) {
			end = len(endpoints)
		}
		chunk := endpoints[start:end]
		limited, err := g.sendChunk(ctx, chunk, notification, &report)
		throttled = append(throttled, limited...)
		if err != nil {
			lastErr = err
		}
	}

	g.recordAttempt(ctx, userID, notification, report, lastErr)
	g.record(OutcomeAccepted, report.Accepted)
	g.record(OutcomeFailed, report.Failed)
	g.record(OutcomeDeactivated, report.Deactivated)
	g.record(OutcomeThrottled, report.Throttled)
	g.logger.Info("push notification sent",
		zap.String("user_id", userID),
		zap.Int("endpoints", report.Endpoints),
		zap.Int("accepted", report.Accepted),
		zap.Int("failed", report.Failed),
		zap.Int("throttled", report.Throttled),
		zap.Int("deactivated", report.Deactivated),
	)
	if lastErr != nil && report.Accepted == 0 {
		return report, throttled, serviceerr.New(opSendToUser, reasonProviderError, lastErr)
	}
	return report, throttled, nil
}

// sendChunk sends one provider batch and returns the endpoints the provider
// rate limited.
func (g *Gateway) sendChunk(ctx context.Context, chunk []Endpoint, notification Notification, report *SendReport) ([]Endpoint, error) {
	messages := make([]Message, len(chunk))
	for index, endpoint := range chunk {
		messages[index] = Message{
			To:        endpoint.Token,
			Title:     notification.Title,
			Body:      notification.Body,
			Data:      notification.Data,
			Sound:     notification.Sound,
			Badge:     notification.Badge,
			ChannelID: notification.ChannelID,
			Priority:  notification.Priority,
		}
	}
	tickets, err := g.provider.Send(ctx, messages)
	if err != nil {
		report.Failed += len(chunk)
		g.logger.Warn("push batch rejected by provider", zap.Int("messages", len(chunk)), zap.Error(err))
		return nil, err
	}
	if len(tickets) != len(chunk) {
		g.logger.Warn("push provider returned mismatched tickets",
			zap.Int("messages", len(chunk)),
			zap.Int("tickets", len(tickets)),
		)
	}

	now := g.clock().UTC().UnixMilli()
	var throttled []Endpoint
	for index, endpoint := range chunk {
		if index >= len(tickets) {
			report.Failed++
			continue
		}
		ticket := tickets[index]
		if ticket.Status == statusOK && ticket.ID != "" {
			report.Accepted++
			record := Ticket{
				TicketID:        ticket.ID,
				EndpointID:      endpoint.EndpointID,
				UserID:          endpoint.UserID,
				Status:          TicketPending,
				CreatedAtMillis: now,
			}
			if err := g.db.WithContext(ctx).Create(&record).Error; err != nil {
				g.logError(opSendToUser, reasonInsertFailed, err, zap.String("ticket_id", ticket.ID))
			}
			continue
		}
		code := errorCode(ticket.Details, ticket.Message)
		if code == ErrorMessageRateExceeded {
			report.Throttled++
			throttled = append(throttled, endpoint)
			continue
		}
		report.Failed++
		if g.handleEndpointError(ctx, endpoint, code) {
			report.Deactivated++
		}
	}
	return throttled, nil
}

// rescheduleThrottled queues a single-endpoint retry of a rate-limited message.
func (g *Gateway) rescheduleThrottled(ctx context.Context, endpoint Endpoint, notification Notification) {
	at := g.clock().UTC().Add(g.throttleBackoff)
	scheduled, err := g.schedule(ctx, endpoint.UserID, endpoint.EndpointID, notification, at)
	if err != nil {
		g.logError(opSendToUser, reasonInsertFailed, err,
			zap.String("endpoint_id", endpoint.EndpointID),
			zap.String("user_id", endpoint.UserID),
		)
		return
	}
	g.logger.Info("push endpoint throttled, retry scheduled",
		zap.String("endpoint_id", endpoint.EndpointID),
		zap.String("schedule_id", scheduled.ScheduleID),
		zap.Time("deliver_at", at),
	)
}

// handleEndpointError applies the deactivation and failure-count rules. It
// reports whether the endpoint was deactivated. Rate limiting is recorded but
// never counts against the endpoint. An endpoint is retired once its failure
// count exceeds the threshold.
func (g *Gateway) handleEndpointError(ctx context.Context, endpoint Endpoint, code string) bool {
	now := g.clock().UTC().UnixMilli()
	updates := map[string]any{
		"last_error":    truncate(code, maxErrorText),
		"updated_at_ms": now,
	}
	deactivate := code == ErrorDeviceNotRegistered
	if !deactivate && code != ErrorMessageRateExceeded {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
		deactivate = endpoint.FailureCount+1 > g.failureThreshold
	}
	if deactivate {
		updates["is_active"] = false
		updates["deactivated_at_ms"] = now
	}
	err := g.db.WithContext(ctx).Model(&Endpoint{}).
		Where("endpoint_id = ?", endpoint.EndpointID).
		Updates(updates).Error
	if err != nil {
		g.logError(opSendToUser, reasonUpdateFailed, err, zap.String("endpoint_id", endpoint.EndpointID))
		return false
	}
	if deactivate {
		g.logger.Info("push endpoint deactivated",
			zap.String("endpoint_id", endpoint.EndpointID),
			zap.String("user_id", endpoint.UserID),
			zap.String("reason", code),
		)
	}
	return deactivate
}

// ProcessReceipts resolves pending tickets into final outcomes.
func (g *Gateway) ProcessReceipts(ctx context.Context) (ReceiptReport, error) {
	var tickets []Ticket
	err := g.db.WithContext(ctx).
		Where("status = ?", TicketPending).
		Order("created_at_ms ASC").
		Limit(receiptLookupLimit).
		Find(&tickets).Error
	if err != nil {
		g.logError(opProcessReceipts, reasonQueryFailed, err)
		return ReceiptReport{}, serviceerr.New(opProcessReceipts, reasonQueryFailed, err)
	}
	if len(tickets) == 0 {
		return ReceiptReport{}, nil
	}

	ids := make([]string, len(tickets))
	for index, ticket := range tickets {
		ids[index] = ticket.TicketID
	}
	receipts, err := g.provider.Receipts(ctx, ids)
	if err != nil {
		g.logger.Warn("push receipt lookup failed", zap.Int("tickets", len(ids)), zap.Error(err))
		return ReceiptReport{}, serviceerr.New(opProcessReceipts, reasonProviderError, err)
	}

	report := ReceiptReport{}
	now := g.clock().UTC().UnixMilli()
	for _, ticket := range tickets {
		receipt, ok := receipts[ticket.TicketID]
		if !ok {
			continue
		}
		report.Checked++
		update := map[string]any{"checked_at_ms": now}
		if receipt.Status == statusOK {
			report.Delivered++
			update["status"] = TicketDelivered
			err := g.db.WithContext(ctx).Model(&Endpoint{}).
				Where("endpoint_id = ? AND is_active = ?", ticket.EndpointID, true).
				Update("failure_count", 0).Error
			if err != nil {
				g.logError(opProcessReceipts, reasonUpdateFailed, err, zap.String("endpoint_id", ticket.EndpointID))
			}
		} else {
			report.Failed++
			code := errorCode(receipt.Details, receipt.Message)
			update["status"] = TicketFailed
			update["error_code"] = truncate(code, 64)
			var endpoint Endpoint
			if err := g.db.WithContext(ctx).Where("endpoint_id = ?", ticket.EndpointID).Take(&endpoint).Error; err == nil && endpoint.IsActive {
				if g.handleEndpointError(ctx, endpoint, code) {
					report.Deactivated++
				}
			}
		}
		if err := g.db.WithContext(ctx).Model(&Ticket{}).Where("ticket_id = ?", ticket.TicketID).Updates(update).Error; err != nil {
			g.logError(opProcessReceipts, reasonUpdateFailed, err, zap.String("ticket_id", ticket.TicketID))
		}
	}
	g.record(OutcomeDelivered, report.Delivered)
	g.record(OutcomeDeactivated, report.Deactivated)
	g.logger.Info("push receipts processed",
		zap.Int("checked", report.Checked),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// Broadcast resolves recipients by filter and sends to each of them.
func (g *Gateway) Broadcast(ctx context.Context, notification Notification, filter users.RecipientFilter) (BroadcastReport, error) {
	if g.recipients == nil {
		return BroadcastReport{}, serviceerr.New(opBroadcast, "missing_recipients", errors.New("recipient resolver is not configured"))
	}
	if err := notification.validate(); err != nil {
		return BroadcastReport{}, serviceerr.New(opBroadcast, "invalid_notification", err)
	}
	userIDs, err := g.recipients.ResolveRecipients(ctx, filter)
	if err != nil {
		g.logError(opBroadcast, reasonQueryFailed, err)
		return BroadcastReport{}, serviceerr.New(opBroadcast, reasonQueryFailed, err)
	}
	report := BroadcastReport{Recipients: len(userIDs)}
	for _, userID := range userIDs {
		sent, err := g.SendToUser(ctx, userID, notification)
		report.Accepted += sent.Accepted
		report.Failed += sent.Failed
		if err != nil {
			g.logger.Warn("push broadcast recipient failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return report, nil
}

// Schedule stores the notification for delivery at the given time.
func (g *Gateway) Schedule(ctx context.Context, userID string, notification Notification, at time.Time) (ScheduledNotification, error) {
	return g.schedule(ctx, userID, "", notification, at)
}

func (g *Gateway) schedule(ctx context.Context, userID, endpointID string, notification Notification, at time.Time) (ScheduledNotification, error) {
	if strings.TrimSpace(userID) == "" {
		return ScheduledNotification{}, serviceerr.New(opSchedule, "invalid_user", ErrInvalidDevice)
	}
	if err := notification.validate(); err != nil || at.IsZero() {
		return ScheduledNotification{}, serviceerr.New(opSchedule, "invalid_notification", ErrInvalidNotification)
	}
	encoded, err := json.Marshal(notification)
	if err != nil {
		return ScheduledNotification{}, serviceerr.New(opSchedule, "encode_failed", err)
	}
	scheduleID, err := g.ids.NewID()
	if err != nil {
		return ScheduledNotification{}, serviceerr.New(opSchedule, "id_generation_failed", err)
	}
	now := g.clock().UTC().UnixMilli()
	scheduled := ScheduledNotification{
		ScheduleID:       scheduleID,
		UserID:           userID,
		EndpointID:       endpointID,
		NotificationJSON: string(encoded),
		DeliverAtMillis:  at.UTC().UnixMilli(),
		Status:           ScheduledPending,
		CreatedAtMillis:  now,
		UpdatedAtMillis:  now,
	}
	if err := g.db.WithContext(ctx).Create(&scheduled).Error; err != nil {
		g.logError(opSchedule, reasonInsertFailed, err, zap.String("user_id", userID))
		return ScheduledNotification{}, serviceerr.New(opSchedule, reasonInsertFailed, err)
	}
	return scheduled, nil
}

// ProcessScheduled claims a bounded batch of due notifications and attempts
// delivery. Failures increment the retry count; the item fails for good once
// the retry cap is reached. Claims older than the claim timeout are released
// first so a crashed sweep does not strand its batch. It returns the number of
// items processed.
func (g *Gateway) ProcessScheduled(ctx context.Context) (int, error) {
	now := g.clock().UTC().UnixMilli()
	staleBefore := now - g.claimTimeout.Milliseconds()
	var due []ScheduledNotification
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		released := tx.Model(&ScheduledNotification{}).
			Where("status = ? AND updated_at_ms <= ?", ScheduledProcessing, staleBefore).
			Updates(map[string]any{"status": ScheduledPending, "updated_at_ms": now})
		if released.Error != nil {
			return released.Error
		}
		if released.RowsAffected > 0 {
			g.logger.Warn("released stale scheduled claims", zap.Int64("count", released.RowsAffected))
		}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND deliver_at_ms <= ?", ScheduledPending, now).
			Order("deliver_at_ms ASC").
			Order("schedule_id ASC").
			Limit(g.scheduleBatch).
			Find(&due).Error
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]string, len(due))
		for index, item := range due {
			ids[index] = item.ScheduleID
		}
		return tx.Model(&ScheduledNotification{}).
			Where("schedule_id IN ?", ids).
			Updates(map[string]any{"status": ScheduledProcessing, "updated_at_ms": now}).Error
	})
	if txErr != nil {
		g.logError(opProcessScheduled, reasonQueryFailed, txErr)
		return 0, serviceerr.New(opProcessScheduled, reasonQueryFailed, txErr)
	}

	for _, item := range due {
		g.deliverScheduled(ctx, item)
	}
	return len(due), nil
}

func (g *Gateway) deliverScheduled(ctx context.Context, item ScheduledNotification) {
	var notification Notification
	var throttled bool
	sendErr := json.Unmarshal([]byte(item.NotificationJSON), &notification)
	if sendErr == nil {
		var report SendReport
		if item.EndpointID != "" {
			report, sendErr = g.deliverToEndpoint(ctx, item, notification)
		} else {
			report, sendErr = g.SendToUser(ctx, item.UserID, notification)
		}
		throttled = item.EndpointID != "" && report.Throttled > 0
		switch {
		case sendErr != nil:
		case throttled:
			sendErr = errors.New(ErrorMessageRateExceeded)
		case report.Accepted == 0 && report.Throttled == 0:
			sendErr = fmt.Errorf("no endpoint accepted the notification (%d endpoints)", report.Endpoints)
		}
	}

	now := g.clock().UTC()
	updates := map[string]any{"updated_at_ms": now.UnixMilli()}
	if sendErr == nil {
		updates["status"] = ScheduledSent
		updates["last_error"] = ""
	} else {
		retries := item.RetryCount + 1
		updates["retry_count"] = retries
		updates["last_error"] = truncate(sendErr.Error(), maxErrorText)
		updates["status"] = ScheduledPending
		if throttled {
			updates["deliver_at_ms"] = now.Add(g.throttleBackoff << retries).UnixMilli()
		}
		if retries >= g.maxScheduleRetries {
			updates["status"] = ScheduledFailed
		}
		g.logger.Warn("scheduled notification delivery failed",
			zap.String("schedule_id", item.ScheduleID),
			zap.Int("retry_count", retries),
			zap.Error(sendErr),
		)
	}
	if err := g.db.WithContext(ctx).Model(&ScheduledNotification{}).
		Where("schedule_id = ?", item.ScheduleID).
		Updates(updates).Error; err != nil {
		g.logError(opProcessScheduled, reasonUpdateFailed, err, zap.String("schedule_id", item.ScheduleID))
	}
}

// deliverToEndpoint retries a throttled message against its one endpoint.
// Further throttling is reported back to the caller instead of rescheduled.
func (g *Gateway) deliverToEndpoint(ctx context.Context, item ScheduledNotification, notification Notification) (SendReport, error) {
	var endpoints []Endpoint
	err := g.db.WithContext(ctx).
		Where("endpoint_id = ? AND user_id = ? AND is_active = ? AND failure_count <= ?", item.EndpointID, item.UserID, true, g.failureThreshold).
		Find(&endpoints).Error
	if err != nil {
		g.logError(opProcessScheduled, reasonQueryFailed, err, zap.String("endpoint_id", item.EndpointID))
		return SendReport{}, serviceerr.New(opProcessScheduled, reasonQueryFailed, err)
	}
	report, _, err := g.deliver(ctx, item.UserID, endpoints, notification)
	return report, err
}

// Run drives the receipt and schedule sweeps until the context ends.
func (g *Gateway) Run(ctx context.Context) error {
	receipts := time.NewTicker(g.receiptInterval)
	defer receipts.Stop()
	scheduled := time.NewTicker(g.scheduleInterval)
	defer scheduled.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-receipts.C:
			if _, err := g.ProcessReceipts(ctx); err != nil {
				g.logger.Warn("push receipt sweep failed", zap.Error(err))
			}
		case <-scheduled.C:
			if _, err := g.ProcessScheduled(ctx); err != nil {
				g.logger.Warn("push schedule sweep failed", zap.Error(err))
			}
		}
	}
}

func (g *Gateway) recordAttempt(ctx context.Context, userID string, notification Notification, report SendReport, sendErr error) {
	attemptID, err := g.ids.NewID()
	if err != nil {
		g.logError(opSendToUser, "id_generation_failed", err)
		return
	}
	attempt := SendAttempt{
		AttemptID:       attemptID,
		UserID:          userID,
		Title:           truncate(notification.Title, maxErrorText),
		Endpoints:       report.Endpoints,
		Accepted:        report.Accepted,
		Failed:          report.Failed,
		CreatedAtMillis: g.clock().UTC().UnixMilli(),
	}
	if sendErr != nil {
		attempt.Error = truncate(sendErr.Error(), maxErrorText)
	}
	if err := g.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		g.logError(opSendToUser, reasonInsertFailed, err, zap.String("user_id", userID))
	}
}

func (g *Gateway) record(outcome string, count int) {
	if g.recorder != nil && count > 0 {
		g.recorder.RecordPush(outcome, count)
	}
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	g.logger.Error("push gateway failure", logFields...)
}

func errorCode(details ErrorDetails, message string) string {
	if details.Error != "" {
		return details.Error
	}
	if message != "" {
		return message
	}
	return "unknown_error"
}

// truncate caps value at limit bytes without splitting a UTF-8 sequence.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
