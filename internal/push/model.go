// Package push delivers notifications to registered device endpoints when a
// user has no live realtime session.
package push

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidToken rejects push tokens that do not look like provider tokens.
	ErrInvalidToken = errors.New("push: invalid endpoint token")
	// ErrInvalidDevice rejects registrations without a user or device id.
	ErrInvalidDevice = errors.New("push: user and device ids are required")
	// ErrEndpointNotFound indicates no endpoint is registered for the user device.
	ErrEndpointNotFound = errors.New("push: endpoint not found")
	// ErrInvalidNotification rejects empty notifications and unschedulable times.
	ErrInvalidNotification = errors.New("push: invalid notification")
)

// Platform names the device family behind an endpoint.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// DeviceInfo describes the device registering an endpoint.
type DeviceInfo struct {
	DeviceID   string   `json:"device_id"`
	Platform   Platform `json:"platform"`
	Name       string   `json:"name,omitempty"`
	AppVersion string   `json:"app_version,omitempty"`
}

// Endpoint is one registered push destination. It is unique per user device.
type Endpoint struct {
	EndpointID        string `gorm:"column:endpoint_id;primaryKey;size:64"`
	UserID            string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_push_endpoints_user_device,priority:1"`
	DeviceID          string `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_push_endpoints_user_device,priority:2"`
	Token             string `gorm:"column:token;size:255;not null;index"`
	Platform          string `gorm:"column:platform;size:16;not null;default:''"`
	DeviceName        string `gorm:"column:device_name;size:190;not null;default:''"`
	AppVersion        string `gorm:"column:app_version;size:64;not null;default:''"`
	IsActive          bool   `gorm:"column:is_active;not null;default:true"`
	FailureCount      int    `gorm:"column:failure_count;not null;default:0"`
	LastError         string `gorm:"column:last_error;size:255;not null;default:''"`
	CreatedAtMillis   int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis   int64  `gorm:"column:updated_at_ms;not null"`
	DeactivatedMillis int64  `gorm:"column:deactivated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Endpoint) TableName() string {
	return "push_endpoints"
}

// EndpointView is the API projection of an Endpoint. The token is not echoed.
type EndpointView struct {
	EndpointID   string    `json:"endpoint_id"`
	DeviceID     string    `json:"device_id"`
	Platform     string    `json:"platform,omitempty"`
	DeviceName   string    `json:"device_name,omitempty"`
	IsActive     bool      `json:"is_active"`
	FailureCount int       `json:"failure_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// View projects the endpoint for API responses.
func (e Endpoint) View() EndpointView {
	return EndpointView{
		EndpointID:   e.EndpointID,
		DeviceID:     e.DeviceID,
		Platform:     e.Platform,
		DeviceName:   e.DeviceName,
		IsActive:     e.IsActive,
		FailureCount: e.FailureCount,
		UpdatedAt:    millisToTime(e.UpdatedAtMillis),
	}
}

// Ticket statuses.
const (
	TicketPending   = "pending"
	TicketDelivered = "delivered"
	TicketFailed    = "failed"
)

// Ticket tracks a provider-accepted message until its receipt is resolved.
type Ticket struct {
	TicketID        string `gorm:"column:ticket_id;primaryKey;size:190"`
	EndpointID      string `gorm:"column:endpoint_id;size:64;not null;index"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	Status          string `gorm:"column:status;size:16;not null;index"`
	ErrorCode       string `gorm:"column:error_code;size:64;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index"`
	CheckedAtMillis int64  `gorm:"column:checked_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Ticket) TableName() string {
	return "push_tickets"
}

// SendAttempt is the append-only log row written once per logical notification.
type SendAttempt struct {
	AttemptID       string `gorm:"column:attempt_id;primaryKey;size:64"`
	UserID          string `gorm:"column:user_id;size:190;not null;index"`
	Title           string `gorm:"column:title;size:255;not null;default:''"`
	Endpoints       int    `gorm:"column:endpoints;not null"`
	Accepted        int    `gorm:"column:accepted;not null"`
	Failed          int    `gorm:"column:failed;not null"`
	Error           string `gorm:"column:error;size:255;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SendAttempt) TableName() string {
	return "push_send_attempts"
}

// Scheduled notification statuses.
const (
	ScheduledPending    = "pending"
	ScheduledProcessing = "processing"
	ScheduledSent       = "sent"
	ScheduledFailed     = "failed"
)

// ScheduledNotification is a notification held until its delivery time.
type ScheduledNotification struct {
	ScheduleID       string `gorm:"column:schedule_id;primaryKey;size:64"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	EndpointID       string `gorm:"column:endpoint_id;size:64;not null;default:''"`
	NotificationJSON string `gorm:"column:notification_json;type:text;not null"`
	DeliverAtMillis  int64  `gorm:"column:deliver_at_ms;not null;index:idx_push_scheduled_due,priority:2"`
	Status           string `gorm:"column:status;size:16;not null;index:idx_push_scheduled_due,priority:1"`
	RetryCount       int    `gorm:"column:retry_count;not null;default:0"`
	LastError        string `gorm:"column:last_error;size:255;not null;default:''"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduledNotification) TableName() string {
	return "push_scheduled_notifications"
}

// Notification is the logical message delivered to every endpoint of a user.
type Notification struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sound     string          `json:"sound,omitempty"`
	Badge     *int            `json:"badge,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Priority  string          `json:"priority,omitempty"`
}

func (n Notification) validate() error {
	if n.Title == "" && n.Body == "" {
		return ErrInvalidNotification
	}
	if len(n.Data) > 0 && !json.Valid(n.Data) {
		return ErrInvalidNotification
	}
	return nil
}

// SendReport summarises one SendToUser call.
type SendReport struct {
	Endpoints   int `json:"endpoints"`
	Accepted    int `json:"accepted"`
	Failed      int `json:"failed"`
	Throttled   int `json:"throttled"`
	Deactivated int `json:"deactivated"`
}

// ReceiptReport summarises one receipt sweep.
type ReceiptReport struct {
	Checked     int `json:"checked"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
	Deactivated int `json:"deactivated"`
}

// BroadcastReport summarises a filtered broadcast.
type BroadcastReport struct {
	Recipients int `json:"recipients"`
	Accepted   int `json:"accepted"`
	Failed     int `json:"failed"`
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
