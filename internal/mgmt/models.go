package mgmt

import (
	"time"

	"github.com/p-blackswan/access-agent/internal/emergency"
	"github.com/p-blackswan/access-agent/internal/health"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/queue"
)

// HealthDetailResponse is returned by GET /api/v1/health.
type HealthDetailResponse struct {
	health.Report
	Uptime string `json:"uptime"`
}

// MutationResponse wraps the result of a write.
type MutationResponse struct {
	Data     any    `json:"data,omitempty"`
	Queued   bool   `json:"queued"`
	QueueID  string `json:"queueId,omitempty"`
	EntityID string `json:"entityId,omitempty"`
}

// ReviewRequest is the body of POST /api/v1/events/:id/review.
type ReviewRequest struct {
	Action models.ReviewAction `json:"action"`
	Reason string              `json:"reason,omitempty"`
}

// EmergencyRequest is the body of the emergency endpoints.
type EmergencyRequest struct {
	Reason         string `json:"reason,omitempty"`
	Confirmed      bool   `json:"confirmed"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

func (r EmergencyRequest) toRequest() emergency.Request {
	return emergency.Request{
		Reason:    r.Reason,
		Confirmed: r.Confirmed,
		Timeout:   time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// EmergencyResponse reports the emergency mode.
type EmergencyResponse struct {
	Mode       emergency.Mode        `json:"mode"`
	Controller *emergency.Controller `json:"controller,omitempty"`
}

// QueueResponse lists the offline queue.
type QueueResponse struct {
	Operations []models.QueuedOperation `json:"operations"`
	Stats      queue.Stats              `json:"stats"`
}

// RetryResponse is returned by POST /api/v1/queue/retry.
type RetryResponse struct {
	Rearmed int               `json:"rearmed"`
	Flush   queue.FlushResult `json:"flush"`
}

// NotificationView is the JSON form of a notification.
type NotificationView struct {
	Level   notify.Level `json:"level"`
	Title   string       `json:"title"`
	Message string       `json:"message,omitempty"`
	Source  string       `json:"source,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func newNotificationView(n notify.Notification) NotificationView {
	v := NotificationView{Level: n.Level, Title: n.Title, Message: n.Message, Source: n.Source}
	if n.Error != nil {
		v.Error = n.Error.Error()
	}
	return v
}

// NotificationListResponse is returned by GET /api/v1/notifications.
type NotificationListResponse struct {
	Notifications []NotificationView `json:"notifications"`
	Total         int                `json:"total"`
}
