package models

import (
	"encoding/json"
	"time"
)

// OperationType names a mutation the offline queue knows how to replay.
type OperationType string

const (
	OpCreateAccessPoint OperationType = "create_access_point"
	OpUpdateAccessPoint OperationType = "update_access_point"
	OpDeleteAccessPoint OperationType = "delete_access_point"
	OpCreateUser        OperationType = "create_user"
	OpUpdateUser        OperationType = "update_user"
	OpDeleteUser        OperationType = "delete_user"
	OpSyncCachedEvents  OperationType = "sync_cached_events"
	OpReviewAgentEvent  OperationType = "review_agent_event"
)

// OperationTypes lists every replayable operation.
var OperationTypes = []OperationType{
	OpCreateAccessPoint, OpUpdateAccessPoint, OpDeleteAccessPoint,
	OpCreateUser, OpUpdateUser, OpDeleteUser,
	OpSyncCachedEvents, OpReviewAgentEvent,
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SyncStatus is the delivery state of a queued operation.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// QueuedOperation is a durable record of a mutation awaiting delivery.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	QueuedAt   time.Time       `json:"queuedAt"`
	SyncStatus SyncStatus      `json:"sync_status"`
	RetryCount int             `json:"retry_count"`
	LastRetry  time.Time       `json:"last_retry"`
	Error      string          `json:"error,omitempty"`
}

// EntityPayload is the queued payload for create/update/delete operations.
// Data is omitted for deletes and holds the request body otherwise.
type EntityPayload struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SyncEventsPayload is the queued payload for sync_cached_events.
type SyncEventsPayload struct {
	AccessPointID string        `json:"accessPointId"`
	Events        []AccessEvent `json:"events"`
}

// ReviewPayload is the queued payload for review_agent_event.
type ReviewPayload struct {
	EventID string       `json:"eventId"`
	Action  ReviewAction `json:"action"`
	Reason  string       `json:"reason,omitempty"`
}
