// Package models holds the access-control domain types shared by the agent's
// components.
package models

import "time"

// PointStatus is the lifecycle status of an access point.
type PointStatus string

const (
	PointActive   PointStatus = "active"
	PointDisabled PointStatus = "disabled"
)

// SensorStatus is the door sensor reading of an access point.
type SensorStatus string

const (
	SensorClosed   SensorStatus = "closed"
	SensorOpen     SensorStatus = "open"
	SensorHeldOpen SensorStatus = "held-open"
)

// AccessPoint is a controlled door, gate or barrier.
type AccessPoint struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Location         string        `json:"location"`
	Type             string        `json:"type,omitempty"`
	AccessMethod     string        `json:"accessMethod,omitempty"`
	Status           PointStatus   `json:"status"`
	SensorStatus     SensorStatus  `json:"sensorStatus,omitempty"`
	IsOnline         *bool         `json:"isOnline,omitempty"`
	LastStatusChange *time.Time    `json:"lastStatusChange,omitempty"`
	CachedEvents     []AccessEvent `json:"cachedEvents,omitempty"`
}

// Online reports the derived online flag; an unset flag counts as online.
func (p AccessPoint) Online() bool {
	return p.IsOnline == nil || *p.IsOnline
}

// Clone returns a copy that shares no mutable state with p.
func (p AccessPoint) Clone() AccessPoint {
	dup := p
	if p.IsOnline != nil {
		v := *p.IsOnline
		dup.IsOnline = &v
	}
	if p.LastStatusChange != nil {
		ts := *p.LastStatusChange
		dup.LastStatusChange = &ts
	}
	if len(p.CachedEvents) > 0 {
		dup.CachedEvents = append([]AccessEvent(nil), p.CachedEvents...)
	}
	return dup
}

// AccessSchedule restricts when a user's access applies.
type AccessSchedule struct {
	Days      []string `json:"days"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
}

// AccessControlUser is a person holding access rights.
type AccessControlUser struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Email                string          `json:"email"`
	Department           string          `json:"department,omitempty"`
	Role                 string          `json:"role"`
	Status               string          `json:"status"`
	AccessLevel          string          `json:"accessLevel"`
	AccessSchedule       *AccessSchedule `json:"accessSchedule,omitempty"`
	AutoRevokeAtCheckout bool            `json:"autoRevokeAtCheckout,omitempty"`
	LastAccess           *time.Time      `json:"lastAccess,omitempty"`
}

// Clone returns a copy that shares no mutable state with u.
func (u AccessControlUser) Clone() AccessControlUser {
	dup := u
	if u.AccessSchedule != nil {
		s := *u.AccessSchedule
		s.Days = append([]string(nil), u.AccessSchedule.Days...)
		dup.AccessSchedule = &s
	}
	if u.LastAccess != nil {
		ts := *u.LastAccess
		dup.LastAccess = &ts
	}
	return dup
}

// EventAction is the decision recorded by an access event.
type EventAction string

const (
	ActionGranted EventAction = "granted"
	ActionDenied  EventAction = "denied"
	ActionPending EventAction = "pending"
)

// IsValidEventAction checks if the provided action is known.
func IsValidEventAction(a EventAction) bool {
	switch a {
	case ActionGranted, ActionDenied, ActionPending:
		return true
	default:
		return false
	}
}

// ReviewAction is an operator decision on an agent-originated pending event.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
)

// AccessEvent is an immutable grant/deny/pending record at an access point.
type AccessEvent struct {
	ID              string      `json:"id"`
	AccessPointID   string      `json:"accessPointId"`
	AccessPointName string      `json:"accessPointName,omitempty"`
	UserID          string      `json:"userId,omitempty"`
	UserName        string      `json:"userName,omitempty"`
	Action          EventAction `json:"action"`
	Timestamp       time.Time   `json:"timestamp"`
	Reason          string      `json:"reason,omitempty"`
	Location        string      `json:"location,omitempty"`
	Source          string      `json:"source,omitempty"`
	ReviewStatus    string      `json:"reviewStatus,omitempty"`
}

// Metrics is the backend's aggregate access-control dashboard payload.
type Metrics struct {
	TotalAccessPoints  int            `json:"totalAccessPoints"`
	ActiveAccessPoints int            `json:"activeAccessPoints"`
	TotalUsers         int            `json:"totalUsers"`
	ActiveUsers        int            `json:"activeUsers"`
	TodayAccessEvents  int            `json:"todayAccessEvents"`
	DeniedAccessEvents int            `json:"deniedAccessEvents"`
	SecurityAlerts     int            `json:"securityAlerts"`
	SystemUptime       float64        `json:"systemUptime"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
