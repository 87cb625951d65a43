package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/access-agent/internal/models"
)

// Channel names published by the access-control backend.
const (
	ChannelPointUpdated       = "access-control.point.updated"
	ChannelPointOffline       = "access-control.point.offline"
	ChannelEventCreated       = "access-control.event.created"
	ChannelUserUpdated        = "access-control.user.updated"
	ChannelEmergencyActivated = "access-control.emergency.activated"
	ChannelAgentEventPending  = "access-control.agent-event.pending"
	ChannelHeldOpenAlarm      = "access-control.held-open-alarm"
)

// Channels lists every channel the subscriber registers.
var Channels = []string{
	ChannelPointUpdated,
	ChannelPointOffline,
	ChannelEventCreated,
	ChannelUserUpdated,
	ChannelEmergencyActivated,
	ChannelAgentEventPending,
	ChannelHeldOpenAlarm,
}

// Message is one decoded inbound push. The set of implementations is closed.
type Message interface {
	Channel() string
	isMessage()
}

// PointUpdated carries a full access point from the server.
type PointUpdated struct {
	Point models.AccessPoint `json:"point"`
}

// PointOffline reports a connectivity change of one access point.
type PointOffline struct {
	AccessPointID string `json:"accessPointId"`
	IsOnline      bool   `json:"isOnline"`
}

// EventCreated carries a new access event.
type EventCreated struct {
	Event models.AccessEvent `json:"event"`
}

// UserUpdated carries a full user from the server.
type UserUpdated struct {
	User models.AccessControlUser `json:"user"`
}

// EmergencyActivated reports a mode change initiated elsewhere.
type EmergencyActivated struct {
	Mode        string    `json:"mode"`
	InitiatedBy string    `json:"initiatedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

// AgentEventPending carries an agent-originated event awaiting review.
type AgentEventPending struct {
	Event models.AccessEvent `json:"event"`
}

// HeldOpenAlarm reports a door held open past its threshold. Duration is in
// seconds.
type HeldOpenAlarm struct {
	AccessPointID   string `json:"accessPointId"`
	AccessPointName string `json:"accessPointName"`
	Location        string `json:"location"`
	Duration        int    `json:"duration"`
	Severity        string `json:"severity"`
}

func (PointUpdated) Channel() string       { return ChannelPointUpdated }
func (PointOffline) Channel() string       { return ChannelPointOffline }
func (EventCreated) Channel() string       { return ChannelEventCreated }
func (UserUpdated) Channel() string        { return ChannelUserUpdated }
func (EmergencyActivated) Channel() string { return ChannelEmergencyActivated }
func (AgentEventPending) Channel() string  { return ChannelAgentEventPending }
func (HeldOpenAlarm) Channel() string      { return ChannelHeldOpenAlarm }

func (PointUpdated) isMessage()       {}
func (PointOffline) isMessage()       {}
func (EventCreated) isMessage()       {}
func (UserUpdated) isMessage()        {}
func (EmergencyActivated) isMessage() {}
func (AgentEventPending) isMessage()  {}
func (HeldOpenAlarm) isMessage()      {}

// Decode parses and validates the payload published on channel.
func Decode(channel string, payload json.RawMessage) (Message, error) {
	switch channel {
	case ChannelPointUpdated:
		var m PointUpdated
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, decodeErr(channel, err)
		}
		if m.Point.ID == "" {
			return nil, shapeErr(channel, "point.id")
		}
		return m, nil

	case ChannelPointOffline:
		var raw struct {
			AccessPointID string `json:"accessPointId"`
			IsOnline      *bool  `json:"isOnline"`
		}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, decodeErr(channel, err)
		}
		if raw.AccessPointID == "" {
			return nil, shapeErr(channel, "accessPointId")
		}
		if raw.IsOnline == nil {
			return nil, shapeErr(channel, "isOnline")
		}
		return PointOffline{AccessPointID: raw.AccessPointID, IsOnline: *raw.IsOnline}, nil

	case ChannelEventCreated:
		var m EventCreated
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, decodeErr(channel, err)
		}
		if m.Event.ID == "" {
			return nil, shapeErr(channel, "event.id")
		}
		return m, nil

	case ChannelUserUpdated:
		var m UserUpdated
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, decodeErr(channel, err)
		}
		if m.User.ID == "" {
			return nil, shapeErr(channel, "user.id")
		}
		return m, nil

	case ChannelEmergencyActivated:
		var m EmergencyActivated
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, decodeErr(channel, err)
		}
		switch m.Mode {
		case "lockdown", "unlock", "normal":
		default:
			return nil, shapeErr(channel, "mode")
		}
		return m, nil

	case ChannelAgentEventPending:
		var m AgentEventPending
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, decodeErr(channel, err)
		}
		if m.Event.ID == "" {
			return nil, shapeErr(channel, "event.id")
		}
		return m, nil

	case ChannelHeldOpenAlarm:
		var m HeldOpenAlarm
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, decodeErr(channel, err)
		}
		if m.AccessPointID == "" {
			return nil, shapeErr(channel, "accessPointId")
		}
		return m, nil
	}
	return nil, fmt.Errorf("realtime: unknown channel %q", channel)
}

func decodeErr(channel string, err error) error {
	return fmt.Errorf("realtime: decoding %s: %w", channel, err)
}

func shapeErr(channel, field string) error {
	return fmt.Errorf("realtime: %s payload missing %s", channel, field)
}
