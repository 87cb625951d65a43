package accesscontrol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/p-blackswan/access-agent/internal/emergency"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/realtime"
)

// pointLocked reports whether a local write to point id is in flight.
func (s *Service) pointLocked(id string) bool {
	return s.locks.IsLocked(string(models.OpUpdateAccessPoint), id) ||
		s.locks.IsLocked(string(models.OpDeleteAccessPoint), id)
}

func (s *Service) userLocked(id string) bool {
	return s.locks.IsLocked(string(models.OpUpdateUser), id) ||
		s.locks.IsLocked(string(models.OpDeleteUser), id)
}

// OnPointUpdated replaces the pushed access point unless a local write holds
// its lock.
func (s *Service) OnPointUpdated(_ context.Context, m realtime.PointUpdated) {
	if s.pointLocked(m.Point.ID) {
		s.metrics.RecordRealtime(realtime.ChannelPointUpdated, "locked")
		s.logger.Debug().Str("point", m.Point.ID).Msg("Dropping point update, local write in flight")
		return
	}
	p := m.Point.Clone()
	s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
		return replacePoint(cur, p), true
	})
}

// OnPointOffline records a connectivity change reported by the server.
func (s *Service) OnPointOffline(ctx context.Context, m realtime.PointOffline) {
	now := s.clock.Now()
	var name string
	var flipped bool
	s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
		out := make([]models.AccessPoint, len(cur))
		found := false
		for i, p := range cur {
			if p.ID == m.AccessPointID {
				found = true
				flipped = p.Online() != m.IsOnline
				name = p.Name
				p = p.Clone()
				p.IsOnline = models.BoolPtr(m.IsOnline)
				// An offline report is not a sighting; stamping it would let
				// the staleness rule flip the point straight back online.
				if m.IsOnline {
					p.LastStatusChange = models.TimePtr(now)
				}
			}
			out[i] = p
		}
		return out, found
	})

	if !flipped {
		return
	}
	if name == "" {
		name = m.AccessPointID
	}
	if m.IsOnline {
		s.notify(ctx, notify.Notification{
			Level:   notify.LevelSuccess,
			Title:   "Access point back online",
			Message: name,
			Source:  "realtime",
		})
		return
	}
	s.notify(ctx, notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Access point offline",
		Message: name,
		Source:  "realtime",
	})
}

// OnEventCreated prepends a new event unless it was already seen.
func (s *Service) OnEventCreated(_ context.Context, m realtime.EventCreated) {
	if !s.markSeen(m.Event.ID) {
		s.metrics.RecordDuplicates("events", 1)
		return
	}
	s.state.PrependEvent(m.Event)
}

// OnUserUpdated replaces the pushed user unless a local write holds its lock.
func (s *Service) OnUserUpdated(_ context.Context, m realtime.UserUpdated) {
	if s.userLocked(m.User.ID) {
		s.metrics.RecordRealtime(realtime.ChannelUserUpdated, "locked")
		s.logger.Debug().Str("user", m.User.ID).Msg("Dropping user update, local write in flight")
		return
	}
	u := m.User.Clone()
	s.state.UpdateUsers(func(cur []models.AccessControlUser) ([]models.AccessControlUser, bool) {
		return replaceUser(cur, u), true
	})
}

// OnEmergencyActivated mirrors a mode change made elsewhere.
func (s *Service) OnEmergencyActivated(ctx context.Context, m realtime.EmergencyActivated) {
	s.emergency.ApplyRemote(ctx, emergency.Mode(m.Mode), m.InitiatedBy, m.Timestamp)
}

// OnAgentEventPending prepends an event awaiting review and tells operators.
func (s *Service) OnAgentEventPending(ctx context.Context, m realtime.AgentEventPending) {
	if !s.markSeen(m.Event.ID) {
		s.metrics.RecordDuplicates("events", 1)
		return
	}
	e := m.Event
	if e.Action == "" {
		e.Action = models.ActionPending
	}
	s.state.PrependEvent(e)

	where := e.AccessPointName
	if where == "" {
		where = e.AccessPointID
	}
	s.notify(ctx, notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Agent event awaiting review",
		Message: fmt.Sprintf("%s at %s", nonEmpty(e.UserName, "unknown user"), where),
		Source:  "realtime",
	})
}

// OnHeldOpenAlarm marks the point held open, notifies and audits.
func (s *Service) OnHeldOpenAlarm(ctx context.Context, m realtime.HeldOpenAlarm) {
	s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
		out := make([]models.AccessPoint, len(cur))
		changed := false
		for i, p := range cur {
			if p.ID == m.AccessPointID && p.SensorStatus != models.SensorHeldOpen {
				p = p.Clone()
				p.SensorStatus = models.SensorHeldOpen
				changed = true
			}
			out[i] = p
		}
		return out, changed
	})

	level := notify.LevelWarning
	switch strings.ToLower(m.Severity) {
	case "critical", "high":
		level = notify.LevelCritical
	}
	name := nonEmpty(m.AccessPointName, m.AccessPointID)
	held := (time.Duration(m.Duration) * time.Second).String()
	s.notify(ctx, notify.Notification{
		Level:   level,
		Title:   "Door held open",
		Message: fmt.Sprintf("%s (%s) held open for %s", name, nonEmpty(m.Location, "unknown location"), held),
		Source:  "realtime",
	})
	s.audit.Record(ctx, models.AuditEntry{
		Actor:  "system",
		Action: "alarm.held_open",
		Status: models.AuditInfo,
		Target: m.AccessPointID,
		Reason: fmt.Sprintf("severity=%s duration=%s", m.Severity, held),
		Source: "realtime",
	})
}

// markSeen records id and reports whether it was new. Events without an id
// are always accepted.
func (s *Service) markSeen(id string) bool {
	if id == "" {
		return true
	}
	found, _ := s.seen.ContainsOrAdd(id, struct{}{})
	return !found
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
