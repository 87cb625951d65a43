package accesscontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
)

// LocalIDPrefix marks ids assigned to entities created while offline. The
// next refresh replaces them with the backend's ids.
const LocalIDPrefix = "local-"

// Result reports how a mutation was applied.
type Result struct {
	// Queued is set when the mutation was stored for later sync instead of
	// being confirmed by the backend.
	Queued   bool   `json:"queued"`
	QueueID  string `json:"queueId,omitempty"`
	EntityID string `json:"entityId,omitempty"`
}

// mutation describes one lock-gated, queue-eligible write.
type mutation struct {
	op       models.OperationType
	lockID   string
	label    string
	payload  any
	call     func(ctx context.Context) error
	local    func()
	entityID string
}

// mutate runs m under its operation lock. Offline, or on a transport or
// retryable failure, the operation is queued and m.local applied instead.
// Other failures leave state unchanged.
func (s *Service) mutate(ctx context.Context, m mutation) (Result, error) {
	if !s.locks.Acquire(string(m.op), m.lockID) {
		s.metrics.RecordLockContention(string(m.op))
		return Result{}, fmt.Errorf("%w: %s already in progress for %s", perrors.ErrConflict, m.op, m.lockID)
	}
	defer s.locks.Release(string(m.op), m.lockID)

	if !s.online() {
		return s.enqueue(ctx, m, nil)
	}

	err := m.call(ctx)
	if err == nil {
		s.record(ctx, m, models.AuditSuccess, "")
		return Result{EntityID: m.entityID}, nil
	}
	if perrors.IsTransport(err) || perrors.IsRetryable(err) {
		return s.enqueue(ctx, m, err)
	}

	s.metrics.RecordError("accesscontrol", errType(err))
	s.record(ctx, m, models.AuditFailure, err.Error())
	s.logger.Error().Err(err).Str("op", string(m.op)).Str("entity", m.lockID).Msg("Mutation failed")
	s.notify(ctx, notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Failed to " + m.label,
		Message: m.lockID,
		Source:  "accesscontrol",
		Error:   err,
	})
	return Result{}, err
}

func (s *Service) enqueue(ctx context.Context, m mutation, cause error) (Result, error) {
	id, err := s.queue.Enqueue(ctx, m.op, m.payload)
	if err != nil {
		return Result{}, err
	}
	if m.local != nil {
		m.local()
	}

	reason := "offline"
	if cause != nil {
		reason = cause.Error()
	}
	s.record(ctx, m, models.AuditInfo, "queued: "+reason)
	s.logger.Warn().Str("op", string(m.op)).Str("queue_id", id).Str("reason", reason).Msg("Mutation queued for sync")
	s.notify(ctx, notify.Notification{
		Level:   notify.LevelInfo,
		Title:   "Saved offline",
		Message: "Will " + m.label + " when the connection returns",
		Source:  "queue",
	})
	return Result{Queued: true, QueueID: id, EntityID: m.entityID}, nil
}

func (s *Service) record(ctx context.Context, m mutation, status models.AuditStatus, reason string) {
	s.audit.Record(ctx, models.AuditEntry{
		Actor:  ActorFrom(ctx),
		Action: string(m.op),
		Status: status,
		Target: m.lockID,
		Reason: reason,
		Source: "accesscontrol",
	})
}

func entityPayload(id string, data any) (models.EntityPayload, error) {
	p := models.EntityPayload{ID: id}
	if data == nil {
		return p, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return p, perrors.Invalid("encode payload: %v", err)
	}
	p.Data = raw
	return p, nil
}

// CreateAccessPoint registers a new access point.
func (s *Service) CreateAccessPoint(ctx context.Context, p models.AccessPoint) (models.AccessPoint, Result, error) {
	if err := validatePoint(p); err != nil {
		return models.AccessPoint{}, Result{}, err
	}
	if p.Status == "" {
		p.Status = models.PointActive
	}
	payload, err := entityPayload("", p)
	if err != nil {
		return models.AccessPoint{}, Result{}, err
	}

	out := p
	res, err := s.mutate(ctx, mutation{
		op:      models.OpCreateAccessPoint,
		lockID:  strings.ToLower(p.Name),
		label:   "create access point",
		payload: payload,
		call: func(ctx context.Context) error {
			created, err := s.api.CreateAccessPoint(ctx, p)
			if err != nil {
				return err
			}
			out = created
			s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
				return replacePoint(cur, created), true
			})
			return nil
		},
		local: func() {
			if out.ID == "" {
				out.ID = LocalIDPrefix + uuid.NewString()
			}
			s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
				return replacePoint(cur, out), true
			})
		},
	})
	if err != nil {
		return models.AccessPoint{}, Result{}, err
	}
	res.EntityID = out.ID
	return out, res, nil
}

// UpdateAccessPoint applies patch to access point id.
func (s *Service) UpdateAccessPoint(ctx context.Context, id string, patch PointPatch) (models.AccessPoint, Result, error) {
	if id == "" {
		return models.AccessPoint{}, Result{}, perrors.Invalid("access point id is required")
	}
	if err := patch.validate(); err != nil {
		return models.AccessPoint{}, Result{}, err
	}
	cur, ok := s.state.AccessPoint(id)
	if !ok {
		return models.AccessPoint{}, Result{}, fmt.Errorf("access point %s: %w", id, perrors.ErrNotFound)
	}
	payload, err := entityPayload(id, patch)
	if err != nil {
		return models.AccessPoint{}, Result{}, err
	}

	out := patch.apply(cur)
	res, err := s.mutate(ctx, mutation{
		op:       models.OpUpdateAccessPoint,
		lockID:   id,
		entityID: id,
		label:    "update access point",
		payload:  payload,
		call: func(ctx context.Context) error {
			updated, err := s.api.UpdateAccessPoint(ctx, id, patch)
			if err != nil {
				return err
			}
			if updated.ID != "" {
				out = updated
			}
			s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
				return replacePoint(cur, out), true
			})
			return nil
		},
		local: func() {
			s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
				return replacePoint(cur, out), true
			})
		},
	})
	if err != nil {
		return models.AccessPoint{}, Result{}, err
	}
	return out, res, nil
}

// ToggleAccessPoint flips access point id between active and disabled.
func (s *Service) ToggleAccessPoint(ctx context.Context, id string) (models.AccessPoint, Result, error) {
	cur, ok := s.state.AccessPoint(id)
	if !ok {
		return models.AccessPoint{}, Result{}, fmt.Errorf("access point %s: %w", id, perrors.ErrNotFound)
	}
	next := models.PointDisabled
	if cur.Status == models.PointDisabled {
		next = models.PointActive
	}
	return s.UpdateAccessPoint(ctx, id, PointPatch{Status: &next})
}

// DeleteAccessPoint removes access point id.
func (s *Service) DeleteAccessPoint(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, perrors.Invalid("access point id is required")
	}
	remove := func() {
		s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
			return removePoint(cur, id)
		})
	}
	return s.mutate(ctx, mutation{
		op:       models.OpDeleteAccessPoint,
		lockID:   id,
		entityID: id,
		label:    "delete access point",
		payload:  models.EntityPayload{ID: id},
		call: func(ctx context.Context) error {
			if err := s.api.DeleteAccessPoint(ctx, id); err != nil {
				return err
			}
			remove()
			return nil
		},
		local: remove,
	})
}

// CreateUser registers a new user.
func (s *Service) CreateUser(ctx context.Context, u models.AccessControlUser) (models.AccessControlUser, Result, error) {
	if err := validateUser(u); err != nil {
		return models.AccessControlUser{}, Result{}, err
	}
	if u.Status == "" {
		u.Status = "active"
	}
	payload, err := entityPayload("", u)
	if err != nil {
		return models.AccessControlUser{}, Result{}, err
	}

	out := u
	res, err := s.mutate(ctx, mutation{
		op:      models.OpCreateUser,
		lockID:  strings.ToLower(u.Email),
		label:   "create user",
		payload: payload,
		call: func(ctx context.Context) error {
			created, err := s.api.CreateUser(ctx, u)
			if err != nil {
				return err
			}
			out = created
			s.state.UpdateUsers(func(cur []models.AccessControlUser) ([]models.AccessControlUser, bool) {
				return replaceUser(cur, created), true
			})
			return nil
		},
		local: func() {
			if out.ID == "" {
				out.ID = LocalIDPrefix + uuid.NewString()
			}
			s.state.UpdateUsers(func(cur []models.AccessControlUser) ([]models.AccessControlUser, bool) {
				return replaceUser(cur, out), true
			})
		},
	})
	if err != nil {
		return models.AccessControlUser{}, Result{}, err
	}
	res.EntityID = out.ID
	return out, res, nil
}

// UpdateUser applies patch to user id.
func (s *Service) UpdateUser(ctx context.Context, id string, patch UserPatch) (models.AccessControlUser, Result, error) {
	if id == "" {
		return models.AccessControlUser{}, Result{}, perrors.Invalid("user id is required")
	}
	if err := patch.validate(); err != nil {
		return models.AccessControlUser{}, Result{}, err
	}
	cur, ok := s.state.User(id)
	if !ok {
		return models.AccessControlUser{}, Result{}, fmt.Errorf("user %s: %w", id, perrors.ErrNotFound)
	}
	payload, err := entityPayload(id, patch)
	if err != nil {
		return models.AccessControlUser{}, Result{}, err
	}

	out := patch.apply(cur)
	res, err := s.mutate(ctx, mutation{
		op:       models.OpUpdateUser,
		lockID:   id,
		entityID: id,
		label:    "update user",
		payload:  payload,
		call: func(ctx context.Context) error {
			updated, err := s.api.UpdateUser(ctx, id, patch)
			if err != nil {
				return err
			}
			if updated.ID != "" {
				out = updated
			}
			s.state.UpdateUsers(func(cur []models.AccessControlUser) ([]models.AccessControlUser, bool) {
				return replaceUser(cur, out), true
			})
			return nil
		},
		local: func() {
			s.state.UpdateUsers(func(cur []models.AccessControlUser) ([]models.AccessControlUser, bool) {
				return replaceUser(cur, out), true
			})
		},
	})
	if err != nil {
		return models.AccessControlUser{}, Result{}, err
	}
	return out, res, nil
}

// DeleteUser removes user id.
func (s *Service) DeleteUser(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, perrors.Invalid("user id is required")
	}
	remove := func() {
		s.state.UpdateUsers(func(cur []models.AccessControlUser) ([]models.AccessControlUser, bool) {
			return removeUser(cur, id)
		})
	}
	return s.mutate(ctx, mutation{
		op:       models.OpDeleteUser,
		lockID:   id,
		entityID: id,
		label:    "delete user",
		payload:  models.EntityPayload{ID: id},
		call: func(ctx context.Context) error {
			if err := s.api.DeleteUser(ctx, id); err != nil {
				return err
			}
			remove()
			return nil
		},
		local: remove,
	})
}

// ReviewAgentEvent approves or rejects an agent-originated pending event,
// then reloads the event list.
func (s *Service) ReviewAgentEvent(ctx context.Context, eventID string, action models.ReviewAction, reason string) (Result, error) {
	if eventID == "" {
		return Result{}, perrors.Invalid("event id is required")
	}
	if action != models.ReviewApprove && action != models.ReviewReject {
		return Result{}, perrors.Invalid("unknown review action %q", action)
	}

	status := "approved"
	if action == models.ReviewReject {
		status = "rejected"
	}
	markReviewed := func() {
		events := s.state.Events(0)
		for i := range events {
			if events[i].ID == eventID {
				events[i].ReviewStatus = status
			}
		}
		s.state.SetEvents(events)
	}

	return s.mutate(ctx, mutation{
		op:       models.OpReviewAgentEvent,
		lockID:   eventID,
		entityID: eventID,
		label:    string(action) + " agent event",
		payload:  models.ReviewPayload{EventID: eventID, Action: action, Reason: reason},
		call: func(ctx context.Context) error {
			if err := s.api.ReviewEvent(ctx, eventID, action, reason); err != nil {
				return err
			}
			if err := s.RefreshEvents(ctx); err != nil {
				markReviewed()
			}
			return nil
		},
		local: markReviewed,
	})
}

// SyncCachedEvents uploads the events an access point buffered while it was
// unreachable and clears them locally.
func (s *Service) SyncCachedEvents(ctx context.Context, accessPointID string) (int, Result, error) {
	point, ok := s.state.AccessPoint(accessPointID)
	if !ok {
		return 0, Result{}, fmt.Errorf("access point %s: %w", accessPointID, perrors.ErrNotFound)
	}
	if len(point.CachedEvents) == 0 {
		return 0, Result{}, nil
	}

	n := len(point.CachedEvents)
	clearCache := func() {
		s.state.UpdateAccessPoints(func(cur []models.AccessPoint) ([]models.AccessPoint, bool) {
			out := make([]models.AccessPoint, len(cur))
			changed := false
			for i, p := range cur {
				if p.ID == accessPointID && len(p.CachedEvents) > 0 {
					p = p.Clone()
					p.CachedEvents = nil
					changed = true
				}
				out[i] = p
			}
			return out, changed
		})
	}

	payload := models.SyncEventsPayload{AccessPointID: accessPointID, Events: point.CachedEvents}
	res, err := s.mutate(ctx, mutation{
		op:       models.OpSyncCachedEvents,
		lockID:   accessPointID,
		entityID: accessPointID,
		label:    "sync cached events",
		payload:  payload,
		call: func(ctx context.Context) error {
			if err := s.api.SyncEvents(ctx, payload); err != nil {
				return err
			}
			clearCache()
			return nil
		},
		local: clearCache,
	})
	if err != nil {
		return 0, Result{}, err
	}
	return n, res, nil
}
