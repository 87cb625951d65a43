package api

import (
	"context"
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/models"
)

// Dispatch replays one queued operation against the backend. Every
// operation type maps to exactly one call; reads are never queued and
// dispatch is never retried here.
func (c *Client) Dispatch(ctx context.Context, op models.QueuedOperation) error {
	switch op.Type {
	case models.OpCreateAccessPoint, models.OpCreateUser:
		p, err := decodeEntity(op, false)
		if err != nil {
			return err
		}
		route := routePoints
		if op.Type == models.OpCreateUser {
			route = routeUsers
		}
		return c.do(ctx, request{method: "POST", route: route, path: route, body: p.Data})

	case models.OpUpdateAccessPoint:
		p, err := decodeEntity(op, true)
		if err != nil {
			return err
		}
		return c.do(ctx, request{method: "PUT", route: routePoint, path: pointPath(p.ID), body: p.Data})

	case models.OpUpdateUser:
		p, err := decodeEntity(op, true)
		if err != nil {
			return err
		}
		return c.do(ctx, request{method: "PUT", route: routeUser, path: userPath(p.ID), body: p.Data})

	case models.OpDeleteAccessPoint:
		p, err := decodeEntity(op, true)
		if err != nil {
			return err
		}
		return c.DeleteAccessPoint(ctx, p.ID)

	case models.OpDeleteUser:
		p, err := decodeEntity(op, true)
		if err != nil {
			return err
		}
		return c.DeleteUser(ctx, p.ID)

	case models.OpSyncCachedEvents:
		var p models.SyncEventsPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return perrors.Invalid("%s payload: %v", op.Type, err)
		}
		return c.SyncEvents(ctx, p)

	case models.OpReviewAgentEvent:
		var p models.ReviewPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return perrors.Invalid("%s payload: %v", op.Type, err)
		}
		if p.EventID == "" {
			return perrors.Invalid("%s payload: missing eventId", op.Type)
		}
		return c.ReviewEvent(ctx, p.EventID, p.Action, p.Reason)
	}
	return fmt.Errorf("%w: unknown operation type %q", perrors.ErrInvalidInput, op.Type)
}

func decodeEntity(op models.QueuedOperation, needID bool) (models.EntityPayload, error) {
	var p models.EntityPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return p, perrors.Invalid("%s payload: %v", op.Type, err)
	}
	if needID && p.ID == "" {
		return p, perrors.Invalid("%s payload: missing id", op.Type)
	}
	return p, nil
}
