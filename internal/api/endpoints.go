package api

import (
	"context"
	"net/url"
	"strconv"

	"github.com/p-blackswan/access-agent/internal/models"
)

const (
	routePoints      = "/access-control/points"
	routePoint       = "/access-control/points/{id}"
	routeUsers       = "/access-control/users"
	routeUser        = "/access-control/users/{id}"
	routeEvents      = "/access-control/events"
	routeEventsSync  = "/access-control/events/sync"
	routeEventReview = "/access-control/events/{id}/review"
	routeEventExport = "/access-control/events/export"
	routeReport      = "/access-control/reports/export"
	routeMetrics     = "/access-control/metrics"
	routeEmergency   = "/access-control/emergency/{action}"
	routeAudit       = "/access-control/audit"
)

func pointPath(id string) string {
	return routePoints + "/" + url.PathEscape(id)
}

func userPath(id string) string {
	return routeUsers + "/" + url.PathEscape(id)
}

// ListAccessPoints fetches every access point.
func (c *Client) ListAccessPoints(ctx context.Context) ([]models.AccessPoint, error) {
	var out list[models.AccessPoint]
	if err := c.get(ctx, request{route: routePoints, path: routePoints, out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAccessPoint creates p and returns the backend's copy. A response
// without a body yields p unchanged.
func (c *Client) CreateAccessPoint(ctx context.Context, p models.AccessPoint) (models.AccessPoint, error) {
	out := p
	err := c.do(ctx, request{method: "POST", route: routePoints, path: routePoints, body: p, out: &out})
	return out, err
}

// UpdateAccessPoint sends a partial or full update for id.
func (c *Client) UpdateAccessPoint(ctx context.Context, id string, patch any) (models.AccessPoint, error) {
	var out models.AccessPoint
	err := c.do(ctx, request{method: "PUT", route: routePoint, path: pointPath(id), body: patch, out: &out})
	return out, err
}

// DeleteAccessPoint removes id.
func (c *Client) DeleteAccessPoint(ctx context.Context, id string) error {
	return c.do(ctx, request{method: "DELETE", route: routePoint, path: pointPath(id)})
}

// ListUsers fetches every access-control user.
func (c *Client) ListUsers(ctx context.Context) ([]models.AccessControlUser, error) {
	var out list[models.AccessControlUser]
	if err := c.get(ctx, request{route: routeUsers, path: routeUsers, out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateUser creates u and returns the backend's copy.
func (c *Client) CreateUser(ctx context.Context, u models.AccessControlUser) (models.AccessControlUser, error) {
	out := u
	err := c.do(ctx, request{method: "POST", route: routeUsers, path: routeUsers, body: u, out: &out})
	return out, err
}

// UpdateUser sends a partial or full update for id.
func (c *Client) UpdateUser(ctx context.Context, id string, patch any) (models.AccessControlUser, error) {
	var out models.AccessControlUser
	err := c.do(ctx, request{method: "PUT", route: routeUser, path: userPath(id), body: patch, out: &out})
	return out, err
}

// DeleteUser removes id.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, request{method: "DELETE", route: routeUser, path: userPath(id)})
}

// ListEvents fetches recent access events, newest first.
func (c *Client) ListEvents(ctx context.Context) ([]models.AccessEvent, error) {
	var out list[models.AccessEvent]
	if err := c.get(ctx, request{route: routeEvents, path: routeEvents, out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncEvents uploads events buffered at an access point while it was offline.
func (c *Client) SyncEvents(ctx context.Context, p models.SyncEventsPayload) error {
	return c.do(ctx, request{method: "POST", route: routeEventsSync, path: routeEventsSync, body: p})
}

// ReviewEvent approves or rejects an agent-originated pending event.
func (c *Client) ReviewEvent(ctx context.Context, eventID string, action models.ReviewAction, reason string) error {
	q := url.Values{"action": {string(action)}}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, request{
		method: "PUT",
		route:  routeEventReview,
		path:   routeEvents + "/" + url.PathEscape(eventID) + "/review",
		query:  q,
	})
}

// ExportEvents downloads the event log in the given format (csv, json, pdf).
func (c *Client) ExportEvents(ctx context.Context, format string) ([]byte, error) {
	var raw []byte
	err := c.get(ctx, request{route: routeEventExport, path: routeEventExport, query: url.Values{"format": {format}}, raw: &raw})
	return raw, err
}

// ExportReport downloads the access-control report in the given format.
func (c *Client) ExportReport(ctx context.Context, format string) ([]byte, error) {
	var raw []byte
	err := c.get(ctx, request{route: routeReport, path: routeReport, query: url.Values{"format": {format}}, raw: &raw})
	return raw, err
}

// GetMetrics fetches the backend's aggregate dashboard metrics.
func (c *Client) GetMetrics(ctx context.Context) (models.Metrics, error) {
	var out models.Metrics
	err := c.get(ctx, request{route: routeMetrics, path: routeMetrics, out: &out})
	return out, err
}

// PostAudit mirrors one audit entry to the backend.
func (c *Client) PostAudit(ctx context.Context, e models.AuditEntry) error {
	return c.do(ctx, request{method: "POST", route: routeAudit, path: routeAudit, body: e})
}

// ListAudit reads the backend's audit trail.
func (c *Client) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out list[models.AuditEntry]
	if err := c.get(ctx, request{route: routeAudit, path: routeAudit, query: q, out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}
