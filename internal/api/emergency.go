package api

import (
	"context"
	"time"
)

// EmergencyRequest is the body of the emergency endpoints.
type EmergencyRequest struct {
	InitiatedBy    string    `json:"initiatedBy"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Priority       int       `json:"priority"`
	TimeoutSeconds int       `json:"timeoutSeconds,omitempty"`
}

// Lockdown asks the backend to lock every access point.
func (c *Client) Lockdown(ctx context.Context, r EmergencyRequest) error {
	return c.emergency(ctx, "lockdown", r)
}

// Unlock asks the backend to release every access point.
func (c *Client) Unlock(ctx context.Context, r EmergencyRequest) error {
	return c.emergency(ctx, "unlock", r)
}

// Restore returns the backend to normal operation.
func (c *Client) Restore(ctx context.Context, r EmergencyRequest) error {
	return c.emergency(ctx, "restore", r)
}

func (c *Client) emergency(ctx context.Context, action string, r EmergencyRequest) error {
	return c.do(ctx, request{
		method: "POST",
		route:  routeEmergency,
		path:   "/access-control/emergency/" + action,
		body:   r,
	})
}
