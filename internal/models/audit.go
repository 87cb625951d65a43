package models

import "time"

// AuditStatus is the outcome recorded by an audit entry.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditDenied  AuditStatus = "denied"
	AuditInfo    AuditStatus = "info"
)

// AuditEntry records a security-relevant action.
type AuditEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     string      `json:"actor"`
	Action    string      `json:"action"`
	Status    AuditStatus `json:"status"`
	Target    string      `json:"target,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Source    string      `json:"source,omitempty"`
}
