// Package emergency is the facility-wide lockdown/unlock state machine.
// Transitions are confirmed, checked against the active controller's grace
// window, acknowledged by the backend and only then applied locally.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
)

// Mode is the facility-wide emergency mode.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeLockdown Mode = "lockdown"
	ModeUnlock   Mode = "unlock"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeLockdown, ModeUnlock:
		return true
	}
	return false
}

// Priority of each active mode; lower is weaker.
const (
	PriorityUnlock   = 0
	PriorityLockdown = 1
)

// Grace windows during which an active controller resists replacement.
const (
	LockdownGrace = 10 * time.Second
	UnlockGrace   = 5 * time.Second
)

// DefaultUnlockTimeout is how long an unlock lasts before auto-restore.
const DefaultUnlockTimeout = 1800 * time.Second

// Controller describes the active emergency.
type Controller struct {
	Mode            Mode          `json:"mode"`
	InitiatedBy     string        `json:"initiatedBy"`
	Reason          string        `json:"reason,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Priority        int           `json:"priority"`
	TimeoutDuration time.Duration `json:"timeoutDuration,omitempty"`
	Remote          bool          `json:"remote,omitempty"`
}

// Request is an operator-initiated transition.
type Request struct {
	Actor     string
	Reason    string
	Confirmed bool
	// Timeout overrides the unlock auto-restore delay.
	Timeout time.Duration
}

// Confirmer asks an operator to confirm a transition that was not confirmed
// upstream.
type Confirmer interface {
	Confirm(ctx context.Context, target Mode, req Request) (bool, error)
}

// ErrConfirmationRequired is returned when a transition was neither
// pre-confirmed nor confirmed by the Confirmer.
var ErrConfirmationRequired = errors.New("emergency: confirmation required")

// ConflictError rejects a transition that would override an active
// controller inside its grace window.
type ConflictError struct {
	Requested Mode
	Active    Mode
	ActiveBy  string
	Elapsed   time.Duration
	Grace     time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s rejected: %s initiated by %s %s ago is inside its %s grace window",
		e.Requested, e.Active, e.ActiveBy, e.Elapsed.Round(time.Second), e.Grace)
}

func (e *ConflictError) Unwrap() error { return perrors.ErrConflict }
