package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck reports the local database down when it cannot be pinged.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Result {
		if err := p.Ping(ctx); err != nil {
			return Result{Status: StatusDown, Detail: err.Error()}
		}
		return Result{Status: StatusOK}
	}
}

// BackendState is the reachability view exposed by the connectivity tracker.
type BackendState struct {
	Online              bool
	ConsecutiveFailures int
	LastError           string
}

// BackendCheck reports the backend degraded rather than down while offline:
// the agent keeps serving from its mirror and queues writes.
func BackendCheck(state func() BackendState) CheckFunc {
	return func(context.Context) Result {
		s := state()
		if s.Online {
			return Result{Status: StatusOK}
		}
		return Result{
			Status: StatusDegraded,
			Detail: fmt.Sprintf("offline after %d failure(s): %s", s.ConsecutiveFailures, s.LastError),
		}
	}
}

// RealtimeCheck reports the push channel degraded while disconnected.
func RealtimeCheck(connected func() bool) CheckFunc {
	return func(context.Context) Result {
		if connected() {
			return Result{Status: StatusOK}
		}
		return Result{Status: StatusDegraded, Detail: "realtime channel disconnected"}
	}
}

// QueueCheck reports degraded when operations are parked as failed and
// down when the queue is at capacity.
func QueueCheck(stats func(ctx context.Context) (pending, failed int), capacity int) CheckFunc {
	return func(ctx context.Context) Result {
		pending, failed := stats(ctx)
		switch {
		case capacity > 0 && pending+failed >= capacity:
			return Result{Status: StatusDown, Detail: fmt.Sprintf("offline queue full (%d)", capacity)}
		case failed > 0:
			return Result{Status: StatusDegraded, Detail: fmt.Sprintf("%d failed operation(s) need retry", failed)}
		}
		return Result{Status: StatusOK}
	}
}

// StalenessCheck reports degraded when the mirror has not been refreshed
// within maxAge.
func StalenessCheck(updatedAt func() time.Time, now func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) Result {
		ts := updatedAt()
		if ts.IsZero() {
			return Result{Status: StatusDegraded, Detail: "state never loaded"}
		}
		if age := now().Sub(ts); age > maxAge {
			return Result{Status: StatusDegraded, Detail: fmt.Sprintf("state last updated %s ago", age.Round(time.Second))}
		}
		return Result{Status: StatusOK}
	}
}
