package realtime

import "context"

// Handler receives decoded messages, one method per kind. Adding a message
// type breaks every implementation until it handles the new kind.
type Handler interface {
	OnPointUpdated(ctx context.Context, m PointUpdated)
	OnPointOffline(ctx context.Context, m PointOffline)
	OnEventCreated(ctx context.Context, m EventCreated)
	OnUserUpdated(ctx context.Context, m UserUpdated)
	OnEmergencyActivated(ctx context.Context, m EmergencyActivated)
	OnAgentEventPending(ctx context.Context, m AgentEventPending)
	OnHeldOpenAlarm(ctx context.Context, m HeldOpenAlarm)
}

// Dispatch routes m to the matching Handler method.
func Dispatch(ctx context.Context, h Handler, m Message) {
	switch msg := m.(type) {
	case PointUpdated:
		h.OnPointUpdated(ctx, msg)
	case PointOffline:
		h.OnPointOffline(ctx, msg)
	case EventCreated:
		h.OnEventCreated(ctx, msg)
	case UserUpdated:
		h.OnUserUpdated(ctx, msg)
	case EmergencyActivated:
		h.OnEmergencyActivated(ctx, msg)
	case AgentEventPending:
		h.OnAgentEventPending(ctx, msg)
	case HeldOpenAlarm:
		h.OnHeldOpenAlarm(ctx, msg)
	}
}
