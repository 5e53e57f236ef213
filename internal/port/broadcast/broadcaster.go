// Package broadcast defines the port for pushing live progress events to observers.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected observers.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected observers.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
