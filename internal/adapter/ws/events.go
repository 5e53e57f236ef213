package ws

import (
	"context"
	"encoding/json"

	"github.com/solosolocodes/lablab-sub002/internal/domain/event"
	"github.com/solosolocodes/lablab-sub002/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// BroadcastEvent marshals payload and broadcasts it under eventType. Progress
// events are routed to observers of their session.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("websocket event marshal failed", "type", eventType, "error", err)
		return
	}

	msg := Message{Type: eventType, Payload: data}
	if p, ok := payload.(event.ProgressUpdated); ok {
		msg.SessionID = p.SessionID
	}
	h.Broadcast(ctx, msg)
}
