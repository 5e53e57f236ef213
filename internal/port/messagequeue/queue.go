// Package messagequeue defines the message queue port (interface) the
// authority uses to fan progress events out across replicas.
package messagequeue

import (
	"context"
	"strings"
)

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages matching subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error
}

// Subjects used by lablab.
const (
	SubjectProgress    = "progress"           // stream prefix
	SubjectProgressAll = "progress.updated.>" // every progress event
)

// ProgressSubject returns the subject for progress events of sessionID.
// Characters with meaning in NATS subjects are replaced.
func ProgressSubject(sessionID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return "progress.updated." + r.Replace(sessionID)
}
