package middleware

import (
	"context"
	"net/http"
	"strings"
)

// HeaderParticipantID carries the participant a progress request acts for.
const HeaderParticipantID = "X-Participant-ID"

type participantKey struct{}

// Participant stores the trimmed X-Participant-ID header in the request
// context. Requests without the header pass through unchanged; handlers
// that need a participant reject them.
func Participant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(HeaderParticipantID)); id != "" {
			r = r.WithContext(WithParticipantID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// WithParticipantID returns ctx carrying the participant id.
func WithParticipantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, participantKey{}, id)
}

// ParticipantID returns the participant id from ctx, or "".
func ParticipantID(ctx context.Context) string {
	id, _ := ctx.Value(participantKey{}).(string)
	return id
}
