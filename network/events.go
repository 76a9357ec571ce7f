package network

import "time"

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventDialFailed      EventKind = "dial_failed"
	EventFallbackListen  EventKind = "fallback_listen"
	EventEstablished     EventKind = "established"
	EventLivenessTimeout EventKind = "liveness_timeout"
	EventClosed          EventKind = "closed"
)

// Role is the side a process took when the session was formed.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Event reports one session lifecycle transition.
type Event struct {
	Kind       EventKind
	Role       Role
	RemoteAddr string
	Detail     string
	// Attempt is the 1-based dial attempt for EventDialFailed.
	Attempt int
	At      time.Time
}

// EventFunc receives lifecycle events. It is called synchronously.
type EventFunc func(Event)

func (f EventFunc) emit(event Event) {
	if f == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	f(event)
}
