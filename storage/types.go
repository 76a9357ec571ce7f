package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	SessionEventDialFailed      = "dial_failed"
	SessionEventFallbackListen  = "fallback_listen"
	SessionEventEstablished     = "established"
	SessionEventLivenessTimeout = "liveness_timeout"
	SessionEventClosed          = "closed"
)

const (
	SessionRoleClient = "client"
	SessionRoleServer = "server"
)

// SessionEvent is one row of the session history journal.
type SessionEvent struct {
	ID         int64
	Kind       string
	Role       string
	RemoteAddr string
	Attempt    int
	Detail     string
	// Timestamp is unix milliseconds.
	Timestamp int64
}

// Time returns Timestamp as a local time.Time.
func (e SessionEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// SessionEventFilter narrows ListSessionEvents results.
type SessionEventFilter struct {
	Kind  string
	Limit int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSessionEventKind(kind string) error {
	switch kind {
	case SessionEventDialFailed, SessionEventFallbackListen, SessionEventEstablished,
		SessionEventLivenessTimeout, SessionEventClosed:
		return nil
	default:
		return fmt.Errorf("invalid session event kind %q", kind)
	}
}

func validateSessionRole(role string) error {
	switch role {
	case "", SessionRoleClient, SessionRoleServer:
		return nil
	default:
		return fmt.Errorf("invalid session role %q", role)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
