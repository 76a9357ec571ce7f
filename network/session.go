package network

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultHeartbeatInterval is how often a heartbeat probe is sent.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultLivenessTimeout is how long a session survives without an acknowledgment.
	DefaultLivenessTimeout = 60 * time.Second
)

var heartbeatPayload = []byte("ping")

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionOptions controls one Session.
type SessionOptions struct {
	Role              Role
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	Handler           Handler
	Logger            zerolog.Logger
	OnEvent           EventFunc
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.Role == "" {
		out.Role = RoleServer
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = DefaultLivenessTimeout
	}
	if out.Handler == nil {
		out.Handler = LogHandler{Logger: out.Logger}
	}
	return out
}

// Session runs one established connection: it dispatches inbound frames to
// the Handler and keeps the connection alive with heartbeat probes.
type Session struct {
	transport Transport
	opts      SessionOptions
	logger    zerolog.Logger

	state atomic.Int32
}

// NewSession wraps an established transport. The session is Connecting until Run.
func NewSession(transport Transport, options SessionOptions) *Session {
	opts := options.withDefaults()
	s := &Session{
		transport: transport,
		opts:      opts,
		logger: opts.Logger.With().
			Str("component", "session").
			Str("role", string(opts.Role)).
			Str("addr", transport.RemoteAddr()).
			Logger(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// Send writes msg as one text frame.
func (s *Session) Send(msg Message) error {
	if s.isClosing() {
		return ErrSessionClosed
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return s.transport.WriteFrame(Frame{Kind: FrameText, Payload: payload})
}

// SendBinary writes data as one binary frame.
func (s *Session) SendBinary(data []byte) error {
	if s.isClosing() {
		return ErrSessionClosed
	}
	return s.transport.WriteFrame(Frame{Kind: FrameBinary, Payload: data})
}

// Close starts an orderly shutdown; Run returns once the transport is gone.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) &&
		!s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
		return nil
	}
	return s.transport.Close()
}

// Run drives the session until the peer closes (nil), the liveness window
// expires (ErrLivenessTimeout) or ctx is done (ctx.Err()).
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return ErrSessionClosed
	}
	s.logger.Info().Msg("session active")

	lastAck := time.Now()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	if s.opts.Role == RoleClient {
		s.probe()
	}

	frames := s.transport.Frames()
	for {
		select {
		case <-ctx.Done():
			s.finish("shutdown")
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				if err := s.transport.Err(); err != nil {
					s.logger.Warn().Err(err).Msg("connection lost")
					s.finish(err.Error())
				} else {
					s.logger.Info().Msg("peer closed session")
					s.finish("peer closed")
				}
				return nil
			}
			if frame.Kind == FramePong {
				lastAck = time.Now()
			}
			s.dispatch(ctx, frame)

		case <-ticker.C:
			if silent := time.Since(lastAck); silent > s.opts.LivenessTimeout {
				s.logger.Warn().
					Dur("silent_for", silent).
					Dur("timeout", s.opts.LivenessTimeout).
					Msg("no heartbeat acknowledgment, closing session")
				s.opts.OnEvent.emit(Event{
					Kind:       EventLivenessTimeout,
					Role:       s.opts.Role,
					RemoteAddr: s.RemoteAddr(),
					Detail:     "no acknowledgment for " + silent.Truncate(time.Millisecond).String(),
				})
				s.finish("liveness timeout")
				return ErrLivenessTimeout
			}
			s.probe()
		}
	}
}

func (s *Session) dispatch(ctx context.Context, frame Frame) {
	switch frame.Kind {
	case FrameText:
		msg, err := Decode(frame.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(frame.Payload)).Msg("dropping malformed message")
			return
		}
		if err := s.opts.Handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.Warn().Err(err).Str("type", msg.MessageType()).Msg("handler failed")
		}
	case FrameBinary:
		if err := s.opts.Handler.HandleBinary(ctx, s, frame.Payload); err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(frame.Payload)).Msg("binary handler failed")
		}
	case FramePing:
		if err := s.transport.WriteFrame(Frame{Kind: FramePong, Payload: frame.Payload}); err != nil {
			s.logger.Warn().Err(err).Msg("heartbeat acknowledgment failed")
		}
	case FramePong:
		s.logger.Trace().Msg("heartbeat acknowledged")
	}
}

func (s *Session) probe() {
	if err := s.transport.WriteFrame(Frame{Kind: FramePing, Payload: heartbeatPayload}); err != nil {
		s.logger.Warn().Err(err).Msg("heartbeat probe failed")
		return
	}
	s.logger.Trace().Msg("heartbeat probe sent")
}

func (s *Session) finish(reason string) {
	s.state.Store(int32(StateClosing))
	if err := s.transport.Close(); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Debug().Err(err).Msg("close transport")
	}
	s.state.Store(int32(StateClosed))

	s.opts.OnEvent.emit(Event{
		Kind:       EventClosed,
		Role:       s.opts.Role,
		RemoteAddr: s.RemoteAddr(),
		Detail:     reason,
	})
	s.logger.Info().Str("reason", reason).Msg("session closed")
}

func (s *Session) isClosing() bool {
	state := s.State()
	return state == StateClosing || state == StateClosed
}
