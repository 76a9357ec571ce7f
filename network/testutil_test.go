package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memTransport is an in-memory Transport driven by the test.
type memTransport struct {
	remote string
	in     chan Frame
	writes chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	readErr error
}

func newMemTransport(remote string) *memTransport {
	return &memTransport{
		remote: remote,
		in:     make(chan Frame, 64),
		writes: make(chan Frame, 256),
		closed: make(chan struct{}),
	}
}

func (m *memTransport) Frames() <-chan Frame { return m.in }
func (m *memTransport) RemoteAddr() string   { return m.remote }

func (m *memTransport) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readErr
}

func (m *memTransport) WriteFrame(frame Frame) error {
	select {
	case <-m.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case m.writes <- frame:
	default:
	}
	return nil
}

func (m *memTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *memTransport) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *memTransport) push(t *testing.T, frame Frame) {
	t.Helper()
	select {
	case m.in <- frame:
	case <-time.After(time.Second):
		t.Fatalf("push %s frame timed out", frame.Kind)
	}
}

func (m *memTransport) pushMessage(t *testing.T, msg Message) {
	t.Helper()
	payload, err := Encode(msg)
	require.NoError(t, err)
	m.push(t, Frame{Kind: FrameText, Payload: payload})
}

// peerClose simulates the remote side ending the connection.
func (m *memTransport) peerClose() {
	close(m.in)
}

func (m *memTransport) nextWrite(t *testing.T, kind FrameKind) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-m.writes:
			if frame.Kind == kind {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame written", kind)
		}
	}
}

type recordingHandler struct {
	messages chan Message
	binaries chan []byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		messages: make(chan Message, 16),
		binaries: make(chan []byte, 16),
	}
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ Sender, msg Message) error {
	h.messages <- msg
	return nil
}

func (h *recordingHandler) HandleBinary(_ context.Context, _ Sender, data []byte) error {
	h.binaries <- append([]byte(nil), data...)
	return nil
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Kind)
	}
	return out
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}
